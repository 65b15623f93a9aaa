package definition

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the leveled logging surface every component in this module
// accepts instead of reaching for a global. Matches the method set the
// teacher repo's types.Logger exposed, so every caller that depended on
// Infof/Warnf/Errorf/Debugf keeps working unchanged.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})

	// ToggleDebug flips debug-level emission and returns the new value.
	ToggleDebug(value bool) bool
}

// DefaultLogger is the logger used when a caller does not provide its
// own implementation. It backs onto logrus instead of stdlib log so a
// single structured-logging path is used across the whole runtime --
// the teacher repo split this between a stdlib-backed DefaultLogger
// and an ad-hoc prometheus/common/log call in its transport, which is
// unified here.
type DefaultLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger builds a DefaultLogger writing to stderr at info level.
func NewDefaultLogger(name string) *DefaultLogger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{entry: base.WithField("component", name)}
}

func (l *DefaultLogger) Info(v ...interface{})                   { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})    { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                    { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})    { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                   { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{})   { l.entry.Errorf(format, v...) }
func (l *DefaultLogger) Debug(v ...interface{})                   { l.entry.Debug(v...) }
func (l *DefaultLogger) Debugf(format string, v ...interface{})   { l.entry.Debugf(format, v...) }
func (l *DefaultLogger) Fatal(v ...interface{})                   { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{})   { l.entry.Fatalf(format, v...) }
func (l *DefaultLogger) Panic(v ...interface{})                   { l.entry.Panic(v...) }
func (l *DefaultLogger) Panicf(format string, v ...interface{})   { l.entry.Panicf(format, v...) }

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return value
}
