package result

import (
	"fmt"

	"github.com/pkg/errors"
)

// Cause is a typed failure: a human message plus an optional source
// error, walkable like the teacher's error handling but expressed with
// github.com/pkg/errors instead of a bespoke exception hierarchy --
// Cause() on the returned error walks the chain back to its root.
type Cause struct {
	Kind    string
	Message string
	err     error
}

func (c *Cause) Error() string {
	if c.err != nil {
		return fmt.Sprintf("%s: %s: %v", c.Kind, c.Message, c.err)
	}
	return fmt.Sprintf("%s: %s", c.Kind, c.Message)
}

// Unwrap lets errors.Is/errors.As and pkg/errors.Cause walk through to
// the wrapped source error.
func (c *Cause) Unwrap() error {
	return c.err
}

// NewCause builds a root Cause with no wrapped source.
func NewCause(kind, message string) *Cause {
	return &Cause{Kind: kind, Message: message}
}

// Wrap builds a Cause that chains onto an existing error, using
// pkg/errors.Wrap so the resulting error keeps a stack trace and
// supports Cause() traversal to the original error.
func Wrap(kind, message string, err error) *Cause {
	return &Cause{Kind: kind, Message: message, err: errors.Wrap(err, message)}
}

// Root returns the innermost error in the chain, mirroring the spec's
// "optional source" + "stream traversal" requirement.
func Root(err error) error {
	return errors.Cause(err)
}

// Timeout causes are used by Future.Await when it times out.
func Timeout(message string) *Cause {
	return NewCause("timeout", message)
}

// Well-known cause kinds shared across subsystems, per spec.md section 7.
const (
	KindTransport  = "transport"
	KindTopology   = "topology"
	KindConsensus  = "consensus"
	KindDNS        = "dns"
	KindLifecycle  = "lifecycle"
	KindSerializer = "serializer"
)
