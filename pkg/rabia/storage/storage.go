// Package storage provides the append-only log the consensus engine
// commits decided batches into, generalizing the teacher's
// types.Storage from a single keyed entry to an ordered-by-phase log
// (spec.md section 4.5, "committedLog").
package storage

import (
	"sync"

	"github.com/jabolina/rabia/pkg/rabia/result"
)

// Entry is one committed phase's durable record.
type Entry struct {
	Phase int64
	Value []byte
}

// Storage is the durability boundary for the committed log. Appends
// must be in strictly increasing Phase order; Get returns every entry
// from fromPhase onward, used to answer state-transfer requests
// (spec.md section 4.5, "Recovery").
type Storage interface {
	Append(entry Entry) error
	Get(fromPhase int64) ([]Entry, error)
	LastPhase() (int64, bool)
}

// InMemory is the default Storage, keeping the committed log resident
// in process memory -- matching spec.md section 4.5's "memory-resident
// by default" note, and mirroring the teacher's types.InMemoryStorage
// shape (a mutex-guarded slice) generalized to be phase-ordered rather
// than keyed by UID.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewInMemory creates an empty in-memory committed log.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// Append adds entry, rejecting any phase that isn't exactly one past
// the current tail -- the log has no gaps by construction.
func (s *InMemory) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := int64(len(s.entries))
	if entry.Phase != want {
		return result.NewCause(result.KindConsensus, "storage: out-of-order append")
	}
	s.entries = append(s.entries, entry)
	return nil
}

// Get returns every entry from fromPhase (inclusive) to the tail.
func (s *InMemory) Get(fromPhase int64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromPhase < 0 || fromPhase > int64(len(s.entries)) {
		return nil, result.NewCause(result.KindConsensus, "storage: fromPhase out of range")
	}
	out := make([]Entry, len(s.entries)-int(fromPhase))
	copy(out, s.entries[fromPhase:])
	return out, nil
}

// LastPhase returns the highest committed phase, if any.
func (s *InMemory) LastPhase() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return 0, false
	}
	return int64(len(s.entries) - 1), true
}
