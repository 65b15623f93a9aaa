// Package router implements the process-local typed message dispatch
// described in spec.md section 4.2: a table from concrete message type
// to handler, with messages classified as Local (never leaves the
// process) or Wired (serializable, may also arrive from the network).
package router

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/jabolina/rabia/pkg/rabia/definition"
)

// Class distinguishes messages that only ever travel in-process from
// messages that may be serialized onto the wire.
type Class int

const (
	// Local messages never leave the process.
	Local Class = iota
	// Wired messages are serializable and may arrive from the network.
	Wired
)

// Message is anything the router can dispatch. Class lets the router
// (and callers inspecting the type) tell wired messages apart from
// local-only ones without a type switch at every call site.
type Message interface {
	Class() Class
}

// Handler processes exactly one concrete Message type.
type Handler func(msg Message)

// Router is a process-wide table mapping concrete message type to
// handler. It never panics out to the caller: an unknown type is
// logged and dropped, and a handler that panics is logged and
// swallowed, since routing is fire-and-forget (spec.md section 4.2).
type Router struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]Handler
	errors   []error
	log      definition.Logger
}

// New creates an empty Router.
func New(log definition.Logger) *Router {
	return &Router{
		handlers: make(map[reflect.Type]Handler),
		log:      log,
	}
}

// Register binds the handler to the concrete type of sample. It does
// not fail immediately on a duplicate registration: per spec.md
// section 7, double-registration is a configuration error surfaced at
// validation time, not at call time, so the registry can be built up
// across multiple components before anyone calls Validate.
func (r *Router) Register(sample Message, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := reflect.TypeOf(sample)
	if _, exists := r.handlers[t]; exists {
		r.errors = append(r.errors, fmt.Errorf("duplicate handler registration for %s", t))
		return
	}
	r.handlers[t] = h
}

// Validate returns every registration error observed so far (today,
// only duplicate registrations). Call it once, before Start, so
// configuration mistakes surface before the process begins routing.
func (r *Router) Validate() []error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]error(nil), r.errors...)
}

// Route dispatches msg to its registered handler on the caller's
// goroutine. An unknown type is logged and dropped; a handler panic is
// recovered, logged, and never propagated.
func (r *Router) Route(msg Message) {
	r.mu.RLock()
	h, ok := r.handlers[reflect.TypeOf(msg)]
	r.mu.RUnlock()

	if !ok {
		r.log.Warnf("router: no handler registered for %T, dropping", msg)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("router: handler for %T panicked: %v", msg, rec)
		}
	}()
	h(msg)
}
