package bft

import "fmt"

// HandlerFunc processes one inbound Envelope from a given sender.
type HandlerFunc func(from NodeName, env Envelope) error

// Router dispatches envelopes to the handler registered for their Type, a
// jump table generalized from consensus.Manager.HandleConsensusMessage's
// type switch (internal/icenet/consensus/manager.go). Built once at
// construction and never mutated afterwards, so Dispatch needs no lock.
type Router struct {
	handlers map[MsgType]HandlerFunc
	onUnknown func(from NodeName, env Envelope)
}

// NewRouter builds an empty Router. Use Register to fill the jump table.
func NewRouter(onUnknown func(from NodeName, env Envelope)) *Router {
	return &Router{
		handlers:  make(map[MsgType]HandlerFunc),
		onUnknown: onUnknown,
	}
}

// Register binds t to handler, overwriting any previous binding.
func (r *Router) Register(t MsgType, handler HandlerFunc) {
	r.handlers[t] = handler
}

// Dispatch routes env to its registered handler. An envelope whose Type
// has no registered handler is reported via onUnknown (which a Node wires
// to raise an UnknownMessage suspicion) and is also returned as an error
// naming the unroutable type.
func (r *Router) Dispatch(from NodeName, env Envelope) error {
	handler, ok := r.handlers[env.Type]
	if !ok {
		if r.onUnknown != nil {
			r.onUnknown(from, env)
		}
		return fmt.Errorf("bft: no handler registered for %s", env.Type)
	}
	return handler(from, env)
}
