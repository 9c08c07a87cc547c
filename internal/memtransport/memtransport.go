// Package memtransport provides an in-process bft.Transport for tests and
// the demo binary: one mailbox channel per peer rather than one channel
// per message type, so envelopes from the same sender are delivered in
// FIFO order regardless of type, which a channel-per-type design cannot
// guarantee once more than one type is in flight at once.
package memtransport

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/icebft/core/internal/bft"
)

// ErrClosed is returned by Recv once the transport has been closed.
var ErrClosed = errors.New("memtransport: closed")

type inbound struct {
	from bft.NodeName
	env  bft.Envelope
}

// Hub is a shared in-process switchboard: each Link registered on it can
// Send/Broadcast to any other Link, and Recv blocks on its own mailbox.
type Hub struct {
	mu       sync.Mutex
	mailbox  map[bft.NodeName]chan inbound
	// DropRate in [0,1) randomly drops sent envelopes before delivery,
	// standing in for a possibly lossy wire transport in tests.
	DropRate float64
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{mailbox: make(map[bft.NodeName]chan inbound)}
}

// Link is the bft.Transport handed to one Node; it reads from its own
// mailbox on the Hub and writes into peers' mailboxes.
type Link struct {
	hub  *Hub
	self bft.NodeName
	mbox chan inbound

	closeMu sync.Mutex
	closed  bool
}

var _ bft.Transport = (*Link)(nil)

// Register creates (or returns the existing) Link for name on h, with a
// buffered mailbox of the given capacity.
func (h *Hub) Register(name bft.NodeName, capacity int) *Link {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.mailbox[name]
	if !ok {
		ch = make(chan inbound, capacity)
		h.mailbox[name] = ch
	}
	return &Link{hub: h, self: name, mbox: ch}
}

func (h *Hub) peers() []bft.NodeName {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]bft.NodeName, 0, len(h.mailbox))
	for n := range h.mailbox {
		names = append(names, n)
	}
	return names
}

func (h *Hub) deliver(target bft.NodeName, msg inbound) bool {
	h.mu.Lock()
	ch, ok := h.mailbox[target]
	drop := h.DropRate
	h.mu.Unlock()
	if !ok {
		return false
	}
	if drop > 0 && rand.Float64() < drop {
		return true
	}
	select {
	case ch <- msg:
	default:
		// mailbox full: drop rather than block, matching a lossy
		// transport's failure mode instead of deadlocking the sender.
	}
	return true
}

// Send delivers env to target's mailbox.
func (l *Link) Send(ctx context.Context, target bft.NodeName, env bft.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.hub.deliver(target, inbound{from: l.self, env: env})
	return nil
}

// Broadcast delivers env to every registered peer including self.
func (l *Link) Broadcast(ctx context.Context, env bft.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, peer := range l.hub.peers() {
		l.hub.deliver(peer, inbound{from: l.self, env: env})
	}
	return nil
}

// Recv blocks until an envelope addressed to this Link's identity arrives,
// ctx is cancelled, or the Link is closed.
func (l *Link) Recv(ctx context.Context) (bft.NodeName, bft.Envelope, error) {
	select {
	case msg, ok := <-l.mbox:
		if !ok {
			return "", bft.Envelope{}, ErrClosed
		}
		return msg.from, msg.env, nil
	case <-ctx.Done():
		return "", bft.Envelope{}, ctx.Err()
	}
}

// Close stops further delivery to this Link's mailbox.
func (l *Link) Close() {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.hub.mu.Lock()
	if l.hub.mailbox[l.self] == l.mbox {
		delete(l.hub.mailbox, l.self)
	}
	l.hub.mu.Unlock()
	close(l.mbox)
}
