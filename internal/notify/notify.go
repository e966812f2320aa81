// Package notify delivers mailbox mutation events to the sessions that
// have a mailbox selected.
package notify

import (
	"sync"

	"github.com/rs/zerolog/log"

	"ravensync/internal/metrics"
	"ravensync/internal/uid"
)

// Kind identifies the mutation an Event describes.
type Kind int

const (
	Added Kind = iota
	Expunged
	FlagsUpdated
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Expunged:
		return "expunged"
	case FlagsUpdated:
		return "flags"
	}
	return "unknown"
}

// MailboxKey names a mailbox across all users.
type MailboxKey struct {
	UserID    int64
	MailboxID int64
}

// Event is one mutation. Origin is the session that caused it, empty for
// mutations made outside any session (delivery, tests).
type Event struct {
	Kind   Kind
	UID    uid.UID
	ModSeq uid.ModSeq
	Flags  []string
	Origin string
}

// Listener receives events for one mailbox. HandleEvent runs on the
// publisher's goroutine and must not block.
type Listener interface {
	HandleEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }

// Hub fans events out to registered listeners. Delivery for a mailbox
// follows registration order.
type Hub struct {
	mu        sync.Mutex
	listeners map[MailboxKey][]*Registration
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[MailboxKey][]*Registration)}
}

// Registration is the handle returned by Register. Close removes the
// listener; it is safe to call more than once.
type Registration struct {
	hub      *Hub
	key      MailboxKey
	owner    string
	listener Listener
	once     sync.Once
}

// Register adds l for the mailbox. Events whose Origin equals owner are
// not delivered to it.
func (h *Hub) Register(key MailboxKey, owner string, l Listener) *Registration {
	reg := &Registration{hub: h, key: key, owner: owner, listener: l}

	h.mu.Lock()
	h.listeners[key] = append(h.listeners[key], reg)
	h.mu.Unlock()

	metrics.ListenerRegistrations.Inc()
	return reg
}

// Close unregisters the listener.
func (r *Registration) Close() error {
	r.once.Do(func() {
		h := r.hub
		h.mu.Lock()
		regs := h.listeners[r.key]
		for i, other := range regs {
			if other == r {
				regs = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(regs) == 0 {
			delete(h.listeners, r.key)
		} else {
			h.listeners[r.key] = regs
		}
		h.mu.Unlock()
		metrics.ListenerRegistrations.Dec()
	})
	return nil
}

// Key returns the mailbox the registration listens on.
func (r *Registration) Key() MailboxKey {
	return r.key
}

// Publish delivers events in order to every listener of the mailbox except
// those owned by the events' origin.
func (h *Hub) Publish(key MailboxKey, events ...Event) {
	// Holding the lock across delivery keeps per-mailbox order when
	// several publishers race.
	h.mu.Lock()
	defer h.mu.Unlock()

	regs := h.listeners[key]
	for _, ev := range events {
		metrics.EventsPublished.WithLabelValues(ev.Kind.String()).Inc()
		for _, reg := range regs {
			if ev.Origin != "" && reg.owner == ev.Origin {
				continue
			}
			reg.listener.HandleEvent(ev)
		}
	}
	log.Debug().
		Int64("user_id", key.UserID).
		Int64("mailbox_id", key.MailboxID).
		Int("events", len(events)).
		Int("listeners", len(regs)).
		Msg("published mailbox events")
}

// Listeners returns the number of registrations on the mailbox.
func (h *Hub) Listeners(key MailboxKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[key])
}
