package selected

import (
	"github.com/rs/zerolog"

	"ravensync/internal/notify"
)

// Listener feeds notifier events into a Mailbox's queues.
type Listener struct {
	mailbox *Mailbox
	log     zerolog.Logger
}

// NewListener returns a listener that records events into mb.
func NewListener(mb *Mailbox, log zerolog.Logger) *Listener {
	return &Listener{mailbox: mb, log: log}
}

// HandleEvent implements notify.Listener.
func (l *Listener) HandleEvent(ev notify.Event) {
	switch ev.Kind {
	case notify.Added:
		l.mailbox.RecordAdded(ev.UID)
		l.mailbox.NoteFlags(ev.Flags)
	case notify.Expunged:
		l.mailbox.RecordExpunged(ev.UID)
	case notify.FlagsUpdated:
		l.mailbox.RecordFlagsUpdated(ev.UID, ev.Flags)
	default:
		l.log.Warn().Stringer("kind", ev.Kind).Msg("ignoring unknown mailbox event")
		return
	}
	l.log.Debug().
		Stringer("kind", ev.Kind).
		Uint64("uid", uint64(ev.UID)).
		Str("mailbox", l.mailbox.Name()).
		Msg("queued mailbox event")
}

// Register binds a new listener for mb on hub under the session id owner
// and stores the handle in mb, so mb.Close releases it.
func Register(hub *notify.Hub, mb *Mailbox, owner string, log zerolog.Logger) *notify.Registration {
	reg := hub.Register(mb.Key(), owner, NewListener(mb, log))
	mb.Attach(reg)
	return reg
}
