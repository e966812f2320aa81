package models

import (
	"net"

	"github.com/rs/zerolog"

	"ravensync/internal/capability"
	"ravensync/internal/metrics"
	"ravensync/internal/selected"
)

// ClientState is the state of one connection. It is owned by the
// connection's goroutine.
type ClientState struct {
	ID            string
	Conn          net.Conn
	Encrypted     bool
	Authenticated bool
	Username      string
	UserID        int64

	// Selected is nil when no mailbox is selected.
	Selected    *selected.Mailbox
	// UIDValidity and UIDNext as reported on the last SELECT.
	UIDValidity uint32
	UIDNext     uint64

	// ModSeqPersistent is false when the selected mailbox reported NOMODSEQ.
	ModSeqPersistent bool

	// Enabled holds extensions turned on with ENABLE or SELECT (CONDSTORE).
	Enabled capability.Set

	Log zerolog.Logger
}

// SetSelected installs mb as the selected mailbox. The previous one, if
// any, must have been released with Deselect.
func (s *ClientState) SetSelected(mb *selected.Mailbox) {
	s.Selected = mb
	metrics.SelectedSessions.Inc()
}

// Deselect drops the selected mailbox and releases its listener. It is a
// no-op when nothing is selected.
func (s *ClientState) Deselect() {
	if s.Selected == nil {
		return
	}
	if err := s.Selected.Close(); err != nil {
		s.Log.Warn().Err(err).Msg("failed to release mailbox listener")
	}
	s.Selected = nil
	s.UIDValidity = 0
	s.UIDNext = 0
	s.ModSeqPersistent = false
	metrics.SelectedSessions.Dec()
}

// SelectedName returns the name of the selected mailbox, or "".
func (s *ClientState) SelectedName() string {
	if s.Selected == nil {
		return ""
	}
	return s.Selected.Name()
}
