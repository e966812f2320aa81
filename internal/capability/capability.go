// Package capability holds the server's advertised capabilities and the
// per-session set of enabled extensions.
package capability

import (
	"slices"
	"strings"
	"sync"
)

// Capability is an IMAP capability name, upper case.
type Capability string

const (
	IMAP4rev1   Capability = "IMAP4rev1"
	LiteralPlus Capability = "LITERAL+"
	Idle        Capability = "IDLE"
	Namespace   Capability = "NAMESPACE"
	UIDPlus     Capability = "UIDPLUS"
	Unselect    Capability = "UNSELECT"
	Enable      Capability = "ENABLE"
	CondStore   Capability = "CONDSTORE"
	QResync     Capability = "QRESYNC"
	MailboxID   Capability = "OBJECTID"
	StartTLS    Capability = "STARTTLS"
)

// Entry describes one advertised capability.
type Entry struct {
	Name Capability
	// Enableable capabilities may be turned on with ENABLE.
	Enableable bool
	// Implies lists capabilities enabled along with this one.
	Implies []Capability
}

// Registry is built once at startup and shared read-only by all sessions.
type Registry struct {
	entries []Entry
}

// NewRegistry returns a registry advertising entries in the given order.
func NewRegistry(entries ...Entry) *Registry {
	return &Registry{entries: slices.Clone(entries)}
}

// Default returns the registry for this server. STARTTLS is advertised only
// when tls is true.
func Default(tls bool) *Registry {
	entries := []Entry{
		{Name: IMAP4rev1},
		{Name: LiteralPlus},
		{Name: Idle},
		{Name: Namespace},
		{Name: UIDPlus},
		{Name: Unselect},
		{Name: Enable},
		{Name: CondStore, Enableable: true},
		{Name: QResync, Enableable: true, Implies: []Capability{CondStore}},
		{Name: MailboxID},
	}
	if tls {
		entries = append(entries, Entry{Name: StartTLS})
	}
	return NewRegistry(entries...)
}

// Lookup finds a capability by name, ignoring case.
func (r *Registry) Lookup(name string) (Entry, bool) {
	for _, e := range r.entries {
		if strings.EqualFold(string(e.Name), name) {
			return e, true
		}
	}
	return Entry{}, false
}

// Advertised returns the CAPABILITY response list. STARTTLS is dropped once
// the connection is already encrypted.
func (r *Registry) Advertised(encrypted bool) []string {
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		if encrypted && e.Name == StartTLS {
			continue
		}
		out = append(out, string(e.Name))
	}
	return out
}

// Set is the extensions a session has enabled. It only grows.
type Set struct {
	mu      sync.Mutex
	enabled map[Capability]bool
}

// Enable turns on the named capabilities and what they imply. It returns
// the ones that were newly enabled, in request order. Unknown or
// non-enableable names are ignored.
func (s *Set) Enable(r *Registry, names ...string) []Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled == nil {
		s.enabled = make(map[Capability]bool)
	}

	var added []Capability
	for _, name := range names {
		e, ok := r.Lookup(name)
		if !ok || !e.Enableable {
			continue
		}
		for _, c := range append([]Capability{e.Name}, e.Implies...) {
			if !s.enabled[c] {
				s.enabled[c] = true
				added = append(added, c)
			}
		}
	}
	return added
}

// IsEnabled reports whether c is on.
func (s *Set) IsEnabled(c Capability) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[c]
}

// CondStore reports whether mod-sequences should be reported.
func (s *Set) CondStore() bool {
	return s.IsEnabled(CondStore)
}

// QResync reports whether quick resynchronization is on.
func (s *Set) QResync() bool {
	return s.IsEnabled(QResync)
}
