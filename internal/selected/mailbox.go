// Package selected keeps one session's view of its selected mailbox: the
// UID to sequence number mapping, the recent set, and the mutations that
// still have to be reported to the client.
package selected

import (
	"slices"
	"sort"
	"sync"

	"ravensync/internal/notify"
	"ravensync/internal/uid"
)

// Removal is a drained expunge and the sequence number the message had
// when it was removed.
type Removal struct {
	UID uid.UID
	MSN uid.MSN
}

// Mailbox is the state of a selected mailbox. It is owned by one session;
// listener callbacks from other sessions mutate it concurrently, so every
// field is guarded by mu.
type Mailbox struct {
	key      notify.MailboxKey
	name     string
	readOnly bool

	mu sync.Mutex
	// uids is sorted ascending; the MSN of uids[i] is i+1.
	uids            []uid.UID
	recent          map[uid.UID]struct{}
	recentRemoved   bool
	sizeChanged     bool
	pendingExpunged map[uid.UID]struct{}
	pendingFlags    map[uid.UID]struct{}
	applicableFlags []string
	newFlags        bool

	reg *notify.Registration
}

// New creates an empty Mailbox. Bind fills the mapping.
func New(key notify.MailboxKey, name string, readOnly bool) *Mailbox {
	return &Mailbox{
		key:             key,
		name:            name,
		readOnly:        readOnly,
		recent:          make(map[uid.UID]struct{}),
		pendingExpunged: make(map[uid.UID]struct{}),
		pendingFlags:    make(map[uid.UID]struct{}),
	}
}

func (m *Mailbox) Key() notify.MailboxKey { return m.key }
func (m *Mailbox) Name() string           { return m.name }
func (m *Mailbox) ReadOnly() bool         { return m.readOnly }

// Bind replaces the mapping with a UID-ordered listing. Messages recorded
// before Bind with a UID above the listing arrived after it was taken and
// are kept; the size is reported changed only in that case. Recent UIDs
// not in the result are dropped.
func (m *Mailbox) Bind(uids []uid.UID, flags []string) {
	sorted := slices.Clone(uids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	m.mu.Lock()
	defer m.mu.Unlock()

	var late []uid.UID
	for _, u := range m.uids {
		if len(sorted) == 0 || u > sorted[len(sorted)-1] {
			late = append(late, u)
		}
	}
	m.uids = append(sorted, late...)
	for u := range m.recent {
		if _, ok := m.find(u); !ok {
			delete(m.recent, u)
		}
	}
	m.sizeChanged = len(late) > 0
	m.applicableFlags = mergeFlags(nil, flags)
	m.newFlags = false
}

// Attach keeps the notifier registration so Close can release it.
func (m *Mailbox) Attach(reg *notify.Registration) {
	m.mu.Lock()
	m.reg = reg
	m.mu.Unlock()
}

// Close releases the listener registration.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	reg := m.reg
	m.reg = nil
	m.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Close()
}

// find returns the index of u in the mapping. Caller holds mu.
func (m *Mailbox) find(u uid.UID) (int, bool) {
	i := sort.Search(len(m.uids), func(i int) bool { return m.uids[i] >= u })
	return i, i < len(m.uids) && m.uids[i] == u
}

// RecordAdded puts a new message at the end of the view and marks it recent.
// Duplicate deliveries are ignored.
func (m *Mailbox) RecordAdded(u uid.UID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.find(u)
	if ok {
		return
	}
	m.uids = slices.Insert(m.uids, i, u)
	m.recent[u] = struct{}{}
	m.sizeChanged = true
}

// RecordExpunged queues u for removal. The mapping is left untouched until
// DrainExpunged reports the removal.
func (m *Mailbox) RecordExpunged(u uid.UID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingExpunged[u] = struct{}{}
}

// RecordFlagsUpdated marks u as needing a flag update and remembers any
// keyword not seen before.
func (m *Mailbox) RecordFlagsUpdated(u uid.UID, flags []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pendingFlags[u] = struct{}{}
	m.noteFlags(flags)
}

// NoteFlags adds keywords to the applicable flags without queueing an
// update.
func (m *Mailbox) NoteFlags(flags []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noteFlags(flags)
}

func (m *Mailbox) noteFlags(flags []string) {
	merged := mergeFlags(m.applicableFlags, flags)
	if len(merged) != len(m.applicableFlags) {
		m.applicableFlags = merged
		m.newFlags = true
	}
}

// ResolveMSN returns the sequence number of u. A UID queued for expunge
// but not drained still resolves.
func (m *Mailbox) ResolveMSN(u uid.UID) (uid.MSN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.find(u)
	if !ok {
		return 0, false
	}
	return uid.MSN(i + 1), true
}

// ResolveUID returns the UID at sequence number n.
func (m *Mailbox) ResolveUID(n uid.MSN) (uid.UID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n < 1 || int(n) > len(m.uids) {
		return 0, false
	}
	return m.uids[n-1], true
}

// DrainExpunged removes the queued UIDs from the mapping in ascending order
// and returns each with the sequence number it had at its own removal.
// UIDs not in the mapping are dropped silently.
func (m *Mailbox) DrainExpunged() []Removal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pendingExpunged) == 0 {
		return nil
	}
	queued := make([]uid.UID, 0, len(m.pendingExpunged))
	for u := range m.pendingExpunged {
		queued = append(queued, u)
	}
	slices.Sort(queued)
	clear(m.pendingExpunged)

	var removals []Removal
	for _, u := range queued {
		i, ok := m.find(u)
		if !ok {
			continue
		}
		removals = append(removals, Removal{UID: u, MSN: uid.MSN(i + 1)})
		m.uids = slices.Delete(m.uids, i, i+1)
		if _, ok := m.recent[u]; ok {
			delete(m.recent, u)
			m.recentRemoved = true
		}
		delete(m.pendingFlags, u)
	}
	return removals
}

// HasPendingExpunges reports whether removals are queued.
func (m *Mailbox) HasPendingExpunges() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingExpunged) > 0
}

// DrainFlagUpdates returns the UIDs with pending flag updates, ascending,
// and clears the set.
func (m *Mailbox) DrainFlagUpdates() []uid.UID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pendingFlags) == 0 {
		return nil
	}
	uids := make([]uid.UID, 0, len(m.pendingFlags))
	for u := range m.pendingFlags {
		uids = append(uids, u)
	}
	slices.Sort(uids)
	clear(m.pendingFlags)
	return uids
}

// Exists is the number of messages in the view.
func (m *Mailbox) Exists() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uids)
}

// UIDs returns a copy of the mapping in MSN order.
func (m *Mailbox) UIDs() []uid.UID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.uids)
}

// LastUID returns the highest UID in the view.
func (m *Mailbox) LastUID() (uid.UID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.uids) == 0 {
		return 0, false
	}
	return m.uids[len(m.uids)-1], true
}

// SizeChanged reports whether messages were added since the last reset.
func (m *Mailbox) SizeChanged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizeChanged
}

// TakeSizeChanged reports and clears the size-changed indicator together
// with the message count it applies to. An arrival after the call sets the
// indicator again.
func (m *Mailbox) TakeSizeChanged() (changed bool, exists int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed = m.sizeChanged
	m.sizeChanged = false
	return changed, len(m.uids)
}

// AddRecent marks UIDs recent for this session. UIDs outside the view are
// ignored.
func (m *Mailbox) AddRecent(uids ...uid.UID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range uids {
		if _, ok := m.find(u); ok {
			m.recent[u] = struct{}{}
		}
	}
}

// IsRecent reports whether u is in the recent set.
func (m *Mailbox) IsRecent(u uid.UID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recent[u]
	return ok
}

// RecentCount is the size of the recent set.
func (m *Mailbox) RecentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recent)
}

// RecentRemoved reports whether a drained expunge shrank the recent set.
func (m *Mailbox) RecentRemoved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentRemoved
}

// TakeRecentRemoved reports and clears the recent-removed indicator.
func (m *Mailbox) TakeRecentRemoved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.recentRemoved
	m.recentRemoved = false
	return removed
}

// ResetRecent empties the recent set.
func (m *Mailbox) ResetRecent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.recent)
	m.recentRemoved = false
}

// ApplicableFlags returns the keywords seen in this mailbox.
func (m *Mailbox) ApplicableFlags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.applicableFlags)
}

// HasNewApplicableFlags reports whether keywords were added since the last
// reset.
func (m *Mailbox) HasNewApplicableFlags() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newFlags
}

// TakeNewApplicableFlags returns the keyword list and clears the
// new-keyword indicator under one lock. ok is false when nothing was added.
func (m *Mailbox) TakeNewApplicableFlags() (keywords []string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.newFlags {
		return nil, false
	}
	m.newFlags = false
	return slices.Clone(m.applicableFlags), true
}

// ResolveSet turns a sequence-set into UIDs of messages in the view.
// For UID sets, "*" is the highest UID and UIDs not in the view are left
// out. For sequence sets every number must exist.
func (m *Mailbox) ResolveSet(set uid.Set, isUID bool) ([]uid.UID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isUID {
		if len(m.uids) == 0 {
			return nil, nil
		}
		last := uint64(m.uids[len(m.uids)-1])
		resolved := set.Resolve(last)
		var out []uid.UID
		for _, u := range m.uids {
			if resolved.Contains(uint64(u)) {
				out = append(out, u)
			}
		}
		return out, nil
	}

	if len(m.uids) == 0 {
		return nil, uid.ErrEmptyMailbox
	}
	n := uint64(len(m.uids))
	var msns []uint64
	for _, r := range set {
		r = r.Resolve(n)
		if r.First < 1 || r.Last > n {
			return nil, uid.ErrInvalidRange
		}
		for v := r.First; v <= r.Last; v++ {
			msns = append(msns, v)
		}
	}
	merged := uid.FromValues(msns)
	var out []uid.UID
	for _, v := range merged.Values() {
		out = append(out, m.uids[v-1])
	}
	return out, nil
}

// ResolveRange converts a sequence-number range into the UID range it
// covers. "*:*" resolves to the highest message.
func (m *Mailbox) ResolveRange(r uid.Range) (uid.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.uids) == 0 {
		return uid.Range{}, uid.ErrEmptyMailbox
	}
	n := uint64(len(m.uids))
	if r.First == uid.Star && r.Last == uid.Star {
		last := uint64(m.uids[n-1])
		return uid.Single(last), nil
	}
	r = r.Resolve(n)
	if r.First < 1 || r.Last > n {
		return uid.Range{}, uid.ErrInvalidRange
	}
	return uid.Range{First: uint64(m.uids[r.First-1]), Last: uint64(m.uids[r.Last-1])}, nil
}

func mergeFlags(have, add []string) []string {
	out := slices.Clone(have)
	for _, f := range add {
		if isSystemFlag(f) || slices.Contains(out, f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// isSystemFlag reports whether f is one of the predefined flags, which
// are always applicable and never counted as new.
func isSystemFlag(f string) bool {
	switch f {
	case `\Seen`, `\Answered`, `\Flagged`, `\Deleted`, `\Draft`, `\Recent`:
		return true
	}
	return false
}
