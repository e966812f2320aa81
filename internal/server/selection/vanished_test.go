package selection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ravensync/internal/notify"
	"ravensync/internal/selected"
	"ravensync/internal/store"
	"ravensync/internal/uid"
)

// fakeLister serves a fixed message list.
type fakeLister struct {
	msgs         []store.MessageMeta
	listCalls    int
	changedCalls int
}

func (f *fakeLister) ListMessages(_ context.Context, _ int64, set uid.Set) ([]store.MessageMeta, error) {
	f.listCalls++
	var out []store.MessageMeta
	for _, m := range f.msgs {
		if set == nil || set.Contains(uint64(m.UID)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeLister) ChangedSince(_ context.Context, _ int64, set uid.Set, modSeq uid.ModSeq) ([]store.MessageMeta, error) {
	f.changedCalls++
	var out []store.MessageMeta
	for _, m := range f.msgs {
		if set.Contains(uint64(m.UID)) && m.ModSeq > modSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

func newLister(uids ...uid.UID) *fakeLister {
	f := &fakeLister{}
	for _, u := range uids {
		f.msgs = append(f.msgs, store.MessageMeta{UID: u, ModSeq: 1})
	}
	return f
}

func viewOf(uids ...uid.UID) *selected.Mailbox {
	mb := selected.New(notify.MailboxKey{UserID: 1, MailboxID: 1}, "INBOX", false)
	mb.Bind(uids, nil)
	return mb
}

func seqSet(t *testing.T, text string) uid.Set {
	t.Helper()
	s, err := uid.Parse(text)
	require.NoError(t, err)
	return s
}

func TestMatchBound(t *testing.T) {
	view := viewOf(1, 2, 4, 8, 9)

	// First three pairs confirmed, the fourth names a UID no longer at 4.
	assert.Equal(t, uid.UID(4), MatchBound(view, seqSet(t, "1:4"), seqSet(t, "1:2,4,7")))

	assert.Equal(t, uid.UID(0), MatchBound(view, seqSet(t, "1"), seqSet(t, "3")))
	assert.Equal(t, uid.UID(9), MatchBound(view, seqSet(t, "2,5"), seqSet(t, "2,9")))
	assert.Equal(t, uid.UID(0), MatchBound(view, seqSet(t, "6"), seqSet(t, "10")), "absent position stops the walk")
}

func TestMatchBound_HugeSetsStopAtViewEnd(t *testing.T) {
	view := viewOf(1, 2, 3)
	huge := uid.Set{{First: 1, Last: 4294967295}}

	assert.Equal(t, uid.UID(3), MatchBound(view, huge, huge))
}

func TestComputeResync_ModSeqUnchanged(t *testing.T) {
	st := newLister(1, 2)
	meta := store.Metadata{UIDNext: 51, HighestModSeq: 20}
	p := &QResyncParams{UIDValidity: 1, ModSeq: 20, KnownUIDs: uid.Set{{First: 1, Last: 50}}}

	res, err := ComputeResync(context.Background(), st, viewOf(1, 2), 1, meta, p)
	require.NoError(t, err)
	assert.True(t, res.Vanished.IsEmpty())
	assert.Empty(t, res.Changed)
	assert.Zero(t, st.listCalls+st.changedCalls, "store must not be consulted")

	p.ModSeq = 25
	res, err = ComputeResync(context.Background(), st, viewOf(1, 2), 1, meta, p)
	require.NoError(t, err)
	assert.True(t, res.Vanished.IsEmpty())
}

func TestComputeResync_ReportsMissingKnownUIDs(t *testing.T) {
	st := newLister(1, 3, 6)
	meta := store.Metadata{UIDNext: 7, HighestModSeq: 30}
	p := &QResyncParams{UIDValidity: 1, ModSeq: 10}

	res, err := ComputeResync(context.Background(), st, viewOf(1, 3, 6), 1, meta, p)
	require.NoError(t, err)
	assert.Equal(t, "2,4:5", res.Vanished.String())
}

func TestComputeResync_ClampsKnownRangeToUIDNext(t *testing.T) {
	st := newLister(2)
	meta := store.Metadata{UIDNext: 4, HighestModSeq: 30}
	p := &QResyncParams{UIDValidity: 1, ModSeq: 10, KnownUIDs: uid.Set{{First: 1, Last: 100}}}

	res, err := ComputeResync(context.Background(), st, viewOf(2), 1, meta, p)
	require.NoError(t, err)
	assert.Equal(t, "1,3", res.Vanished.String())
}

func TestComputeResync_MatchDataExcludesConfirmedRegion(t *testing.T) {
	st := newLister(1, 2, 5)
	view := viewOf(1, 2, 5)
	meta := store.Metadata{UIDNext: 6, HighestModSeq: 30}
	p := &QResyncParams{
		UIDValidity: 1,
		ModSeq:      10,
		KnownUIDs:   uid.Set{{First: 1, Last: 5}},
		SeqMatch:    uid.Set{{First: 1, Last: 3}},
		UIDMatch:    uid.Set{{First: 1, Last: 2}, {First: 4, Last: 4}},
	}

	res, err := ComputeResync(context.Background(), st, view, 1, meta, p)
	require.NoError(t, err)
	// Pairs 1 and 2 confirm; the bound is UID 2, so only 3:5 is checked.
	assert.Equal(t, "3:4", res.Vanished.String())
}

func TestComputeResync_ReportsChangedMessages(t *testing.T) {
	st := &fakeLister{msgs: []store.MessageMeta{
		{UID: 1, ModSeq: 5},
		{UID: 2, ModSeq: 15, Flags: []string{`\Seen`}},
	}}
	meta := store.Metadata{UIDNext: 3, HighestModSeq: 15}
	p := &QResyncParams{UIDValidity: 1, ModSeq: 10}

	res, err := ComputeResync(context.Background(), st, viewOf(1, 2), 1, meta, p)
	require.NoError(t, err)
	require.Len(t, res.Changed, 1)
	assert.Equal(t, uid.UID(2), res.Changed[0].UID)
	assert.True(t, res.Vanished.IsEmpty())
}

func TestComputeResync_EmptyMailbox(t *testing.T) {
	st := newLister()
	meta := store.Metadata{UIDNext: 1, HighestModSeq: 3}
	res, err := ComputeResync(context.Background(), st, viewOf(), 1, meta, &QResyncParams{UIDValidity: 1, ModSeq: 1})
	require.NoError(t, err)
	assert.True(t, res.Vanished.IsEmpty())
}
