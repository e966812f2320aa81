package selection

import (
	"context"
	"fmt"

	"ravensync/internal/store"
	"ravensync/internal/uid"
)

// ResyncResult is what quick resynchronization reports on SELECT.
type ResyncResult struct {
	// Vanished are known UIDs no longer in the mailbox.
	Vanished uid.Set
	// Changed are messages with a modseq above the client's.
	Changed []store.MessageMeta
}

type messageLister interface {
	ListMessages(ctx context.Context, mailboxID int64, set uid.Set) ([]store.MessageMeta, error)
	ChangedSince(ctx context.Context, mailboxID int64, set uid.Set, modSeq uid.ModSeq) ([]store.MessageMeta, error)
}

type uidResolver interface {
	ResolveUID(n uid.MSN) (uid.UID, bool)
}

// MatchBound walks the (sequence number, UID) samples in order and returns
// the UID of the last pair the view confirms. The walk stops at the first
// pair that does not match, so it never goes past the view's size; zero
// means none matched.
func MatchBound(view uidResolver, seqs, uids uid.Set) uid.UID {
	var bound uid.UID
	for seq, u := range uid.Pairs(seqs, uids) {
		got, ok := view.ResolveUID(uid.MSN(seq))
		if !ok || uint64(got) != u {
			break
		}
		bound = got
	}
	return bound
}

// ComputeResync recomputes, from the live store, which of the client's
// known UIDs vanished and which messages changed since the client's modseq.
// Nothing is reported when the mailbox's highest modseq has not moved past
// the client's.
func ComputeResync(ctx context.Context, st messageLister, view uidResolver, mailboxID int64, meta store.Metadata, p *QResyncParams) (ResyncResult, error) {
	var res ResyncResult
	if p.ModSeq >= meta.HighestModSeq || meta.UIDNext <= 1 {
		return res, nil
	}

	hi := uint64(meta.UIDNext) - 1
	known := uid.Set{{First: 1, Last: hi}}
	if p.KnownUIDs != nil {
		known = uid.Merge(p.KnownUIDs).Clamp(1, hi)
	}
	if known.IsEmpty() {
		return res, nil
	}

	changed, err := st.ChangedSince(ctx, mailboxID, known, p.ModSeq)
	if err != nil {
		return res, fmt.Errorf("list changed messages: %w", err)
	}
	res.Changed = changed

	var bound uid.UID
	if !p.SeqMatch.IsEmpty() {
		bound = MatchBound(view, p.SeqMatch, p.UIDMatch)
	}
	candidates := known.Clamp(uint64(bound)+1, hi)
	if candidates.IsEmpty() {
		return res, nil
	}

	present, err := st.ListMessages(ctx, mailboxID, candidates)
	if err != nil {
		return res, fmt.Errorf("list known messages: %w", err)
	}
	uids := make([]uid.UID, len(present))
	for i, m := range present {
		uids[i] = m.UID
	}
	res.Vanished = candidates.Without(uids)
	return res, nil
}
