package message

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"ravensync/internal/models"
	"ravensync/internal/server/response"
	"ravensync/internal/store"
	"ravensync/internal/uid"
)

const internalDateLayout = "02-Jan-2006 15:04:05 -0700"

type fetchItem int

const (
	itemUID fetchItem = iota
	itemFlags
	itemModSeq
	itemSize
	itemInternalDate
	itemBody
	itemBodyPeek
	itemRFC822
)

type fetchRequest struct {
	items        []fetchItem
	changedSince uid.ModSeq
	vanished     bool
}

func (f *fetchRequest) has(item fetchItem) bool {
	for _, i := range f.items {
		if i == item {
			return true
		}
	}
	return false
}

func (f *fetchRequest) add(item fetchItem) {
	if !f.has(item) {
		f.items = append(f.items, item)
	}
}

func (f *fetchRequest) needsBody() bool {
	return f.has(itemBody) || f.has(itemBodyPeek) || f.has(itemRFC822)
}

// setsSeen reports whether the request implicitly sets \Seen.
func (f *fetchRequest) setsSeen() bool {
	return f.has(itemBody) || f.has(itemRFC822)
}

func parseFetchItems(arg models.Arg) ([]fetchItem, error) {
	names := []models.Arg{arg}
	if arg.IsList {
		names = arg.List
	}
	var items []fetchItem
	for _, a := range names {
		switch a.Upper() {
		case "ALL", "FAST", "FULL":
			items = append(items, itemFlags, itemInternalDate, itemSize)
		case "UID":
			items = append(items, itemUID)
		case "FLAGS":
			items = append(items, itemFlags)
		case "MODSEQ":
			items = append(items, itemModSeq)
		case "RFC822.SIZE":
			items = append(items, itemSize)
		case "INTERNALDATE":
			items = append(items, itemInternalDate)
		case "BODY[]":
			items = append(items, itemBody)
		case "BODY.PEEK[]":
			items = append(items, itemBodyPeek)
		case "RFC822":
			items = append(items, itemRFC822)
		default:
			return nil, fmt.Errorf("unsupported fetch item %s", a.Value)
		}
	}
	return items, nil
}

// parseFetchModifiers reads "(CHANGEDSINCE n [VANISHED])".
func parseFetchModifiers(args []models.Arg, req *fetchRequest) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) > 1 || !args[0].IsList {
		return fmt.Errorf("invalid fetch modifiers")
	}
	mods := args[0].List
	for i := 0; i < len(mods); i++ {
		switch mods[i].Upper() {
		case "CHANGEDSINCE":
			if i+1 >= len(mods) {
				return fmt.Errorf("CHANGEDSINCE requires a value")
			}
			i++
			n, ok := parseModSeq(mods[i].Value)
			if !ok || n == 0 {
				return fmt.Errorf("invalid CHANGEDSINCE value")
			}
			req.changedSince = n
		case "VANISHED":
			req.vanished = true
		default:
			return fmt.Errorf("unknown fetch modifier %s", mods[i].Value)
		}
	}
	return nil
}

// ===== FETCH / UID FETCH =====

func HandleFetch(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	isUID := req.Kind.IsUID()
	if len(req.Args) < 2 {
		return response.BAD("", req.Name+" requires sequence set and items")
	}

	var fr fetchRequest
	items, err := parseFetchItems(req.Args[1])
	if err != nil {
		return response.BAD("", err.Error())
	}
	fr.items = items
	if err := parseFetchModifiers(req.Args[2:], &fr); err != nil {
		return response.BAD("", err.Error())
	}
	if fr.vanished && (!isUID || fr.changedSince == 0 || !state.Enabled.QResync()) {
		return response.BAD("", "VANISHED requires UID FETCH with CHANGEDSINCE and QRESYNC enabled")
	}
	if isUID && !fr.has(itemUID) {
		fr.items = append([]fetchItem{itemUID}, fr.items...)
	}
	if fr.has(itemModSeq) || fr.changedSince > 0 {
		enableCondStore(deps, state)
		fr.add(itemModSeq)
	}

	set, err := uid.Parse(req.Args[0].Value)
	if err != nil {
		return response.BAD("", "Invalid sequence set")
	}
	uids, bad := resolve(req.Args[0], isUID, state)
	if bad != nil {
		return *bad
	}

	st, err := deps.UserStore(state)
	if err != nil {
		state.Log.Error().Err(err).Msg("failed to open user store")
		return response.NO(response.CodeServerBug, "Database error")
	}
	mb := state.Selected
	mailboxID := mb.Key().MailboxID

	if fr.vanished {
		if err := sendVanishedEarlier(ctx, deps, conn, st, state, mailboxID, set); err != nil {
			state.Log.Error().Err(err).Msg("failed to compute vanished messages")
			return response.NO(response.CodeServerBug, "Database error")
		}
	}
	if len(uids) == 0 {
		return response.OK("", req.Name+" completed")
	}

	var msgs []store.MessageMeta
	if fr.changedSince > 0 {
		msgs, err = st.ChangedSince(ctx, mailboxID, uid.FromUIDs(uids), fr.changedSince)
	} else {
		msgs, err = st.ListMessages(ctx, mailboxID, uid.FromUIDs(uids))
	}
	if err != nil {
		state.Log.Error().Err(err).Msg("failed to list messages")
		return response.NO(response.CodeServerBug, "Database error")
	}

	if fr.setsSeen() && !mb.ReadOnly() {
		if msgs, err = markSeen(ctx, st, state, mailboxID, msgs); err != nil {
			state.Log.Error().Err(err).Msg("failed to set \\Seen")
			return response.NO(response.CodeServerBug, "Database error")
		}
		fr.add(itemFlags)
	}

	for _, m := range msgs {
		msn, ok := mb.ResolveMSN(m.UID)
		if !ok {
			continue
		}
		parts, err := renderItems(ctx, st, state, mailboxID, m, &fr)
		if err != nil {
			state.Log.Warn().Err(err).Uint64("uid", uint64(m.UID)).Msg("failed to render message")
			continue
		}
		if err := deps.SendResponse(conn, response.Fetch(msn, parts...)); err != nil {
			return response.NO(response.CodeServerBug, "Write failed")
		}
	}
	return response.OK("", req.Name+" completed")
}

// sendVanishedEarlier reports UIDs of the requested set, up to the last
// assigned UID, that are no longer in the mailbox.
func sendVanishedEarlier(ctx context.Context, deps ServerDeps, conn net.Conn, st store.Store, state *models.ClientState, mailboxID int64, set uid.Set) error {
	meta, err := st.Metadata(ctx, mailboxID, store.MetadataOptions{})
	if err != nil {
		return err
	}
	if meta.UIDNext <= 1 {
		return nil
	}
	hi := uint64(meta.UIDNext) - 1
	candidates := uid.Merge(set.Resolve(hi)).Clamp(1, hi)
	if candidates.IsEmpty() {
		return nil
	}
	present, err := st.ListMessages(ctx, mailboxID, candidates)
	if err != nil {
		return err
	}
	uids := make([]uid.UID, len(present))
	for i, m := range present {
		uids[i] = m.UID
	}
	vanished := candidates.Without(uids)
	if vanished.IsEmpty() {
		return nil
	}
	return deps.SendResponse(conn, response.Vanished(vanished, true))
}

// markSeen sets \Seen on the listed messages that lack it and returns the
// list with updated flags.
func markSeen(ctx context.Context, st store.Store, state *models.ClientState, mailboxID int64, msgs []store.MessageMeta) ([]store.MessageMeta, error) {
	var unseen []uid.UID
	for _, m := range msgs {
		if !store.HasFlag(m.Flags, `\Seen`) {
			unseen = append(unseen, m.UID)
		}
	}
	if len(unseen) == 0 {
		return msgs, nil
	}
	res, err := st.SetFlags(ctx, state.ID, mailboxID, unseen, store.FlagChange{Op: store.FlagsAdd, Flags: []string{`\Seen`}})
	if err != nil {
		return nil, err
	}
	updated := make(map[uid.UID]store.MessageMeta, len(res.Updated))
	for _, u := range res.Updated {
		updated[u.UID] = u
	}
	for i, m := range msgs {
		if u, ok := updated[m.UID]; ok {
			msgs[i].Flags = u.Flags
			msgs[i].ModSeq = u.ModSeq
		}
	}
	return msgs, nil
}

func renderItems(ctx context.Context, st store.Store, state *models.ClientState, mailboxID int64, m store.MessageMeta, fr *fetchRequest) ([]string, error) {
	var body []byte
	if fr.needsBody() {
		var err error
		if body, err = st.Body(ctx, mailboxID, m.UID); err != nil {
			return nil, err
		}
	}

	parts := make([]string, 0, len(fr.items))
	for _, item := range fr.items {
		switch item {
		case itemUID:
			parts = append(parts, response.UIDItem(m.UID))
		case itemFlags:
			parts = append(parts, response.FlagsItem(sessionFlags(state, m)))
		case itemModSeq:
			parts = append(parts, response.ModSeqItem(m.ModSeq))
		case itemSize:
			parts = append(parts, "RFC822.SIZE "+strconv.FormatInt(m.Size, 10))
		case itemInternalDate:
			parts = append(parts, "INTERNALDATE "+response.Quote(m.InternalDate.Format(internalDateLayout)))
		case itemBody, itemBodyPeek:
			parts = append(parts, "BODY[] "+response.Literal(body))
		case itemRFC822:
			parts = append(parts, "RFC822 "+response.Literal(body))
		}
	}
	return parts, nil
}

// sessionFlags adds \Recent when the message is recent in this session.
func sessionFlags(state *models.ClientState, m store.MessageMeta) []string {
	if !state.Selected.IsRecent(m.UID) {
		return m.Flags
	}
	return append(append([]string{}, m.Flags...), `\Recent`)
}
