package message

import (
	"context"
	"net"
	"strings"

	"ravensync/internal/models"
	"ravensync/internal/server/response"
	"ravensync/internal/server/unsolicited"
	"ravensync/internal/store"
	"ravensync/internal/uid"
)

type storeRequest struct {
	change store.FlagChange
	silent bool
}

// parseStoreArgs reads "[(UNCHANGEDSINCE n)] item value" following the set.
func parseStoreArgs(args []models.Arg) (storeRequest, string) {
	var sr storeRequest
	if len(args) > 0 && args[0].IsList {
		mods := args[0].List
		if len(mods) != 2 || mods[0].Upper() != "UNCHANGEDSINCE" {
			return sr, "Invalid STORE modifier"
		}
		n, ok := parseModSeq(mods[1].Value)
		if !ok {
			return sr, "Invalid UNCHANGEDSINCE value"
		}
		if n == 0 {
			return sr, "UNCHANGEDSINCE 0 is not supported"
		}
		sr.change.UnchangedSince = n
		args = args[1:]
	}
	if len(args) != 2 {
		return sr, "STORE requires item and flags"
	}

	item := args[0].Upper()
	if strings.HasSuffix(item, ".SILENT") {
		sr.silent = true
		item = strings.TrimSuffix(item, ".SILENT")
	}
	switch item {
	case "FLAGS":
		sr.change.Op = store.FlagsReplace
	case "+FLAGS":
		sr.change.Op = store.FlagsAdd
	case "-FLAGS":
		sr.change.Op = store.FlagsRemove
	default:
		return sr, "Invalid STORE item " + args[0].Value
	}
	sr.change.Flags = models.FlagList(args[1])
	return sr, ""
}

// ===== STORE / UID STORE =====

func HandleStore(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	isUID := req.Kind.IsUID()
	if len(req.Args) < 3 {
		return response.BAD("", req.Name+" requires sequence set, item and flags")
	}
	sr, problem := parseStoreArgs(req.Args[1:])
	if problem != "" {
		return response.BAD("", problem)
	}
	if sr.change.UnchangedSince > 0 {
		enableCondStore(deps, state)
	}
	uids, bad := resolve(req.Args[0], isUID, state)
	if bad != nil {
		return *bad
	}
	if len(uids) == 0 {
		return response.OK("", req.Name+" completed")
	}

	st, err := deps.UserStore(state)
	if err != nil {
		state.Log.Error().Err(err).Msg("failed to open user store")
		return response.NO(response.CodeServerBug, "Database error")
	}
	mb := state.Selected
	mailboxID := mb.Key().MailboxID

	res, err := st.SetFlags(ctx, state.ID, mailboxID, uids, sr.change)
	if err != nil {
		state.Log.Error().Err(err).Msg("failed to store flags")
		return response.NO(response.CodeServerBug, "Database error")
	}

	// New keywords are announced before any FETCH that carries them.
	mb.NoteFlags(sr.change.Flags)
	if mb.HasNewApplicableFlags() {
		opts := unsolicited.Options{UseUIDs: isUID, OmitExpunged: !isUID}
		if err := unsolicited.Reconcile(ctx, deps, conn, state, opts); err != nil {
			return response.NO(response.CodeServerBug, "Write failed")
		}
	}

	if err := sendStoreFetches(ctx, deps, conn, st, state, isUID, sr, uids, res); err != nil {
		state.Log.Error().Err(err).Msg("failed to report stored flags")
		return response.NO(response.CodeServerBug, "Database error")
	}

	if len(res.Modified) > 0 {
		return response.OK("MODIFIED "+modifiedSet(state, isUID, res.Modified).String(), "Conditional STORE failed")
	}
	return response.OK("", req.Name+" completed")
}

// sendStoreFetches writes the FETCH responses for a STORE. Silent stores
// still report the new MODSEQ when CONDSTORE is on.
func sendStoreFetches(ctx context.Context, deps ServerDeps, conn net.Conn, st store.Store, state *models.ClientState, isUID bool, sr storeRequest, uids []uid.UID, res store.FlagResult) error {
	condStore := state.Enabled.CondStore() && state.ModSeqPersistent
	if sr.silent && !condStore {
		return nil
	}

	var msgs []store.MessageMeta
	if sr.silent {
		msgs = res.Updated
	} else {
		skip := make(map[uid.UID]bool, len(res.Modified))
		for _, u := range res.Modified {
			skip[u] = true
		}
		var targets []uid.UID
		for _, u := range uids {
			if !skip[u] {
				targets = append(targets, u)
			}
		}
		if len(targets) == 0 {
			return nil
		}
		var err error
		if msgs, err = st.ListMessages(ctx, state.Selected.Key().MailboxID, uid.FromUIDs(targets)); err != nil {
			return err
		}
	}

	for _, m := range msgs {
		msn, ok := state.Selected.ResolveMSN(m.UID)
		if !ok {
			continue
		}
		var items []string
		if isUID {
			items = append(items, response.UIDItem(m.UID))
		}
		if !sr.silent {
			items = append(items, response.FlagsItem(sessionFlags(state, m)))
		}
		if condStore {
			items = append(items, response.ModSeqItem(m.ModSeq))
		}
		if err := deps.SendResponse(conn, response.Fetch(msn, items...)); err != nil {
			return err
		}
	}
	return nil
}

// modifiedSet renders the UIDs that failed UNCHANGEDSINCE in the
// addressing mode of the command.
func modifiedSet(state *models.ClientState, isUID bool, modified []uid.UID) uid.Set {
	if isUID {
		return uid.FromUIDs(modified)
	}
	msns := make([]uint64, 0, len(modified))
	for _, u := range modified {
		if msn, ok := state.Selected.ResolveMSN(u); ok {
			msns = append(msns, uint64(msn))
		}
	}
	return uid.FromValues(msns)
}
