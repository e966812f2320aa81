package message

import (
	"context"
	"net"

	"ravensync/internal/models"
	"ravensync/internal/server/response"
	"ravensync/internal/uid"
)

// ===== EXPUNGE / UID EXPUNGE =====

// HandleExpunge removes \Deleted messages, restricted to the given UID set
// for UID EXPUNGE. The removals are queued on the selected mailbox and
// reported by the reconciliation that follows the command.
func HandleExpunge(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	var only []uid.UID
	if req.Kind == models.CmdUIDExpunge {
		if len(req.Args) != 1 {
			return response.BAD("", "UID EXPUNGE requires a UID set")
		}
		uids, bad := resolve(req.Args[0], true, state)
		if bad != nil {
			return *bad
		}
		if len(uids) == 0 {
			return response.OK("", req.Name+" completed")
		}
		only = uids
	}

	st, err := deps.UserStore(state)
	if err != nil {
		state.Log.Error().Err(err).Msg("failed to open user store")
		return response.NO(response.CodeServerBug, "Database error")
	}
	mb := state.Selected
	removed, err := st.Expunge(ctx, state.ID, mb.Key().MailboxID, only)
	if err != nil {
		state.Log.Error().Err(err).Str("mailbox", mb.Name()).Msg("failed to expunge")
		return response.NO(response.CodeServerBug, "Expunge failed")
	}
	for _, u := range removed {
		mb.RecordExpunged(u)
	}
	state.Log.Debug().Int("count", len(removed)).Str("mailbox", mb.Name()).Msg("expunged messages")
	return response.OK("", req.Name+" completed")
}
