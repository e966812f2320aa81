package message

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"ravensync/internal/models"
	"ravensync/internal/server/response"
	"ravensync/internal/store"
)

// appendDateLayout is the date-time of APPEND; the day may be space padded.
const appendDateLayout = "_2-Jan-2006 15:04:05 -0700"

// ===== APPEND =====

// HandleAppend stores a message whose literal was read by the connection
// along with the command line.
func HandleAppend(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	if len(req.Args) < 2 || len(req.Args) > 4 {
		return response.BAD("", "APPEND requires mailbox and message literal")
	}
	name := req.Args[0].Value
	msg := req.Args[len(req.Args)-1]
	if msg.IsList || !msg.IsString {
		return response.BAD("", "APPEND requires a message literal")
	}

	ar := store.AppendRequest{Body: []byte(msg.Value)}
	for _, a := range req.Args[1 : len(req.Args)-1] {
		switch {
		case a.IsList:
			ar.Flags = models.FlagList(a)
		case a.IsString:
			date, err := time.Parse(appendDateLayout, a.Value)
			if err != nil {
				return response.BAD("", "Invalid date-time")
			}
			ar.InternalDate = date
		default:
			return response.BAD("", "Invalid APPEND argument "+a.Value)
		}
	}

	st, err := deps.UserStore(state)
	if err != nil {
		state.Log.Error().Err(err).Msg("failed to open user store")
		return response.NO(response.CodeServerBug, "Database error")
	}
	mbox, err := st.Mailbox(ctx, name)
	if errors.Is(err, store.ErrNoSuchMailbox) {
		return response.NO(response.CodeTryCreate, "Mailbox does not exist")
	}
	if err != nil {
		state.Log.Error().Err(err).Str("mailbox", name).Msg("failed to look up mailbox")
		return response.NO(response.CodeServerBug, "Database error")
	}

	u, err := st.Append(ctx, state.ID, mbox.ID, ar)
	if err != nil {
		state.Log.Error().Err(err).Str("mailbox", mbox.Name).Msg("failed to append message")
		return response.NO(response.CodeServerBug, "Append failed")
	}

	// The store does not notify the appending session, so the view is
	// updated here; the reconciliation after the command reports EXISTS.
	if mb := state.Selected; mb != nil && mb.Key().MailboxID == mbox.ID {
		mb.RecordAdded(u)
		mb.NoteFlags(ar.Flags)
	}

	state.Log.Info().
		Str("mailbox", mbox.Name).
		Uint64("uid", uint64(u)).
		Int("size", len(ar.Body)).
		Msg("message appended")
	return response.OK(fmt.Sprintf("APPENDUID %d %d", mbox.UIDValidity, u), "APPEND completed")
}
