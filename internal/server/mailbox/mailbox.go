// Package mailbox handles CREATE, DELETE, LIST and STATUS.
package mailbox

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	"ravensync/internal/capability"
	"ravensync/internal/models"
	"ravensync/internal/notify"
	"ravensync/internal/server/response"
	"ravensync/internal/server/utils"
	"ravensync/internal/store"
)

// ServerDeps defines the dependencies that mailbox handlers need from the server
type ServerDeps interface {
	SendResponse(conn net.Conn, response string) error
	UserStore(state *models.ClientState) (store.Store, error)
	Hub() *notify.Hub
	Capabilities() *capability.Registry
}

func openStore(deps ServerDeps, state *models.ClientState) (store.Store, *response.Completion) {
	st, err := deps.UserStore(state)
	if err != nil {
		state.Log.Error().Err(err).Msg("failed to open user store")
		c := response.NO(response.CodeServerBug, "Database error")
		return nil, &c
	}
	return st, nil
}

// ===== LIST =====

func HandleList(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	reference := req.Args[0].Value
	pattern := req.Args[1].Value

	// An empty pattern asks for the delimiter and root name.
	if pattern == "" {
		if err := deps.SendResponse(conn, response.List([]string{`\Noselect`}, utils.Delimiter, reference)); err != nil {
			return response.NO(response.CodeServerBug, "Write failed")
		}
		return response.OK("", "LIST completed")
	}

	st, bad := openStore(deps, state)
	if bad != nil {
		return *bad
	}
	mailboxes, err := st.ListMailboxes(ctx)
	if err != nil {
		state.Log.Error().Err(err).Msg("failed to list mailboxes")
		return response.NO(response.CodeServerBug, "LIST failure: can't list mailboxes")
	}

	names := make([]string, len(mailboxes))
	for i, m := range mailboxes {
		names[i] = m.Name
	}
	for _, name := range utils.FilterMailboxes(names, reference, pattern) {
		if err := deps.SendResponse(conn, response.List(utils.GetMailboxAttributes(name, names), utils.Delimiter, name)); err != nil {
			return response.NO(response.CodeServerBug, "Write failed")
		}
	}
	return response.OK("", "LIST completed")
}

// ===== CREATE =====

func HandleCreate(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	// The name created is without the trailing hierarchy delimiter.
	name := strings.TrimSuffix(req.Args[0].Value, utils.Delimiter)
	if name == "" {
		return response.NO("", "Cannot create mailbox with empty name")
	}
	if strings.EqualFold(name, "INBOX") {
		return response.NO(response.CodeAlreadyExists, "Cannot create INBOX - it already exists")
	}

	st, bad := openStore(deps, state)
	if bad != nil {
		return *bad
	}
	mbox, err := st.CreateMailbox(ctx, name)
	if errors.Is(err, store.ErrMailboxExists) {
		return response.NO(response.CodeAlreadyExists, "Mailbox already exists")
	}
	if err != nil {
		state.Log.Error().Err(err).Str("mailbox", name).Msg("failed to create mailbox")
		return response.NO(response.CodeServerBug, "Create failure")
	}

	state.Log.Info().Str("mailbox", mbox.Name).Msg("mailbox created")
	return response.OK("", "CREATE completed")
}

// ===== DELETE =====

// HandleDelete removes a mailbox and its messages. INBOX and mailboxes
// selected by any session are refused.
func HandleDelete(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	name := req.Args[0].Value
	if strings.EqualFold(name, "INBOX") {
		return response.NO(response.CodeCannot, "Cannot delete INBOX")
	}

	st, bad := openStore(deps, state)
	if bad != nil {
		return *bad
	}
	mbox, err := st.Mailbox(ctx, name)
	if errors.Is(err, store.ErrNoSuchMailbox) {
		return response.NO(response.CodeNonExistent, "Mailbox does not exist")
	}
	if err != nil {
		state.Log.Error().Err(err).Str("mailbox", name).Msg("failed to look up mailbox")
		return response.NO(response.CodeServerBug, "Database error")
	}

	key := notify.MailboxKey{UserID: state.UserID, MailboxID: mbox.ID}
	if deps.Hub().Listeners(key) > 0 {
		return response.NO(response.CodeInUse, "Mailbox is selected")
	}

	err = st.DeleteMailbox(ctx, mbox.Name)
	switch {
	case errors.Is(err, store.ErrCannotDelete):
		return response.NO(response.CodeCannot, "Mailbox cannot be deleted")
	case errors.Is(err, store.ErrNoSuchMailbox):
		return response.NO(response.CodeNonExistent, "Mailbox does not exist")
	case err != nil:
		state.Log.Error().Err(err).Str("mailbox", mbox.Name).Msg("failed to delete mailbox")
		return response.NO(response.CodeServerBug, "Delete failure")
	}

	state.Log.Info().Str("mailbox", mbox.Name).Msg("mailbox deleted")
	return response.OK("", "DELETE completed")
}

// ===== STATUS =====

func HandleStatus(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	name := req.Args[0].Value
	if !req.Args[1].IsList || len(req.Args[1].List) == 0 {
		return response.BAD("", "STATUS requires mailbox name and status data items")
	}

	st, bad := openStore(deps, state)
	if bad != nil {
		return *bad
	}
	mbox, err := st.Mailbox(ctx, name)
	if errors.Is(err, store.ErrNoSuchMailbox) {
		return response.NO(response.CodeNonExistent, "Mailbox does not exist")
	}
	if err != nil {
		state.Log.Error().Err(err).Str("mailbox", name).Msg("failed to look up mailbox")
		return response.NO(response.CodeServerBug, "Database error")
	}
	meta, err := st.Metadata(ctx, mbox.ID, store.MetadataOptions{})
	if err != nil {
		state.Log.Error().Err(err).Str("mailbox", mbox.Name).Msg("failed to read mailbox status")
		return response.NO(response.CodeServerBug, "Database error")
	}

	var items []string
	for _, a := range req.Args[1].List {
		var value string
		switch a.Upper() {
		case "MESSAGES":
			value = strconv.Itoa(meta.Messages)
		case "RECENT":
			value = strconv.Itoa(meta.Recent)
		case "UIDNEXT":
			value = meta.UIDNext.String()
		case "UIDVALIDITY":
			value = strconv.FormatUint(uint64(meta.UIDValidity), 10)
		case "UNSEEN":
			value = strconv.Itoa(meta.Unseen)
		case "HIGHESTMODSEQ":
			// STATUS HIGHESTMODSEQ is a CONDSTORE enabling command.
			state.Enabled.Enable(deps.Capabilities(), string(capability.CondStore))
			value = meta.HighestModSeq.String()
		default:
			return response.BAD("", "Unknown status data item "+a.Value)
		}
		items = append(items, a.Upper(), value)
	}

	if err := deps.SendResponse(conn, response.StatusItems(mbox.Name, items)); err != nil {
		return response.NO(response.CodeServerBug, "Write failed")
	}
	return response.OK("", "STATUS completed")
}
