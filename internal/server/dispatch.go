package server

import (
	"context"
	"net"

	"ravensync/internal/models"
	"ravensync/internal/server/auth"
	"ravensync/internal/server/extension"
	"ravensync/internal/server/mailbox"
	"ravensync/internal/server/message"
	"ravensync/internal/server/middleware"
	"ravensync/internal/server/response"
	"ravensync/internal/server/selection"
	"ravensync/internal/server/unsolicited"
)

// command is one entry of the dispatch table.
type command struct {
	handler middleware.HandlerFunc
	// omitExpunged keeps expunges queued after the command; EXPUNGE
	// responses are not allowed during non-UID FETCH and STORE.
	omitExpunged bool
}

// bind closes a package handler over its dependencies.
func bind[D any](deps D, h func(context.Context, D, net.Conn, *models.Request, *models.ClientState) response.Completion) middleware.HandlerFunc {
	return func(ctx context.Context, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
		return h(ctx, deps, conn, req, state)
	}
}

func (s *IMAPServer) commandTable() map[models.CommandKind]command {
	var (
		authDeps      auth.ServerDeps      = s
		selectionDeps selection.ServerDeps = s
		messageDeps   message.ServerDeps   = s
		mailboxDeps   mailbox.ServerDeps   = s
		extensionDeps extension.ServerDeps = s
	)
	noArgs := func(name string) middleware.Wrapper {
		return middleware.ValidateArgs(0, 0, name+" command does not accept arguments")
	}
	with := func(base []middleware.Wrapper, extra ...middleware.Wrapper) []middleware.Wrapper {
		return append(base[:len(base):len(base)], extra...)
	}
	authed := []middleware.Wrapper{middleware.RequireAuth}
	selected := with(authed, middleware.RequireMailboxSelected)
	writable := with(selected, middleware.RequireWritable)

	return map[models.CommandKind]command{
		// Any state
		models.CmdCapability: {handler: middleware.Chain(bind(authDeps, auth.HandleCapability), noArgs("CAPABILITY"))},
		models.CmdNoop:       {handler: middleware.Chain(bind(extensionDeps, extension.HandleNoop), noArgs("NOOP"))},
		models.CmdLogout:     {handler: middleware.Chain(bind(authDeps, auth.HandleLogout), noArgs("LOGOUT"))},

		// Not authenticated
		models.CmdStartTLS: {handler: middleware.Chain(bind(authDeps, auth.HandleStartTLS),
			middleware.RequireNotAuth, noArgs("STARTTLS"))},
		models.CmdLogin: {handler: middleware.Chain(bind(authDeps, auth.HandleLogin),
			middleware.RequireNotAuth, middleware.ValidateArgs(2, 2, "LOGIN requires username and password"))},

		// Authenticated
		models.CmdEnable: {handler: middleware.Chain(bind(extensionDeps, extension.HandleEnable),
			with(authed, middleware.ValidateArgs(1, -1, "ENABLE requires capability names"))...)},
		models.CmdNamespace: {handler: middleware.Chain(bind(extensionDeps, extension.HandleNamespace),
			with(authed, noArgs("NAMESPACE"))...)},
		models.CmdSelect: {handler: middleware.Chain(bind(selectionDeps, selection.HandleSelect),
			with(authed, middleware.ValidateArgs(1, 2, "SELECT requires mailbox name"))...)},
		models.CmdExamine: {handler: middleware.Chain(bind(selectionDeps, selection.HandleSelect),
			with(authed, middleware.ValidateArgs(1, 2, "EXAMINE requires mailbox name"))...)},
		models.CmdCreate: {handler: middleware.Chain(bind(mailboxDeps, mailbox.HandleCreate),
			with(authed, middleware.ValidateArgs(1, 1, "CREATE requires mailbox name"))...)},
		models.CmdDelete: {handler: middleware.Chain(bind(mailboxDeps, mailbox.HandleDelete),
			with(authed, middleware.ValidateArgs(1, 1, "DELETE requires mailbox name"))...)},
		models.CmdList: {handler: middleware.Chain(bind(mailboxDeps, mailbox.HandleList),
			with(authed, middleware.ValidateArgs(2, 2, "LIST command requires reference and mailbox arguments"))...)},
		models.CmdStatus: {handler: middleware.Chain(bind(mailboxDeps, mailbox.HandleStatus),
			with(authed, middleware.ValidateArgs(2, 2, "STATUS requires mailbox name and status data items"))...)},
		models.CmdAppend: {handler: middleware.Chain(bind(messageDeps, message.HandleAppend),
			with(authed, middleware.ValidateArgs(2, 4, "APPEND requires mailbox and message literal"))...)},

		// Selected
		models.CmdCheck: {handler: middleware.Chain(bind(extensionDeps, extension.HandleCheck),
			with(selected, noArgs("CHECK"))...)},
		models.CmdIdle: {handler: middleware.Chain(bind(extensionDeps, extension.HandleIdle),
			with(selected, noArgs("IDLE"))...)},
		models.CmdClose: {handler: middleware.Chain(bind(selectionDeps, selection.HandleClose),
			with(selected, noArgs("CLOSE"))...)},
		models.CmdUnselect: {handler: middleware.Chain(bind(selectionDeps, selection.HandleUnselect),
			with(selected, noArgs("UNSELECT"))...)},
		models.CmdFetch: {handler: middleware.Chain(bind(messageDeps, message.HandleFetch),
			with(selected, middleware.ValidateArgs(2, 3, "FETCH requires sequence set and items"))...), omitExpunged: true},
		models.CmdUIDFetch: {handler: middleware.Chain(bind(messageDeps, message.HandleFetch),
			with(selected, middleware.ValidateArgs(2, 3, "UID FETCH requires UID set and items"))...)},
		models.CmdStore: {handler: middleware.Chain(bind(messageDeps, message.HandleStore),
			with(writable, middleware.ValidateArgs(3, 4, "STORE requires sequence set, item and flags"))...), omitExpunged: true},
		models.CmdUIDStore: {handler: middleware.Chain(bind(messageDeps, message.HandleStore),
			with(writable, middleware.ValidateArgs(3, 4, "UID STORE requires UID set, item and flags"))...)},
		models.CmdExpunge: {handler: middleware.Chain(bind(messageDeps, message.HandleExpunge),
			with(writable, noArgs("EXPUNGE"))...)},
		models.CmdUIDExpunge: {handler: middleware.Chain(bind(messageDeps, message.HandleExpunge),
			with(writable, middleware.ValidateArgs(1, 1, "UID EXPUNGE requires a UID set"))...)},
	}
}

// dispatch runs req and then reports the changes other sessions made to
// the selected mailbox, before the caller writes the completion.
func (s *IMAPServer) dispatch(ctx context.Context, state *models.ClientState, req *models.Request) response.Completion {
	cmd, ok := s.commands[req.Kind]
	if !ok {
		return response.BAD("", "Unknown command: "+req.Name)
	}

	completion := cmd.handler(ctx, state.Conn, req, state)

	if state.Selected != nil {
		opts := unsolicited.Options{UseUIDs: req.Kind.IsUID(), OmitExpunged: cmd.omitExpunged}
		if err := unsolicited.Reconcile(ctx, s, state.Conn, state, opts); err != nil {
			state.Log.Debug().Err(err).Msg("failed to report mailbox changes")
		}
	}
	return completion
}
