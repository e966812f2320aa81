// Package selection handles SELECT, EXAMINE, CLOSE and UNSELECT.
package selection

import (
	"context"
	"errors"
	"net"

	"ravensync/internal/capability"
	"ravensync/internal/models"
	"ravensync/internal/notify"
	"ravensync/internal/selected"
	"ravensync/internal/server/response"
	"ravensync/internal/store"
	"ravensync/internal/uid"
)

// maxUnseenRetries bounds how often the first unseen message is looked up
// again after it vanished between the snapshot and the lookup.
const maxUnseenRetries = 5

// ServerDeps defines the dependencies that selection handlers need from the server
type ServerDeps interface {
	SendResponse(conn net.Conn, response string) error
	UserStore(state *models.ClientState) (store.Store, error)
	Hub() *notify.Hub
	Capabilities() *capability.Registry
}

// ===== SELECT / EXAMINE =====

// HandleSelect binds the session to a mailbox. EXAMINE opens it read-only
// and leaves \Recent unclaimed.
func HandleSelect(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	readOnly := req.Kind == models.CmdExamine
	if len(req.Args) < 1 || req.Args[0].IsList {
		return response.BAD("", req.Name+" requires mailbox name")
	}
	name := req.Args[0].Value

	params, err := ParseParams(req.Args[1:], state.Enabled.QResync())
	if err != nil {
		return response.BAD("", err.Error())
	}
	if params.CondStore {
		state.Enabled.Enable(deps.Capabilities(), string(capability.CondStore))
	}

	// The previous mailbox is left even if this selection fails.
	if state.Selected != nil {
		if state.Enabled.QResync() {
			if err := deps.SendResponse(conn, response.Closed()); err != nil {
				return response.NO(response.CodeServerBug, "Write failed")
			}
		}
		state.Deselect()
	}

	st, err := deps.UserStore(state)
	if err != nil {
		state.Log.Error().Err(err).Msg("failed to open user store")
		return response.NO(response.CodeServerBug, "Database error")
	}
	mbox, err := st.Mailbox(ctx, name)
	if errors.Is(err, store.ErrNoSuchMailbox) {
		return response.NO(response.CodeNonExistent, "Mailbox does not exist")
	}
	if err != nil {
		state.Log.Error().Err(err).Str("mailbox", name).Msg("failed to look up mailbox")
		return response.NO(response.CodeServerBug, "Database error")
	}

	s := &selection{
		deps:     deps,
		conn:     conn,
		state:    state,
		store:    st,
		mbox:     mbox,
		readOnly: readOnly,
		params:   params,
	}
	return s.run(ctx)
}

type selection struct {
	deps     ServerDeps
	conn     net.Conn
	state    *models.ClientState
	store    store.Store
	mbox     store.Mailbox
	readOnly bool
	params   Params

	mb   *selected.Mailbox
	meta store.Metadata
}

func (s *selection) run(ctx context.Context) response.Completion {
	key := notify.MailboxKey{UserID: s.state.UserID, MailboxID: s.mbox.ID}
	s.mb = selected.New(key, s.mbox.Name, s.readOnly)

	// Register before listing so no change between the listing and the
	// first reconciliation is missed.
	selected.Register(s.deps.Hub(), s.mb, s.state.ID, s.state.Log)
	bound := false
	defer func() {
		if !bound {
			_ = s.mb.Close()
		}
	}()

	var err error
	s.meta, err = s.store.Metadata(ctx, s.mbox.ID, store.MetadataOptions{ClaimRecent: !s.readOnly})
	if err != nil {
		s.state.Log.Error().Err(err).Str("mailbox", s.mbox.Name).Msg("failed to read mailbox metadata")
		return response.NO(response.CodeServerBug, "Database error")
	}
	msgs, err := s.store.ListMessages(ctx, s.mbox.ID, nil)
	if err != nil {
		s.state.Log.Error().Err(err).Str("mailbox", s.mbox.Name).Msg("failed to list messages")
		return response.NO(response.CodeServerBug, "Database error")
	}
	uids := make([]uid.UID, 0, len(msgs))
	for _, m := range msgs {
		uids = append(uids, m.UID)
	}
	s.mb.Bind(uids, s.meta.Keywords)
	s.mb.AddRecent(s.meta.Claimed...)

	if err := s.announce(ctx); err != nil {
		s.state.Log.Debug().Err(err).Msg("failed to write select responses")
		return response.NO(response.CodeServerBug, "Write failed")
	}

	completion := response.OK(response.CodeReadWrite, commandName(s.readOnly)+" completed")
	if s.readOnly {
		completion.Code = response.CodeReadOnly
	}
	if qr := s.params.QResync; qr != nil {
		if qr.UIDValidity != s.meta.UIDValidity {
			completion.Text = "UIDVALIDITY mismatch, " + completion.Text
		} else if err := s.resync(ctx, qr); err != nil {
			// The untagged lines are already out; the NO tells the client
			// to discard them and leaves nothing selected.
			s.state.Log.Error().
				Err(err).
				Str("mailbox", s.mbox.Name).
				Bool("announced", true).
				Msg("quick resync failed after select responses, leaving mailbox unselected")
			return response.NO(response.CodeServerBug, "Resynchronization failed")
		}
	}

	s.state.SetSelected(s.mb)
	s.state.UIDValidity = s.meta.UIDValidity
	s.state.UIDNext = uint64(s.meta.UIDNext)
	s.state.ModSeqPersistent = s.meta.PersistentModSeq
	bound = true

	s.state.Log.Info().
		Str("mailbox", s.mbox.Name).
		Bool("read_only", s.readOnly).
		Int("messages", s.mb.Exists()).
		Msg("mailbox selected")
	return completion
}

func commandName(readOnly bool) string {
	if readOnly {
		return "EXAMINE"
	}
	return "SELECT"
}

// announce writes the untagged responses describing the mailbox.
func (s *selection) announce(ctx context.Context) error {
	lines := []string{
		response.MailboxID(s.mbox.ObjectID),
		response.Flags(store.SystemFlags, s.mb.ApplicableFlags()),
		response.Exists(s.mb.Exists()),
		response.Recent(s.mb.RecentCount()),
		response.UIDValidity(s.meta.UIDValidity),
	}
	if msn, ok := firstUnseen(ctx, s.store, s.mb, s.mbox.ID, s.meta.FirstUnseen, s.state); ok {
		lines = append(lines, response.Unseen(msn))
	}

	var permanent []string
	if !s.readOnly {
		permanent = s.meta.PermanentFlags
	}
	lines = append(lines, response.PermanentFlags(permanent))
	if s.meta.PersistentModSeq {
		lines = append(lines, response.HighestModSeq(s.meta.HighestModSeq))
	} else {
		lines = append(lines, response.NoModSeq())
	}
	lines = append(lines, response.UIDNext(s.meta.UIDNext))

	for _, line := range lines {
		if err := s.deps.SendResponse(s.conn, line); err != nil {
			return err
		}
	}
	return nil
}

// resync reports what changed since the client's cached state.
func (s *selection) resync(ctx context.Context, qr *QResyncParams) error {
	res, err := ComputeResync(ctx, s.store, s.mb, s.mbox.ID, s.meta, qr)
	if err != nil {
		return err
	}
	if !res.Vanished.IsEmpty() {
		if err := s.deps.SendResponse(s.conn, response.Vanished(res.Vanished, true)); err != nil {
			return err
		}
	}
	for _, m := range res.Changed {
		msn, ok := s.mb.ResolveMSN(m.UID)
		if !ok {
			continue
		}
		line := response.Fetch(msn, response.UIDItem(m.UID), response.FlagsItem(m.Flags), response.ModSeqItem(m.ModSeq))
		if err := s.deps.SendResponse(s.conn, line); err != nil {
			return err
		}
	}
	return nil
}

type metadataReader interface {
	Metadata(ctx context.Context, mailboxID int64, opts store.MetadataOptions) (store.Metadata, error)
}

type msnResolver interface {
	ResolveMSN(u uid.UID) (uid.MSN, bool)
}

// firstUnseen resolves the position of the first unseen message. The
// message may have been expunged since the snapshot, in which case a fresh
// snapshot is read, up to maxUnseenRetries times.
func firstUnseen(ctx context.Context, st metadataReader, view msnResolver, mailboxID int64, first uid.UID, state *models.ClientState) (uid.MSN, bool) {
	for attempt := 0; first != 0; attempt++ {
		if msn, ok := view.ResolveMSN(first); ok {
			return msn, true
		}
		if attempt == maxUnseenRetries {
			break
		}
		meta, err := st.Metadata(ctx, mailboxID, store.MetadataOptions{})
		if err != nil {
			state.Log.Debug().Err(err).Msg("failed to refresh metadata for first unseen")
			return 0, false
		}
		first = meta.FirstUnseen
	}
	if first != 0 {
		state.Log.Debug().
			Uint64("uid", uint64(first)).
			Int("retries", maxUnseenRetries).
			Msg("first unseen message could not be resolved, omitting UNSEEN")
	}
	return 0, false
}

// ===== CLOSE / UNSELECT =====

// HandleClose leaves the selected mailbox, first removing \Deleted
// messages without reporting them when it was opened read-write.
func HandleClose(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	mb := state.Selected
	if !mb.ReadOnly() {
		st, err := deps.UserStore(state)
		if err != nil {
			state.Log.Error().Err(err).Msg("failed to open user store")
			return response.NO(response.CodeServerBug, "Database error")
		}
		removed, err := st.Expunge(ctx, state.ID, mb.Key().MailboxID, nil)
		if err != nil {
			state.Log.Error().Err(err).Str("mailbox", mb.Name()).Msg("failed to expunge on close")
			return response.NO(response.CodeServerBug, "Expunge failed")
		}
		if len(removed) > 0 {
			state.Log.Debug().Int("count", len(removed)).Str("mailbox", mb.Name()).Msg("expunged on close")
		}
	}
	state.Deselect()
	return response.OK("", "CLOSE completed")
}

// HandleUnselect leaves the selected mailbox without expunging.
func HandleUnselect(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	state.Deselect()
	return response.OK("", "UNSELECT completed")
}
