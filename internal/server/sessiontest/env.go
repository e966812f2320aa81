// Package sessiontest provides the database backed fixtures shared by the
// command handler tests.
package sessiontest

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ravensync/internal/capability"
	"ravensync/internal/db"
	"ravensync/internal/models"
	"ravensync/internal/notify"
	"ravensync/internal/selected"
	"ravensync/internal/store"
	"ravensync/internal/uid"
)

const TestUser = "user@example.org"

var sessionSeq atomic.Int64

// Env is a DBManager backed implementation of the handler dependencies.
type Env struct {
	Manager   *db.DBManager
	Store     *db.UserStore
	Caps      *capability.Registry
	KeepAlive time.Duration
}

// NewEnv creates a fresh database in a temporary directory.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	manager, err := db.NewDBManager(t.TempDir(), notify.NewHub(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	userID, err := manager.GetOrCreateUser(context.Background(), TestUser)
	require.NoError(t, err)
	st, err := manager.GetUserStore(userID)
	require.NoError(t, err)

	return &Env{
		Manager:   manager,
		Store:     st,
		Caps:      capability.Default(false),
		KeepAlive: time.Minute,
	}
}

func (e *Env) SendResponse(conn net.Conn, response string) error {
	_, err := fmt.Fprintf(conn, "%s\r\n", response)
	return err
}

func (e *Env) UserStore(state *models.ClientState) (store.Store, error) {
	return e.Manager.GetUserStore(state.UserID)
}

func (e *Env) Hub() *notify.Hub { return e.Manager.Hub() }

func (e *Env) Capabilities() *capability.Registry { return e.Caps }

func (e *Env) IdleKeepAlive() time.Duration { return e.KeepAlive }

// NewState returns an authenticated session state for the test user.
func (e *Env) NewState(conn net.Conn) *models.ClientState {
	return &models.ClientState{
		ID:            fmt.Sprintf("session-%d", sessionSeq.Add(1)),
		Conn:          conn,
		Authenticated: true,
		Username:      TestUser,
		UserID:        e.Store.UserID(),
		Log:           zerolog.Nop(),
	}
}

// Mailbox looks up a mailbox of the test user.
func (e *Env) Mailbox(t *testing.T, name string) store.Mailbox {
	t.Helper()
	mbox, err := e.Store.Mailbox(context.Background(), name)
	require.NoError(t, err)
	return mbox
}

// Append adds n messages to the mailbox on behalf of origin.
func (e *Env) Append(t *testing.T, origin string, mailboxID int64, n int, flags ...string) []uid.UID {
	t.Helper()
	var uids []uid.UID
	for i := 0; i < n; i++ {
		u, err := e.Store.Append(context.Background(), origin, mailboxID, store.AppendRequest{
			Flags: flags,
			Body:  []byte(fmt.Sprintf("Subject: message %d\r\n\r\nbody\r\n", i+1)),
		})
		require.NoError(t, err)
		uids = append(uids, u)
	}
	return uids
}

// Select binds the mailbox into state the way SELECT does, without
// writing any response.
func (e *Env) Select(t *testing.T, state *models.ClientState, name string, readOnly bool) *selected.Mailbox {
	t.Helper()
	ctx := context.Background()
	mbox := e.Mailbox(t, name)

	mb := selected.New(notify.MailboxKey{UserID: e.Store.UserID(), MailboxID: mbox.ID}, mbox.Name, readOnly)
	selected.Register(e.Hub(), mb, state.ID, state.Log)

	msgs, err := e.Store.ListMessages(ctx, mbox.ID, nil)
	require.NoError(t, err)
	meta, err := e.Store.Metadata(ctx, mbox.ID, store.MetadataOptions{})
	require.NoError(t, err)

	uids := make([]uid.UID, 0, len(msgs))
	for _, m := range msgs {
		uids = append(uids, m.UID)
	}
	mb.Bind(uids, meta.Keywords)

	state.SetSelected(mb)
	state.UIDValidity = meta.UIDValidity
	state.UIDNext = uint64(meta.UIDNext)
	state.ModSeqPersistent = meta.PersistentModSeq
	return mb
}
