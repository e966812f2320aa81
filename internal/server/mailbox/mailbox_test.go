package mailbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ravensync/internal/models"
	"ravensync/internal/server/response"
	"ravensync/internal/server/sessiontest"
	"ravensync/internal/store"
)

func run(t *testing.T, env *sessiontest.Env, state *models.ClientState, line string) (response.Completion, []string) {
	t.Helper()
	req, err := models.ParseRequest(line)
	require.NoError(t, err)
	conn := sessiontest.NewMockConn()

	ctx := context.Background()
	var got response.Completion
	switch req.Kind {
	case models.CmdList:
		got = HandleList(ctx, env, conn, req, state)
	case models.CmdCreate:
		got = HandleCreate(ctx, env, conn, req, state)
	case models.CmdDelete:
		got = HandleDelete(ctx, env, conn, req, state)
	case models.CmdStatus:
		got = HandleStatus(ctx, env, conn, req, state)
	default:
		require.FailNowf(t, "unexpected command", "%s", req.Name)
	}
	return got, conn.Lines()
}

func TestList(t *testing.T) {
	env := sessiontest.NewEnv(t)
	state := env.NewState(sessiontest.NewMockConn())
	_, err := env.Store.CreateMailbox(context.Background(), "Work/Projects")
	require.NoError(t, err)

	got, lines := run(t, env, state, `A1 LIST "" "*"`)
	assert.Equal(t, "A1 OK LIST completed", got.Line("A1"))
	assert.Equal(t, []string{
		`* LIST (\HasNoChildren \Drafts) "/" "Drafts"`,
		`* LIST (\HasNoChildren) "/" "INBOX"`,
		`* LIST (\HasNoChildren \Sent) "/" "Sent"`,
		`* LIST (\HasNoChildren \Trash) "/" "Trash"`,
		`* LIST (\HasChildren) "/" "Work"`,
		`* LIST (\HasNoChildren) "/" "Work/Projects"`,
	}, lines)

	_, lines = run(t, env, state, `A2 LIST "Work" "%"`)
	assert.Equal(t, []string{`* LIST (\HasNoChildren) "/" "Work/Projects"`}, lines)

	_, lines = run(t, env, state, `A3 LIST "" "inbox"`)
	assert.Equal(t, []string{`* LIST (\HasNoChildren) "/" "INBOX"`}, lines)
}

func TestList_Delimiter(t *testing.T) {
	env := sessiontest.NewEnv(t)
	state := env.NewState(sessiontest.NewMockConn())

	_, lines := run(t, env, state, `A1 LIST "" ""`)
	assert.Equal(t, []string{`* LIST (\Noselect) "/" ""`}, lines)
}

func TestCreate(t *testing.T) {
	env := sessiontest.NewEnv(t)
	state := env.NewState(sessiontest.NewMockConn())

	got, _ := run(t, env, state, "A1 CREATE Archive/2024/")
	assert.Equal(t, "A1 OK CREATE completed", got.Line("A1"))
	env.Mailbox(t, "Archive")
	env.Mailbox(t, "Archive/2024")

	got, _ = run(t, env, state, "A2 CREATE Archive/2024")
	assert.Equal(t, "A2 NO [ALREADYEXISTS] Mailbox already exists", got.Line("A2"))

	got, _ = run(t, env, state, "A3 CREATE inbox")
	assert.Equal(t, response.CodeAlreadyExists, got.Code)

	got, _ = run(t, env, state, `A4 CREATE "/"`)
	assert.Equal(t, response.StatusNO, got.Status)
}

func TestDelete(t *testing.T) {
	env := sessiontest.NewEnv(t)
	state := env.NewState(sessiontest.NewMockConn())
	_, err := env.Store.CreateMailbox(context.Background(), "Old")
	require.NoError(t, err)

	got, _ := run(t, env, state, "A1 DELETE Old")
	assert.Equal(t, "A1 OK DELETE completed", got.Line("A1"))
	_, err = env.Store.Mailbox(context.Background(), "Old")
	assert.ErrorIs(t, err, store.ErrNoSuchMailbox)

	got, _ = run(t, env, state, "A2 DELETE Old")
	assert.Equal(t, "A2 NO [NONEXISTENT] Mailbox does not exist", got.Line("A2"))

	got, _ = run(t, env, state, "A3 DELETE INBOX")
	assert.Equal(t, "A3 NO [CANNOT] Cannot delete INBOX", got.Line("A3"))
}

func TestDelete_SelectedMailboxRefused(t *testing.T) {
	env := sessiontest.NewEnv(t)
	state := env.NewState(sessiontest.NewMockConn())
	other := env.NewState(sessiontest.NewMockConn())
	env.Select(t, other, "Trash", false)

	got, _ := run(t, env, state, "A1 DELETE Trash")
	assert.Equal(t, "A1 NO [INUSE] Mailbox is selected", got.Line("A1"))

	other.Deselect()
	got, _ = run(t, env, state, "A2 DELETE Trash")
	assert.Equal(t, response.StatusOK, got.Status)
}

func TestStatus(t *testing.T) {
	env := sessiontest.NewEnv(t)
	state := env.NewState(sessiontest.NewMockConn())
	inbox := env.Mailbox(t, "INBOX")
	env.Append(t, "seed", inbox.ID, 2)
	env.Append(t, "seed", inbox.ID, 1, `\Seen`)
	meta, err := env.Store.Metadata(context.Background(), inbox.ID, store.MetadataOptions{})
	require.NoError(t, err)

	got, lines := run(t, env, state, "A1 STATUS INBOX (MESSAGES RECENT UIDNEXT UIDVALIDITY UNSEEN)")
	assert.Equal(t, "A1 OK STATUS completed", got.Line("A1"))
	assert.Equal(t, []string{
		fmt.Sprintf(`* STATUS "INBOX" (MESSAGES 3 RECENT 3 UIDNEXT 4 UIDVALIDITY %d UNSEEN 2)`, inbox.UIDValidity),
	}, lines)
	assert.False(t, state.Enabled.CondStore())

	_, lines = run(t, env, state, "A2 STATUS INBOX (HIGHESTMODSEQ)")
	assert.Equal(t, []string{fmt.Sprintf(`* STATUS "INBOX" (HIGHESTMODSEQ %d)`, meta.HighestModSeq)}, lines)
	assert.True(t, state.Enabled.CondStore())
}

func TestStatus_Errors(t *testing.T) {
	env := sessiontest.NewEnv(t)
	state := env.NewState(sessiontest.NewMockConn())

	got, _ := run(t, env, state, "A1 STATUS Nowhere (MESSAGES)")
	assert.Equal(t, response.CodeNonExistent, got.Code)

	got, _ = run(t, env, state, "A2 STATUS INBOX (SIZE)")
	assert.Equal(t, response.StatusBAD, got.Status)

	got, _ = run(t, env, state, "A3 STATUS INBOX MESSAGES")
	assert.Equal(t, response.StatusBAD, got.Status)
}
