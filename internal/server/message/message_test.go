package message

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ravensync/internal/capability"
	"ravensync/internal/models"
	"ravensync/internal/server/response"
	"ravensync/internal/server/sessiontest"
	"ravensync/internal/server/unsolicited"
	"ravensync/internal/store"
	"ravensync/internal/uid"
)

type fixture struct {
	env   *sessiontest.Env
	conn  *sessiontest.MockConn
	state *models.ClientState
	inbox store.Mailbox
}

// setup selects INBOX holding three messages.
func setup(t *testing.T) *fixture {
	t.Helper()
	env := sessiontest.NewEnv(t)
	inbox := env.Mailbox(t, "INBOX")
	env.Append(t, "seed", inbox.ID, 3)
	conn := sessiontest.NewMockConn()
	state := env.NewState(conn)
	env.Select(t, state, "INBOX", false)
	t.Cleanup(state.Deselect)
	return &fixture{env: env, conn: conn, state: state, inbox: inbox}
}

// exec runs a command followed by the reconciliation the dispatcher does.
func (f *fixture) exec(t *testing.T, line string) response.Completion {
	t.Helper()
	req, err := models.ParseRequest(line)
	require.NoError(t, err)
	f.conn.ClearWriteBuffer()

	ctx := context.Background()
	var got response.Completion
	switch req.Kind {
	case models.CmdFetch, models.CmdUIDFetch:
		got = HandleFetch(ctx, f.env, f.conn, req, f.state)
	case models.CmdStore, models.CmdUIDStore:
		got = HandleStore(ctx, f.env, f.conn, req, f.state)
	case models.CmdExpunge, models.CmdUIDExpunge:
		got = HandleExpunge(ctx, f.env, f.conn, req, f.state)
	case models.CmdAppend:
		got = HandleAppend(ctx, f.env, f.conn, req, f.state)
	default:
		require.FailNowf(t, "unexpected command", "%s", req.Name)
	}

	opts := unsolicited.Options{
		UseUIDs:      req.Kind.IsUID(),
		OmitExpunged: req.Kind == models.CmdFetch || req.Kind == models.CmdStore,
	}
	require.NoError(t, unsolicited.Reconcile(ctx, f.env, f.conn, f.state, opts))
	return got
}

func (f *fixture) flags(t *testing.T, u uid.UID) []string {
	t.Helper()
	msgs, err := f.env.Store.ListMessages(context.Background(), f.inbox.ID, uid.FromUIDs([]uid.UID{u}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0].Flags
}

func (f *fixture) highestModSeq(t *testing.T) uid.ModSeq {
	t.Helper()
	meta, err := f.env.Store.Metadata(context.Background(), f.inbox.ID, store.MetadataOptions{})
	require.NoError(t, err)
	return meta.HighestModSeq
}

func (f *fixture) otherSetFlags(t *testing.T, op store.FlagOp, flag string, uids ...uid.UID) {
	t.Helper()
	_, err := f.env.Store.SetFlags(context.Background(), "other", f.inbox.ID, uids, store.FlagChange{Op: op, Flags: []string{flag}})
	require.NoError(t, err)
}

func TestFetch_Flags(t *testing.T) {
	f := setup(t)

	got := f.exec(t, "A1 FETCH 1:2 (UID FLAGS)")
	assert.Equal(t, "A1 OK FETCH completed", got.Line("A1"))
	assert.Equal(t, []string{
		"* 1 FETCH (UID 1 FLAGS ())",
		"* 2 FETCH (UID 2 FLAGS ())",
	}, f.conn.Lines())
}

func TestUIDFetch_StarAndImplicitUID(t *testing.T) {
	f := setup(t)

	got := f.exec(t, "A1 UID FETCH 2:* FLAGS")
	assert.Equal(t, response.StatusOK, got.Status)
	assert.Equal(t, []string{
		"* 2 FETCH (UID 2 FLAGS ())",
		"* 3 FETCH (UID 3 FLAGS ())",
	}, f.conn.Lines())
}

func TestUIDFetch_MissingUIDsIgnored(t *testing.T) {
	f := setup(t)

	got := f.exec(t, "A1 UID FETCH 10:20 FLAGS")
	assert.Equal(t, response.StatusOK, got.Status)
	assert.Empty(t, f.conn.Lines())
}

func TestFetch_InvalidSequence(t *testing.T) {
	f := setup(t)

	assert.Equal(t, response.StatusBAD, f.exec(t, "A1 FETCH 5 FLAGS").Status)
	assert.Equal(t, response.StatusBAD, f.exec(t, "A1 FETCH 0 FLAGS").Status)
	assert.Equal(t, response.StatusBAD, f.exec(t, "A1 FETCH 1 ENVELOPE").Status)
}

func TestFetch_SizeAndDate(t *testing.T) {
	f := setup(t)

	f.exec(t, "A1 FETCH 1 FAST")
	lines := f.conn.Lines()
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "* 1 FETCH (FLAGS () INTERNALDATE \""), lines[0])
	assert.Contains(t, lines[0], fmt.Sprintf("RFC822.SIZE %d)", len("Subject: message 1\r\n\r\nbody\r\n")))
}

func TestFetch_BodyPeekLeavesSeen(t *testing.T) {
	f := setup(t)
	body := "Subject: message 1\r\n\r\nbody\r\n"

	f.exec(t, "A1 FETCH 1 BODY.PEEK[]")
	assert.Equal(t, fmt.Sprintf("* 1 FETCH (BODY[] {%d}\r\n%s)\r\n", len(body), body), f.conn.GetWrittenData())
	assert.NotContains(t, f.flags(t, 1), `\Seen`)
}

func TestFetch_BodySetsSeen(t *testing.T) {
	f := setup(t)

	f.exec(t, "A1 FETCH 2 BODY[]")
	assert.Contains(t, f.conn.GetWrittenData(), `FLAGS (\Seen)`)
	assert.Contains(t, f.flags(t, 2), `\Seen`)
	// The change is this session's own and is not reported again.
	f.exec(t, "A2 FETCH 2 FLAGS")
	assert.Equal(t, []string{`* 2 FETCH (FLAGS (\Seen))`}, f.conn.Lines())
}

func TestFetch_ChangedSince(t *testing.T) {
	f := setup(t)
	since := f.highestModSeq(t)
	f.otherSetFlags(t, store.FlagsAdd, `\Flagged`, 3)
	f.exec(t, "A0 FETCH 1 FLAGS") // drain the unsolicited update
	now := f.highestModSeq(t)

	got := f.exec(t, fmt.Sprintf("A1 FETCH 1:* (FLAGS) (CHANGEDSINCE %d)", since))
	assert.Equal(t, response.StatusOK, got.Status)
	assert.Equal(t, []string{fmt.Sprintf(`* 3 FETCH (FLAGS (\Flagged) MODSEQ (%d))`, now)}, f.conn.Lines())
	assert.True(t, f.state.Enabled.CondStore())
}

func TestUIDFetch_Vanished(t *testing.T) {
	f := setup(t)
	f.state.Enabled.Enable(f.env.Caps, string(capability.QResync))
	since := f.highestModSeq(t)

	f.otherSetFlags(t, store.FlagsAdd, `\Deleted`, 2)
	_, err := f.env.Store.Expunge(context.Background(), "other", f.inbox.ID, nil)
	require.NoError(t, err)

	got := f.exec(t, fmt.Sprintf("A1 UID FETCH 1:3 (FLAGS) (CHANGEDSINCE %d VANISHED)", since))
	assert.Equal(t, response.StatusOK, got.Status)
	lines := f.conn.Lines()
	require.NotEmpty(t, lines)
	assert.Equal(t, "* VANISHED (EARLIER) 2", lines[0])
	// The reconciliation afterwards reports the removal to the view.
	assert.Equal(t, "* VANISHED 2", lines[len(lines)-1])
}

func TestFetch_VanishedRequiresQResync(t *testing.T) {
	f := setup(t)
	assert.Equal(t, response.StatusBAD, f.exec(t, "A1 UID FETCH 1:* FLAGS (CHANGEDSINCE 1 VANISHED)").Status)

	f.state.Enabled.Enable(f.env.Caps, string(capability.QResync))
	assert.Equal(t, response.StatusBAD, f.exec(t, "A2 FETCH 1:* FLAGS (CHANGEDSINCE 1 VANISHED)").Status, "non-UID FETCH")
	assert.Equal(t, response.StatusBAD, f.exec(t, "A3 UID FETCH 1:* FLAGS (VANISHED)").Status, "without CHANGEDSINCE")
}

func TestStore_AddFlags(t *testing.T) {
	f := setup(t)

	got := f.exec(t, `A1 STORE 1 +FLAGS (\Seen)`)
	assert.Equal(t, "A1 OK STORE completed", got.Line("A1"))
	assert.Equal(t, []string{`* 1 FETCH (FLAGS (\Seen))`}, f.conn.Lines())
	assert.Equal(t, []string{`\Seen`}, f.flags(t, 1))

	f.exec(t, `A2 STORE 1 -FLAGS.SILENT (\Seen)`)
	assert.Empty(t, f.conn.Lines())
	assert.Empty(t, f.flags(t, 1))
}

func TestUIDStore_NewKeyword(t *testing.T) {
	f := setup(t)

	f.exec(t, `A1 UID STORE 2 FLAGS ($Work)`)
	assert.Equal(t, []string{
		`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft $Work)`,
		`* OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft $Work \*)] Flags permitted`,
		`* 2 FETCH (UID 2 FLAGS ($Work))`,
	}, f.conn.Lines())
}

func TestStore_UnchangedSince(t *testing.T) {
	f := setup(t)
	since := f.highestModSeq(t)
	f.otherSetFlags(t, store.FlagsAdd, `\Answered`, 2)
	f.exec(t, "A0 UID FETCH 1 FLAGS")

	got := f.exec(t, fmt.Sprintf(`A1 STORE 1:2 (UNCHANGEDSINCE %d) +FLAGS (\Flagged)`, since))
	assert.Equal(t, "A1 OK [MODIFIED 2] Conditional STORE failed", got.Line("A1"))
	lines := f.conn.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, fmt.Sprintf(`* 1 FETCH (FLAGS (\Flagged) MODSEQ (%d))`, f.highestModSeq(t)), lines[0])
	assert.Equal(t, []string{`\Answered`}, f.flags(t, 2))
}

func TestStore_Invalid(t *testing.T) {
	f := setup(t)

	assert.Equal(t, response.StatusBAD, f.exec(t, `A1 STORE 1 FLAGZ (\Seen)`).Status)
	assert.Equal(t, response.StatusBAD, f.exec(t, `A2 STORE 1 +FLAGS`).Status)
	assert.Equal(t, response.StatusBAD, f.exec(t, `A3 STORE 9 +FLAGS (\Seen)`).Status)
}

func TestExpunge_ReportsOwnRemovals(t *testing.T) {
	f := setup(t)
	f.exec(t, `A1 STORE 2:3 +FLAGS.SILENT (\Deleted)`)

	got := f.exec(t, "A2 EXPUNGE")
	assert.Equal(t, "A2 OK EXPUNGE completed", got.Line("A2"))
	assert.Equal(t, []string{"* 2 EXPUNGE", "* 2 EXPUNGE"}, f.conn.Lines())
	assert.Equal(t, 1, f.state.Selected.Exists())
}

func TestUIDExpunge_OnlyNamedUIDs(t *testing.T) {
	f := setup(t)
	f.exec(t, `A1 STORE 1:3 +FLAGS.SILENT (\Deleted)`)

	got := f.exec(t, "A2 UID EXPUNGE 3")
	assert.Equal(t, response.StatusOK, got.Status)
	assert.Equal(t, []string{"* 3 EXPUNGE"}, f.conn.Lines())

	msgs, err := f.env.Store.ListMessages(context.Background(), f.inbox.ID, nil)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestFetch_OmitsExpungesOfOtherSessions(t *testing.T) {
	f := setup(t)
	f.otherSetFlags(t, store.FlagsAdd, `\Deleted`, 1)
	_, err := f.env.Store.Expunge(context.Background(), "other", f.inbox.ID, nil)
	require.NoError(t, err)

	f.exec(t, "A1 FETCH 1 FLAGS")
	assert.NotContains(t, f.conn.GetWrittenData(), "EXPUNGE")

	f.exec(t, "A2 UID FETCH 2 FLAGS")
	assert.Contains(t, f.conn.Lines(), "* 1 EXPUNGE")
}

func TestAppend(t *testing.T) {
	f := setup(t)
	msg := "Subject: hi\r\n\r\nhello\r\n"

	got := f.exec(t, fmt.Sprintf("A1 APPEND INBOX (\\Seen) \"05-Mar-2024 10:00:00 +0000\" {%d}\r\n%s", len(msg), msg))
	assert.Equal(t, fmt.Sprintf("A1 OK [APPENDUID %d 4] APPEND completed", f.inbox.UIDValidity), got.Line("A1"))
	assert.Equal(t, []string{"* 4 EXISTS", "* 1 RECENT"}, f.conn.Lines())

	msgs, err := f.env.Store.ListMessages(context.Background(), f.inbox.ID, uid.FromUIDs([]uid.UID{4}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{`\Seen`}, msgs[0].Flags)
	assert.True(t, msgs[0].InternalDate.Equal(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)))
}

func TestAppend_OtherMailbox(t *testing.T) {
	f := setup(t)
	msg := "Subject: draft\r\n\r\n"

	got := f.exec(t, fmt.Sprintf("A1 APPEND Drafts {%d}\r\n%s", len(msg), msg))
	assert.Equal(t, response.StatusOK, got.Status)
	assert.Empty(t, f.conn.Lines())
}

func TestAppend_Errors(t *testing.T) {
	f := setup(t)

	got := f.exec(t, "A1 APPEND Nowhere {2}\r\nhi")
	assert.Equal(t, "A1 NO [TRYCREATE] Mailbox does not exist", got.Line("A1"))
	assert.Equal(t, response.StatusBAD, f.exec(t, "A2 APPEND INBOX").Status)
	assert.Equal(t, response.StatusBAD, f.exec(t, "A3 APPEND INBOX \"yesterday\" {2}\r\nhi").Status)
}
