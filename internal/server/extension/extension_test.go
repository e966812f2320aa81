package extension

import (
	"bufio"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ravensync/internal/models"
	"ravensync/internal/server/response"
	"ravensync/internal/server/sessiontest"
	"ravensync/internal/store"
)

func request(t *testing.T, line string, conn *sessiontest.MockConn) *models.Request {
	t.Helper()
	req, err := models.ParseRequest(line)
	require.NoError(t, err)
	req.Reader = bufio.NewReader(conn)
	return req
}

func TestNoopAndCheck(t *testing.T) {
	env := sessiontest.NewEnv(t)
	conn := sessiontest.NewMockConn()
	state := env.NewState(conn)

	got := HandleNoop(context.Background(), env, conn, request(t, "A1 NOOP", conn), state)
	assert.Equal(t, "A1 OK NOOP completed", got.Line("A1"))
	got = HandleCheck(context.Background(), env, conn, request(t, "A2 CHECK", conn), state)
	assert.Equal(t, "A2 OK CHECK completed", got.Line("A2"))
	assert.Empty(t, conn.GetWrittenData())
}

func TestNamespace(t *testing.T) {
	env := sessiontest.NewEnv(t)
	conn := sessiontest.NewMockConn()
	state := env.NewState(conn)

	got := HandleNamespace(context.Background(), env, conn, request(t, "A1 NAMESPACE", conn), state)
	assert.Equal(t, response.StatusOK, got.Status)
	assert.Equal(t, []string{`* NAMESPACE (("" "/")) NIL NIL`}, conn.Lines())
}

func TestEnable(t *testing.T) {
	env := sessiontest.NewEnv(t)
	conn := sessiontest.NewMockConn()
	state := env.NewState(conn)

	got := HandleEnable(context.Background(), env, conn, request(t, "A1 ENABLE qresync X-UNKNOWN", conn), state)
	assert.Equal(t, "A1 OK ENABLE completed", got.Line("A1"))
	assert.Equal(t, []string{"* ENABLED QRESYNC CONDSTORE"}, conn.Lines())
	assert.True(t, state.Enabled.QResync())
	assert.True(t, state.Enabled.CondStore())

	conn.ClearWriteBuffer()
	HandleEnable(context.Background(), env, conn, request(t, "A2 ENABLE CONDSTORE", conn), state)
	assert.Equal(t, []string{"* ENABLED"}, conn.Lines(), "already enabled extensions are not repeated")
}

func TestEnable_IgnoresNonEnableable(t *testing.T) {
	env := sessiontest.NewEnv(t)
	conn := sessiontest.NewMockConn()
	state := env.NewState(conn)

	HandleEnable(context.Background(), env, conn, request(t, "A1 ENABLE IDLE", conn), state)
	assert.Equal(t, []string{"* ENABLED"}, conn.Lines())
	assert.False(t, state.Enabled.CondStore())
}

func TestEnable_CondStoreWhileSelected(t *testing.T) {
	env := sessiontest.NewEnv(t)
	inbox := env.Mailbox(t, "INBOX")
	env.Append(t, "seed", inbox.ID, 2)
	conn := sessiontest.NewMockConn()
	state := env.NewState(conn)
	env.Select(t, state, "INBOX", false)
	defer state.Deselect()

	meta, err := env.Store.Metadata(context.Background(), inbox.ID, store.MetadataOptions{})
	require.NoError(t, err)

	HandleEnable(context.Background(), env, conn, request(t, "A1 ENABLE CONDSTORE", conn), state)
	assert.Equal(t, []string{
		"* ENABLED CONDSTORE",
		fmt.Sprintf("* OK [HIGHESTMODSEQ %d] Highest", meta.HighestModSeq),
	}, conn.Lines())
}

type idleRun struct {
	conn   *sessiontest.MockConn
	state  *models.ClientState
	result chan response.Completion
	cancel context.CancelFunc
}

func startIdle(t *testing.T, env *sessiontest.Env) *idleRun {
	t.Helper()
	conn := sessiontest.NewMockConn()
	state := env.NewState(conn)
	env.Select(t, state, "INBOX", false)
	t.Cleanup(state.Deselect)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	run := &idleRun{conn: conn, state: state, result: make(chan response.Completion, 1), cancel: cancel}
	req := request(t, "A1 IDLE", conn)
	go func() {
		run.result <- HandleIdle(ctx, env, conn, req, state)
	}()
	require.True(t, conn.WaitFor("+ idling\r\n", time.Second))
	return run
}

func (r *idleRun) wait(t *testing.T) response.Completion {
	t.Helper()
	select {
	case c := <-r.result:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("IDLE did not finish")
		return response.Completion{}
	}
}

func TestIdle_ReportsChangesUntilDone(t *testing.T) {
	env := sessiontest.NewEnv(t)
	inbox := env.Mailbox(t, "INBOX")
	env.Append(t, "seed", inbox.ID, 3)
	run := startIdle(t, env)
	key := run.state.Selected.Key()
	assert.Equal(t, 2, env.Hub().Listeners(key))

	env.Append(t, "other", inbox.ID, 1)
	assert.True(t, run.conn.WaitFor("* 4 EXISTS\r\n* 1 RECENT\r\n", time.Second))

	run.conn.AddReadData("DONE\r\n")
	got := run.wait(t)
	assert.Equal(t, "A1 OK IDLE terminated", got.Line("A1"))
	assert.Equal(t, 1, env.Hub().Listeners(key), "idle listener must be released")
}

func TestIdle_KeepAlive(t *testing.T) {
	env := sessiontest.NewEnv(t)
	env.KeepAlive = 10 * time.Millisecond
	run := startIdle(t, env)

	assert.True(t, run.conn.WaitFor("* OK Still here\r\n", time.Second))
	run.conn.AddReadData("done\r\n")
	assert.Equal(t, response.StatusOK, run.wait(t).Status)
}

func TestIdle_BadTermination(t *testing.T) {
	env := sessiontest.NewEnv(t)
	run := startIdle(t, env)
	key := run.state.Selected.Key()

	run.conn.AddReadData("A2 NOOP\r\n")
	assert.Equal(t, response.StatusBAD, run.wait(t).Status)
	assert.Equal(t, 1, env.Hub().Listeners(key))
}

func TestIdle_Cancelled(t *testing.T) {
	env := sessiontest.NewEnv(t)
	run := startIdle(t, env)
	key := run.state.Selected.Key()

	run.cancel()
	assert.Equal(t, response.StatusNO, run.wait(t).Status)
	assert.Equal(t, 1, env.Hub().Listeners(key))
}

func TestIdle_ConnectionLost(t *testing.T) {
	env := sessiontest.NewEnv(t)
	run := startIdle(t, env)
	key := run.state.Selected.Key()

	_ = run.conn.Close()
	assert.Equal(t, response.StatusNO, run.wait(t).Status)
	assert.Equal(t, 1, env.Hub().Listeners(key))
}
