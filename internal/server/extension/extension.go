// Package extension handles NOOP, CHECK, NAMESPACE, ENABLE and IDLE.
package extension

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"ravensync/internal/capability"
	"ravensync/internal/models"
	"ravensync/internal/notify"
	"ravensync/internal/server/response"
	"ravensync/internal/server/unsolicited"
	"ravensync/internal/store"
)

const defaultKeepAlive = 2 * time.Minute

var errBadIdleEnd = errors.New("expected DONE")

// ServerDeps defines the dependencies that extension handlers need from the server
type ServerDeps interface {
	unsolicited.ServerDeps
	Hub() *notify.Hub
	Capabilities() *capability.Registry
	IdleKeepAlive() time.Duration
}

// ===== NOOP / CHECK =====

// HandleNoop does nothing; pending mailbox changes are reported by the
// reconciliation that follows every command.
func HandleNoop(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	return response.OK("", "NOOP completed")
}

func HandleCheck(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	return response.OK("", "CHECK completed")
}

// ===== NAMESPACE =====

func HandleNamespace(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	// Send namespace response - simple single personal namespace
	if err := deps.SendResponse(conn, `* NAMESPACE (("" "/")) NIL NIL`); err != nil {
		return response.NO(response.CodeServerBug, "Write failed")
	}
	return response.OK("", "NAMESPACE completed")
}

// ===== ENABLE =====

// HandleEnable turns on the requested extensions. Names the registry does
// not mark as enableable are ignored.
func HandleEnable(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	names := make([]string, 0, len(req.Args))
	for _, a := range req.Args {
		if a.IsList {
			return response.BAD("", "ENABLE takes capability names")
		}
		names = append(names, a.Value)
	}

	added := state.Enabled.Enable(deps.Capabilities(), names...)
	reported := make([]string, len(added))
	condStoreAdded := false
	for i, c := range added {
		reported[i] = string(c)
		if c == capability.CondStore {
			condStoreAdded = true
		}
	}
	if err := deps.SendResponse(conn, response.Enabled(reported)); err != nil {
		return response.NO(response.CodeServerBug, "Write failed")
	}

	// A client turning on CONDSTORE with a mailbox already open learns the
	// current HIGHESTMODSEQ right away.
	if condStoreAdded && state.Selected != nil && state.ModSeqPersistent {
		st, err := deps.UserStore(state)
		if err != nil {
			state.Log.Error().Err(err).Msg("failed to open user store")
			return response.NO(response.CodeServerBug, "Database error")
		}
		meta, err := st.Metadata(ctx, state.Selected.Key().MailboxID, store.MetadataOptions{})
		if err != nil {
			state.Log.Error().Err(err).Msg("failed to read mailbox metadata")
			return response.NO(response.CodeServerBug, "Database error")
		}
		if err := deps.SendResponse(conn, response.HighestModSeq(meta.HighestModSeq)); err != nil {
			return response.NO(response.CodeServerBug, "Write failed")
		}
	}

	state.Log.Debug().Strs("enabled", reported).Msg("extensions enabled")
	return response.OK("", "ENABLE completed")
}

// ===== IDLE =====

// HandleIdle waits for mailbox changes and reports them as they arrive
// until the client sends DONE. A keep-alive is written periodically; a
// failed write or a cancelled context closes the connection.
func HandleIdle(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	mb := state.Selected

	wake := make(chan struct{}, 1)
	reg := deps.Hub().Register(mb.Key(), state.ID, notify.ListenerFunc(func(notify.Event) {
		select {
		case wake <- struct{}{}:
		default:
		}
	}))
	defer reg.Close()

	if err := deps.SendResponse(conn, response.Continuation("idling")); err != nil {
		return response.NO(response.CodeServerBug, "Write failed")
	}

	done := make(chan error, 1)
	go func() {
		line, err := req.Reader.ReadString('\n')
		if err != nil {
			done <- err
			return
		}
		if !strings.EqualFold(strings.TrimSpace(line), "DONE") {
			done <- errBadIdleEnd
			return
		}
		done <- nil
	}()

	// abort unblocks the reader by closing the connection and waits for it,
	// so no other read of the connection can race with it.
	abort := func(err error) response.Completion {
		state.Log.Debug().Err(err).Msg("idle aborted")
		_ = conn.Close()
		<-done
		return response.NO("", "IDLE aborted")
	}

	keepAlive := deps.IdleKeepAlive()
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			switch {
			case err == nil:
				return response.OK("", "IDLE terminated")
			case errors.Is(err, errBadIdleEnd):
				return response.BAD("", "Expected DONE")
			default:
				state.Log.Debug().Err(err).Msg("connection lost during idle")
				return response.NO("", "IDLE aborted")
			}
		case <-wake:
			if err := unsolicited.Reconcile(ctx, deps, conn, state, unsolicited.Options{}); err != nil {
				return abort(err)
			}
		case <-ticker.C:
			if err := deps.SendResponse(conn, "* OK Still here"); err != nil {
				return abort(err)
			}
		case <-ctx.Done():
			return abort(ctx.Err())
		}
	}
}
