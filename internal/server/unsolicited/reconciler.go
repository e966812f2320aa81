// Package unsolicited writes the untagged responses that bring a session's
// view of the selected mailbox up to date with changes queued by its
// listener.
package unsolicited

import (
	"context"
	"fmt"
	"net"

	"ravensync/internal/metrics"
	"ravensync/internal/models"
	"ravensync/internal/selected"
	"ravensync/internal/server/response"
	"ravensync/internal/store"
	"ravensync/internal/uid"
)

// ServerDeps defines the dependencies the reconciler needs from the server.
type ServerDeps interface {
	SendResponse(conn net.Conn, response string) error
	UserStore(state *models.ClientState) (store.Store, error)
}

// Options carries the per-command switches of a reconciliation.
type Options struct {
	// UseUIDs includes the UID item in FETCH updates.
	UseUIDs bool
	// OmitExpunged keeps expunges queued. Sequence-number based FETCH and
	// STORE must not shift message numbers under the client.
	OmitExpunged bool
}

// Reconcile emits, in order: EXISTS, expunges, RECENT, FLAGS with
// PERMANENTFLAGS, and flag FETCH updates. It does nothing when no mailbox
// is selected.
func Reconcile(ctx context.Context, deps ServerDeps, conn net.Conn, state *models.ClientState, opts Options) error {
	mb := state.Selected
	if mb == nil {
		return nil
	}
	r := &reconciler{deps: deps, conn: conn, state: state, mb: mb, opts: opts}
	return r.run(ctx)
}

type reconciler struct {
	deps  ServerDeps
	conn  net.Conn
	state *models.ClientState
	mb    *selected.Mailbox
	opts  Options
}

func (r *reconciler) send(kind, line string) error {
	if err := r.deps.SendResponse(r.conn, line); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	metrics.Unsolicited.WithLabelValues(kind).Inc()
	return nil
}

func (r *reconciler) run(ctx context.Context) error {
	sizeChanged, exists := r.mb.TakeSizeChanged()
	if sizeChanged {
		if err := r.send("exists", response.Exists(exists)); err != nil {
			return err
		}
	}

	recentRemoved := false
	if !r.opts.OmitExpunged {
		if err := r.expunges(); err != nil {
			return err
		}
		recentRemoved = r.mb.TakeRecentRemoved()
	}

	if sizeChanged || recentRemoved {
		if err := r.send("recent", response.Recent(r.mb.RecentCount())); err != nil {
			return err
		}
	}

	if keywords, ok := r.mb.TakeNewApplicableFlags(); ok {
		if err := r.flags(keywords); err != nil {
			return err
		}
	}

	return r.flagUpdates(ctx)
}

func (r *reconciler) expunges() error {
	removals := r.mb.DrainExpunged()
	if len(removals) == 0 {
		return nil
	}
	if r.state.Enabled.QResync() {
		uids := make([]uid.UID, 0, len(removals))
		for _, rm := range removals {
			uids = append(uids, rm.UID)
		}
		return r.send("vanished", response.Vanished(uid.FromUIDs(uids), false))
	}
	for _, rm := range removals {
		if err := r.send("expunge", response.Expunge(rm.MSN)); err != nil {
			return err
		}
	}
	return nil
}

func (r *reconciler) flags(keywords []string) error {
	if err := r.send("flags", response.Flags(store.SystemFlags, keywords)); err != nil {
		return err
	}
	var permanent []string
	if !r.mb.ReadOnly() {
		permanent = append(append(append(permanent, store.SystemFlags...), keywords...), `\*`)
	}
	return r.send("permanentflags", response.PermanentFlags(permanent))
}

// flagUpdates lists the messages whose flags changed and writes one FETCH
// per message still in the view. Messages removed since the change was
// queued are skipped.
func (r *reconciler) flagUpdates(ctx context.Context) error {
	pending := r.mb.DrainFlagUpdates()
	if len(pending) == 0 {
		return nil
	}

	st, err := r.deps.UserStore(r.state)
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}
	msgs, err := st.ListMessages(ctx, r.mb.Key().MailboxID, uid.FromUIDs(pending))
	if err != nil {
		return fmt.Errorf("list updated messages: %w", err)
	}
	if skipped := len(pending) - len(msgs); skipped > 0 {
		metrics.SkippedStale.Add(float64(skipped))
		r.state.Log.Debug().Int("count", skipped).Msg("skipping flag updates for removed messages")
	}

	withUID := r.opts.UseUIDs || r.state.Enabled.QResync()
	withModSeq := r.state.Enabled.CondStore() && r.state.ModSeqPersistent
	for _, m := range msgs {
		msn, ok := r.mb.ResolveMSN(m.UID)
		if !ok {
			metrics.SkippedStale.Inc()
			r.state.Log.Debug().Uint64("uid", uint64(m.UID)).Msg("skipping flag update for message outside the view")
			continue
		}

		flags := m.Flags
		if r.mb.IsRecent(m.UID) {
			flags = append(append([]string{}, flags...), `\Recent`)
		}
		var items []string
		if withUID {
			items = append(items, response.UIDItem(m.UID))
		}
		items = append(items, response.FlagsItem(flags))
		if withModSeq {
			items = append(items, response.ModSeqItem(m.ModSeq))
		}
		if err := r.send("fetch", response.Fetch(msn, items...)); err != nil {
			return err
		}
	}
	return nil
}
