package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ravensync/internal/blobstorage"
	"ravensync/internal/notify"
	"ravensync/internal/store"
	"ravensync/internal/uid"
)

// UserStore is the sqlite mailbox store of one user. Writes are serialized
// so mod-sequences and published events stay in commit order.
type UserStore struct {
	userID int64
	db     *sql.DB
	hub    *notify.Hub
	blobs  BlobStore
	mu     sync.Mutex
}

var _ store.Store = (*UserStore)(nil)

// UserID returns the owner of the store.
func (s *UserStore) UserID() int64 {
	return s.userID
}

// DB exposes the underlying database.
func (s *UserStore) DB() *sql.DB {
	return s.db
}

func (s *UserStore) key(mailboxID int64) notify.MailboxKey {
	return notify.MailboxKey{UserID: s.userID, MailboxID: mailboxID}
}

func canonicalName(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

func (s *UserStore) Mailbox(ctx context.Context, name string) (store.Mailbox, error) {
	var mbox store.Mailbox
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, object_id, uid_validity FROM mailboxes WHERE name = ?",
		canonicalName(name),
	).Scan(&mbox.ID, &mbox.Name, &mbox.ObjectID, &mbox.UIDValidity)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Mailbox{}, store.ErrNoSuchMailbox
	}
	if err != nil {
		return store.Mailbox{}, fmt.Errorf("failed to look up mailbox %q: %w", name, err)
	}
	return mbox, nil
}

func (s *UserStore) ListMailboxes(ctx context.Context) ([]store.Mailbox, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, object_id, uid_validity FROM mailboxes ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Mailbox
	for rows.Next() {
		var mbox store.Mailbox
		if err := rows.Scan(&mbox.ID, &mbox.Name, &mbox.ObjectID, &mbox.UIDValidity); err != nil {
			return nil, err
		}
		out = append(out, mbox)
	}
	return out, rows.Err()
}

func (s *UserStore) CreateMailbox(ctx context.Context, name string) (store.Mailbox, error) {
	name = canonicalName(strings.TrimSuffix(name, "/"))
	if name == "" {
		return store.Mailbox{}, fmt.Errorf("empty mailbox name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.Mailbox(ctx, name); err == nil {
		return store.Mailbox{}, store.ErrMailboxExists
	} else if !errors.Is(err, store.ErrNoSuchMailbox) {
		return store.Mailbox{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Mailbox{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Create missing parents, as RFC 3501 CREATE does for "a/b/c".
	parts := strings.Split(name, "/")
	for i := 1; i <= len(parts); i++ {
		path := strings.Join(parts[:i], "/")
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM mailboxes WHERE name = ?", path).Scan(&exists); err != nil {
			return store.Mailbox{}, err
		}
		if exists > 0 {
			continue
		}
		if _, err := insertMailbox(tx, path); err != nil {
			return store.Mailbox{}, fmt.Errorf("failed to create mailbox %q: %w", path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return store.Mailbox{}, err
	}
	return s.Mailbox(ctx, name)
}

func (s *UserStore) DeleteMailbox(ctx context.Context, name string) error {
	name = canonicalName(name)
	if name == "INBOX" {
		return store.ErrCannotDelete
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mbox, err := s.Mailbox(ctx, name)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	blobIDs, err := collectBlobIDs(ctx, tx, "SELECT blob_id FROM messages WHERE mailbox_id = ? AND blob_id IS NOT NULL", mbox.ID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE mailbox_id = ?", mbox.ID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if err := releaseBlobs(ctx, tx, blobIDs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM mailboxes WHERE id = ?", mbox.ID); err != nil {
		return fmt.Errorf("failed to delete mailbox: %w", err)
	}
	return tx.Commit()
}

func (s *UserStore) Metadata(ctx context.Context, mailboxID int64, opts store.MetadataOptions) (store.Metadata, error) {
	meta := store.Metadata{
		PermanentFlags:   append([]string{}, store.SystemFlags...),
		PersistentModSeq: true,
	}

	var uidNext, highest int64
	err := s.db.QueryRowContext(ctx,
		"SELECT uid_validity, uid_next, highest_modseq FROM mailboxes WHERE id = ?", mailboxID,
	).Scan(&meta.UIDValidity, &uidNext, &highest)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Metadata{}, store.ErrNoSuchMailbox
	}
	if err != nil {
		return store.Metadata{}, fmt.Errorf("failed to read mailbox metadata: %w", err)
	}
	meta.UIDNext = uid.UID(uidNext)
	meta.HighestModSeq = uid.ModSeq(highest)

	rows, err := s.db.QueryContext(ctx,
		"SELECT uid, flags, recent FROM messages WHERE mailbox_id = ? ORDER BY uid", mailboxID)
	if err != nil {
		return store.Metadata{}, fmt.Errorf("failed to scan messages: %w", err)
	}
	keywords := map[string]bool{}
	var recent []uid.UID
	for rows.Next() {
		var (
			u       int64
			flagStr string
			isNew   bool
		)
		if err := rows.Scan(&u, &flagStr, &isNew); err != nil {
			_ = rows.Close()
			return store.Metadata{}, err
		}
		meta.Messages++
		flags := store.ParseFlags(flagStr)
		if !store.HasFlag(flags, `\Seen`) {
			meta.Unseen++
			if meta.FirstUnseen == 0 {
				meta.FirstUnseen = uid.UID(u)
			}
		}
		if isNew {
			recent = append(recent, uid.UID(u))
		}
		for _, kw := range store.Keywords(flags) {
			if !keywords[kw] {
				keywords[kw] = true
				meta.Keywords = append(meta.Keywords, kw)
			}
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return store.Metadata{}, err
	}
	store.SortFlags(meta.Keywords)
	meta.PermanentFlags = append(meta.PermanentFlags, meta.Keywords...)
	meta.PermanentFlags = append(meta.PermanentFlags, `\*`)
	meta.Recent = len(recent)

	if opts.ClaimRecent && len(recent) > 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		res, err := s.db.ExecContext(ctx,
			"UPDATE messages SET recent = 0 WHERE mailbox_id = ? AND recent = 1 AND uid <= ?",
			mailboxID, int64(recent[len(recent)-1]))
		if err != nil {
			return store.Metadata{}, fmt.Errorf("failed to claim recent messages: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			meta.Claimed = recent
		}
	}
	return meta, nil
}

// rangeBounds converts a set into inclusive int64 bounds for SQL.
func rangeBounds(set uid.Set) [][2]int64 {
	if set == nil {
		return [][2]int64{{0, math.MaxInt64}}
	}
	var out [][2]int64
	for _, r := range uid.Merge(set) {
		last := int64(math.MaxInt64)
		if r.Last < uint64(math.MaxInt64) {
			last = int64(r.Last)
		}
		first := int64(math.MaxInt64)
		if r.First < uint64(math.MaxInt64) {
			first = int64(r.First)
		}
		out = append(out, [2]int64{first, last})
	}
	return out
}

func (s *UserStore) listMessages(ctx context.Context, mailboxID int64, set uid.Set, since uid.ModSeq) ([]store.MessageMeta, error) {
	var out []store.MessageMeta
	for _, b := range rangeBounds(set) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT uid, flags, modseq, size, internal_date
			FROM messages
			WHERE mailbox_id = ? AND uid BETWEEN ? AND ? AND modseq > ?
			ORDER BY uid`,
			mailboxID, b[0], b[1], int64(since))
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		for rows.Next() {
			var (
				msg     store.MessageMeta
				u, ms   int64
				flagStr string
			)
			if err := rows.Scan(&u, &flagStr, &ms, &msg.Size, &msg.InternalDate); err != nil {
				_ = rows.Close()
				return nil, err
			}
			msg.UID = uid.UID(u)
			msg.ModSeq = uid.ModSeq(ms)
			msg.Flags = store.ParseFlags(flagStr)
			out = append(out, msg)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *UserStore) ListMessages(ctx context.Context, mailboxID int64, set uid.Set) ([]store.MessageMeta, error) {
	return s.listMessages(ctx, mailboxID, set, 0)
}

func (s *UserStore) ChangedSince(ctx context.Context, mailboxID int64, set uid.Set, modSeq uid.ModSeq) ([]store.MessageMeta, error) {
	return s.listMessages(ctx, mailboxID, set, modSeq)
}

func (s *UserStore) Body(ctx context.Context, mailboxID int64, u uid.UID) ([]byte, error) {
	var (
		content    []byte
		storageKey sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT b.content, b.storage_key
		FROM messages m JOIN blobs b ON b.id = m.blob_id
		WHERE m.mailbox_id = ? AND m.uid = ?`,
		mailboxID, int64(u)).Scan(&content, &storageKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoSuchMessage
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if content != nil || !storageKey.Valid {
		return content, nil
	}
	if s.blobs == nil {
		return nil, fmt.Errorf("message %d is stored remotely but no blob storage is configured", u)
	}
	return s.blobs.Retrieve(ctx, storageKey.String)
}

// bumpModSeq increments the mailbox's highest mod-sequence inside tx.
func bumpModSeq(ctx context.Context, tx *sql.Tx, mailboxID int64) (uid.ModSeq, error) {
	var highest int64
	if err := tx.QueryRowContext(ctx, "SELECT highest_modseq FROM mailboxes WHERE id = ?", mailboxID).Scan(&highest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNoSuchMailbox
		}
		return 0, err
	}
	highest++
	if _, err := tx.ExecContext(ctx, "UPDATE mailboxes SET highest_modseq = ? WHERE id = ?", highest, mailboxID); err != nil {
		return 0, err
	}
	return uid.ModSeq(highest), nil
}

func (s *UserStore) SetFlags(ctx context.Context, origin string, mailboxID int64, uids []uid.UID, change store.FlagChange) (store.FlagResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.FlagResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		result store.FlagResult
		modSeq uid.ModSeq
	)
	for _, u := range uids {
		var (
			flagStr string
			current int64
		)
		err := tx.QueryRowContext(ctx,
			"SELECT flags, modseq FROM messages WHERE mailbox_id = ? AND uid = ?",
			mailboxID, int64(u)).Scan(&flagStr, &current)
		if errors.Is(err, sql.ErrNoRows) {
			// Expunged by another session after the caller resolved it.
			continue
		}
		if err != nil {
			return store.FlagResult{}, fmt.Errorf("failed to read flags: %w", err)
		}
		if change.UnchangedSince > 0 && uid.ModSeq(current) > change.UnchangedSince {
			result.Modified = append(result.Modified, u)
			continue
		}

		old := store.ParseFlags(flagStr)
		updated := store.ApplyFlags(old, change)
		if store.FormatFlags(updated) == store.FormatFlags(sortedCopy(old)) {
			continue
		}
		if modSeq == 0 {
			if modSeq, err = bumpModSeq(ctx, tx, mailboxID); err != nil {
				return store.FlagResult{}, err
			}
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET flags = ?, modseq = ? WHERE mailbox_id = ? AND uid = ?",
			store.FormatFlags(updated), int64(modSeq), mailboxID, int64(u)); err != nil {
			return store.FlagResult{}, fmt.Errorf("failed to update flags: %w", err)
		}
		result.Updated = append(result.Updated, store.MessageMeta{UID: u, Flags: updated, ModSeq: modSeq})
	}

	if err := tx.Commit(); err != nil {
		return store.FlagResult{}, err
	}

	events := make([]notify.Event, 0, len(result.Updated))
	for _, msg := range result.Updated {
		events = append(events, notify.Event{Kind: notify.FlagsUpdated, UID: msg.UID, ModSeq: msg.ModSeq, Flags: msg.Flags, Origin: origin})
	}
	if len(events) > 0 {
		s.hub.Publish(s.key(mailboxID), events...)
	}
	return result, nil
}

func sortedCopy(flags []string) []string {
	out := append([]string(nil), flags...)
	store.SortFlags(out)
	return out
}

func (s *UserStore) Expunge(ctx context.Context, origin string, mailboxID int64, uids []uid.UID) ([]uid.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		"SELECT uid, flags FROM messages WHERE mailbox_id = ? ORDER BY uid", mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}
	var allowed map[uid.UID]bool
	if uids != nil {
		allowed = make(map[uid.UID]bool, len(uids))
		for _, u := range uids {
			allowed[u] = true
		}
	}
	var removed []uid.UID
	for rows.Next() {
		var (
			u       int64
			flagStr string
		)
		if err := rows.Scan(&u, &flagStr); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if allowed != nil && !allowed[uid.UID(u)] {
			continue
		}
		if store.HasFlag(store.ParseFlags(flagStr), `\Deleted`) {
			removed = append(removed, uid.UID(u))
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}

	modSeq, err := bumpModSeq(ctx, tx, mailboxID)
	if err != nil {
		return nil, err
	}
	for _, u := range removed {
		blobIDs, err := collectBlobIDs(ctx, tx, "SELECT blob_id FROM messages WHERE mailbox_id = ? AND uid = ? AND blob_id IS NOT NULL", mailboxID, int64(u))
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE mailbox_id = ? AND uid = ?", mailboxID, int64(u)); err != nil {
			return nil, fmt.Errorf("failed to expunge message %d: %w", u, err)
		}
		if err := releaseBlobs(ctx, tx, blobIDs); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	events := make([]notify.Event, len(removed))
	for i, u := range removed {
		events[i] = notify.Event{Kind: notify.Expunged, UID: u, ModSeq: modSeq, Origin: origin}
	}
	s.hub.Publish(s.key(mailboxID), events...)
	return removed, nil
}

func (s *UserStore) Append(ctx context.Context, origin string, mailboxID int64, req store.AppendRequest) (uid.UID, error) {
	hash := blobstorage.Key(req.Body)

	// Upload before taking the write lock; the object is content addressed
	// so a failed insert only leaves an unreferenced object behind.
	var storageKey sql.NullString
	if s.blobs != nil {
		key, err := s.blobs.Store(ctx, req.Body)
		if err != nil {
			return 0, err
		}
		storageKey = sql.NullString{String: key, Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.QueryRowContext(ctx, "SELECT uid_next FROM mailboxes WHERE id = ?", mailboxID).Scan(&next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNoSuchMailbox
		}
		return 0, err
	}

	blobID, err := storeBlob(ctx, tx, hash, req.Body, storageKey)
	if err != nil {
		return 0, err
	}

	modSeq, err := bumpModSeq(ctx, tx, mailboxID)
	if err != nil {
		return 0, err
	}

	date := req.InternalDate
	if date.IsZero() {
		date = time.Now()
	}
	flags := store.ApplyFlags(nil, store.FlagChange{Op: store.FlagsAdd, Flags: req.Flags})
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (mailbox_id, uid, flags, modseq, recent, size, internal_date, blob_id)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
		mailboxID, next, store.FormatFlags(flags), int64(modSeq), len(req.Body), date.UTC(), blobID); err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE mailboxes SET uid_next = ? WHERE id = ?", next+1, mailboxID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	u := uid.UID(next)
	s.hub.Publish(s.key(mailboxID), notify.Event{Kind: notify.Added, UID: u, ModSeq: modSeq, Flags: flags, Origin: origin})
	log.Debug().Int64("user_id", s.userID).Int64("mailbox_id", mailboxID).Uint64("uid", uint64(u)).Msg("appended message")
	return u, nil
}

// storeBlob inserts or references a body. Remote bodies keep only the key.
func storeBlob(ctx context.Context, tx *sql.Tx, hash string, body []byte, storageKey sql.NullString) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM blobs WHERE sha256_hash = ?", hash).Scan(&id)
	if err == nil {
		_, err = tx.ExecContext(ctx, "UPDATE blobs SET reference_count = reference_count + 1 WHERE id = ?", id)
		return id, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var content []byte
	if !storageKey.Valid {
		content = body
		if content == nil {
			content = []byte{}
		}
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO blobs (sha256_hash, size, content, storage_key) VALUES (?, ?, ?, ?)",
		hash, len(body), content, storageKey)
	if err != nil {
		return 0, fmt.Errorf("failed to store blob: %w", err)
	}
	return res.LastInsertId()
}

func collectBlobIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// releaseBlobs drops one reference from each blob and deletes blobs nobody
// references any more.
func releaseBlobs(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "UPDATE blobs SET reference_count = reference_count - 1 WHERE id = ?", id); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM blobs WHERE reference_count <= 0")
	return err
}
