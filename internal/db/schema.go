package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func createUsersTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func createMailboxesTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS mailboxes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			object_id TEXT NOT NULL,
			uid_validity INTEGER NOT NULL,
			uid_next INTEGER NOT NULL DEFAULT 1,
			highest_modseq INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func createUIDValiditySeqTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS uid_validity_seq (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last INTEGER NOT NULL
		)
	`)
	return err
}

func createBlobsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS blobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sha256_hash TEXT NOT NULL UNIQUE,
			size INTEGER NOT NULL,
			content BLOB,
			storage_key TEXT,
			reference_count INTEGER NOT NULL DEFAULT 1
		)
	`)
	return err
}

func createMessagesTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mailbox_id INTEGER NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
			uid INTEGER NOT NULL,
			flags TEXT NOT NULL DEFAULT '',
			modseq INTEGER NOT NULL,
			recent INTEGER NOT NULL DEFAULT 1,
			size INTEGER NOT NULL,
			internal_date DATETIME NOT NULL,
			blob_id INTEGER REFERENCES blobs(id),
			UNIQUE (mailbox_id, uid)
		)
	`)
	return err
}

func createUserIndexes(db *sql.DB) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_mailbox_modseq ON messages(mailbox_id, modseq)",
		"CREATE INDEX IF NOT EXISTS idx_messages_blob ON messages(blob_id)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func initUserDB(db *sql.DB) error {
	if err := createMailboxesTable(db); err != nil {
		return fmt.Errorf("failed to create mailboxes table: %w", err)
	}
	if err := createUIDValiditySeqTable(db); err != nil {
		return fmt.Errorf("failed to create uid_validity_seq table: %w", err)
	}
	if err := createBlobsTable(db); err != nil {
		return fmt.Errorf("failed to create blobs table: %w", err)
	}
	if err := createMessagesTable(db); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	if err := createUserIndexes(db); err != nil {
		return err
	}
	return createDefaultMailboxes(db)
}

var defaultMailboxes = []string{"INBOX", "Sent", "Drafts", "Trash"}

func createDefaultMailboxes(db *sql.DB) error {
	for _, name := range defaultMailboxes {
		if _, err := insertMailbox(db, name); err != nil {
			return fmt.Errorf("failed to create mailbox %s: %w", name, err)
		}
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// insertMailbox creates a mailbox. UIDVALIDITY is the creation time, bumped
// past the last value handed out so a recreated name never reuses one.
func insertMailbox(db execer, name string) (int64, error) {
	var last int64
	err := db.QueryRow("SELECT last FROM uid_validity_seq WHERE id = 1").Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	validity := time.Now().Unix()
	if validity <= last {
		validity = last + 1
	}
	if _, err := db.Exec(
		"INSERT INTO uid_validity_seq (id, last) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET last = excluded.last",
		validity,
	); err != nil {
		return 0, err
	}

	res, err := db.Exec(
		"INSERT INTO mailboxes (name, object_id, uid_validity) VALUES (?, ?, ?)",
		name, uuid.NewString(), uint32(validity),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
