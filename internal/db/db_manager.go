package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"ravensync/internal/notify"
)

// BlobStore keeps message bodies outside the user database.
type BlobStore interface {
	Store(ctx context.Context, content []byte) (string, error)
	Retrieve(ctx context.Context, key string) ([]byte, error)
}

// DBManager manages the shared database and the per-user mailbox stores.
type DBManager struct {
	basePath   string
	sharedDB   *sql.DB
	hub        *notify.Hub
	blobs      BlobStore
	userStores map[int64]*UserStore
	cacheMutex sync.RWMutex
}

// NewDBManager opens (or creates) the databases under basePath. Mailbox
// mutations are published on hub. blobs may be nil, in which case bodies
// are kept in the user database.
func NewDBManager(basePath string, hub *notify.Hub, blobs BlobStore) (*DBManager, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if hub == nil {
		hub = notify.NewHub()
	}

	manager := &DBManager{
		basePath:   basePath,
		hub:        hub,
		blobs:      blobs,
		userStores: make(map[int64]*UserStore),
	}

	if err := manager.initSharedDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize shared database: %w", err)
	}

	return manager, nil
}

// Hub returns the notifier mailbox events are published on.
func (m *DBManager) Hub() *notify.Hub {
	return m.hub
}

// GetSharedDB returns the shared database connection.
func (m *DBManager) GetSharedDB() *sql.DB {
	return m.sharedDB
}

// GetOrCreateUser returns the id of username, creating the user on first
// login.
func (m *DBManager) GetOrCreateUser(ctx context.Context, username string) (int64, error) {
	username = strings.ToLower(username)

	var id int64
	err := m.sharedDB.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ?", username).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up user: %w", err)
	}

	_, err = m.sharedDB.ExecContext(ctx, "INSERT OR IGNORE INTO users (username) VALUES (?)", username)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	if err := m.sharedDB.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ?", username).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up user: %w", err)
	}
	return id, nil
}

// GetUserStore returns the mailbox store of a user, opening its database on
// first use.
func (m *DBManager) GetUserStore(userID int64) (*UserStore, error) {
	m.cacheMutex.RLock()
	if s, exists := m.userStores[userID]; exists {
		m.cacheMutex.RUnlock()
		return s, nil
	}
	m.cacheMutex.RUnlock()

	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	if s, exists := m.userStores[userID]; exists {
		return s, nil
	}

	dbPath := m.getUserDBPath(userID)
	exists := false
	if _, err := os.Stat(dbPath); err == nil {
		exists = true
	}

	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}

	if !exists {
		if err := initUserDB(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize user database: %w", err)
		}
	}

	s := &UserStore{userID: userID, db: db, hub: m.hub, blobs: m.blobs}
	m.userStores[userID] = s
	return s, nil
}

func (m *DBManager) initSharedDB() error {
	db, err := openSQLite(filepath.Join(m.basePath, "shared.db"))
	if err != nil {
		return err
	}

	if err := createUsersTable(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create users table: %w", err)
	}

	m.sharedDB = db
	return nil
}

func (m *DBManager) getUserDBPath(userID int64) string {
	return filepath.Join(m.basePath, fmt.Sprintf("user_db_%d.db", userID))
}

// Close closes all database connections.
func (m *DBManager) Close() error {
	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	var g errgroup.Group
	if m.sharedDB != nil {
		g.Go(m.sharedDB.Close)
	}
	for userID, s := range m.userStores {
		g.Go(s.db.Close)
		delete(m.userStores, userID)
	}
	return g.Wait()
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
