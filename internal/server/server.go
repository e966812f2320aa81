package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ravensync/internal/capability"
	"ravensync/internal/db"
	"ravensync/internal/models"
	"ravensync/internal/notify"
	"ravensync/internal/server/auth"
	"ravensync/internal/store"
)

// Options configures an IMAPServer.
type Options struct {
	// TLSConfig enables STARTTLS when set.
	TLSConfig     *tls.Config
	Verifier      *auth.Verifier
	IdleKeepAlive time.Duration
	// Capabilities defaults to capability.Default.
	Capabilities *capability.Registry
}

type IMAPServer struct {
	dbManager *db.DBManager
	caps      *capability.Registry
	verifier  *auth.Verifier
	tlsConfig *tls.Config
	keepAlive time.Duration
	commands  map[models.CommandKind]command
}

func NewIMAPServer(dbManager *db.DBManager, opts Options) *IMAPServer {
	s := &IMAPServer{
		dbManager: dbManager,
		caps:      opts.Capabilities,
		verifier:  opts.Verifier,
		tlsConfig: opts.TLSConfig,
		keepAlive: opts.IdleKeepAlive,
	}
	if s.caps == nil {
		s.caps = capability.Default(opts.TLSConfig != nil)
	}
	s.commands = s.commandTable()
	return s
}

// Serve accepts connections on ln until ctx is done. Connections from an
// implicit TLS listener are marked encrypted.
func (s *IMAPServer) Serve(ctx context.Context, ln net.Listener, encrypted bool) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.HandleConnection(ctx, conn, encrypted)
		}()
	}
}

// ===== Dependencies exposed to the handler packages =====

// SendResponse writes one response line.
func (s *IMAPServer) SendResponse(conn net.Conn, response string) error {
	log.Trace().Str("line", loggable(response)).Msg("server")
	_, err := conn.Write([]byte(response + "\r\n"))
	return err
}

func (s *IMAPServer) UserStore(state *models.ClientState) (store.Store, error) {
	return s.dbManager.GetUserStore(state.UserID)
}

func (s *IMAPServer) Hub() *notify.Hub                   { return s.dbManager.Hub() }
func (s *IMAPServer) Capabilities() *capability.Registry { return s.caps }
func (s *IMAPServer) IdleKeepAlive() time.Duration       { return s.keepAlive }
func (s *IMAPServer) TokenVerifier() *auth.Verifier      { return s.verifier }
func (s *IMAPServer) TLSConfig() *tls.Config             { return s.tlsConfig }

// EnsureUser returns the user id, creating the user database with its
// default mailboxes on first login.
func (s *IMAPServer) EnsureUser(ctx context.Context, username string) (int64, error) {
	userID, err := s.dbManager.GetOrCreateUser(ctx, username)
	if err != nil {
		return 0, fmt.Errorf("failed to get/create user: %w", err)
	}
	if _, err := s.dbManager.GetUserStore(userID); err != nil {
		return 0, fmt.Errorf("failed to initialize user database: %w", err)
	}
	return userID, nil
}

// loggable masks message literals and truncates long lines.
func loggable(response string) string {
	if idx := strings.IndexByte(response, '{'); idx >= 0 && strings.Contains(response, "FETCH (") {
		if end := strings.IndexByte(response[idx:], '}'); end > 0 {
			size := response[idx+1 : idx+end]
			if n, err := strconv.Atoi(size); err == nil && n > 100 {
				return response[:idx+end+1] + " [MESSAGE CONTENT OMITTED - " + size + " bytes]"
			}
		}
	}
	if len(response) > 2000 {
		return response[:2000] + "... [TRUNCATED - " + strconv.Itoa(len(response)) + " total bytes]"
	}
	return response
}
