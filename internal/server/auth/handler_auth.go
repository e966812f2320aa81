// Package auth handles CAPABILITY, LOGIN, LOGOUT and STARTTLS.
package auth

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	"ravensync/internal/capability"
	"ravensync/internal/models"
	"ravensync/internal/server/response"
)

// ServerDeps defines the dependencies that auth handlers need from the server
type ServerDeps interface {
	SendResponse(conn net.Conn, response string) error
	Capabilities() *capability.Registry
	TokenVerifier() *Verifier
	// EnsureUser returns the id of username, creating the account and its
	// default mailboxes on first login.
	EnsureUser(ctx context.Context, username string) (int64, error)
	// TLSConfig is nil when the server has no certificate.
	TLSConfig() *tls.Config
}

// loginDisabled reports whether LOGIN must wait for STARTTLS.
func loginDisabled(deps ServerDeps, state *models.ClientState) bool {
	return deps.TLSConfig() != nil && !state.Encrypted
}

// Capabilities lists what the session may use right now.
func Capabilities(deps ServerDeps, state *models.ClientState) []string {
	caps := deps.Capabilities().Advertised(state.Encrypted)
	if loginDisabled(deps, state) {
		caps = append(caps, "LOGINDISABLED")
	}
	return caps
}

// ===== CAPABILITY =====

func HandleCapability(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	if err := deps.SendResponse(conn, response.Capability(Capabilities(deps, state))); err != nil {
		return response.NO(response.CodeServerBug, "Write failed")
	}
	return response.OK("", "CAPABILITY completed")
}

// ===== LOGIN =====

// HandleLogin authenticates with a username and a signed token in place of
// the password.
func HandleLogin(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	if loginDisabled(deps, state) {
		return response.NO("PRIVACYREQUIRED", "LOGIN is disabled on insecure connection. Use STARTTLS first.")
	}
	username := strings.TrimSpace(req.Args[0].Value)
	token := req.Args[1].Value
	if username == "" || token == "" {
		return response.NO(response.CodeAuthFailed, "Invalid credentials")
	}

	if err := deps.TokenVerifier().Verify(username, token); err != nil {
		state.Log.Warn().Err(err).Str("user", username).Msg("login rejected")
		return response.NO(response.CodeAuthFailed, "Authentication failed")
	}

	userID, err := deps.EnsureUser(ctx, username)
	if err != nil {
		state.Log.Error().Err(err).Str("user", username).Msg("failed to provision user")
		return response.NO(response.CodeServerBug, "Server error")
	}

	state.Authenticated = true
	state.Username = username
	state.UserID = userID
	state.Log = state.Log.With().Str("user", username).Logger()
	state.Log.Info().Int64("user_id", userID).Msg("login accepted")

	return response.OK("CAPABILITY "+strings.Join(Capabilities(deps, state), " "), "LOGIN completed")
}

// ===== LOGOUT =====

func HandleLogout(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	state.Deselect()
	if err := deps.SendResponse(conn, response.Bye("IMAP4rev1 Server logging out")); err != nil {
		state.Log.Debug().Err(err).Msg("failed to send BYE")
	}
	return response.OK("", "LOGOUT completed")
}

// ===== STARTTLS =====

// HandleStartTLS only checks that TLS can start. The connection performs
// the handshake with StartTLS once the completion has been written.
func HandleStartTLS(ctx context.Context, deps ServerDeps, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
	if state.Encrypted {
		return response.BAD("", "TLS already active")
	}
	if deps.TLSConfig() == nil {
		return response.NO("", "TLS not available")
	}
	return response.OK("", "Begin TLS negotiation now")
}

// StartTLS upgrades the session connection. Clients must discard cached
// capabilities afterwards.
func StartTLS(ctx context.Context, deps ServerDeps, state *models.ClientState) (*tls.Conn, error) {
	tlsConn := tls.Server(state.Conn, deps.TLSConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	state.Conn = tlsConn
	state.Encrypted = true
	state.Log.Info().Msg("TLS negotiated")
	return tlsConn, nil
}
