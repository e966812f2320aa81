package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ravensync/internal/metrics"
	"ravensync/internal/models"
	"ravensync/internal/server/auth"
	"ravensync/internal/server/response"
)

// autologoutTimeout is the idle time after which a session is dropped.
const autologoutTimeout = 30 * time.Minute

var errLiteralTooLarge = errors.New("literal too large")

// HandleConnection runs one client session until LOGOUT, a read error or
// ctx cancellation.
func (s *IMAPServer) HandleConnection(ctx context.Context, conn net.Conn, encrypted bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	id := uuid.NewString()
	state := &models.ClientState{
		ID:        id,
		Conn:      conn,
		Encrypted: encrypted || isTLS(conn),
		Log:       log.With().Str("session", id).Str("remote", remoteAddr(conn)).Logger(),
	}
	defer func() {
		state.Deselect()
		_ = state.Conn.Close()
		state.Log.Info().Msg("connection closed")
	}()

	metrics.Connections.Inc()
	defer metrics.Connections.Dec()
	state.Log.Info().Bool("tls", state.Encrypted).Msg("connection opened")

	greeting := fmt.Sprintf("* OK [CAPABILITY %s] IMAP4rev1 server ready", strings.Join(auth.Capabilities(s, state), " "))
	if err := s.SendResponse(conn, greeting); err != nil {
		return
	}
	s.handleClient(ctx, state)
}

func (s *IMAPServer) handleClient(ctx context.Context, state *models.ClientState) {
	// Use buffered reader to properly handle command lines and literal data
	reader := bufio.NewReader(state.Conn)

	for {
		_ = state.Conn.SetReadDeadline(time.Now().Add(autologoutTimeout))

		line, err := s.readCommand(state.Conn, reader)
		if errors.Is(err, errLiteralTooLarge) {
			_ = s.SendResponse(state.Conn, "* BAD Literal too large")
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				state.Log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		req, err := models.ParseRequest(line)
		if err != nil {
			tag := "*"
			if req != nil && req.Tag != "" {
				tag = req.Tag
			}
			if err := s.SendResponse(state.Conn, response.BAD("", "Invalid command format").Line(tag)); err != nil {
				return
			}
			continue
		}
		req.Reader = reader
		state.Log.Debug().Str("tag", req.Tag).Str("cmd", req.Name).Msg("command")

		completion := s.dispatch(ctx, state, req)
		metrics.Commands.WithLabelValues(req.Kind.String(), string(completion.Status)).Inc()
		if err := s.SendResponse(state.Conn, completion.Line(req.Tag)); err != nil {
			return
		}

		if completion.Status != response.StatusOK {
			continue
		}
		switch req.Kind {
		case models.CmdLogout:
			return
		case models.CmdStartTLS:
			// Anything pipelined after STARTTLS arrived in plaintext.
			if reader.Buffered() > 0 {
				state.Log.Warn().Msg("data pipelined after STARTTLS")
				return
			}
			if _, err := auth.StartTLS(ctx, s, state); err != nil {
				state.Log.Warn().Err(err).Msg("TLS handshake failed")
				return
			}
			reader = bufio.NewReader(state.Conn)
		}
	}
}

// readCommand reads one command line with its literals inline, as
// models.ParseRequest expects them.
func (s *IMAPServer) readCommand(conn net.Conn, reader *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		b.WriteString(line)

		n, sync, ok := models.LiteralSize(line)
		if !ok {
			return b.String(), nil
		}
		if n > models.MaxLiteralSize {
			return "", errLiteralTooLarge
		}
		if sync {
			if err := s.SendResponse(conn, response.Continuation("Ready for literal data")); err != nil {
				return "", err
			}
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(reader, data); err != nil {
			return "", err
		}
		b.WriteString("\r\n")
		b.Write(data)
	}
}

func isTLS(conn net.Conn) bool {
	if _, ok := conn.(*tls.Conn); ok {
		return true
	}
	// Allow test doubles to signal TLS via an interface
	type tlsAware interface{ IsTLS() bool }
	if ta, ok := conn.(tlsAware); ok && ta.IsTLS() {
		return true
	}
	return false
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
