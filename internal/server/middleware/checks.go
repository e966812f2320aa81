// Package middleware holds the state and argument checks the dispatch
// table wraps around command handlers.
package middleware

import (
	"context"
	"net"

	"ravensync/internal/models"
	"ravensync/internal/server/response"
)

// HandlerFunc executes one command and returns its tagged completion.
type HandlerFunc func(ctx context.Context, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion

// Wrapper decorates a HandlerFunc.
type Wrapper func(HandlerFunc) HandlerFunc

// Chain applies wrappers so the first one runs first.
func Chain(handler HandlerFunc, wrappers ...Wrapper) HandlerFunc {
	for i := len(wrappers) - 1; i >= 0; i-- {
		handler = wrappers[i](handler)
	}
	return handler
}

// RequireAuth ensures the client is authenticated before proceeding.
func RequireAuth(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
		if !state.Authenticated {
			return response.NO("", "Please authenticate first")
		}
		return next(ctx, conn, req, state)
	}
}

// RequireNotAuth rejects commands only valid before login.
func RequireNotAuth(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
		if state.Authenticated {
			return response.BAD("", "Already authenticated")
		}
		return next(ctx, conn, req, state)
	}
}

// RequireMailboxSelected ensures a mailbox is selected before proceeding.
func RequireMailboxSelected(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
		if state.Selected == nil {
			return response.NO("", "No mailbox selected")
		}
		return next(ctx, conn, req, state)
	}
}

// RequireWritable rejects commands on a mailbox opened with EXAMINE.
func RequireWritable(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
		if state.Selected != nil && state.Selected.ReadOnly() {
			return response.NO(response.CodeReadOnly, "Mailbox is read-only")
		}
		return next(ctx, conn, req, state)
	}
}

// ValidateArgs checks the argument count; max < 0 means unbounded.
func ValidateArgs(min, max int, usage string) Wrapper {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, conn net.Conn, req *models.Request, state *models.ClientState) response.Completion {
			if len(req.Args) < min || (max >= 0 && len(req.Args) > max) {
				return response.BAD("", usage)
			}
			return next(ctx, conn, req, state)
		}
	}
}
