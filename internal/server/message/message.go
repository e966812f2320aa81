// Package message handles FETCH, STORE, EXPUNGE and APPEND, with their UID
// forms.
package message

import (
	"errors"
	"strconv"

	"ravensync/internal/capability"
	"ravensync/internal/models"
	"ravensync/internal/server/response"
	"ravensync/internal/server/unsolicited"
	"ravensync/internal/uid"
)

// ServerDeps defines the dependencies that message handlers need from the server
type ServerDeps interface {
	unsolicited.ServerDeps
	Capabilities() *capability.Registry
}

// resolve parses a sequence-set argument and maps it onto the selected
// mailbox.
func resolve(arg models.Arg, isUID bool, state *models.ClientState) ([]uid.UID, *response.Completion) {
	set, err := uid.Parse(arg.Value)
	if err != nil {
		c := response.BAD("", "Invalid sequence set")
		return nil, &c
	}
	uids, err := state.Selected.ResolveSet(set, isUID)
	if errors.Is(err, uid.ErrEmptyMailbox) || errors.Is(err, uid.ErrInvalidRange) {
		c := response.BAD("", "Invalid message sequence number")
		return nil, &c
	}
	if err != nil {
		c := response.NO(response.CodeServerBug, err.Error())
		return nil, &c
	}
	return uids, nil
}

// parseModSeq reads a non-zero mod-sequence value.
func parseModSeq(s string) (uid.ModSeq, bool) {
	n, err := strconv.ParseUint(s, 10, 63)
	if err != nil {
		return 0, false
	}
	return uid.ModSeq(n), true
}

func enableCondStore(deps ServerDeps, state *models.ClientState) {
	state.Enabled.Enable(deps.Capabilities(), string(capability.CondStore))
}
