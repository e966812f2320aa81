// Package store defines the mailbox store contract the session core relies
// on. internal/db provides the sqlite implementation.
package store

import (
	"context"
	"errors"
	"time"

	"ravensync/internal/uid"
)

var (
	ErrNoSuchMailbox = errors.New("no such mailbox")
	ErrMailboxExists = errors.New("mailbox already exists")
	ErrNoSuchMessage = errors.New("no such message")
	ErrCannotDelete  = errors.New("mailbox cannot be deleted")
)

// Mailbox identifies a mailbox of one user.
type Mailbox struct {
	ID          int64
	Name        string
	ObjectID    string
	UIDValidity uint32
}

// MessageMeta is the per-message state listed by the store.
type MessageMeta struct {
	UID          uid.UID
	Flags        []string
	ModSeq       uid.ModSeq
	Size         int64
	InternalDate time.Time
}

// Metadata is a snapshot of mailbox counters.
type Metadata struct {
	Messages      int
	Unseen        int
	Recent        int
	UIDNext       uid.UID
	UIDValidity   uint32
	HighestModSeq uid.ModSeq
	// FirstUnseen is the lowest UID without \Seen, zero when all are seen.
	FirstUnseen uid.UID
	// Keywords are the non-system flags in use.
	Keywords       []string
	PermanentFlags []string
	// PersistentModSeq is false for stores that cannot keep mod-sequences
	// across restarts.
	PersistentModSeq bool
	// Claimed lists messages whose \Recent flag was claimed by this call.
	Claimed []uid.UID
}

// MetadataOptions selects optional work done by Metadata.
type MetadataOptions struct {
	// ClaimRecent clears \Recent in storage and reports the affected UIDs.
	ClaimRecent bool
}

// FlagOp is the STORE operation.
type FlagOp int

const (
	FlagsReplace FlagOp = iota
	FlagsAdd
	FlagsRemove
)

// FlagChange describes a flag mutation on a set of messages.
type FlagChange struct {
	Op    FlagOp
	Flags []string
	// UnchangedSince, when non-zero, skips messages with a higher modseq.
	UnchangedSince uid.ModSeq
}

// FlagResult reports the outcome of SetFlags.
type FlagResult struct {
	Updated []MessageMeta
	// Modified are UIDs skipped because of UnchangedSince.
	Modified []uid.UID
}

// AppendRequest is a new message.
type AppendRequest struct {
	Flags        []string
	InternalDate time.Time
	Body         []byte
}

// Store is one user's view of the mailbox store. Mutations publish the
// matching events to the notifier, tagged with the origin session.
type Store interface {
	Mailbox(ctx context.Context, name string) (Mailbox, error)
	ListMailboxes(ctx context.Context) ([]Mailbox, error)
	CreateMailbox(ctx context.Context, name string) (Mailbox, error)
	DeleteMailbox(ctx context.Context, name string) error

	Metadata(ctx context.Context, mailboxID int64, opts MetadataOptions) (Metadata, error)
	// ListMessages returns the messages whose UIDs fall in set, ascending.
	// A nil set lists every message.
	ListMessages(ctx context.Context, mailboxID int64, set uid.Set) ([]MessageMeta, error)
	// ChangedSince lists messages in set whose modseq is above modSeq.
	ChangedSince(ctx context.Context, mailboxID int64, set uid.Set, modSeq uid.ModSeq) ([]MessageMeta, error)
	Body(ctx context.Context, mailboxID int64, u uid.UID) ([]byte, error)

	SetFlags(ctx context.Context, origin string, mailboxID int64, uids []uid.UID, change FlagChange) (FlagResult, error)
	// Expunge removes the messages flagged \Deleted, restricted to uids
	// when non-nil, and returns the removed UIDs ascending.
	Expunge(ctx context.Context, origin string, mailboxID int64, uids []uid.UID) ([]uid.UID, error)
	Append(ctx context.Context, origin string, mailboxID int64, req AppendRequest) (uid.UID, error)
}

// SystemFlags are the flags every mailbox accepts.
var SystemFlags = []string{`\Answered`, `\Flagged`, `\Deleted`, `\Seen`, `\Draft`}
