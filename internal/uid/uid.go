// Package uid holds the identifier value types shared by the session core:
// message UIDs, mailbox mod-sequences, session sequence numbers and the
// ranges and sets built over them.
package uid

import (
	"errors"
	"math"
	"strconv"
)

// UID is a mailbox-scoped, strictly increasing message identifier.
type UID uint64

// ModSeq is the per-mailbox modification counter.
type ModSeq uint64

// MSN is a 1-based message position within one session's view.
type MSN uint32

// Star is the "*" sentinel: the highest item that exists when the range is
// evaluated. It is never stored in a resolved range.
const Star uint64 = math.MaxUint64

var (
	ErrSyntax       = errors.New("invalid sequence set")
	ErrInvalidRange = errors.New("invalid message range")
	ErrEmptyMailbox = errors.New("mailbox is empty")
)

func (u UID) String() string    { return strconv.FormatUint(uint64(u), 10) }
func (m ModSeq) String() string { return strconv.FormatUint(uint64(m), 10) }
func (n MSN) String() string    { return strconv.FormatUint(uint64(n), 10) }

// Range is a closed interval. First and Last may hold Star.
type Range struct {
	First uint64
	Last  uint64
}

// Single returns a range holding exactly n.
func Single(n uint64) Range {
	return Range{First: n, Last: n}
}

// IsSingle reports whether the range covers one value.
func (r Range) IsSingle() bool {
	return r.First == r.Last
}

// HasStar reports whether either bound is the sentinel.
func (r Range) HasStar() bool {
	return r.First == Star || r.Last == Star
}

// Normalize swaps the bounds so First <= Last. "5:2" means the same as "2:5".
func (r Range) Normalize() Range {
	if r.First > r.Last {
		return Range{First: r.Last, Last: r.First}
	}
	return r
}

// Contains reports whether n lies within the range.
func (r Range) Contains(n uint64) bool {
	r = r.Normalize()
	return n >= r.First && n <= r.Last
}

// Resolve replaces Star bounds with last, the highest existing value.
func (r Range) Resolve(last uint64) Range {
	if r.First == Star {
		r.First = last
	}
	if r.Last == Star {
		r.Last = last
	}
	return r.Normalize()
}

func (r Range) String() string {
	if r.IsSingle() {
		return formatNum(r.First)
	}
	return formatNum(r.First) + ":" + formatNum(r.Last)
}

func formatNum(n uint64) string {
	if n == Star {
		return "*"
	}
	return strconv.FormatUint(n, 10)
}
