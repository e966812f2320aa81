package uid

import (
	"iter"
	"slices"
	"strconv"
	"strings"
)

// Set is a list of ranges, as written in a sequence-set.
// A Set produced by FromUIDs or Merge is sorted, non-overlapping and
// non-adjacent.
type Set []Range

// FromValues builds the minimal ascending range set covering vals.
func FromValues(vals []uint64) Set {
	if len(vals) == 0 {
		return nil
	}
	sorted := slices.Clone(vals)
	slices.Sort(sorted)

	var s Set
	for _, v := range sorted {
		if n := len(s); n > 0 {
			last := &s[n-1]
			if v <= last.Last {
				continue
			}
			if v == last.Last+1 {
				last.Last = v
				continue
			}
		}
		s = append(s, Single(v))
	}
	return s
}

// FromUIDs builds the minimal ascending range set covering uids.
func FromUIDs(uids []UID) Set {
	vals := make([]uint64, len(uids))
	for i, u := range uids {
		vals[i] = uint64(u)
	}
	return FromValues(vals)
}

// Merge combines sets into their minimal ascending form. Ranges holding
// Star must be resolved first.
func Merge(sets ...Set) Set {
	var all Set
	for _, s := range sets {
		for _, r := range s {
			all = append(all, r.Normalize())
		}
	}
	if len(all) == 0 {
		return nil
	}
	slices.SortFunc(all, func(a, b Range) int {
		switch {
		case a.First < b.First:
			return -1
		case a.First > b.First:
			return 1
		}
		return 0
	})

	out := Set{all[0]}
	for _, r := range all[1:] {
		last := &out[len(out)-1]
		if last.Last == Star || r.First <= last.Last+1 {
			if r.Last > last.Last {
				last.Last = r.Last
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Parse reads a sequence-set such as "1:4,7,10:*". Ranges are kept as
// written; use Merge for the canonical form.
func Parse(s string) (Set, error) {
	if s == "" {
		return nil, ErrSyntax
	}
	var set Set
	for _, part := range strings.Split(s, ",") {
		first, last, isRange := strings.Cut(part, ":")
		a, err := parseNum(first)
		if err != nil {
			return nil, err
		}
		b := a
		if isRange {
			if b, err = parseNum(last); err != nil {
				return nil, err
			}
		}
		set = append(set, Range{First: a, Last: b})
	}
	return set, nil
}

func parseNum(s string) (uint64, error) {
	if s == "*" {
		return Star, nil
	}
	if s == "" || s[0] == '0' || s[0] == '+' {
		return 0, ErrSyntax
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, ErrSyntax
	}
	return n, nil
}

func (s Set) String() string {
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// IsEmpty reports whether the set holds no ranges.
func (s Set) IsEmpty() bool {
	return len(s) == 0
}

// HasStar reports whether any range refers to the sentinel.
func (s Set) HasStar() bool {
	for _, r := range s {
		if r.HasStar() {
			return true
		}
	}
	return false
}

// Contains reports whether n is covered. Star bounds are not resolved.
func (s Set) Contains(n uint64) bool {
	for _, r := range s {
		if r.Contains(n) {
			return true
		}
	}
	return false
}

// Resolve replaces every Star bound with last.
func (s Set) Resolve(last uint64) Set {
	out := make(Set, len(s))
	for i, r := range s {
		out[i] = r.Resolve(last)
	}
	return out
}

// Clamp restricts every range to [lo, hi], dropping ranges outside it.
func (s Set) Clamp(lo, hi uint64) Set {
	var out Set
	for _, r := range s {
		r = r.Normalize()
		if r.Last < lo || r.First > hi {
			continue
		}
		out = append(out, Range{First: max(r.First, lo), Last: min(r.Last, hi)})
	}
	return out
}

// Values expands the set in written order. Star must be resolved first.
func (s Set) Values() []uint64 {
	var vals []uint64
	for _, r := range s {
		if r.First <= r.Last {
			for v := r.First; ; v++ {
				vals = append(vals, v)
				if v == r.Last {
					break
				}
			}
		} else {
			for v := r.First; ; v-- {
				vals = append(vals, v)
				if v == r.Last {
					break
				}
			}
		}
	}
	return vals
}

// UIDs returns the covered values as UIDs in ascending order.
func (s Set) UIDs() []UID {
	var uids []UID
	for _, v := range Merge(s).Values() {
		uids = append(uids, UID(v))
	}
	return uids
}

// Len counts the covered values, ignoring duplicates.
func (s Set) Len() int {
	n := 0
	for _, r := range Merge(s) {
		n += int(r.Last-r.First) + 1
	}
	return n
}

// Count is the number of values in written order, duplicates included.
// Star must be resolved first.
func (s Set) Count() uint64 {
	var n uint64
	for _, r := range s {
		r = r.Normalize()
		n += r.Last - r.First + 1
	}
	return n
}

// StrictlyIncreasing reports whether the values, in written order, are
// strictly increasing. It works on the range bounds and never expands them.
func (s Set) StrictlyIncreasing() bool {
	for i, r := range s {
		if r.First > r.Last {
			return false
		}
		if i > 0 && r.First <= s[i-1].Last {
			return false
		}
	}
	return true
}

// Pairs yields the values of a and b side by side, in written order, until
// either set runs out.
func Pairs(a, b Set) iter.Seq2[uint64, uint64] {
	return func(yield func(uint64, uint64) bool) {
		ca, cb := cursor{set: a}, cursor{set: b}
		for {
			x, ok := ca.next()
			if !ok {
				return
			}
			y, ok := cb.next()
			if !ok {
				return
			}
			if !yield(x, y) {
				return
			}
		}
	}
}

// cursor steps through a set one value at a time.
type cursor struct {
	set Set
	i   int
	off uint64
}

func (c *cursor) next() (uint64, bool) {
	for c.i < len(c.set) {
		r := c.set[c.i]
		n := r.Normalize()
		if c.off > n.Last-n.First {
			c.i++
			c.off = 0
			continue
		}
		v := r.First + c.off
		if r.First > r.Last {
			v = r.First - c.off
		}
		c.off++
		return v, true
	}
	return 0, false
}

// Without returns the values of s, ascending and merged, that are not in
// present. present must be sorted ascending and Star must be resolved.
func (s Set) Without(present []UID) Set {
	var out Set
	i := 0
	for _, r := range Merge(s) {
		for v := r.First; ; v++ {
			for i < len(present) && uint64(present[i]) < v {
				i++
			}
			if i >= len(present) || uint64(present[i]) != v {
				if n := len(out); n > 0 && out[n-1].Last+1 == v {
					out[n-1].Last = v
				} else {
					out = append(out, Single(v))
				}
			}
			if v == r.Last {
				break
			}
		}
	}
	return out
}
