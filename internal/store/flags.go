package store

import (
	"slices"
	"strings"
)

// ApplyFlags computes the flags a message ends up with after change.
// \Recent is managed by the server and never stored through STORE. The
// result lists system flags first, then keywords, each sorted.
func ApplyFlags(current []string, change FlagChange) []string {
	set := make(map[string]bool, len(current)+len(change.Flags))
	if change.Op != FlagsReplace {
		for _, f := range current {
			set[f] = true
		}
	}
	for _, f := range change.Flags {
		if strings.EqualFold(f, `\Recent`) {
			continue
		}
		f = CanonicalFlag(f)
		if change.Op == FlagsRemove {
			delete(set, f)
		} else {
			set[f] = true
		}
	}

	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	SortFlags(out)
	return out
}

// SortFlags orders system flags before keywords.
func SortFlags(flags []string) {
	slices.SortFunc(flags, func(a, b string) int {
		as, bs := strings.HasPrefix(a, `\`), strings.HasPrefix(b, `\`)
		if as != bs {
			if as {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	})
}

// CanonicalFlag fixes the case of system flags; keywords are kept as given.
func CanonicalFlag(f string) string {
	for _, sys := range SystemFlags {
		if strings.EqualFold(f, sys) {
			return sys
		}
	}
	return f
}

// Keywords returns the flags that are not system flags.
func Keywords(flags []string) []string {
	var out []string
	for _, f := range flags {
		if !strings.HasPrefix(f, `\`) {
			out = append(out, f)
		}
	}
	return out
}

// HasFlag reports whether flags contains f, ignoring case.
func HasFlag(flags []string, f string) bool {
	for _, have := range flags {
		if strings.EqualFold(have, f) {
			return true
		}
	}
	return false
}

// FormatFlags joins flags for storage.
func FormatFlags(flags []string) string {
	return strings.Join(flags, " ")
}

// ParseFlags splits a stored flag string.
func ParseFlags(s string) []string {
	return strings.Fields(s)
}
