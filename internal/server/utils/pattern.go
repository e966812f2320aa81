package utils

import (
	"strings"
)

// Delimiter is the hierarchy delimiter of mailbox names.
const Delimiter = "/"

// FilterMailboxes applies reference and pattern matching according to RFC 3501.
// The result keeps the order of mailboxes.
func FilterMailboxes(mailboxes []string, reference, pattern string) []string {
	canonical := BuildCanonicalPattern(reference, pattern)

	var matches []string
	for _, mailbox := range mailboxes {
		if MatchesPattern(mailbox, canonical) {
			matches = append(matches, mailbox)
		}
	}
	return matches
}

// BuildCanonicalPattern joins the reference and the mailbox pattern. A
// pattern starting with the delimiter is absolute and ignores the reference.
func BuildCanonicalPattern(reference, pattern string) string {
	if strings.HasPrefix(pattern, Delimiter) || reference == "" {
		return pattern
	}
	if !strings.HasSuffix(reference, Delimiter) {
		return reference + Delimiter + pattern
	}
	return reference + pattern
}

// MatchesPattern reports whether mailbox matches a LIST pattern. "*"
// matches anything, "%" anything but the delimiter. INBOX compares
// case-insensitively.
func MatchesPattern(mailbox, pattern string) bool {
	if strings.EqualFold(mailbox, "INBOX") {
		mailbox = "INBOX"
	}
	if len(pattern) >= 5 && strings.EqualFold(pattern[:5], "INBOX") {
		pattern = "INBOX" + pattern[5:]
	}
	return match(mailbox, pattern)
}

func match(text, pattern string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*', '%':
			wild := pattern[0]
			pattern = pattern[1:]
			for i := 0; i <= len(text); i++ {
				if match(text[i:], pattern) {
					return true
				}
				if i < len(text) && wild == '%' && text[i] == Delimiter[0] {
					return false
				}
			}
			return false
		default:
			if len(text) == 0 || text[0] != pattern[0] {
				return false
			}
			text = text[1:]
			pattern = pattern[1:]
		}
	}
	return len(text) == 0
}
