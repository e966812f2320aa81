package utils

import (
	"strings"
)

// GetMailboxAttributes returns the LIST attributes of name given every
// mailbox of the user.
func GetMailboxAttributes(name string, all []string) []string {
	var attrs []string
	if hasChildren(name, all) {
		attrs = append(attrs, `\HasChildren`)
	} else {
		attrs = append(attrs, `\HasNoChildren`)
	}
	switch name {
	case "Drafts":
		attrs = append(attrs, `\Drafts`)
	case "Trash":
		attrs = append(attrs, `\Trash`)
	case "Sent":
		attrs = append(attrs, `\Sent`)
	case "Spam", "Junk":
		attrs = append(attrs, `\Junk`)
	}
	return attrs
}

func hasChildren(name string, all []string) bool {
	prefix := name + Delimiter
	for _, other := range all {
		if strings.HasPrefix(other, prefix) {
			return true
		}
	}
	return false
}
