// Package response formats the untagged and tagged responses the server
// writes. Lines are returned without the trailing CRLF.
package response

import (
	"fmt"
	"strconv"
	"strings"

	"ravensync/internal/uid"
)

type Status string

const (
	StatusOK  Status = "OK"
	StatusNO  Status = "NO"
	StatusBAD Status = "BAD"
)

// Response codes used in completions.
const (
	CodeReadWrite     = "READ-WRITE"
	CodeReadOnly      = "READ-ONLY"
	CodeNonExistent   = "NONEXISTENT"
	CodeServerBug     = "SERVERBUG"
	CodeAlreadyExists = "ALREADYEXISTS"
	CodeCannot        = "CANNOT"
	CodeInUse         = "INUSE"
	CodeClientBug     = "CLIENTBUG"
	CodeAuthFailed    = "AUTHENTICATIONFAILED"
	CodeTryCreate     = "TRYCREATE"
)

// Completion is the tagged result of a command.
type Completion struct {
	Status Status
	Code   string
	Text   string
}

func OK(code, text string) Completion  { return Completion{Status: StatusOK, Code: code, Text: text} }
func NO(code, text string) Completion  { return Completion{Status: StatusNO, Code: code, Text: text} }
func BAD(code, text string) Completion { return Completion{Status: StatusBAD, Code: code, Text: text} }

// Line renders the completion for tag.
func (c Completion) Line(tag string) string {
	if c.Code != "" {
		return fmt.Sprintf("%s %s [%s] %s", tag, c.Status, c.Code, c.Text)
	}
	return fmt.Sprintf("%s %s %s", tag, c.Status, c.Text)
}

// Exists is the exists-count notice.
func Exists(n int) string {
	return fmt.Sprintf("* %d EXISTS", n)
}

// Recent is the recent-count notice.
func Recent(n int) string {
	return fmt.Sprintf("* %d RECENT", n)
}

// Expunge is the sequence-number removal notice.
func Expunge(msn uid.MSN) string {
	return fmt.Sprintf("* %d EXPUNGE", msn)
}

// Vanished is the UID removal notice. EARLIER marks removals that happened
// before the current command, as reported during resynchronization.
func Vanished(set uid.Set, earlier bool) string {
	if earlier {
		return "* VANISHED (EARLIER) " + set.String()
	}
	return "* VANISHED " + set.String()
}

// Flags is the FLAGS notice: system flags followed by keywords.
func Flags(system, keywords []string) string {
	all := append(append([]string{}, system...), keywords...)
	return "* FLAGS (" + strings.Join(all, " ") + ")"
}

func PermanentFlags(flags []string) string {
	return "* OK [PERMANENTFLAGS (" + strings.Join(flags, " ") + ")] Flags permitted"
}

func UIDValidity(v uint32) string {
	return fmt.Sprintf("* OK [UIDVALIDITY %d] UIDs valid", v)
}

func UIDNext(u uid.UID) string {
	return fmt.Sprintf("* OK [UIDNEXT %d] Predicted next UID", u)
}

func HighestModSeq(m uid.ModSeq) string {
	return fmt.Sprintf("* OK [HIGHESTMODSEQ %d] Highest", m)
}

func NoModSeq() string {
	return "* OK [NOMODSEQ] Sorry, this mailbox format doesn't support modsequences"
}

func Unseen(msn uid.MSN) string {
	return fmt.Sprintf("* OK [UNSEEN %d] First unseen", msn)
}

func MailboxID(id string) string {
	return fmt.Sprintf("* OK [MAILBOXID (%s)] Ok", id)
}

func Closed() string {
	return "* OK [CLOSED] Previous mailbox closed"
}

// Fetch renders an untagged FETCH with already formatted items.
func Fetch(msn uid.MSN, items ...string) string {
	return fmt.Sprintf("* %d FETCH (%s)", msn, strings.Join(items, " "))
}

func FlagsItem(flags []string) string {
	return "FLAGS (" + strings.Join(flags, " ") + ")"
}

func UIDItem(u uid.UID) string {
	return "UID " + u.String()
}

func ModSeqItem(m uid.ModSeq) string {
	return "MODSEQ (" + m.String() + ")"
}

// Literal renders data as an IMAP literal.
func Literal(data []byte) string {
	return "{" + strconv.Itoa(len(data)) + "}\r\n" + string(data)
}

func Capability(caps []string) string {
	return "* CAPABILITY " + strings.Join(caps, " ")
}

func Enabled(caps []string) string {
	if len(caps) == 0 {
		return "* ENABLED"
	}
	return "* ENABLED " + strings.Join(caps, " ")
}

func Bye(text string) string {
	return "* BYE " + text
}

func Continuation(text string) string {
	return "+ " + text
}

func List(attrs []string, delim, name string) string {
	return fmt.Sprintf("* LIST (%s) %s %s", strings.Join(attrs, " "), Quote(delim), Quote(name))
}

// StatusItems renders a STATUS response; items alternate name and value.
func StatusItems(name string, items []string) string {
	return fmt.Sprintf("* STATUS %s (%s)", Quote(name), strings.Join(items, " "))
}

// Quote renders s as a quoted string.
func Quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
