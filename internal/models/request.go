package models

import (
	"bufio"
	"errors"
	"strconv"
	"strings"
)

// CommandKind is the closed set of commands the server dispatches.
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdCapability
	CmdNoop
	CmdLogout
	CmdStartTLS
	CmdLogin
	CmdEnable
	CmdSelect
	CmdExamine
	CmdCreate
	CmdDelete
	CmdList
	CmdStatus
	CmdAppend
	CmdIdle
	CmdNamespace
	CmdCheck
	CmdClose
	CmdUnselect
	CmdExpunge
	CmdFetch
	CmdStore
	CmdUIDFetch
	CmdUIDStore
	CmdUIDExpunge
)

var commandNames = map[string]CommandKind{
	"CAPABILITY": CmdCapability,
	"NOOP":       CmdNoop,
	"LOGOUT":     CmdLogout,
	"STARTTLS":   CmdStartTLS,
	"LOGIN":      CmdLogin,
	"ENABLE":     CmdEnable,
	"SELECT":     CmdSelect,
	"EXAMINE":    CmdExamine,
	"CREATE":     CmdCreate,
	"DELETE":     CmdDelete,
	"LIST":       CmdList,
	"STATUS":     CmdStatus,
	"APPEND":     CmdAppend,
	"IDLE":       CmdIdle,
	"NAMESPACE":  CmdNamespace,
	"CHECK":      CmdCheck,
	"CLOSE":      CmdClose,
	"UNSELECT":   CmdUnselect,
	"EXPUNGE":    CmdExpunge,
	"FETCH":      CmdFetch,
	"STORE":      CmdStore,
}

var uidCommandNames = map[string]CommandKind{
	"FETCH":   CmdUIDFetch,
	"STORE":   CmdUIDStore,
	"EXPUNGE": CmdUIDExpunge,
}

func (k CommandKind) String() string {
	switch k {
	case CmdUIDFetch:
		return "UID FETCH"
	case CmdUIDStore:
		return "UID STORE"
	case CmdUIDExpunge:
		return "UID EXPUNGE"
	}
	for name, kind := range commandNames {
		if kind == k {
			return name
		}
	}
	return "UNKNOWN"
}

// IsUID reports whether the command addresses messages by UID.
func (k CommandKind) IsUID() bool {
	return k == CmdUIDFetch || k == CmdUIDStore || k == CmdUIDExpunge
}

// MaxLiteralSize bounds literals accepted from clients.
const MaxLiteralSize = 64 << 20

var (
	ErrMissingTag     = errors.New("missing tag")
	ErrMissingCommand = errors.New("missing command")
	ErrUnbalanced     = errors.New("unbalanced parentheses")
	ErrBadQuoted      = errors.New("unterminated quoted string")
	ErrBadLiteral     = errors.New("invalid literal")
)

// Arg is one parsed command argument: an atom, a string (quoted or
// literal), or a parenthesized list.
type Arg struct {
	Value  string
	List   []Arg
	IsList bool
	// IsString is set for quoted strings and literals.
	IsString bool
}

// Upper returns the value upper-cased, for keyword comparison.
func (a Arg) Upper() string {
	return strings.ToUpper(a.Value)
}

func (a Arg) String() string {
	if !a.IsList {
		if a.IsString {
			return strconv.Quote(a.Value)
		}
		return a.Value
	}
	parts := make([]string, len(a.List))
	for i, v := range a.List {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// Request is one parsed client command.
type Request struct {
	Tag  string
	Kind CommandKind
	// Name is the command as sent, upper-cased.
	Name string
	Args []Arg
	// Reader is the connection reader, for commands that read further
	// lines from the client (IDLE).
	Reader *bufio.Reader
}

// ParseRequest parses a command line without its final CRLF. Literal
// data, if any, is inline as "{n}\r\n" followed by n bytes.
func ParseRequest(line string) (*Request, error) {
	tag, rest, _ := strings.Cut(line, " ")
	if tag == "" || strings.ContainsAny(tag, "(){%*\"\\+") {
		return nil, ErrMissingTag
	}
	name, rest, _ := strings.Cut(rest, " ")
	if name == "" {
		return &Request{Tag: tag}, ErrMissingCommand
	}

	req := &Request{Tag: tag, Name: strings.ToUpper(name)}
	if req.Name == "UID" {
		sub, r, _ := strings.Cut(rest, " ")
		rest = r
		req.Name = "UID " + strings.ToUpper(sub)
		req.Kind = uidCommandNames[strings.ToUpper(sub)]
	} else {
		req.Kind = commandNames[req.Name]
	}

	args, err := ParseArgs(rest)
	if err != nil {
		return req, err
	}
	req.Args = args
	return req, nil
}

// ParseArgs splits s into arguments.
func ParseArgs(s string) ([]Arg, error) {
	p := &argParser{s: s}
	args, err := p.parseList(false)
	if err != nil {
		return nil, err
	}
	return args, nil
}

type argParser struct {
	s   string
	pos int
}

func (p *argParser) parseList(nested bool) ([]Arg, error) {
	var args []Arg
	for {
		for p.pos < len(p.s) && p.s[p.pos] == ' ' {
			p.pos++
		}
		if p.pos >= len(p.s) {
			if nested {
				return nil, ErrUnbalanced
			}
			return args, nil
		}

		switch c := p.s[p.pos]; c {
		case '(':
			p.pos++
			list, err := p.parseList(true)
			if err != nil {
				return nil, err
			}
			args = append(args, Arg{List: list, IsList: true})
		case ')':
			if !nested {
				return nil, ErrUnbalanced
			}
			p.pos++
			return args, nil
		case '"':
			v, err := p.parseQuoted()
			if err != nil {
				return nil, err
			}
			args = append(args, Arg{Value: v, IsString: true})
		case '{':
			v, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			args = append(args, Arg{Value: v, IsString: true})
		default:
			args = append(args, Arg{Value: p.parseAtom()})
		}
	}
}

func (p *argParser) parseQuoted() (string, error) {
	p.pos++
	var b strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		switch c {
		case '\\':
			if p.pos+1 >= len(p.s) {
				return "", ErrBadQuoted
			}
			b.WriteByte(p.s[p.pos+1])
			p.pos += 2
		case '"':
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", ErrBadQuoted
}

func (p *argParser) parseLiteral() (string, error) {
	end := strings.IndexByte(p.s[p.pos:], '}')
	if end < 0 {
		return "", ErrBadLiteral
	}
	digits := strings.TrimSuffix(p.s[p.pos+1:p.pos+end], "+")
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 || n > MaxLiteralSize {
		return "", ErrBadLiteral
	}
	start := p.pos + end + 1
	if !strings.HasPrefix(p.s[start:], "\r\n") || start+2+n > len(p.s) {
		return "", ErrBadLiteral
	}
	start += 2
	p.pos = start + n
	return p.s[start : start+n], nil
}

// parseAtom reads up to the next space or parenthesis. Brackets may hold
// spaces, as in BODY[HEADER.FIELDS (FROM)].
func (p *argParser) parseAtom() string {
	start := p.pos
	depth := 0
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '[' {
			depth++
		} else if c == ']' && depth > 0 {
			depth--
		} else if depth == 0 && (c == ' ' || c == '(' || c == ')') {
			break
		}
		p.pos++
	}
	return p.s[start:p.pos]
}

// LiteralSize returns n if line ends with a literal marker "{n}" or
// "{n+}"; sync is false for the non-synchronizing form.
func LiteralSize(line string) (n int, sync bool, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasSuffix(line, "}") {
		return 0, false, false
	}
	open := strings.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false, false
	}
	digits := line[open+1 : len(line)-1]
	sync = !strings.HasSuffix(digits, "+")
	n, err := strconv.Atoi(strings.TrimSuffix(digits, "+"))
	if err != nil || n < 0 {
		return 0, false, false
	}
	return n, sync, true
}

// FlagList reads a flag list argument: "(\Seen $Work)" or a single flag.
func FlagList(a Arg) []string {
	if !a.IsList {
		if a.Value == "" {
			return nil
		}
		return []string{a.Value}
	}
	flags := make([]string, 0, len(a.List))
	for _, f := range a.List {
		flags = append(flags, f.Value)
	}
	return flags
}
