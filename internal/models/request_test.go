package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest_Simple(t *testing.T) {
	req, err := ParseRequest("a1 select INBOX")
	require.NoError(t, err)
	assert.Equal(t, "a1", req.Tag)
	assert.Equal(t, CmdSelect, req.Kind)
	assert.Equal(t, "SELECT", req.Name)
	require.Len(t, req.Args, 1)
	assert.Equal(t, "INBOX", req.Args[0].Value)
}

func TestParseRequest_UID(t *testing.T) {
	req, err := ParseRequest("a2 uid fetch 1:* (FLAGS) (CHANGEDSINCE 12 VANISHED)")
	require.NoError(t, err)
	assert.Equal(t, CmdUIDFetch, req.Kind)
	assert.True(t, req.Kind.IsUID())
	assert.Equal(t, "UID FETCH", req.Kind.String())
	require.Len(t, req.Args, 3)
	assert.Equal(t, "1:*", req.Args[0].Value)
	assert.True(t, req.Args[1].IsList)
	assert.Equal(t, "(CHANGEDSINCE 12 VANISHED)", req.Args[2].String())
}

func TestParseRequest_QResyncParams(t *testing.T) {
	req, err := ParseRequest(`A02 SELECT "INBOX" (QRESYNC (67890007 90060115194045000 41:211,214:541 (1,3 10,30)))`)
	require.NoError(t, err)
	require.Len(t, req.Args, 2)
	assert.True(t, req.Args[0].IsString)

	qresync := req.Args[1].List
	require.Len(t, qresync, 2)
	assert.Equal(t, "QRESYNC", qresync[0].Upper())
	params := qresync[1].List
	require.Len(t, params, 4)
	assert.Equal(t, "67890007", params[0].Value)
	assert.Equal(t, "41:211,214:541", params[2].Value)
	assert.Equal(t, "1,3", params[3].List[0].Value)
}

func TestParseRequest_Errors(t *testing.T) {
	_, err := ParseRequest("")
	assert.ErrorIs(t, err, ErrMissingTag)

	_, err = ParseRequest("a1")
	assert.ErrorIs(t, err, ErrMissingCommand)

	_, err = ParseRequest("a1 STORE 1 +FLAGS (\\Seen")
	assert.ErrorIs(t, err, ErrUnbalanced)

	_, err = ParseRequest(`a1 LOGIN "user`)
	assert.ErrorIs(t, err, ErrBadQuoted)

	req, err := ParseRequest("a1 FROBNICATE")
	require.NoError(t, err)
	assert.Equal(t, CmdUnknown, req.Kind)
}

func TestParseArgs_Literal(t *testing.T) {
	args, err := ParseArgs("INBOX (\\Seen) {7}\r\nhi\r\nyo!")
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, []string{`\Seen`}, FlagList(args[1]))
	assert.Equal(t, "hi\r\nyo!", args[2].Value)
	assert.True(t, args[2].IsString)

	_, err = ParseArgs("{10}\r\nshort")
	assert.ErrorIs(t, err, ErrBadLiteral)
}

func TestParseArgs_BracketedAtom(t *testing.T) {
	args, err := ParseArgs("1 (UID BODY.PEEK[HEADER.FIELDS (FROM TO)] FLAGS)")
	require.NoError(t, err)
	require.Len(t, args, 2)
	items := args[1].List
	require.Len(t, items, 3)
	assert.Equal(t, "BODY.PEEK[HEADER.FIELDS (FROM TO)]", items[1].Value)
}

func TestParseArgs_QuotedEscapes(t *testing.T) {
	args, err := ParseArgs(`"a \"b\" \\c"`)
	require.NoError(t, err)
	assert.Equal(t, `a "b" \c`, args[0].Value)
}

func TestLiteralSize(t *testing.T) {
	n, sync, ok := LiteralSize("a1 APPEND INBOX {42}")
	assert.True(t, ok)
	assert.True(t, sync)
	assert.Equal(t, 42, n)

	n, sync, ok = LiteralSize("a1 APPEND INBOX {5+}\r\n")
	assert.True(t, ok)
	assert.False(t, sync)
	assert.Equal(t, 5, n)

	_, _, ok = LiteralSize("a1 NOOP")
	assert.False(t, ok)
}

func TestFlagList(t *testing.T) {
	assert.Nil(t, FlagList(Arg{}))
	assert.Equal(t, []string{`\Seen`}, FlagList(Arg{Value: `\Seen`}))
}
