package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	m, ok := parseLine(":alice!a@example.org PRIVMSG #quake :tw: Quake Live\r\n")
	require.True(t, ok)
	assert.Equal(t, "alice!a@example.org", m.Prefix)
	assert.Equal(t, "PRIVMSG", m.Command)
	assert.Equal(t, []string{"#quake"}, m.Params)
	assert.Equal(t, "tw: Quake Live", m.Trailing)
	assert.Equal(t, "alice", m.Nick())

	m, ok = parseLine("PING :irc.example.org")
	require.True(t, ok)
	assert.Equal(t, "PING", m.Command)
	assert.Equal(t, "PONG :irc.example.org", pongFor(m))

	m, ok = parseLine("PING 12345")
	require.True(t, ok)
	assert.Equal(t, "PONG :12345", pongFor(m))

	_, ok = parseLine("")
	assert.False(t, ok)
	_, ok = parseLine(":only-prefix")
	assert.False(t, ok)
}

func TestIsWelcome(t *testing.T) {
	for _, raw := range []string{
		":irc.example.org 001 tw :Welcome to the network",
		":irc.example.org 376 tw :End of /MOTD command.",
		":irc.example.org 422 tw :MOTD File is missing",
		":weird.server NOTICE tw :End of /MOTD command",
	} {
		m, ok := parseLine(raw)
		require.True(t, ok)
		assert.True(t, isWelcome(raw, m), raw)
	}
	raw := ":irc.example.org 372 tw :- Have fun"
	m, _ := parseLine(raw)
	assert.False(t, isWelcome(raw, m))
}

func TestDirectedQuery(t *testing.T) {
	parse := func(s string) message {
		m, ok := parseLine(s)
		require.True(t, ok)
		return m
	}

	q, ok := directedQuery(parse(":alice!a@h PRIVMSG #quake :tw: Quake"), "#quake", "tw")
	require.True(t, ok)
	assert.Equal(t, query{From: "alice", Text: "Quake"}, q)

	q, ok = directedQuery(parse(":bob!b@h PRIVMSG #Quake :TW, Counter-Strike 2"), "#quake", "tw")
	require.True(t, ok)
	assert.Equal(t, "Counter-Strike 2", q.Text)

	for _, line := range []string{
		":alice!a@h PRIVMSG #other :tw: Quake",   // other room
		":alice!a@h PRIVMSG #quake :twin: Quake", // other nick
		":alice!a@h PRIVMSG #quake :tw:",         // no text
		":alice!a@h PRIVMSG #quake :hello tw: x", // not addressed
		":server.example 372 tw :tw: Quake",      // not a message
		":server.example PRIVMSG #quake :tw: x",  // no user prefix
	} {
		_, ok := directedQuery(parse(line), "#quake", "tw")
		assert.False(t, ok, line)
	}
}

func TestPrivmsgTruncatesAndFolds(t *testing.T) {
	line := privmsg("#r", "a\r\nb")
	assert.Equal(t, "PRIVMSG #r :a  b", line)

	long := privmsg("#r", strings.Repeat("é", 300))
	text := strings.TrimPrefix(long, "PRIVMSG #r :")
	assert.LessOrEqual(t, len(text), maxText)
	assert.True(t, strings.HasSuffix(text, "é"))
}
