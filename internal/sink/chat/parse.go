package chat

import (
	"strings"
	"unicode/utf8"
)

// message is one parsed protocol line:
//
//	[:prefix] COMMAND [params...] [:trailing]
type message struct {
	Prefix   string
	Command  string
	Params   []string
	Trailing string
	HasTrail bool
}

// Nick returns the sender nick from a nick!user@host prefix.
func (m message) Nick() string {
	nick, _, ok := strings.Cut(m.Prefix, "!")
	if !ok {
		return ""
	}
	return nick
}

// parseLine splits a raw line. It reports false for lines with no command.
func parseLine(line string) (message, bool) {
	line = strings.TrimRight(line, "\r\n")
	var m message
	if strings.HasPrefix(line, ":") {
		prefix, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return m, false
		}
		m.Prefix = prefix
		line = rest
	}
	line = strings.TrimLeft(line, " ")
	if head, trailing, ok := strings.Cut(line, " :"); ok {
		m.Trailing = trailing
		m.HasTrail = true
		line = head
	} else if strings.HasPrefix(line, ":") {
		m.Trailing = line[1:]
		m.HasTrail = true
		line = ""
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return m, false
	}
	m.Command = strings.ToUpper(fields[0])
	m.Params = fields[1:]
	return m, true
}

// Readiness markers. Wording differs between servers, so the text forms
// are matched as substrings alongside the numerics.
var welcomeMarkers = []string{"End of /MOTD command", "MOTD File is missing"}

func isWelcome(raw string, m message) bool {
	switch m.Command {
	case "001", "376", "422":
		return true
	}
	for _, s := range welcomeMarkers {
		if strings.Contains(raw, s) {
			return true
		}
	}
	return false
}

func isPing(m message) bool { return m.Command == "PING" }

// pongFor builds the matching reply for a keep-alive ping.
func pongFor(m message) string {
	token := m.Trailing
	if !m.HasTrail && len(m.Params) > 0 {
		token = m.Params[0]
	}
	return "PONG :" + token
}

// query is a directed command: "<me>: <text>" said in the room by a member.
type query struct {
	From string
	Text string
}

// directedQuery matches ":<who>!<user@host> PRIVMSG <room> :<nick>: <text>".
func directedQuery(m message, room, nick string) (query, bool) {
	if m.Command != "PRIVMSG" || len(m.Params) == 0 || !m.HasTrail {
		return query{}, false
	}
	if !strings.EqualFold(m.Params[0], room) {
		return query{}, false
	}
	from := m.Nick()
	if from == "" {
		return query{}, false
	}
	text := m.Trailing
	if len(text) <= len(nick) || !strings.EqualFold(text[:len(nick)], nick) {
		return query{}, false
	}
	rest := text[len(nick):]
	if !strings.HasPrefix(rest, ":") && !strings.HasPrefix(rest, ",") {
		return query{}, false
	}
	rest = strings.TrimSpace(rest[1:])
	if rest == "" {
		return query{}, false
	}
	return query{From: from, Text: rest}, true
}

// maxText keeps PRIVMSG lines inside the 512-byte protocol limit with room
// for the server-added prefix.
const maxText = 400

func privmsg(target, text string) string {
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	if len(text) > maxText {
		cut := maxText
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return "PRIVMSG " + target + " :" + text
}
