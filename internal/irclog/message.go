package irclog

import (
	"fmt"
	"strings"
)

// Message is one parsed IRC protocol line.
type Message struct {
	Prefix   string
	Command  string
	Params   []string
	Trailing string
}

// Parse splits a raw line ("[:prefix] COMMAND params [:trailing]").
// It returns false for empty lines.
func Parse(line string) (Message, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Message{}, false
	}

	var m Message
	if strings.HasPrefix(line, ":") {
		prefix, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return Message{}, false
		}
		m.Prefix = prefix
		line = rest
	}

	if head, trailing, ok := strings.Cut(line, " :"); ok {
		m.Trailing = trailing
		line = head
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Message{}, false
	}
	m.Command = strings.ToUpper(fields[0])
	m.Params = fields[1:]
	return m, true
}

// Nick returns the nickname part of the prefix (nick!user@host).
func (m Message) Nick() string {
	nick, _, _ := strings.Cut(m.Prefix, "!")
	return nick
}

// Target returns the first parameter (channel or nick for PRIVMSG).
func (m Message) Target() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[0]
}

// Record formats a channel message as a ticker line: the nick in bold with
// escaped angle brackets, then the text.
func Record(nick, text string) string {
	text = strings.Join(strings.Fields(text), " ")
	return fmt.Sprintf("<b>&#60;%s&#62;</b> %s", nick, text)
}
