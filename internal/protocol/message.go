// Package protocol implements the relay's text command format and its
// length-prefixed framing.
//
// A message is a command tag followed by zero or more fields, joined by the
// ASCII unit separator. Fields escape the separator and the escape character
// itself, so arbitrary chat text can be carried without corrupting the
// field boundaries.
package protocol

import (
	"strings"
)

// Delimiter separates the fields of a message.
const Delimiter = "\x1f"

// RosterAll is the first roster slot, addressing every online user.
const RosterAll = "ALL"

const (
	escapeChar    = '\\'
	escapedDelim  = 's'
	delimiterByte = '\x1f'
	escapedEscape = '\\'
)

// Kind identifies a command.
type Kind string

// Command vocabulary.
const (
	KindUnknown      Kind = ""
	KindAuth         Kind = "AUTH_MESSAGE"
	KindAuthOK       Kind = "AUTH_OK"
	KindError        Kind = "ERROR_MESSAGE"
	KindBroadcast    Kind = "BROADCAST_MESSAGE"
	KindPrivate      Kind = "PRIVATE_MESSAGE"
	KindChangeNick   Kind = "CHANGE_NICK"
	KindChangeNickOK Kind = "CHANGE_NICK_OK"
	KindListUsers    Kind = "LIST_USERS"
)

var knownKinds = map[Kind]bool{
	KindAuth:         true,
	KindAuthOK:       true,
	KindError:        true,
	KindBroadcast:    true,
	KindPrivate:      true,
	KindChangeNick:   true,
	KindChangeNickOK: true,
	KindListUsers:    true,
}

// String returns the wire tag, or "UNKNOWN" for unrecognised kinds.
func (k Kind) String() string {
	if k == KindUnknown {
		return "UNKNOWN"
	}
	return string(k)
}

// Message is one parsed command line.
type Message struct {
	Kind Kind
	// Tag is the raw command tag as received, kept for logging unknown kinds.
	Tag  string
	Args []string
}

// New builds a message of the given kind.
func New(kind Kind, args ...string) Message {
	return Message{Kind: kind, Tag: string(kind), Args: args}
}

// Arg returns the i-th argument, or "" if absent.
func (m Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// Encode renders the message in wire form with every argument escaped.
func (m Message) Encode() string {
	var b strings.Builder
	b.WriteString(m.Tag)
	for _, a := range m.Args {
		b.WriteString(Delimiter)
		b.WriteString(Escape(a))
	}
	return b.String()
}

// Parse splits a wire line into a message. Unrecognised tags yield KindUnknown
// with Tag holding the received text.
//
// Postcondition: Parse(m.Encode()) reproduces m for every known kind.
func Parse(line string) Message {
	fields := split(line)
	msg := Message{Tag: fields[0], Args: fields[1:]}
	if k := Kind(fields[0]); knownKinds[k] {
		msg.Kind = k
	}
	if len(msg.Args) == 0 {
		msg.Args = nil
	}
	return msg
}

// Escape protects the delimiter and escape character inside a field.
func Escape(field string) string {
	if !strings.ContainsAny(field, Delimiter+`\`) {
		return field
	}
	var b strings.Builder
	b.Grow(len(field) + 4)
	for i := 0; i < len(field); i++ {
		switch c := field[i]; c {
		case escapeChar:
			b.WriteByte(escapeChar)
			b.WriteByte(escapedEscape)
		case delimiterByte:
			b.WriteByte(escapeChar)
			b.WriteByte(escapedDelim)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape reverses Escape. A trailing lone escape character or an unknown
// escape sequence is kept literally.
func Unescape(field string) string {
	if strings.IndexByte(field, escapeChar) < 0 {
		return field
	}
	var b strings.Builder
	b.Grow(len(field))
	for i := 0; i < len(field); i++ {
		c := field[i]
		if c != escapeChar || i+1 == len(field) {
			b.WriteByte(c)
			continue
		}
		switch field[i+1] {
		case escapedEscape:
			b.WriteByte(escapeChar)
			i++
		case escapedDelim:
			b.WriteByte(delimiterByte)
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// split cuts line on unescaped delimiters and unescapes each field.
// Escaped delimiters never appear raw, so a plain split is exact.
func split(line string) []string {
	parts := strings.Split(line, Delimiter)
	for i, p := range parts {
		parts[i] = Unescape(p)
	}
	return parts
}

// Formatted renders chat text attributed to sender, as delivered to recipients.
func Formatted(sender, text string) string {
	return "[" + sender + "]: " + text
}

// AuthRequest builds a credentials-submit message.
func AuthRequest(login, password string) Message { return New(KindAuth, login, password) }

// AuthOK builds the reply to a successful login.
func AuthOK(login, nickname string) Message { return New(KindAuthOK, login, nickname) }

// Error builds an error reply.
func Error(text string) Message { return New(KindError, text) }

// BroadcastDelivery builds the message fanned out to every session.
func BroadcastDelivery(sender, text string) Message {
	return New(KindBroadcast, Formatted(sender, text))
}

// PrivateDelivery builds the message delivered to a private target.
func PrivateDelivery(sender, text string) Message {
	return New(KindPrivate, Formatted(sender, text))
}

// ChangeNickOK confirms a rename to the requester.
func ChangeNickOK(nickname string) Message { return New(KindChangeNickOK, nickname) }

// Roster builds a LIST_USERS message; the first slot is always RosterAll.
func Roster(nicknames []string) Message {
	args := make([]string, 0, len(nicknames)+1)
	args = append(args, RosterAll)
	args = append(args, nicknames...)
	return New(KindListUsers, args...)
}
