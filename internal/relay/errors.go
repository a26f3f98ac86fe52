// Package relay implements the message relay core: per-connection sessions
// with an authentication watchdog, the registry of online sessions keyed by
// nickname, and the router that dispatches authenticated commands.
package relay

import "errors"

var (
	// ErrAlreadyOnline is returned when a nickname is already present in the registry.
	ErrAlreadyOnline = errors.New("client already connected")
	// ErrTargetNotFound is returned when a private message names an offline nickname.
	ErrTargetNotFound = errors.New("target is not online")
	// ErrAuthTimeout is returned when the watchdog closes a session before it authenticated.
	ErrAuthTimeout = errors.New("authentication timed out")
	// ErrSessionClosed is returned when an operation targets a session that has already closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrOutboxFull is returned when a client falls too far behind and is disconnected.
	ErrOutboxFull = errors.New("outbound queue full")
)

// Client-facing error reply texts.
const (
	replyWrongCredentials = "Wrong login or password"
	replyAlreadyOnline    = "This client already connected"
	replyNameTaken        = "This nickname already in use"
	replyUnavailable      = "Service temporarily unavailable"
	replyTooLong          = "Message is too long"
)

func replyNotOnline(nickname string) string {
	return "User " + nickname + " is not online"
}
