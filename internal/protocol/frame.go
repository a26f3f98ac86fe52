package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// MaxFrameSize is the largest payload a single frame can carry.
const MaxFrameSize = 1<<16 - 1

var (
	// ErrMessageTooLarge is returned when a payload exceeds MaxFrameSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum frame size")
	// ErrInvalidUTF8 is returned when a received payload is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("message is not valid UTF-8")
)

// WriteFrame writes text as a frame: [Length (2 bytes, big-endian)][Payload].
// Header and payload go out in a single Write call.
//
// Postcondition: Returns ErrMessageTooLarge without writing if text is too long.
func WriteFrame(w io.Writer, text string) error {
	if len(text) > MaxFrameSize {
		return ErrMessageTooLarge
	}
	buf := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(buf, uint16(len(text)))
	copy(buf[2:], text)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame and returns its payload.
//
// Postcondition: Returns the payload, io.EOF on a clean close before any
// header byte, or an error describing the failure.
func ReadFrame(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n == 0 {
		return "", nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", fmt.Errorf("reading %d byte payload: %w", n, err)
	}
	if !utf8.Valid(payload) {
		return "", ErrInvalidUTF8
	}
	return string(payload), nil
}
