package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestWriteFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, "hi"))
	assert.Equal(t, []byte{0x00, 0x02, 'h', 'i'}, buf.Bytes())
}

func TestReadFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, "one"))
	require.NoError(t, WriteFrame(&buf, ""))
	require.NoError(t, WriteFrame(&buf, "привет"))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "one", got)

	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "привет", got)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, strings.Repeat("x", MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Zero(t, buf.Len())
}

func TestWriteFrameAtLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, strings.Repeat("x", MaxFrameSize)))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Len(t, got, MaxFrameSize)
}

func TestReadFrameTruncated(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x05, 'a', 'b'}))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestReadFrameInvalidUTF8(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x02, 0xff, 0xfe}))
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

// Property: any valid UTF-8 string within the size limit survives a frame round trip.
func TestPropertyFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringN(0, 200, -1).Draw(t, "s")
		var buf bytes.Buffer
		if err := WriteFrame(&buf, s); err != nil {
			t.Fatalf("WriteFrame(%q): %v", s, err)
		}
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if got != s {
			t.Fatalf("want %q, got %q", s, got)
		}
	})
}
