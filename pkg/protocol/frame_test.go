package protocol

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestReadFrameStripsDelimiter(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("{\"command\":\"help\"}\n"))

	payload, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"command":"help"}`, string(payload))
}

func TestReadFrameHandlesCRLF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("{}\r\n"))

	payload, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(payload))
}

func TestReadFrameEOFIsConnectionClosed(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(""))

	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestReadFramePartialLineIsConnectionClosed(t *testing.T) {
	// A line without a trailing newline means the peer died mid-frame.
	r := bufio.NewReader(strings.NewReader(`{"command":"help"`))

	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestReadFrameCapsUnterminatedLine(t *testing.T) {
	// A peer streaming forever without a delimiter must be cut off at the
	// reader's buffer size, not accumulated.
	endless := strings.Repeat("x", MaxLineSize+1024)
	r := bufio.NewReaderSize(strings.NewReader(endless), MaxLineSize)

	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReadFramePayloadSurvivesNextRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"command":"users"}`)))
	require.NoError(t, WriteFrame(&buf, []byte(`{"command":"help"}`)))

	r := bufio.NewReader(&buf)
	first, err := ReadFrame(r)
	require.NoError(t, err)
	_, err = ReadFrame(r)
	require.NoError(t, err)

	// The first payload must not alias the reader's recycled buffer.
	assert.Equal(t, `{"command":"users"}`, string(first))
}

func TestWriteFrameAppendsDelimiter(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, WriteFrame(&buf, []byte(`{"status":"OK"}`)))
	assert.Equal(t, "{\"status\":\"OK\"}\n", buf.String())
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer

	err := WriteFrame(&buf, bytes.Repeat([]byte("x"), MaxLineSize+1))
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.Zero(t, buf.Len())
}

// TestRequestRoundTrip checks that any command/data pair survives the full
// encode -> frame -> read -> parse path, including data containing newlines
// and control characters (JSON escaping keeps the frame on one line).
func TestRequestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &Request{
			Command: rapid.StringMatching(`[a-z]{1,10}`).Draw(t, "command"),
			Data:    rapid.String().Draw(t, "data"),
		}

		payload, err := original.Encode()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		var buf bytes.Buffer
		if err := WriteFrame(&buf, payload); err != nil {
			t.Fatalf("write failed: %v", err)
		}

		read, err := ReadFrame(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}

		decoded, err := ParseRequest(read)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if decoded.Command != original.Command {
			t.Fatalf("command mismatch: got %q, want %q", decoded.Command, original.Command)
		}
		if decoded.Data != original.Data {
			t.Fatalf("data mismatch: got %q, want %q", decoded.Data, original.Data)
		}
	})
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"command":"users"}`)))
	require.NoError(t, WriteFrame(&buf, []byte(`{"command":"help"}`)))

	r := bufio.NewReader(&buf)

	first, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"command":"users"}`, string(first))

	second, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"command":"help"}`, string(second))

	_, err = ReadFrame(r)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
