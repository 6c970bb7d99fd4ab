package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxLineSize is the maximum allowed frame size (64 KiB). A peer that
	// sends a longer line is violating the protocol.
	MaxLineSize = 64 * 1024
)

var (
	// ErrConnectionClosed indicates the peer closed the stream. It is the
	// only fatal-to-the-connection condition; everything else is reported
	// back to the peer as an ERROR update.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLineTooLong indicates a frame exceeded MaxLineSize.
	ErrLineTooLong = errors.New("frame exceeds maximum line size")
)

// Frame format: one UTF-8 JSON object followed by a single '\n'. The newline
// is the frame delimiter; JSON string escaping guarantees the payload itself
// never contains a raw newline.

// ReadFrame reads one newline-delimited frame from r and returns the payload
// with the delimiter stripped. EOF (clean or mid-line) maps to
// ErrConnectionClosed. The reader's buffer bounds the frame length: size it
// with MaxLineSize so a peer streaming an endless line hits ErrLineTooLong at
// the cap instead of growing server memory.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrConnectionClosed
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, ErrLineTooLong
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	// The slice aliases the reader's buffer and dies on the next read.
	payload := make([]byte, len(line))
	copy(payload, line)
	return bytes.TrimRight(payload, "\r\n"), nil
}

// WriteFrame appends the delimiter to payload and writes the full frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxLineSize {
		return ErrLineTooLong
	}
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, '\n')
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}
