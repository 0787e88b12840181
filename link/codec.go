package link

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Wire format: [4-byte big-endian payload length][JSON payload].
// One frame carries exactly one Message.

// MaxFrameSize bounds a single frame's payload. Larger frames are malformed.
const MaxFrameSize = 1 << 20

const frameHeaderSize = 4

var (
	// ErrFrameTooLarge is returned for frames whose declared length exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("link: frame exceeds maximum size")
	// ErrMalformed is returned for frames whose payload is not a valid message.
	ErrMalformed = errors.New("link: malformed frame")
)

// WriteFrame encodes m and writes it as a single frame.
func WriteFrame(w io.Writer, m *Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame and decodes it.
// io.EOF is returned unwrapped when the stream ends on a frame boundary.
func ReadFrame(r io.Reader) (*Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &m, nil
}
