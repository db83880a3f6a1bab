// Package transport implements the engine's wire protocol: a length
// prefixed framing layer carrying binary-encoded Commands and Replies,
// plus the file-envelope and control-token grammar used during
// replication sync. None of this rides on gRPC or protobuf — every
// node speaks the same small, hand-rolled binary/textual protocol so a
// client never needs more than a TCP socket.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single framed message to guard against a
// corrupt or malicious length prefix driving an unbounded allocation.
const MaxMessageSize = 256 << 20 // 256 MiB, comfortably above one full chunk file

var ErrMessageTooLarge = errors.New("transport: message exceeds MaxMessageSize")

// WriteMessage frames payload with an 8-byte little-endian length
// prefix and writes it to w.
func WriteMessage(w io.Writer, payload []byte) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed message from r.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("transport: read payload: %w", err)
	}
	return payload, nil
}
