// Package frame implements the length-delimited framing shared by the
// ingress and control-plane TCP channels: a 4-byte big-endian length
// prefix followed by a UTF-8 JSON body.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLength bounds a single frame's JSON body, guarding against a
// malformed or hostile length prefix forcing an unbounded allocation.
const MaxFrameLength = 8 << 20 // 8 MiB

// ErrFrameTooLarge is returned when a frame's declared length exceeds
// MaxFrameLength.
var ErrFrameTooLarge = errors.New("frame: declared length exceeds MaxFrameLength")

// Write encodes v as JSON and writes it as one length-prefixed frame.
func Write(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("frame: marshal: %w", err)
	}
	if len(body) > MaxFrameLength {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("frame: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("frame: write body: %w", err)
	}
	return nil
}

// ReadRaw reads one length-prefixed frame and returns its raw JSON body.
// Returns io.EOF when the peer closed the connection cleanly before any
// bytes of a new frame arrived.
func ReadRaw(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("frame: truncated header: %w", err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("frame: truncated body: %w", err)
	}
	return body, nil
}

// Read reads one length-prefixed frame and unmarshals its JSON body into v.
func Read(r io.Reader, v any) error {
	body, err := ReadRaw(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("frame: unmarshal: %w", err)
	}
	return nil
}
