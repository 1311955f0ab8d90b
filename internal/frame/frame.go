// Package frame implements the fixed 8-byte message header used on both the
// client-facing and the backend-facing side of the balancer.
//
// Layout:
//
//	offset 0:   version (must be 1)
//	offset 1-3: reserved, passed through unchanged
//	offset 4-7: payload length, uint32 little-endian, must be > 0
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of an encoded Frame.
	HeaderSize = 8

	// Version is the only protocol version accepted on the wire.
	Version byte = 1
)

// ErrProtocol is the parent of every header decoding error.
var ErrProtocol = errors.New("protocol error")

// ErrZeroMessageLength is returned when a header announces an empty payload.
var ErrZeroMessageLength = fmt.Errorf("%w: zero message length", ErrProtocol)

// ErrOversizedPayload is the parent of OversizedPayloadError.
var ErrOversizedPayload = errors.New("oversized payload")

// InvalidVersionError reports a header whose version byte is not Version.
type InvalidVersionError struct {
	Got byte
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("%s: invalid version %d (want %d)", ErrProtocol, e.Got, Version)
}

func (e *InvalidVersionError) Unwrap() error { return ErrProtocol }

// OversizedPayloadError reports a frame whose length exceeds the configured maximum.
type OversizedPayloadError struct {
	Length uint32
	Max    int
}

func (e *OversizedPayloadError) Error() string {
	return fmt.Sprintf("%s: length %d exceeds maximum %d", ErrOversizedPayload, e.Length, e.Max)
}

func (e *OversizedPayloadError) Unwrap() error { return ErrOversizedPayload }

// Frame is a decoded message header.
type Frame struct {
	Version  byte
	Reserved [3]byte
	Length   uint32
}

// New returns a version 1 header for a payload of the given length.
func New(length uint32) Frame {
	return Frame{Version: Version, Length: length}
}

// Decode parses an encoded header. The reserved bytes are preserved exactly.
func Decode(b [HeaderSize]byte) (Frame, error) {
	if b[0] != Version {
		return Frame{}, &InvalidVersionError{Got: b[0]}
	}
	f := Frame{
		Version:  b[0],
		Reserved: [3]byte{b[1], b[2], b[3]},
		Length:   binary.LittleEndian.Uint32(b[4:8]),
	}
	if f.Length == 0 {
		return Frame{}, ErrZeroMessageLength
	}
	return f, nil
}

// Encode returns the wire form of f.
func (f Frame) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	b[0] = f.Version
	copy(b[1:4], f.Reserved[:])
	binary.LittleEndian.PutUint32(b[4:8], f.Length)
	return b
}

// PayloadLen returns Length as an int for slicing.
func (f Frame) PayloadLen() int {
	return int(f.Length)
}

// Read reads exactly HeaderSize bytes from r and decodes them. I/O errors are
// returned unwrapped so callers can tell io.EOF apart from a short header.
func Read(r io.Reader) (Frame, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Frame{}, err
	}
	return Decode(b)
}

// CheckLength fails with an OversizedPayloadError when f does not fit in max bytes.
func CheckLength(f Frame, max int) error {
	if uint64(f.Length) > uint64(max) {
		return &OversizedPayloadError{Length: f.Length, Max: max}
	}
	return nil
}

// Kind returns a short label for a header error, or "" if err is not one.
func Kind(err error) string {
	var ive *InvalidVersionError
	switch {
	case errors.As(err, &ive):
		return "invalid_version"
	case errors.Is(err, ErrZeroMessageLength):
		return "zero_length"
	case errors.Is(err, ErrOversizedPayload):
		return "oversized"
	default:
		return ""
	}
}
