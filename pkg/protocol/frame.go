package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length of the frame header: a little-endian uint32
	// holding the payload length.
	HeaderSize = 4
	// DefaultMaxPayload bounds the payload a peer may announce.
	DefaultMaxPayload = 10000
)

var (
	ErrConnectionClosed   = errors.New("protocol: connection closed")
	ErrFrameTooLarge      = errors.New("protocol: frame too large")
	ErrShortFrame         = errors.New("protocol: short frame")
	ErrInvalidPayload     = errors.New("protocol: invalid payload")
	ErrUnsupportedMessage = errors.New("protocol: unsupported message")
	ErrUnknownCodec       = errors.New("protocol: unknown codec")
)

// Framer serializes messages into length-prefixed frames and reads them
// back. It holds no connection state and is safe for concurrent use.
type Framer struct {
	codec      Codec
	maxPayload int
}

// NewFramer returns a Framer using codec for payloads. A non-positive
// maxPayload selects DefaultMaxPayload.
func NewFramer(codec Codec, maxPayload int) *Framer {
	if codec == nil {
		codec = Proto()
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Framer{codec: codec, maxPayload: maxPayload}
}

// Codec returns the payload codec.
func (f *Framer) Codec() Codec { return f.codec }

// MaxPayload returns the payload cap enforced on both directions.
func (f *Framer) MaxPayload() int { return f.maxPayload }

// Serialize returns v as a complete frame: header followed by payload.
func (f *Framer) Serialize(v any) ([]byte, error) {
	payload, err := f.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(payload) > f.maxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrFrameTooLarge, len(payload), f.maxPayload)
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// ReadFrom blocks until one complete frame has been read from r and decodes
// its payload into v. A stream that ends or fails mid-frame yields
// ErrConnectionClosed; an oversized header yields ErrFrameTooLarge without
// reading the payload. Both leave the stream unusable.
func (f *Framer) ReadFrom(r io.Reader, v any) error {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("%w: reading header: %w", ErrConnectionClosed, err)
	}

	n, err := f.payloadLen(header[:])
	if err != nil {
		return err
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("%w: reading %d byte payload: %w", ErrConnectionClosed, n, err)
	}
	return f.codec.Unmarshal(payload, v)
}

// DecodeBuffer decodes a frame that has already been received in full,
// such as a discovery datagram. Trailing bytes after the frame are ignored.
func (f *Framer) DecodeBuffer(buf []byte, v any) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: %d bytes, need %d for header", ErrShortFrame, len(buf), HeaderSize)
	}
	n, err := f.payloadLen(buf[:HeaderSize])
	if err != nil {
		return err
	}
	if len(buf)-HeaderSize < n {
		return fmt.Errorf("%w: header announces %d bytes, got %d", ErrShortFrame, n, len(buf)-HeaderSize)
	}
	return f.codec.Unmarshal(buf[HeaderSize:HeaderSize+n], v)
}

func (f *Framer) payloadLen(header []byte) (int, error) {
	n := binary.LittleEndian.Uint32(header)
	if uint64(n) > uint64(f.maxPayload) {
		return 0, fmt.Errorf("%w: header announces %d bytes, max %d", ErrFrameTooLarge, n, f.maxPayload)
	}
	return int(n), nil
}
