package protocol

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec names accepted by CodecByName.
const (
	CodecProto = "proto"
	CodecCBOR  = "cbor"
)

// Codec turns a message into payload bytes and back. It knows nothing
// about framing.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecProto, "protobuf":
		return Proto(), nil
	case CodecCBOR:
		return CBOR()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

type protoCodec struct{}

// Proto returns the protobuf wire codec. Values must implement Message.
func Proto() Codec { return protoCodec{} }

func (protoCodec) Name() string { return CodecProto }

func (protoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not implement protocol.Message", ErrUnsupportedMessage, v)
	}
	data, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(Message)
	if !ok {
		return fmt.Errorf("%w: %T does not implement protocol.Message", ErrUnsupportedMessage, v)
	}
	if err := msg.Decode(data); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (cborCodec) Name() string { return CodecCBOR }

func (c cborCodec) Marshal(v any) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

func (c cborCodec) Unmarshal(data []byte, v any) error {
	if err := c.dec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}
