// Package protocol defines the messages exchanged between the phone and the
// desktop, the payload codecs that serialize them, and the length-prefixed
// framing used on both the discovery and session paths.
package protocol

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every type that can travel inside a frame.
// The protobuf codec relies on it; other codecs use struct tags instead.
type Message interface {
	Encode() ([]byte, error)
	Decode(data []byte) error
}

// Action flags carried by CursorAction. The values match the host mouse
// event flags so a sink can pass them through unchanged.
const (
	ActionMove       uint32 = 0x0001
	ActionLeftDown   uint32 = 0x0002
	ActionLeftUp     uint32 = 0x0004
	ActionRightDown  uint32 = 0x0008
	ActionRightUp    uint32 = 0x0010
	ActionMiddleDown uint32 = 0x0020
	ActionMiddleUp   uint32 = 0x0040
	ActionWheel      uint32 = 0x0800
)

// ServiceDescriptor tells a client where the server's session endpoint is.
type ServiceDescriptor struct {
	Address net.IP `cbor:"1,keyasint,omitempty"`
	Port    uint16 `cbor:"2,keyasint,omitempty"`
	Name    string `cbor:"3,keyasint,omitempty"`
}

// NewServiceDescriptor builds a descriptor for addr:port. IPv4 addresses are
// stored in their 4-byte form.
func NewServiceDescriptor(addr netip.Addr, port uint16, name string) ServiceDescriptor {
	return ServiceDescriptor{
		Address: net.IP(addr.Unmap().AsSlice()),
		Port:    port,
		Name:    name,
	}
}

// Addr returns the advertised address, or the zero Addr when the raw bytes
// are not a valid IPv4 or IPv6 address.
func (d ServiceDescriptor) Addr() netip.Addr {
	addr, ok := netip.AddrFromSlice(d.Address)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// Endpoint returns the host:port string to dial.
func (d ServiceDescriptor) Endpoint() string {
	return net.JoinHostPort(d.Addr().String(), strconv.Itoa(int(d.Port)))
}

// Validate reports whether the descriptor can be dialed.
func (d ServiceDescriptor) Validate() error {
	if !d.Addr().IsValid() {
		return fmt.Errorf("%w: descriptor address has %d bytes", ErrInvalidPayload, len(d.Address))
	}
	if d.Port == 0 {
		return fmt.Errorf("%w: descriptor port is zero", ErrInvalidPayload)
	}
	return nil
}

// String implements fmt.Stringer.
func (d ServiceDescriptor) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.Endpoint())
}

// Encode encodes the descriptor using the protobuf wire format.
func (d *ServiceDescriptor) Encode() ([]byte, error) {
	var b []byte
	if len(d.Address) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Address)
	}
	if d.Port != 0 {
		b = appendInt32(b, 2, int32(d.Port))
	}
	if d.Name != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, d.Name)
	}
	return b, nil
}

// Decode decodes protobuf wire bytes into the descriptor.
func (d *ServiceDescriptor) Decode(data []byte) error {
	*d = ServiceDescriptor{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				d.Address = append(net.IP(nil), v...)
			}
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				if v > 0xFFFF {
					return n, fmt.Errorf("%w: port %d out of range", ErrInvalidPayload, int64(v))
				}
				d.Port = uint16(v)
			}
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				d.Name = v
			}
			return n, nil
		}
		return 0, nil
	})
}

// CursorPosition is a relative pointer movement.
type CursorPosition struct {
	DX int32 `cbor:"1,keyasint,omitempty"`
	DY int32 `cbor:"2,keyasint,omitempty"`
}

// Encode encodes the position using the protobuf wire format.
func (p *CursorPosition) Encode() ([]byte, error) {
	var b []byte
	b = appendInt32(b, 1, p.DX)
	b = appendInt32(b, 2, p.DY)
	return b, nil
}

// Decode decodes protobuf wire bytes into the position.
func (p *CursorPosition) Decode(data []byte) error {
	*p = CursorPosition{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return 0, nil
		}
		switch num {
		case 1:
			return consumeInt32(b, &p.DX), nil
		case 2:
			return consumeInt32(b, &p.DY), nil
		}
		return 0, nil
	})
}

// CursorAction is a pointer event: a movement, a button transition, or a
// wheel step, described by ActionFlags.
type CursorAction struct {
	ActionFlags uint32 `cbor:"1,keyasint,omitempty"`
	DX          int32  `cbor:"2,keyasint,omitempty"`
	DY          int32  `cbor:"3,keyasint,omitempty"`
	ActionData  int32  `cbor:"4,keyasint,omitempty"`
	ExtraInfo   int32  `cbor:"5,keyasint,omitempty"`
}

// IsMove reports whether the action is a plain relative movement.
func (a CursorAction) IsMove() bool {
	return a.ActionFlags == ActionMove
}

// Encode encodes the action using the protobuf wire format.
func (a *CursorAction) Encode() ([]byte, error) {
	var b []byte
	if a.ActionFlags != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.ActionFlags))
	}
	b = appendInt32(b, 2, a.DX)
	b = appendInt32(b, 3, a.DY)
	b = appendInt32(b, 4, a.ActionData)
	b = appendInt32(b, 5, a.ExtraInfo)
	return b, nil
}

// Decode decodes protobuf wire bytes into the action.
func (a *CursorAction) Decode(data []byte) error {
	*a = CursorAction{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return 0, nil
		}
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				a.ActionFlags = uint32(v)
			}
			return n, nil
		case 2:
			return consumeInt32(b, &a.DX), nil
		case 3:
			return consumeInt32(b, &a.DY), nil
		case 4:
			return consumeInt32(b, &a.ActionData), nil
		case 5:
			return consumeInt32(b, &a.ExtraInfo), nil
		}
		return 0, nil
	})
}

// appendInt32 appends a proto3 int32 field, omitting the zero value.
// Negative values are sign-extended to ten bytes as protobuf requires.
func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func consumeInt32(b []byte, dst *int32) int {
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = int32(v)
	}
	return n
}

// walkFields iterates over the fields in data. fn returns the number of
// bytes it consumed for the field value; zero means the field is unknown
// and is skipped.
func walkFields(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, protowire.ParseError(n))
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrInvalidPayload, num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}
