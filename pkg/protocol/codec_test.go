package protocol_test

import (
	"errors"
	"testing"

	"github.com/omochice/phoneremote/pkg/protocol"
)

func TestCodecByName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantName string
		wantErr  bool
	}{
		{name: "empty selects proto", input: "", wantName: protocol.CodecProto},
		{name: "proto", input: "proto", wantName: protocol.CodecProto},
		{name: "protobuf alias", input: "Protobuf", wantName: protocol.CodecProto},
		{name: "cbor", input: " cbor ", wantName: protocol.CodecCBOR},
		{name: "unknown", input: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := protocol.CodecByName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CodecByName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, protocol.ErrUnknownCodec) {
					t.Errorf("CodecByName() error = %v, want ErrUnknownCodec", err)
				}
				return
			}
			if codec.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", codec.Name(), tt.wantName)
			}
		})
	}
}

func TestProtoCodec_RejectsForeignTypes(t *testing.T) {
	codec := protocol.Proto()

	if _, err := codec.Marshal(struct{ X int }{1}); !errors.Is(err, protocol.ErrUnsupportedMessage) {
		t.Errorf("Marshal() error = %v, want ErrUnsupportedMessage", err)
	}
	var target map[string]int
	if err := codec.Unmarshal(nil, &target); !errors.Is(err, protocol.ErrUnsupportedMessage) {
		t.Errorf("Unmarshal() error = %v, want ErrUnsupportedMessage", err)
	}
}

func TestCBORCodec_ServiceDescriptor(t *testing.T) {
	codec, err := protocol.CBOR()
	if err != nil {
		t.Fatalf("CBOR() error = %v", err)
	}
	in := protocol.ServiceDescriptor{Address: []byte{10, 0, 0, 7}, Port: 8765, Name: "desk"}

	data, err := codec.Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out protocol.ServiceDescriptor
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.Endpoint() != "10.0.0.7:8765" || out.Name != "desk" {
		t.Errorf("Unmarshal() = %+v, want %+v", out, in)
	}
}

func TestCBORCodec_InvalidPayload(t *testing.T) {
	codec, err := protocol.CBOR()
	if err != nil {
		t.Fatalf("CBOR() error = %v", err)
	}
	var out protocol.CursorAction
	if err := codec.Unmarshal([]byte{0xFF, 0x00}, &out); !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Errorf("Unmarshal() error = %v, want ErrInvalidPayload", err)
	}
}
