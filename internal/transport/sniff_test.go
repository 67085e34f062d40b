package transport_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/omochice/phoneremote/internal/transport"
	"github.com/omochice/phoneremote/pkg/protocol"
)

func TestServerConn_RawFrames(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	framer := protocol.NewFramer(protocol.Proto(), 0)
	frame, err := framer.Serialize(&protocol.CursorAction{ActionFlags: protocol.ActionLeftDown})
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	go client.Write(frame)

	sc := transport.NewServerConn(server, true)
	if sc.Kind() != transport.KindTCP {
		t.Errorf("Kind() before detection = %v, want tcp", sc.Kind())
	}

	var action protocol.CursorAction
	if err := framer.ReadFrom(sc, &action); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if action.ActionFlags != protocol.ActionLeftDown {
		t.Errorf("ActionFlags = %#x, want %#x", action.ActionFlags, protocol.ActionLeftDown)
	}
	if sc.Kind() != transport.KindTCP {
		t.Errorf("Kind() = %v, want tcp", sc.Kind())
	}
}

func TestServerConn_WebSocketDisabled(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))

	sc := transport.NewServerConn(server, false)
	if _, err := sc.Read(make([]byte, 8)); err == nil {
		t.Fatal("Read() succeeded on a handshake with websocket disabled")
	}
}

func TestServerConn_PeerClosesBeforeSending(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	client.Close()

	framer := protocol.NewFramer(protocol.Proto(), 0)
	var pos protocol.CursorPosition
	err := framer.ReadFrom(transport.NewServerConn(server, true), &pos)
	if !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Errorf("ReadFrom() error = %v, want ErrConnectionClosed", err)
	}
}

func TestServerConn_WebSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	framer := protocol.NewFramer(protocol.Proto(), 0)
	type result struct {
		pos  protocol.CursorPosition
		kind transport.Kind
		err  error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			done <- result{err: err}
			return
		}
		sc := transport.NewServerConn(raw, true)
		defer sc.Close()
		var pos protocol.CursorPosition
		err = framer.ReadFrom(sc, &pos)
		done <- result{pos: pos, kind: sc.Kind(), err: err}
	}()

	conn, err := transport.Dial(context.Background(), ln.Addr().String(), transport.DialOptions{
		Kind:    transport.KindWebSocket,
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if conn.Kind() != transport.KindWebSocket {
		t.Errorf("client Kind() = %v, want websocket", conn.Kind())
	}

	frame, err := framer.Serialize(&protocol.CursorPosition{DX: 10, DY: 20})
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	// split across two messages; the reader must reassemble them
	if _, err := conn.Write(frame[:3]); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := conn.Write(frame[3:]); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("server ReadFrom() error = %v", res.err)
		}
		if res.pos.DX != 10 || res.pos.DY != 20 {
			t.Errorf("received %+v, want {10 20}", res.pos)
		}
		if res.kind != transport.KindWebSocket {
			t.Errorf("server Kind() = %v, want websocket", res.kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for websocket frame")
	}
}
