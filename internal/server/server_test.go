package server_test

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/omochice/phoneremote/internal/backoff"
	"github.com/omochice/phoneremote/internal/server"
	"github.com/omochice/phoneremote/internal/transport"
	"github.com/omochice/phoneremote/pkg/protocol"
)

var framer = protocol.NewFramer(protocol.Proto(), 0)

func newTestServer(t *testing.T) *server.Server[protocol.CursorAction] {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Backoff = backoff.Config{InitialDelay: 10 * time.Millisecond, Multiplier: 1}
	srv := server.New[protocol.CursorAction](cfg, framer, zaptest.NewLogger(t))
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialPeer(t *testing.T, srv *server.Server[protocol.CursorAction]) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendAction(t *testing.T, w net.Conn, dx int32) {
	t.Helper()
	frame, err := framer.Serialize(&protocol.CursorAction{ActionFlags: protocol.ActionMove, DX: dx})
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	if _, err := w.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectDX(t *testing.T, msgs <-chan protocol.CursorAction, want int32) {
	t.Helper()
	select {
	case got, ok := <-msgs:
		if !ok {
			t.Fatalf("channel closed, want DX=%d", want)
		}
		if got.DX != want {
			t.Fatalf("DX = %d, want %d", got.DX, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for DX=%d", want)
	}
}

func expectNothing(t *testing.T, msgs <-chan protocol.CursorAction) {
	t.Helper()
	select {
	case got := <-msgs:
		t.Fatalf("unexpected message %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServer_ListenIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.Addr().String()
	if err := srv.Listen(); err != nil {
		t.Fatalf("second Listen() error = %v", err)
	}
	if srv.Addr().String() != addr {
		t.Errorf("Addr() = %s after second Listen, want %s", srv.Addr(), addr)
	}
}

func TestServer_Messages(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs := srv.Messages(ctx)

	peer := dialPeer(t, srv)
	for i := int32(1); i <= 3; i++ {
		sendAction(t, peer, i)
	}
	for i := int32(1); i <= 3; i++ {
		expectDX(t, msgs, i)
	}
}

func TestServer_SinglePeer(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs := srv.Messages(ctx)

	first := dialPeer(t, srv)
	sendAction(t, first, 1)
	expectDX(t, msgs, 1)

	// the second peer waits in the accept queue
	second := dialPeer(t, srv)
	sendAction(t, second, 100)
	sendAction(t, first, 2)
	expectDX(t, msgs, 2)
	expectNothing(t, msgs)

	first.Close()
	expectDX(t, msgs, 100)
}

func TestServer_ReacceptsAfterOversizedFrame(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs := srv.Messages(ctx)

	bad := dialPeer(t, srv)
	var header [protocol.HeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], protocol.DefaultMaxPayload+1)
	if _, err := bad.Write(header[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	// the server must close the desynchronized peer
	bad.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := bad.Read(make([]byte, 1)); err == nil {
		t.Fatal("oversized frame did not close the peer")
	}

	good := dialPeer(t, srv)
	sendAction(t, good, 7)
	expectDX(t, msgs, 7)
}

func TestServer_WebSocketPeer(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs := srv.Messages(ctx)

	conn, err := transport.Dial(ctx, srv.Addr().String(), transport.DialOptions{
		Kind:    transport.KindWebSocket,
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	frame, err := framer.Serialize(&protocol.CursorAction{ActionFlags: protocol.ActionWheel, ActionData: 120})
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case got := <-msgs:
		if got.ActionFlags != protocol.ActionWheel || got.ActionData != 120 {
			t.Errorf("received %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for websocket frame")
	}
}

func TestServer_WaitForConnectionCancelled(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := srv.WaitForConnection(ctx)
	if !errors.Is(err, transport.ErrCancelled) {
		t.Fatalf("WaitForConnection() error = %v, want ErrCancelled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("WaitForConnection() returned after %v, want prompt return", elapsed)
	}
}

func TestServer_MessagesClosesOnCancel(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	msgs := srv.Messages(ctx)

	// park the reader on a silent peer
	dialPeer(t, srv)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatal("received a message from a silent peer")
		}
	case <-time.After(time.Second):
		t.Fatal("Messages() channel did not close after cancel")
	}
}

func TestServer_Close(t *testing.T) {
	srv := newTestServer(t)
	msgs := srv.Messages(context.Background())

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatal("unexpected message after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Messages() channel did not close after Close")
	}
	if err := srv.WaitForConnection(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("WaitForConnection() after Close = %v, want ErrClosed", err)
	}
}
