// Package transport carries the framed byte stream between the phone and the
// desktop, either over a raw TCP connection or inside WebSocket binary
// messages on the same port.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Kind identifies how the frame stream is carried.
type Kind int

const (
	KindTCP Kind = iota
	KindWebSocket
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// ParseKind parses a transport name as used in configuration.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return KindTCP, nil
	case "ws", "websocket":
		return KindWebSocket, nil
	default:
		return KindTCP, fmt.Errorf("transport: unknown kind %q", s)
	}
}

// Conn is a connected byte stream. Reads and writes carry raw frame bytes;
// message boundaries of the underlying carriage are not visible.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Kind() Kind
}

// TCPConn carries frames directly on a TCP stream.
type TCPConn struct {
	conn   net.Conn
	reader io.Reader
}

// NewTCPConn wraps a net.Conn.
func NewTCPConn(conn net.Conn) *TCPConn {
	return &TCPConn{conn: conn, reader: conn}
}

// newTCPConnWithReader wraps a connection whose first bytes have already
// been buffered by reader during protocol detection.
func newTCPConnWithReader(conn net.Conn, reader *bufio.Reader) *TCPConn {
	return &TCPConn{conn: conn, reader: reader}
}

func (tc *TCPConn) Read(buf []byte) (int, error) {
	return tc.reader.Read(buf)
}

func (tc *TCPConn) Write(data []byte) (int, error) {
	return tc.conn.Write(data)
}

func (tc *TCPConn) Close() error {
	return tc.conn.Close()
}

func (tc *TCPConn) RemoteAddr() net.Addr {
	return tc.conn.RemoteAddr()
}

func (tc *TCPConn) SetReadDeadline(t time.Time) error {
	return tc.conn.SetReadDeadline(t)
}

func (tc *TCPConn) SetWriteDeadline(t time.Time) error {
	return tc.conn.SetWriteDeadline(t)
}

func (tc *TCPConn) Kind() Kind { return KindTCP }

// KeepAlive configures OS-level TCP keep-alive probing.
type KeepAlive struct {
	Enable   bool
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

// DefaultKeepAlive probes after 5s of idleness and every 5s after that.
func DefaultKeepAlive() KeepAlive {
	return KeepAlive{
		Enable:   true,
		Idle:     5 * time.Second,
		Interval: 5 * time.Second,
		Count:    3,
	}
}

// Config converts to the net package representation. A disabled
// keep-alive maps to negative durations, which net treats as "off".
func (k KeepAlive) Config() net.KeepAliveConfig {
	if !k.Enable {
		return net.KeepAliveConfig{Enable: false, Idle: -1, Interval: -1, Count: -1}
	}
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     k.Idle,
		Interval: k.Interval,
		Count:    k.Count,
	}
}

// Tune disables Nagle's algorithm and applies keep-alive on a TCP
// connection. Other connection types are left untouched.
func Tune(conn net.Conn, ka KeepAlive) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return fmt.Errorf("set nodelay: %w", err)
	}
	if err := tc.SetKeepAliveConfig(ka.Config()); err != nil {
		return fmt.Errorf("set keepalive: %w", err)
	}
	return nil
}

// DialOptions controls Dial.
type DialOptions struct {
	Kind      Kind
	Timeout   time.Duration
	KeepAlive KeepAlive
}

// Dial connects to endpoint (host:port) using the requested carriage. The
// dial observes ctx, so cancellation interrupts a pending connect.
func Dial(ctx context.Context, endpoint string, opts DialOptions) (Conn, error) {
	dialer := &net.Dialer{
		Timeout:         opts.Timeout,
		KeepAliveConfig: opts.KeepAlive.Config(),
	}
	netDial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := Tune(conn, opts.KeepAlive); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}

	switch opts.Kind {
	case KindWebSocket:
		conn, err := dialWebSocket(ctx, endpoint, opts.Timeout, netDial)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		conn, err := netDial(ctx, "tcp", endpoint)
		if err != nil {
			return nil, err
		}
		return NewTCPConn(conn), nil
	}
}
