package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var errWebSocketDisabled = errors.New("transport: websocket carriage is disabled")

// httpMethods are the request prefixes that mark a WebSocket handshake.
// A frame header never matches: its upper bytes are zero for any payload
// under the size cap.
var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
}

// ServerConn is an accepted connection whose carriage is decided by the
// first bytes the peer sends. Detection happens on the first Read so that
// accepting never blocks on a silent peer.
type ServerConn struct {
	raw            net.Conn
	allowWebSocket bool

	resolveMu sync.Mutex
	resolved  bool
	err       error

	mu   sync.Mutex
	conn Conn
}

// NewServerConn wraps an accepted connection.
func NewServerConn(raw net.Conn, allowWebSocket bool) *ServerConn {
	return &ServerConn{raw: raw, allowWebSocket: allowWebSocket}
}

func (sc *ServerConn) resolve() (Conn, error) {
	sc.resolveMu.Lock()
	defer sc.resolveMu.Unlock()
	if !sc.resolved {
		conn, err := detect(sc.raw, sc.allowWebSocket)
		sc.resolved = true
		sc.err = err
		sc.mu.Lock()
		sc.conn = conn
		sc.mu.Unlock()
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn, sc.err
}

func (sc *ServerConn) current() Conn {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn
}

func (sc *ServerConn) Read(buf []byte) (int, error) {
	conn, err := sc.resolve()
	if err != nil {
		return 0, err
	}
	return conn.Read(buf)
}

func (sc *ServerConn) Write(data []byte) (int, error) {
	conn, err := sc.resolve()
	if err != nil {
		return 0, err
	}
	return conn.Write(data)
}

func (sc *ServerConn) Close() error {
	if conn := sc.current(); conn != nil {
		return conn.Close()
	}
	return sc.raw.Close()
}

func (sc *ServerConn) RemoteAddr() net.Addr {
	return sc.raw.RemoteAddr()
}

func (sc *ServerConn) SetReadDeadline(t time.Time) error {
	return sc.raw.SetReadDeadline(t)
}

func (sc *ServerConn) SetWriteDeadline(t time.Time) error {
	return sc.raw.SetWriteDeadline(t)
}

// Kind returns the detected carriage, or KindTCP before detection.
func (sc *ServerConn) Kind() Kind {
	if conn := sc.current(); conn != nil {
		return conn.Kind()
	}
	return KindTCP
}

// detect peeks at the first bytes to choose between a raw frame stream and
// a WebSocket handshake.
func detect(conn net.Conn, allowWebSocket bool) (Conn, error) {
	reader := bufio.NewReader(conn)

	peek, err := reader.Peek(4)
	if err != nil {
		return nil, err
	}

	for _, method := range httpMethods {
		if !bytes.HasPrefix(peek, method) {
			continue
		}
		if !allowWebSocket {
			return nil, fmt.Errorf("%w: peer sent %q", errWebSocketDisabled, peek)
		}
		return UpgradeWebSocket(conn, reader)
	}

	return newTCPConnWithReader(conn, reader), nil
}
