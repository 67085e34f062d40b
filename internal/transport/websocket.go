package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WebSocketConn carries frames inside WebSocket binary messages. A frame may
// span several messages and a message may hold several frames; readers see
// one continuous stream.
type WebSocketConn struct {
	conn   net.Conn
	reader io.Reader
	state  ws.State

	readMu        sync.Mutex
	readBuffer    []byte
	readBufferPos int

	writeMu sync.Mutex
}

func newWebSocketConn(conn net.Conn, reader io.Reader, state ws.State) *WebSocketConn {
	if reader == nil {
		reader = conn
	}
	return &WebSocketConn{conn: conn, reader: reader, state: state}
}

// UpgradeWebSocket performs the server side of the opening handshake on a
// connection whose request bytes are buffered in br.
func UpgradeWebSocket(conn net.Conn, br *bufio.Reader) (*WebSocketConn, error) {
	rw := struct {
		io.Reader
		io.Writer
	}{br, conn}
	if _, err := ws.Upgrade(rw); err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return newWebSocketConn(conn, br, ws.StateServerSide), nil
}

func dialWebSocket(ctx context.Context, endpoint string, timeout time.Duration,
	netDial func(ctx context.Context, network, addr string) (net.Conn, error)) (*WebSocketConn, error) {
	dialer := ws.Dialer{
		Timeout: timeout,
		NetDial: netDial,
	}
	conn, br, _, err := dialer.Dial(ctx, "ws://"+endpoint+"/")
	if err != nil {
		return nil, err
	}
	var reader io.Reader = conn
	if br != nil {
		reader = br
	}
	return newWebSocketConn(conn, reader, ws.StateClientSide), nil
}

func (wc *WebSocketConn) Read(buf []byte) (int, error) {
	wc.readMu.Lock()
	defer wc.readMu.Unlock()

	for wc.readBufferPos >= len(wc.readBuffer) {
		data, _, err := wsutil.ReadData(wsStream{wc}, wc.state)
		if err != nil {
			return 0, err
		}
		// empty messages carry no frame bytes
		wc.readBuffer = data
		wc.readBufferPos = 0
	}

	n := copy(buf, wc.readBuffer[wc.readBufferPos:])
	wc.readBufferPos += n
	if wc.readBufferPos >= len(wc.readBuffer) {
		wc.readBuffer = nil
		wc.readBufferPos = 0
	}
	return n, nil
}

func (wc *WebSocketConn) Write(data []byte) (int, error) {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	if err := wsutil.WriteMessage(wc.conn, wc.state, ws.OpBinary, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// closeFrameTimeout bounds the close frame write on a stalled peer.
const closeFrameTimeout = 100 * time.Millisecond

func (wc *WebSocketConn) Close() error {
	// an expired deadline releases a Write blocked on a stalled peer
	_ = wc.conn.SetWriteDeadline(time.Unix(1, 0))
	wc.writeMu.Lock()
	_ = wc.conn.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = wsutil.WriteMessage(wc.conn, wc.state, ws.OpClose, body)
	wc.writeMu.Unlock()
	return wc.conn.Close()
}

func (wc *WebSocketConn) RemoteAddr() net.Addr {
	return wc.conn.RemoteAddr()
}

func (wc *WebSocketConn) SetReadDeadline(t time.Time) error {
	return wc.conn.SetReadDeadline(t)
}

func (wc *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return wc.conn.SetWriteDeadline(t)
}

func (wc *WebSocketConn) Kind() Kind { return KindWebSocket }

// wsStream lets control frame replies issued while reading share the write
// lock with data messages.
type wsStream struct {
	wc *WebSocketConn
}

func (s wsStream) Read(p []byte) (int, error) {
	return s.wc.reader.Read(p)
}

func (s wsStream) Write(p []byte) (int, error) {
	s.wc.writeMu.Lock()
	defer s.wc.writeMu.Unlock()
	return s.wc.conn.Write(p)
}
