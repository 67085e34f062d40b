package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/omochice/phoneremote/internal/backoff"
	"github.com/omochice/phoneremote/pkg/protocol"
)

// failingConn fails every read with a transient error.
type failingConn struct {
	reads atomic.Int32
}

func (c *failingConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.reads.Add(1)
	return 0, nil, errors.New("connection refused")
}

func (c *failingConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	return len(p), nil
}

func TestBroadcaster_ReceiveErrorsBackOff(t *testing.T) {
	b := NewBroadcaster("127.0.0.1:0", protocol.ServiceDescriptor{}, protocol.NewFramer(nil, 0), zaptest.NewLogger(t))
	b.backoff = backoff.Config{InitialDelay: 20 * time.Millisecond, Multiplier: 1}

	conn := &failingConn{}
	ctx, cancel := context.WithCancel(context.Background())
	b.wg.Add(1)
	done := make(chan struct{})
	go func() {
		b.receiveLoop(ctx, conn, nil)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("receive loop did not stop after cancel")
	}

	if n := conn.reads.Load(); n < 2 || n > 10 {
		t.Errorf("reads = %d in 100ms, want between 2 and 10", n)
	}
}
