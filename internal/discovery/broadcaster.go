// Package discovery lets a client find the server on the local network. The
// server runs a Broadcaster that answers any UDP datagram on the discovery
// port with a framed ServiceDescriptor; the client runs a Prober that
// broadcasts a probe and waits for that reply.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/phoneremote/internal/backoff"
	"github.com/omochice/phoneremote/pkg/protocol"
)

// DefaultPort is the UDP port the broadcaster listens on.
const DefaultPort = 8766

// maxDatagram bounds probe reads; probe content is ignored.
const maxDatagram = 2048

// datagramConn is the part of *net.UDPConn the receive loop uses.
type datagramConn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// Broadcaster answers discovery probes with a fixed descriptor.
type Broadcaster struct {
	address    string
	descriptor protocol.ServiceDescriptor
	framer     *protocol.Framer
	logger     *zap.Logger
	// backoff paces the loop after consecutive socket errors.
	backoff backoff.Config

	mu     sync.Mutex
	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroadcaster creates a broadcaster bound to address (for example
// "0.0.0.0:8766") once started.
func NewBroadcaster(address string, descriptor protocol.ServiceDescriptor, framer *protocol.Framer, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		address:    address,
		descriptor: descriptor,
		framer:     framer,
		logger:     logger.Named("discovery.broadcaster"),
		backoff:    backoff.Default(),
	}
}

// Start binds the discovery socket and spawns the receive loop. Calling
// Start on a running broadcaster does nothing.
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return nil
	}

	reply, err := b.framer.Serialize(&b.descriptor)
	if err != nil {
		return fmt.Errorf("failed to serialize descriptor: %w", err)
	}

	lc := net.ListenConfig{Control: controlBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", b.address)
	if err != nil {
		return fmt.Errorf("failed to bind discovery socket %s: %w", b.address, err)
	}
	conn := pc.(*net.UDPConn)

	ctx, cancel := context.WithCancel(context.Background())
	b.conn = conn
	b.cancel = cancel

	b.wg.Add(1)
	go b.receiveLoop(ctx, conn, reply)

	b.logger.Info("discovery listening",
		zap.Stringer("addr", conn.LocalAddr()),
		zap.Stringer("descriptor", b.descriptor))
	return nil
}

// Stop ends the receive loop and closes the socket. A stopped broadcaster
// may be started again.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	conn, cancel := b.conn, b.cancel
	b.conn, b.cancel = nil, nil
	b.mu.Unlock()

	if conn == nil {
		return
	}
	cancel()
	// closing unblocks the pending ReadFromUDP
	conn.Close()
	b.wg.Wait()
	b.logger.Info("discovery stopped")
}

// Addr returns the bound address, or nil when not listening.
func (b *Broadcaster) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

func (b *Broadcaster) receiveLoop(ctx context.Context, conn datagramConn, reply []byte) {
	defer b.wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	failures := 0
	fail := func(msg string, fields ...zap.Field) bool {
		failures++
		delay := backoff.NextDelay(b.backoff, failures, rng)
		b.logger.Error(msg, append(fields, zap.Int("failures", failures), zap.Duration("retry_in", delay))...)
		return backoff.Sleep(ctx, delay) == nil
	}

	buf := make([]byte, maxDatagram)
	for {
		_, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if !fail("discovery receive failed", zap.Error(err)) {
				return
			}
			continue
		}

		if _, err := conn.WriteTo(reply, from); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if !fail("discovery reply failed", zap.Stringer("to", from), zap.Error(err)) {
				return
			}
			continue
		}
		failures = 0
		b.logger.Debug("answered probe", zap.Stringer("from", from))
	}
}
