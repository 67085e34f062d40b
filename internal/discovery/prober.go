package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/phoneremote/internal/backoff"
	"github.com/omochice/phoneremote/internal/transport"
	"github.com/omochice/phoneremote/pkg/protocol"
)

// ProberConfig controls where and how long the prober asks.
type ProberConfig struct {
	Port             int
	BroadcastAddress string
	ReplyTimeout     time.Duration
	// Probe is sent as the datagram body. The broadcaster ignores it.
	Probe   []byte
	Backoff backoff.Config
}

// DefaultProberConfig probes 255.255.255.255:8766 and waits 5s per attempt.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Port:             DefaultPort,
		BroadcastAddress: net.IPv4bcast.String(),
		ReplyTimeout:     5 * time.Second,
		Backoff:          backoff.Default(),
	}
}

// Prober locates a server by broadcasting probes until one is answered.
type Prober struct {
	cfg    ProberConfig
	framer *protocol.Framer
	logger *zap.Logger
}

// NewProber creates a prober. Zero fields in cfg take their defaults.
func NewProber(cfg ProberConfig, framer *protocol.Framer, logger *zap.Logger) *Prober {
	def := DefaultProberConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.BroadcastAddress == "" {
		cfg.BroadcastAddress = def.BroadcastAddress
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = def.ReplyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		cfg:    cfg,
		framer: framer,
		logger: logger.Named("discovery.prober"),
	}
}

// Discover probes until a server answers or ctx ends. A missed reply window
// is retried at once; socket failures are retried with backoff. The only
// error returned is a cancellation.
func (p *Prober) Discover(ctx context.Context) (protocol.ServiceDescriptor, error) {
	target := net.JoinHostPort(p.cfg.BroadcastAddress, strconv.Itoa(p.cfg.Port))
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	failures := 0
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return protocol.ServiceDescriptor{}, transport.Cancelled(ctx)
		}

		desc, err := p.probe(ctx, target)
		switch {
		case err == nil:
			p.logger.Info("server discovered",
				zap.Stringer("descriptor", desc),
				zap.Int("attempt", attempt))
			return desc, nil
		case ctx.Err() != nil:
			return protocol.ServiceDescriptor{}, transport.Cancelled(ctx)
		case errors.Is(err, transport.ErrDiscoveryTimeout):
			failures = 0
			p.logger.Warn("no discovery reply, probing again",
				zap.String("target", target),
				zap.Int("attempt", attempt))
		default:
			failures++
			delay := backoff.NextDelay(p.cfg.Backoff, failures, rng)
			p.logger.Warn("discovery probe failed",
				zap.String("target", target),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			if err := backoff.Sleep(ctx, delay); err != nil {
				return protocol.ServiceDescriptor{}, transport.Cancelled(ctx)
			}
		}
	}
}

// probe runs one attempt on a fresh socket.
func (p *Prober) probe(ctx context.Context, target string) (protocol.ServiceDescriptor, error) {
	addr, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return protocol.ServiceDescriptor{}, fmt.Errorf("resolve %s: %w", target, err)
	}

	lc := net.ListenConfig{Control: controlBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return protocol.ServiceDescriptor{}, fmt.Errorf("open probe socket: %w", err)
	}
	conn := pc.(*net.UDPConn)
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(p.cfg.ReplyTimeout)); err != nil {
		return protocol.ServiceDescriptor{}, err
	}
	// an expired deadline wakes the blocked read when ctx ends
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.WriteToUDP(p.cfg.Probe, addr); err != nil {
		return protocol.ServiceDescriptor{}, fmt.Errorf("send probe: %w", err)
	}

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return protocol.ServiceDescriptor{}, fmt.Errorf("%w: %w", transport.ErrDiscoveryTimeout, err)
			}
			return protocol.ServiceDescriptor{}, fmt.Errorf("receive reply: %w", err)
		}

		var desc protocol.ServiceDescriptor
		if err := p.framer.DecodeBuffer(buf[:n], &desc); err != nil {
			p.logger.Error("discarding malformed reply", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		if err := desc.Validate(); err != nil {
			p.logger.Error("discarding unusable reply", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		return desc, nil
	}
}
