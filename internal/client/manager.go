// Package client implements the phone side of the session: it finds the
// server, keeps one TCP (or WebSocket) connection to it alive, and writes
// framed messages.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/omochice/phoneremote/internal/backoff"
	"github.com/omochice/phoneremote/internal/transport"
	"github.com/omochice/phoneremote/pkg/protocol"
)

const connectKey = "connect"

// Config controls dialing and repair behaviour.
type Config struct {
	// SelfHeal makes the manager redial on its own after a send failure or
	// when asked to send while disconnected.
	SelfHeal     bool
	Transport    transport.Kind
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxDialAttempts bounds one establishment; zero retries until cancelled.
	MaxDialAttempts int
	KeepAlive       transport.KeepAlive
	Backoff         backoff.Config
}

// DefaultConfig returns the configuration used by the client command.
func DefaultConfig() Config {
	return Config{
		SelfHeal:     true,
		Transport:    transport.KindTCP,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		KeepAlive:    transport.DefaultKeepAlive(),
		Backoff:      backoff.Default(),
	}
}

// Discoverer locates a server.
type Discoverer interface {
	Discover(ctx context.Context) (protocol.ServiceDescriptor, error)
}

// DialFunc opens a transport connection to endpoint.
type DialFunc func(ctx context.Context, endpoint string) (transport.Conn, error)

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the transport dialer.
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// Manager owns the client's single connection to the server.
type Manager struct {
	cfg        Config
	framer     *protocol.Framer
	discoverer Discoverer
	logger     *zap.Logger
	dial       DialFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	repair chan struct{}

	group singleflight.Group

	mu     sync.Mutex
	conn   transport.Conn
	connID string
	state  State
	remote string
	closed bool

	// sendMu keeps frames whole on the wire.
	sendMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]func(ConnectionChange)
	nextSub int
}

// New creates a manager and starts its repair loop. Close releases it.
func New(cfg Config, framer *protocol.Framer, discoverer Discoverer, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		framer:     framer,
		discoverer: discoverer,
		logger:     logger.Named("client"),
		ctx:        ctx,
		cancel:     cancel,
		repair:     make(chan struct{}, 1),
		subs:       make(map[int]func(ConnectionChange)),
	}
	m.dial = m.dialTransport
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.repairLoop()
	return m
}

func (m *Manager) dialTransport(ctx context.Context, endpoint string) (transport.Conn, error) {
	return transport.Dial(ctx, endpoint, transport.DialOptions{
		Kind:      m.cfg.Transport,
		Timeout:   m.cfg.DialTimeout,
		KeepAlive: m.cfg.KeepAlive,
	})
}

// DiscoverServer blocks until a server answers discovery or ctx ends.
func (m *Manager) DiscoverServer(ctx context.Context) (protocol.ServiceDescriptor, error) {
	if m.discoverer == nil {
		return protocol.ServiceDescriptor{}, errors.New("client: no discoverer configured")
	}
	return m.discoverer.Discover(ctx)
}

// Connect establishes a connection to endpoint, retrying failed dials. A
// call made while an establishment is running joins it instead of dialing
// again; the running establishment switches to the newest endpoint on its
// next attempt. Connect on a connected manager does nothing.
func (m *Manager) Connect(ctx context.Context, endpoint string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return transport.ErrClosed
	}
	if m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	m.remote = endpoint
	m.mu.Unlock()

	return m.establish(ctx)
}

// establish runs or joins the single establishment. The running dial loop
// stops when the caller that started it gives up or the manager closes;
// a joining caller may stop waiting on its own ctx.
func (m *Manager) establish(ctx context.Context) error {
	ch := m.group.DoChan(connectKey, func() (any, error) {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, transport.ErrClosed
		}
		// an establishment that finished before this one was scheduled
		// already holds the connection
		if m.state == Connected {
			m.mu.Unlock()
			return nil, nil
		}
		m.wg.Add(1)
		m.mu.Unlock()
		defer m.wg.Done()

		ectx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		stop := context.AfterFunc(m.ctx, func() { cancel(transport.ErrClosed) })
		defer stop()

		return nil, m.runEstablish(ectx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return transport.Cancelled(ctx)
	}
}

func (m *Manager) runEstablish(ctx context.Context) error {
	m.mu.Lock()
	m.state = Connecting
	remote := m.remote
	m.mu.Unlock()
	m.publish(ConnectionChange{State: Connecting, Remote: remote})

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return m.abandon(transport.Cancelled(ctx))
		}

		m.mu.Lock()
		endpoint := m.remote
		m.mu.Unlock()

		conn, err := m.dial(ctx, endpoint)
		if err == nil {
			return m.adopt(conn, endpoint)
		}
		if ctx.Err() != nil {
			return m.abandon(transport.Cancelled(ctx))
		}

		dialErr := fmt.Errorf("%w: %s: %w", transport.ErrDialFailure, endpoint, err)
		if m.cfg.MaxDialAttempts > 0 && attempt >= m.cfg.MaxDialAttempts {
			m.logger.Warn("giving up dialing",
				zap.String("endpoint", endpoint),
				zap.Int("attempts", attempt),
				zap.Error(dialErr))
			return m.abandon(dialErr)
		}

		delay := backoff.NextDelay(m.cfg.Backoff, attempt, rng)
		m.logger.Warn("dial failed",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(dialErr))
		if err := backoff.Sleep(ctx, delay); err != nil {
			return m.abandon(transport.Cancelled(ctx))
		}
	}
}

// adopt installs a freshly dialed connection.
func (m *Manager) adopt(conn transport.Conn, endpoint string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return m.abandon(transport.ErrClosed)
	}
	id := uuid.NewString()
	old := m.conn
	m.conn = conn
	m.connID = id
	m.state = Connected
	m.remote = endpoint
	m.mu.Unlock()

	if old != nil && old != conn {
		old.Close()
	}

	m.logger.Info("connected",
		zap.String("conn_id", id),
		zap.String("endpoint", endpoint),
		zap.Stringer("transport", conn.Kind()))
	m.publish(ConnectionChange{State: Connected, Remote: endpoint})
	return nil
}

// abandon returns a failed establishment to Disconnected.
func (m *Manager) abandon(err error) error {
	m.mu.Lock()
	if m.state == Connecting {
		m.state = Disconnected
	}
	remote := m.remote
	m.mu.Unlock()

	if transport.IsCancelled(err) || errors.Is(err, transport.ErrClosed) {
		m.logger.Debug("establishment stopped", zap.String("endpoint", remote), zap.Error(err))
	}
	m.publish(ConnectionChange{State: Disconnected, Remote: remote})
	return err
}

// Send frames msg and writes it to the server. Transport failures are not
// returned: the message is dropped, the connection is torn down, and
// subscribers see the state change. Only serialization errors and
// cancellation come back to the caller.
func (m *Manager) Send(ctx context.Context, msg any) error {
	frame, err := m.framer.Serialize(msg)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return transport.Cancelled(ctx)
	}

	m.mu.Lock()
	conn, id := m.conn, m.connID
	m.mu.Unlock()

	if conn == nil {
		m.logger.Debug("not connected, dropping message")
		if m.cfg.SelfHeal {
			m.requestRepair()
		}
		return nil
	}

	err = m.write(ctx, conn, frame)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		// a partial frame may be on the wire; the stream is no longer usable
		m.logger.Debug("send interrupted", zap.String("conn_id", id), zap.Error(err))
		m.drop(conn)
		return transport.Cancelled(ctx)
	}

	m.logger.Error("send failed",
		zap.String("conn_id", id),
		zap.Error(fmt.Errorf("%w: %w", transport.ErrSendFailure, err)))
	m.drop(conn)
	return nil
}

func (m *Manager) write(ctx context.Context, conn transport.Conn, frame []byte) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	var deadline time.Time
	if m.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(m.cfg.WriteTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	_, err := conn.Write(frame)
	return err
}

// drop tears down conn if it is still the current connection. With
// self-heal on, the Disconnected change is marked Repairing and a redial is
// queued after it is published.
func (m *Manager) drop(conn transport.Conn) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	id, remote := m.connID, m.remote
	repairing := m.cfg.SelfHeal && !m.closed
	m.conn = nil
	m.connID = ""
	m.state = Disconnected
	m.mu.Unlock()

	conn.Close()
	m.logger.Info("disconnected",
		zap.String("conn_id", id),
		zap.String("endpoint", remote),
		zap.Bool("repairing", repairing))
	m.publish(ConnectionChange{State: Disconnected, Remote: remote, Repairing: repairing})
	if repairing {
		m.requestRepair()
	}
}

// requestRepair asks the repair loop to redial. Requests made while one is
// pending collapse into it.
func (m *Manager) requestRepair() {
	select {
	case m.repair <- struct{}{}:
	default:
	}
}

func (m *Manager) repairLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.repair:
		}

		m.mu.Lock()
		remote, state := m.remote, m.state
		m.mu.Unlock()
		if remote == "" || state == Connected {
			continue
		}

		m.logger.Info("reconnecting", zap.String("endpoint", remote))
		if err := m.establish(m.ctx); err != nil && !transport.IsCancelled(err) && !errors.Is(err, transport.ErrClosed) {
			m.logger.Warn("reconnect failed", zap.String("endpoint", remote), zap.Error(err))
		}
	}
}

// OnConnectionChange registers fn for state transitions and returns a
// function that removes it. Callbacks run synchronously on the goroutine
// that caused the transition and must not block.
func (m *Manager) OnConnectionChange(fn func(ConnectionChange)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(change ConnectionChange) {
	m.subMu.Lock()
	fns := make([]func(ConnectionChange), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected returns whether the manager holds a live connection.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Remote returns the endpoint the manager is connected or connecting to.
func (m *Manager) Remote() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Close stops any establishment, closes the connection and waits for
// background work to finish. The manager cannot be reused afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn, remote := m.conn, m.remote
	wasConnected := m.state == Connected
	m.conn = nil
	m.connID = ""
	if wasConnected {
		m.state = Disconnected
	}
	m.mu.Unlock()

	m.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()

	if wasConnected {
		m.publish(ConnectionChange{State: Disconnected, Remote: remote})
	}
	return err
}
