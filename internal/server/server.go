// Package server implements the desktop side of the session: it accepts a
// single phone at a time and turns its frame stream into decoded messages.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/phoneremote/internal/backoff"
	"github.com/omochice/phoneremote/internal/transport"
	"github.com/omochice/phoneremote/pkg/protocol"
)

// DefaultPort is the TCP port the session listener binds by default.
const DefaultPort = 8765

// Config controls the listener.
type Config struct {
	Address        string
	KeepAlive      transport.KeepAlive
	AllowWebSocket bool
	// Backoff paces retries after accept or bind failures.
	Backoff backoff.Config
}

// DefaultConfig listens on every interface at DefaultPort.
func DefaultConfig() Config {
	return Config{
		Address:        fmt.Sprintf(":%d", DefaultPort),
		KeepAlive:      transport.DefaultKeepAlive(),
		AllowWebSocket: true,
		Backoff:        backoff.Default(),
	}
}

// Server services exactly one peer at a time and decodes its frames as T.
// T must be a type the framer's codec can decode into through *T.
type Server[T any] struct {
	cfg    Config
	framer *protocol.Framer
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	peer     transport.Conn
	peerID   string
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a server. Nothing is bound until Listen or WaitForConnection.
func New[T any](cfg Config, framer *protocol.Framer, logger *zap.Logger) *Server[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server[T]{
		cfg:    cfg,
		framer: framer,
		logger: logger.Named("server"),
		done:   make(chan struct{}),
	}
}

// Listen binds the listening socket. It binds once; later calls return the
// existing listener's state.
func (s *Server[T]) Listen() error {
	_, err := s.listen()
	return err
}

func (s *Server[T]) listen() (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, transport.ErrClosed
	}
	if s.listener != nil {
		return s.listener, nil
	}

	lc := net.ListenConfig{KeepAliveConfig: s.cfg.KeepAlive.Config()}
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	s.logger.Info("listening", zap.Stringer("addr", ln.Addr()))
	return ln, nil
}

// Addr returns the listening address, or nil before Listen.
func (s *Server[T]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WaitForConnection accepts the next peer, binding first if needed. Accept
// failures are retried. When ctx ends the listener and any peer are closed
// and a cancellation error is returned.
func (s *Server[T]) WaitForConnection(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			s.closeSockets()
			return transport.Cancelled(ctx)
		}

		ln, err := s.listen()
		if err != nil {
			return err
		}

		stop := context.AfterFunc(ctx, s.closeSockets)
		conn, err := ln.Accept()
		stop()

		if err != nil {
			if ctx.Err() != nil {
				s.closeSockets()
				return transport.Cancelled(ctx)
			}
			if s.isClosed() {
				return transport.ErrClosed
			}
			delay := backoff.NextDelay(s.cfg.Backoff, attempt, rng)
			s.logger.Warn("accept failed", zap.Duration("retry_in", delay), zap.Error(err))
			if err := backoff.Sleep(ctx, delay); err != nil {
				s.closeSockets()
				return transport.Cancelled(ctx)
			}
			continue
		}

		if err := transport.Tune(conn, s.cfg.KeepAlive); err != nil {
			s.logger.Warn("failed to tune peer socket", zap.Error(err))
		}
		s.setPeer(transport.NewServerConn(conn, s.cfg.AllowWebSocket))
		return nil
	}
}

func (s *Server[T]) setPeer(peer transport.Conn) {
	id := uuid.NewString()

	s.mu.Lock()
	old := s.peer
	s.peer = peer
	s.peerID = id
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.logger.Info("peer connected",
		zap.String("conn_id", id),
		zap.Stringer("remote", peer.RemoteAddr()))
}

func (s *Server[T]) currentPeer() (transport.Conn, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer, s.peerID
}

// dropPeer closes peer if it is still the active one.
func (s *Server[T]) dropPeer(peer transport.Conn) {
	s.mu.Lock()
	if s.peer != peer {
		s.mu.Unlock()
		return
	}
	s.peer = nil
	s.peerID = ""
	s.mu.Unlock()
	peer.Close()
}

// closeSockets closes the listener and the peer. A later
// WaitForConnection binds again.
func (s *Server[T]) closeSockets() {
	s.mu.Lock()
	ln, peer := s.listener, s.peer
	s.listener = nil
	s.peer = nil
	s.peerID = ""
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if peer != nil {
		peer.Close()
	}
}

func (s *Server[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Messages returns a channel of decoded messages. A goroutine reads frames
// from the active peer; when the peer fails it is dropped and the next peer
// is accepted without closing the channel. The channel closes only when
// ctx ends or the server is closed.
func (s *Server[T]) Messages(ctx context.Context) <-chan T {
	out := make(chan T)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(out)
		return out
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(out)

		// a read blocked on the peer only wakes when its socket closes
		stop := context.AfterFunc(ctx, s.closeSockets)
		defer stop()

		s.receive(ctx, out)
	}()
	return out
}

func (s *Server[T]) receive(ctx context.Context, out chan<- T) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	failures := 0
	for {
		if ctx.Err() != nil || s.isClosed() {
			return
		}

		peer, id := s.currentPeer()
		if peer == nil {
			err := s.WaitForConnection(ctx)
			switch {
			case err == nil:
				failures = 0
				continue
			case transport.IsCancelled(err), errors.Is(err, transport.ErrClosed):
				return
			}
			failures++
			delay := backoff.NextDelay(s.cfg.Backoff, failures, rng)
			s.logger.Error("cannot accept peers", zap.Duration("retry_in", delay), zap.Error(err))
			if backoff.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}

		var msg T
		if err := s.framer.ReadFrom(peer, &msg); err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info("peer disconnected", zap.String("conn_id", id))
			} else {
				s.logger.Error("receive failed", zap.String("conn_id", id), zap.Error(err))
			}
			s.dropPeer(peer)
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Close shuts the server down, closing the listener and peer and waiting
// for message goroutines to exit.
func (s *Server[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.closeSockets()
	s.wg.Wait()
	s.logger.Info("server stopped")
	return nil
}
