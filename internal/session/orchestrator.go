// Package session ties discovery and the client connection manager
// together: find the server, connect, and go back to discovery when the
// connection is lost for good.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/phoneremote/internal/backoff"
	"github.com/omochice/phoneremote/internal/client"
	"github.com/omochice/phoneremote/internal/transport"
	"github.com/omochice/phoneremote/pkg/protocol"
)

// ConnectionManager is the part of client.Manager the orchestrator drives.
type ConnectionManager interface {
	DiscoverServer(ctx context.Context) (protocol.ServiceDescriptor, error)
	Connect(ctx context.Context, endpoint string) error
	Send(ctx context.Context, msg any) error
	State() client.State
	OnConnectionChange(fn func(client.ConnectionChange)) (unsubscribe func())
}

var _ ConnectionManager = (*client.Manager)(nil)

// retryDelay paces discovery when the manager reports something other
// than cancellation.
const retryDelay = time.Second

// Orchestrator sequences discovery and connection for a presentation layer.
type Orchestrator struct {
	manager ConnectionManager
	logger  *zap.Logger

	mu            sync.Mutex
	discovered    []func(protocol.ServiceDescriptor)
	stateChanged  []func(connected bool)
	lastConnected bool
	// settled is true while the newest change is a Disconnected the
	// manager is not repairing.
	settled bool
}

// New creates an orchestrator over manager.
func New(manager ConnectionManager, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		manager: manager,
		logger:  logger.Named("session"),
	}
}

// OnServerDiscovered registers fn to run each time discovery finds a server.
func (o *Orchestrator) OnServerDiscovered(fn func(protocol.ServiceDescriptor)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.discovered = append(o.discovered, fn)
}

// OnConnectionStateChanged registers fn to run when the session gains or
// loses its connection.
func (o *Orchestrator) OnConnectionStateChanged(fn func(connected bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stateChanged = append(o.stateChanged, fn)
}

// Run discovers a server, connects to it, and starts over whenever the
// connection drops and the manager is not already repairing it. It returns
// only when ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	lost := make(chan struct{}, 1)
	unsubscribe := o.manager.OnConnectionChange(func(c client.ConnectionChange) {
		o.emitState(c.Connected())
		settled := c.State == client.Disconnected && !c.Repairing
		o.mu.Lock()
		o.settled = settled
		o.mu.Unlock()
		if settled {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	for {
		desc, err := o.manager.DiscoverServer(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return transport.Cancelled(ctx)
			}
			o.logger.Warn("discovery failed", zap.Error(err))
			if backoff.Sleep(ctx, retryDelay) != nil {
				return transport.Cancelled(ctx)
			}
			continue
		}
		o.emitDiscovered(desc)

		if err := o.manager.Connect(ctx, desc.Endpoint()); err != nil {
			if ctx.Err() != nil {
				return transport.Cancelled(ctx)
			}
			o.logger.Warn("connect failed, rediscovering",
				zap.Stringer("server", desc),
				zap.Error(err))
			continue
		}

		if err := o.awaitLoss(ctx, lost); err != nil {
			return err
		}
		o.logger.Info("connection lost, rediscovering", zap.Stringer("server", desc))
	}
}

// awaitLoss blocks until the manager reports a Disconnected it will not
// repair on its own.
func (o *Orchestrator) awaitLoss(ctx context.Context, lost <-chan struct{}) error {
	for {
		o.mu.Lock()
		settled := o.settled
		o.mu.Unlock()
		if settled {
			return nil
		}
		select {
		case <-ctx.Done():
			return transport.Cancelled(ctx)
		case <-lost:
		}
	}
}

// Send forwards msg while connected and drops it otherwise.
func (o *Orchestrator) Send(ctx context.Context, msg any) error {
	if o.manager.State() != client.Connected {
		o.logger.Debug("not connected, dropping message")
		return nil
	}
	return o.manager.Send(ctx, msg)
}

func (o *Orchestrator) emitDiscovered(desc protocol.ServiceDescriptor) {
	o.mu.Lock()
	fns := append([]func(protocol.ServiceDescriptor){}, o.discovered...)
	o.mu.Unlock()
	for _, fn := range fns {
		fn(desc)
	}
}

// emitState reports connected only when it differs from the last report.
func (o *Orchestrator) emitState(connected bool) {
	o.mu.Lock()
	if connected == o.lastConnected {
		o.mu.Unlock()
		return
	}
	o.lastConnected = connected
	fns := append([]func(bool){}, o.stateChanged...)
	o.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}
