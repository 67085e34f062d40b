package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/phoneremote/internal/config"
	"github.com/omochice/phoneremote/internal/discovery"
	"github.com/omochice/phoneremote/internal/observability"
	"github.com/omochice/phoneremote/internal/pointer"
	"github.com/omochice/phoneremote/internal/server"
	"github.com/omochice/phoneremote/internal/transport"
	"github.com/omochice/phoneremote/pkg/protocol"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		address    string
		name       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "phoneremote-server",
		Short: "Receive pointer events from a phone on the local network",
		Long: `phoneremote-server answers discovery probes on UDP and accepts one phone at a
time on TCP (raw frames or WebSocket on the same port), applying every
received pointer action to the host.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("address") {
				cfg.Server.Address = address
			}
			if flags.Changed("name") {
				cfg.Server.Name = name
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config file (default: phoneremote.yaml in ., ./configs or ~/.phoneremote)")
	cmd.Flags().StringVar(&address, "address", "", "TCP address to accept the phone on (e.g., :8765)")
	cmd.Flags().StringVar(&name, "name", "", "server name advertised to phones")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	framer, err := cfg.Framer()
	if err != nil {
		return err
	}

	srv := server.New[protocol.CursorAction](cfg.SessionServer(), framer, logger)
	if err := srv.Listen(); err != nil {
		return err
	}
	defer srv.Close()

	desc, err := describe(cfg, srv.Addr())
	if err != nil {
		return err
	}

	broadcaster := discovery.NewBroadcaster(cfg.DiscoveryListenAddress(), desc, framer, logger)
	if err := broadcaster.Start(); err != nil {
		return err
	}
	defer broadcaster.Stop()

	logger.Info("server ready",
		zap.Stringer("advertised", desc),
		zap.String("encoding", framer.Codec().Name()))

	sink := pointer.NewLogSink(logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for action := range srv.Messages(gctx) {
			if err := pointer.Apply(sink, action); err != nil {
				logger.Warn("pointer injection failed", zap.Error(err))
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutting down")
	if err != nil && !transport.IsCancelled(err) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// describe builds the descriptor advertised over discovery.
func describe(cfg *config.Config, listenAddr net.Addr) (protocol.ServiceDescriptor, error) {
	tcpAddr, ok := listenAddr.(*net.TCPAddr)
	if !ok {
		return protocol.ServiceDescriptor{}, fmt.Errorf("unexpected listener address %v", listenAddr)
	}

	var addr netip.Addr
	if cfg.Server.AdvertiseAddress != "" {
		addr = netip.MustParseAddr(cfg.Server.AdvertiseAddress)
	} else if ip, ok := netip.AddrFromSlice(tcpAddr.IP); ok && !ip.IsUnspecified() {
		addr = ip.Unmap()
	} else {
		local, err := discovery.LocalIPv4()
		if err != nil {
			return protocol.ServiceDescriptor{}, fmt.Errorf("cannot pick an address to advertise, set server.advertise_address: %w", err)
		}
		addr = local
	}

	desc := protocol.NewServiceDescriptor(addr, uint16(tcpAddr.Port), cfg.Server.Name)
	return desc, desc.Validate()
}
