package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/phoneremote/internal/client"
	"github.com/omochice/phoneremote/internal/config"
	"github.com/omochice/phoneremote/internal/discovery"
	"github.com/omochice/phoneremote/internal/observability"
	"github.com/omochice/phoneremote/internal/session"
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
		transportN string
		selfHeal   bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "phoneremote-client",
		Short: "Drive a phoneremote server's pointer from the terminal",
		Long: `phoneremote-client discovers a server on the local network, keeps a
connection to it, and turns lines read from stdin into pointer events.

Input lines:
  <dx> <dy>        move the pointer
  left|right|middle  click a button
  wheel <delta>    scroll
  quit             exit`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("transport") {
				cfg.Client.Transport = transportN
			}
			if flags.Changed("self-heal") {
				cfg.Client.SelfHeal = selfHeal
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config file (default: phoneremote.yaml in ., ./configs or ~/.phoneremote)")
	cmd.Flags().StringVar(&transportN, "transport", "", "tcp or websocket")
	cmd.Flags().BoolVar(&selfHeal, "self-heal", true, "redial automatically after a send failure")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	framer, err := cfg.Framer()
	if err != nil {
		return err
	}
	managerCfg, err := cfg.ClientManager()
	if err != nil {
		return err
	}

	prober := discovery.NewProber(cfg.Prober(), framer, logger)
	manager := client.New(managerCfg, framer, prober, logger)
	defer manager.Close()

	orchestrator := session.New(manager, logger)
	orchestrator.OnServerDiscovered(func(d protocol.ServiceDescriptor) {
		fmt.Fprintf(out, "*** found %s ***\n", d)
	})
	orchestrator.OnConnectionStateChanged(func(connected bool) {
		if connected {
			fmt.Fprintln(out, "*** connected ***")
		} else {
			fmt.Fprintln(out, "*** disconnected ***")
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("error reading input", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := orchestrator.Run(gctx); err != nil && !transport.IsCancelled(err) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				actions, quit, err := parseCommand(line)
				if err != nil {
					fmt.Fprintf(out, "%v\n", err)
					continue
				}
				if quit {
					return nil
				}
				for i := range actions {
					if err := orchestrator.Send(gctx, &actions[i]); err != nil && !transport.IsCancelled(err) {
						logger.Warn("send failed", zap.Error(err))
					}
				}
			}
		}
	})
	return g.Wait()
}
