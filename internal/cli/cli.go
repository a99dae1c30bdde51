// ============================================================================
// plysync CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting the bot
//
// Command Structure:
//   plysync                        # Root command
//   ├── run                        # Start the bot
//   │   ├── --engine              # Override engine.path
//   │   └── --play-as             # Override feed.play_as
//   ├── status                     # Query the health endpoint of a running bot
//   │   └── --addr                # Health address (default from config)
//   ├── config                     # Print the effective configuration
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config file over the built-in defaults
//   2. Install the slog default logger from the log section
//   3. Launch the UCI engine process
//   4. Build the bridge and the controller around it
//   5. Serve bridge, metrics and health until SIGINT/SIGTERM
//   6. SIGHUP forces a recovery pass without restarting
//
//   Examples:
//     ./plysync run
//     ./plysync run -c custom.yaml --play-as b
//
// status Command:
//   Asks the gRPC health service for the liveness, channel and ready
//   services and prints their serving status.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/plysync/internal/bridge"
	"github.com/ChuLiYu/plysync/internal/controller"
	"github.com/ChuLiYu/plysync/internal/engine"
	"github.com/ChuLiYu/plysync/internal/metrics"
	"github.com/ChuLiYu/plysync/internal/server"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plysync",
		Short: "plysync: move synchronization core for a chess bot",
		Long: `plysync keeps a UCI engine in step with a live game:
- version-ordered position feed
- human interference detection
- single-flight computation with a stuck-state watchdog
- Prometheus metrics and gRPC health`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var enginePath string
	var playAs string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot",
		Long:  "Launch the engine, accept the companion on the bridge and play until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if enginePath != "" {
				cfg.Engine.Path = enginePath
			}
			if playAs != "" {
				cfg.Feed.PlayAs = playAs
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&enginePath, "engine", "", "engine binary (overrides engine.path)")
	cmd.Flags().StringVar(&playAs, "play-as", "", "side to play: both, w or b (overrides feed.play_as)")

	return cmd
}

// lateSink lets the bridge be built before the controller it reports to.
// The bridge is not served until Sink is set.
type lateSink struct {
	bridge.Sink
}

func runSystem(ctx context.Context, cfg *Config) error {
	slog.SetDefault(newLogger(cfg, os.Stderr))
	logger := slog.With("component", "cli")
	logger.Info("Starting plysync", "config", configFile, "engine", cfg.Engine.Path, "play_as", cfg.Feed.PlayAs)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	eng, err := engine.Launch(cfg.Engine.Path, cfg.Engine.Args...)
	if err != nil {
		return fmt.Errorf("failed to launch engine: %w", err)
	}
	defer eng.Close()
	eng.SetTimeouts(cfg.Engine.ReadyTimeout, cfg.Engine.DrainTimeout)

	sink := &lateSink{}
	br := bridge.New(cfg.bridgeConfig(), sink)

	ctrl, err := controller.New(cfg.controllerConfig(), controller.Deps{
		Engine:   eng,
		Channel:  br,
		Metrics:  collector,
		Pipeline: cfg.pipeline(),
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	sink.Sink = ctrl

	var healthLis net.Listener
	if cfg.Health.Enabled {
		healthLis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Health.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Health.Port, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ctrl.Run(gctx)
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle(cfg.Bridge.Path, br)
		srv := &http.Server{Addr: cfg.Bridge.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		logger.Info("Bridge listening", "addr", cfg.Bridge.Listen, "path", cfg.Bridge.Path)
		return serveHTTP(gctx, srv)
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("Metrics server listening", "port", cfg.Metrics.Port)
			return metrics.StartServer(gctx, cfg.Metrics.Port, reg)
		})
	}

	if healthLis != nil {
		health := server.NewServer(ctrl, time.Second)
		g.Go(func() error {
			return health.Serve(gctx, healthLis)
		})
	}

	g.Go(func() error {
		return forwardHangup(gctx, ctrl)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Stopped with error", "error", err)
		return err
	}
	logger.Info("Stopped. Goodbye!")
	return nil
}

// forwardHangup turns SIGHUP into a manual recovery.
func forwardHangup(ctx context.Context, ctrl *controller.Controller) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := ctrl.ForceRecover("sighup"); err != nil {
				return nil
			}
		}
	}
}

func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server %s: %w", srv.Addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func buildStatusCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show bot status",
		Long:  "Query the gRPC health service of a running bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				addr = fmt.Sprintf("127.0.0.1:%d", cfg.Health.Port)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return showStatus(ctx, cmd.OutOrStdout(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "health address (default 127.0.0.1:<health.port>)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")

	return cmd
}

func showStatus(ctx context.Context, w io.Writer, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	return printHealth(ctx, w, conn, addr)
}

func printHealth(ctx context.Context, w io.Writer, conn grpc.ClientConnInterface, addr string) error {
	fmt.Fprintf(w, "plysync status (%s)\n", addr)

	services := []struct {
		label string
		name  string
	}{
		{"liveness", server.ServiceLiveness},
		{"channel", server.ServiceChannel},
		{"ready", server.ServiceReady},
	}
	for i, svc := range services {
		branch := "├─"
		if i == len(services)-1 {
			branch = "└─"
		}
		status, err := server.Check(ctx, conn, svc.name)
		if err != nil {
			return fmt.Errorf("health check %s: %w", svc.label, err)
		}
		fmt.Fprintf(w, "  %s %-9s %s\n", branch, svc.label+":", status)
	}
	return nil
}

func buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
