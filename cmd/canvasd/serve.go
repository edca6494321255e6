package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/canvasd/internal/logger"
	"github.com/marmos91/canvasd/internal/ratelimiter"
	"github.com/marmos91/canvasd/pkg/config"
	"github.com/marmos91/canvasd/pkg/server"
	"github.com/marmos91/canvasd/pkg/session/lobby"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the drawing server",
	Long: `Run the drawing server until it is interrupted or, with auto-stop,
until no sessions and no users remain.

When started by a service manager with LISTEN_FDS set, the inherited socket
is used instead of binding a port, and auto-stop defaults to on.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	f.String("bind", "", "address to listen on (default all interfaces)")
	f.Int("port", 0, fmt.Sprintf("port to listen on (default %d)", config.DefaultPort))
	f.Bool("must-secure", false, "require TLS for every connection")
	f.Bool("auto-stop", false, "stop once no sessions and no users remain")
	f.Float64("accept-rate", 0, "maximum new connections per second (0 for unlimited)")
	f.Int("accept-burst", 0, "connections allowed in a burst above the accept rate")
	f.String("tls-cert", "", "PEM certificate file")
	f.String("tls-key", "", "PEM private key file")
	f.String("record", "", "session recording path pattern (%d date, %t time, %i session id)")
	f.Bool("metrics", false, "expose Prometheus metrics")
	f.String("metrics-address", "", "metrics HTTP listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFlags(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := configureLogging(cfg.Logging); err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	fd, activated, err := socketActivation(os.Getenv, os.Getpid())
	if err != nil {
		return err
	}
	if activated {
		clearActivationEnv()
	}

	bans, err := config.CreateBanPolicy(ctx, &cfg.Bans)
	if err != nil {
		return err
	}
	defer func() {
		if err := bans.Close(); err != nil {
			logger.Error("Failed to close ban store: %v", err)
		}
	}()

	metricsResult := config.InitializeMetrics(cfg)
	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	defer cancelMetrics()
	if metricsResult.Server != nil {
		go func() {
			if err := metricsResult.Server.Start(metricsCtx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	registry := lobby.New()
	srv := server.New(
		server.Config{
			Listener:         cfg.ListenerConfig(),
			RecordingPattern: cfg.Recording.Path,
			AutoStop:         cfg.Server.AutoStopEnabled(activated),
		},
		registry,
		server.WithBanPolicy(bans.Policy),
		server.WithMetrics(metricsResult.Lifecycle),
		server.WithAcceptLimiter(ratelimiter.New(cfg.Server.AcceptRate, cfg.Server.AcceptBurst)),
	)

	if activated {
		err = srv.StartFromDescriptor(fd)
	} else {
		err = srv.Start(ctx, cfg.Server.BindAddress, cfg.Server.Port)
	}
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	if cfg.Recording.Path != "" {
		logger.Info("Recording sessions to %s", cfg.Recording.Path)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		// Restore default signal handling so a second interrupt terminates.
		stopSignals()
		srv.Stop()
		<-srv.Done()
	case <-srv.Done():
	}

	registry.Wait()
	return nil
}
