// Command rtsession connects to a realtime event websocket and keeps the
// session alive across drops, either printing events or archiving them to
// Postgres.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickgao/realtime-session/internal/auth"
	"github.com/rickgao/realtime-session/internal/config"
	"github.com/rickgao/realtime-session/internal/connection"
	"github.com/rickgao/realtime-session/internal/version"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "rtsession",
	Short:        "Realtime websocket session client",
	Long:         "Maintain a resumable realtime websocket session and consume its events.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/rtsession.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// session bundles what every subcommand needs.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *connection.Manager
}

// newSession loads configuration, sets up logging and builds the engine.
// The engine is not started.
func newSession() (*session, error) {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	creds, err := auth.LoadCredentials(cfg.Server.Token, cfg.Server.TokenFile)
	if errors.Is(err, auth.ErrNoToken) {
		logger.Warn("no access token configured, connecting unauthenticated")
		creds = &auth.Credentials{}
	} else if err != nil {
		return nil, err
	}

	logger.Info("starting rtsession",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"url", cfg.Server.URL,
		"transport", cfg.Connection.Transport,
		"token", creds.Redacted(),
	)

	manager, err := connection.NewManager(
		cfg.ManagerConfig(creds.Token),
		connection.WithLogger(logger),
		connection.WithTransportFactory(cfg.TransportFactory(creds.Header(), logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	return &session{cfg: cfg, logger: logger, manager: manager}, nil
}

// watchLifecycle logs session lifecycle transitions.
func (s *session) watchLifecycle() {
	l := s.manager.Listeners()
	l.FirstConnect.Add(func() {
		s.logger.Info("session connected")
	})
	l.Reconnect.Add(func() {
		s.logger.Info("session resumed")
	})
	l.MissedMessage.Add(func() {
		s.logger.Warn("session lost, events may have been missed")
	})
	l.Close.Add(func(failCount int) {
		s.logger.Warn("session closed", "fail_count", failCount)
	})
	l.Error.Add(func(err error) {
		s.logger.Debug("session error", "error", err)
	})
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
