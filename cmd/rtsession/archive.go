package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/realtime-session/internal/database"
	"github.com/rickgao/realtime-session/internal/router"
	"github.com/rickgao/realtime-session/internal/writer"
)

var statsInterval time.Duration

func init() {
	archiveCmd.Flags().DurationVar(&statsInterval, "stats-interval", time.Minute, "how often to log pipeline statistics (0 disables)")
	rootCmd.AddCommand(archiveCmd)
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Connect and archive routed events into Postgres",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		return runArchive(s)
	},
}

func runArchive(s *session) error {
	cfg := s.cfg
	if !cfg.Archive.Enabled {
		return errors.New("archive is not enabled in config")
	}

	ctx, cancel := signalContext(s.logger)
	defer cancel()

	// Connect to database
	s.logger.Info("connecting to database",
		"host", cfg.Archive.Database.Host,
		"port", cfg.Archive.Database.Port,
		"database", cfg.Archive.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Archive.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := writer.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	s.logger.Info("database connected")

	r := router.NewRouter(cfg.RouterConfig(), s.logger)
	w := writer.NewArchiveWriter(cfg.WriterConfig(), r.Buffer(cfg.Archive.Route), pool, s.logger)

	// Router and writer outlive the signal so queued events are flushed
	// during shutdown.
	if err := r.Start(context.Background()); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if err := w.Start(context.Background()); err != nil {
		return fmt.Errorf("start writer: %w", err)
	}

	s.watchLifecycle()
	s.manager.Listeners().Message.Add(r.Route)
	s.manager.Init()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down...")

		s.manager.Shutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := r.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stop router: %w", err)
		}
		if err := w.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stop writer: %w", err)
		}
		return nil
	})

	if statsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					s.logStats(r, w)
				}
			}
		})
	}

	err = g.Wait()
	s.logStats(r, w)
	s.logger.Info("rtsession stopped")
	return err
}

func (s *session) logStats(r router.Router, w *writer.ArchiveWriter) {
	ms := s.manager.Stats()
	rs := r.Stats()
	ws := w.Stats()
	s.logger.Info("pipeline stats",
		"state", ms.State,
		"connection_id", ms.ConnectionID,
		"events", ms.EventsAccepted,
		"reconnects", ms.Reconnects,
		"routed", rs.EventsRouted,
		"unmatched", rs.EventsUnmatched,
		"inserts", ws.Inserts,
		"conflicts", ws.Conflicts,
		"write_errors", ws.Errors,
	)
}
