package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/rickgao/realtime-session/internal/connection"
	"github.com/rickgao/realtime-session/internal/router"
)

var tailEvents []string

func init() {
	tailCmd.Flags().StringSliceVarP(&tailEvents, "events", "e", []string{"*"}, "event names to print (\"*\" for all, \"prefix*\" to match by prefix)")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Connect and print events as they arrive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		return runTail(s, cmd.OutOrStdout())
	},
}

func runTail(s *session, out io.Writer) error {
	ctx, cancel := signalContext(s.logger)
	defer cancel()

	r := router.NewRouter(router.RouterConfig{
		BufferSize: s.cfg.Router.BufferSize,
		Routes:     []router.Route{{Name: "tail", Events: tailEvents}},
	}, s.logger)
	if err := r.Start(context.Background()); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		printEvents(out, r.Buffer("tail"))
	}()

	s.watchLifecycle()
	s.manager.Listeners().Message.Add(r.Route)
	s.manager.Init()

	<-ctx.Done()

	s.logger.Info("shutting down...")
	s.manager.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	r.Stop(shutdownCtx)
	wg.Wait()

	stats := s.manager.Stats()
	s.logger.Info("rtsession stopped",
		"events", stats.EventsAccepted,
		"reconnects", stats.Reconnects,
		"mismatches", stats.Mismatches,
		"ping_timeouts", stats.PingTimeouts,
	)
	return nil
}

// eventSource is the read side of a router buffer.
type eventSource interface {
	Pop() (connection.Event, bool)
}

// printEvents writes one line per event until src is closed.
func printEvents(out io.Writer, src eventSource) {
	for {
		ev, ok := src.Pop()
		if !ok {
			return
		}
		fmt.Fprintln(out, formatEvent(ev))
	}
}

func formatEvent(ev connection.Event) string {
	line := fmt.Sprintf("%s seq=%d %s", ev.ReceivedAt.UTC().Format("15:04:05.000"), ev.Seq, ev.Event)
	if len(ev.Data) > 0 {
		line += " " + string(ev.Data)
	}
	return line
}
