package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rickgao/realtime-session/internal/buffer"
	"github.com/rickgao/realtime-session/internal/connection"
)

// Router copies delivered events into named output buffers.
type Router interface {
	// Start begins routing queued events.
	Start(ctx context.Context) error

	// Stop drains queued events and closes the output buffers.
	Stop(ctx context.Context) error

	// Route queues an event. It never blocks, so it can be registered
	// directly as a message listener.
	Route(ev connection.Event)

	// Buffer returns the output buffer for a route, or nil.
	Buffer(name string) *buffer.Growable[connection.Event]

	// Stats returns current router statistics.
	Stats() RouterStats
}

type output struct {
	name    string
	matcher matcher
	buf     *buffer.Growable[connection.Event]
}

// router is the internal implementation.
type router struct {
	cfg    RouterConfig
	logger *slog.Logger

	// Input from the session's message listener
	input *buffer.Growable[connection.Event]

	outputs []output
	byName  map[string]*buffer.Growable[connection.Event]

	// Lifecycle
	wg       sync.WaitGroup
	stopped  chan struct{}
	stopOnce sync.Once

	mu        sync.RWMutex
	received  int64
	routed    int64
	unmatched int64
}

// NewRouter creates an event router.
func NewRouter(cfg RouterConfig, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := &router{
		cfg:     cfg,
		logger:  logger.With("component", "router"),
		input:   buffer.New[connection.Event](cfg.BufferSize),
		stopped: make(chan struct{}),
		byName:  make(map[string]*buffer.Growable[connection.Event], len(cfg.Routes)),
	}
	for _, route := range cfg.Routes {
		buf := buffer.New[connection.Event](cfg.BufferSize)
		r.outputs = append(r.outputs, output{
			name:    route.Name,
			matcher: newMatcher(route.Events),
			buf:     buf,
		})
		r.byName[route.Name] = buf
	}
	return r
}

// Start begins routing events. Cancelling ctx stops the router.
func (r *router) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.routeLoop()

	go func() {
		select {
		case <-ctx.Done():
			r.input.Close()
		case <-r.stopped:
		}
	}()

	r.logger.Info("event router started",
		"routes", len(r.outputs),
		"buffer_size", r.cfg.BufferSize,
	)
	return nil
}

// Stop drains queued input and closes every output buffer.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping event router")
	r.input.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event router stopped")
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out", "pending", r.input.Len())
	}

	r.stopOnce.Do(func() {
		close(r.stopped)
		for _, out := range r.outputs {
			out.buf.Close()
		}
	})
	return nil
}

// Route queues ev for routing.
func (r *router) Route(ev connection.Event) {
	if !r.input.Push(ev) {
		r.logger.Debug("router stopped, event dropped", "event", ev.Event, "seq", ev.Seq)
	}
}

// Buffer returns the named output buffer.
func (r *router) Buffer(name string) *buffer.Growable[connection.Event] {
	return r.byName[name]
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.RLock()
	stats := RouterStats{
		EventsReceived:  r.received,
		EventsRouted:    r.routed,
		EventsUnmatched: r.unmatched,
	}
	r.mu.RUnlock()

	stats.Pending = r.input.Len()
	stats.Buffers = make(map[string]buffer.Stats, len(r.outputs))
	for _, out := range r.outputs {
		stats.Buffers[out.name] = out.buf.Stats()
	}
	return stats
}

// routeLoop routes events until the input is closed and drained.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		ev, ok := r.input.Pop()
		if !ok {
			return
		}
		r.route(ev)
	}
}

// route copies ev into every matching output.
func (r *router) route(ev connection.Event) {
	matched := 0
	for _, out := range r.outputs {
		if out.matcher.match(ev.Event) && out.buf.Push(ev) {
			matched++
		}
	}

	r.mu.Lock()
	r.received++
	r.routed += int64(matched)
	if matched == 0 {
		r.unmatched++
	}
	r.mu.Unlock()

	if matched == 0 {
		r.logger.Debug("no route for event", "event", ev.Event)
	}
}
