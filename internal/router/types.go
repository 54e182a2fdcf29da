package router

import (
	"strings"

	"github.com/rickgao/realtime-session/internal/buffer"
)

// RouterConfig holds configuration for the event router.
type RouterConfig struct {
	BufferSize int     // initial capacity of each buffer; buffers grow as needed
	Routes     []Route // named outputs
}

// Route names an output buffer and the events copied into it.
type Route struct {
	Name   string
	Events []string // exact names, "*" for all, or "prefix*"
}

// DefaultRouterConfig returns a single catch-all route named "all".
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		BufferSize: 1024,
		Routes:     []Route{{Name: "all", Events: []string{"*"}}},
	}
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	EventsReceived  int64
	EventsRouted    int64 // one per buffer an event was copied into
	EventsUnmatched int64
	Pending         int
	Buffers         map[string]buffer.Stats
}

// matcher tests event names against one route's patterns.
type matcher struct {
	all      bool
	exact    map[string]bool
	prefixes []string
}

func newMatcher(patterns []string) matcher {
	m := matcher{exact: make(map[string]bool)}
	for _, p := range patterns {
		switch {
		case p == "*":
			m.all = true
		case strings.HasSuffix(p, "*"):
			m.prefixes = append(m.prefixes, strings.TrimSuffix(p, "*"))
		default:
			m.exact[p] = true
		}
	}
	return m
}

func (m matcher) match(event string) bool {
	if m.all || m.exact[event] {
		return true
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(event, p) {
			return true
		}
	}
	return false
}
