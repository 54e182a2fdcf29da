package connection

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/realtime-session/internal/buffer"
)

// Listener callback types.
type (
	MessageListener       func(Event)
	FirstConnectListener  func()
	ReconnectListener     func()
	MissedMessageListener func()
	CloseListener         func(failCount int)
	ErrorListener         func(err error)
	ReplyCallback         func(Event)
)

// listenerWarnThreshold is the set size above which a possible leak is
// reported.
const listenerWarnThreshold = 5

// ListenerID identifies a registration. Func values are not comparable,
// so removal goes through the id returned by Add.
type ListenerID uint64

// ListenerSet holds the callbacks of one kind, in registration order.
type ListenerSet[F any] struct {
	kind   string
	logger *slog.Logger

	mu      sync.Mutex
	nextID  ListenerID
	entries []listenerEntry[F]
	warned  bool
}

type listenerEntry[F any] struct {
	id ListenerID
	fn F
}

func newListenerSet[F any](kind string, logger *slog.Logger) *ListenerSet[F] {
	return &ListenerSet[F]{kind: kind, logger: logger}
}

// Add registers fn and returns its id.
func (s *ListenerSet[F]) Add(fn F) ListenerID {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, listenerEntry[F]{id: id, fn: fn})
	warn := len(s.entries) > listenerWarnThreshold && !s.warned
	if warn {
		s.warned = true
	}
	n := len(s.entries)
	s.mu.Unlock()

	if warn {
		s.logger.Warn("possible listener leak",
			"listener", s.kind,
			"count", n,
		)
	}
	return id
}

// Remove unregisters id. Unknown ids are ignored.
func (s *ListenerSet[F]) Remove(id ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered callbacks.
func (s *ListenerSet[F]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// each calls invoke for every registered callback. A panic in one
// callback is logged and does not stop the rest.
func (s *ListenerSet[F]) each(invoke func(F)) {
	s.mu.Lock()
	snapshot := make([]listenerEntry[F], len(s.entries))
	copy(snapshot, s.entries)
	s.mu.Unlock()

	for _, e := range snapshot {
		s.call(e, invoke)
	}
}

func (s *ListenerSet[F]) call(e listenerEntry[F], invoke func(F)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked",
				"listener", s.kind,
				"id", uint64(e.id),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	invoke(e.fn)
}

// Listeners groups the six listener sets of a Manager.
type Listeners struct {
	Message       *ListenerSet[MessageListener]
	FirstConnect  *ListenerSet[FirstConnectListener]
	Reconnect     *ListenerSet[ReconnectListener]
	MissedMessage *ListenerSet[MissedMessageListener]
	Close         *ListenerSet[CloseListener]
	Error         *ListenerSet[ErrorListener]
}

func newListeners(logger *slog.Logger) *Listeners {
	return &Listeners{
		Message:       newListenerSet[MessageListener]("message", logger),
		FirstConnect:  newListenerSet[FirstConnectListener]("first_connect", logger),
		Reconnect:     newListenerSet[ReconnectListener]("reconnect", logger),
		MissedMessage: newListenerSet[MissedMessageListener]("missed_message", logger),
		Close:         newListenerSet[CloseListener]("close", logger),
		Error:         newListenerSet[ErrorListener]("error", logger),
	}
}

// dispatcher runs queued notifications one at a time, in order, outside
// the Manager lock. Whichever goroutine finds it idle drains the queue;
// a notification that triggers more notifications (a listener calling
// Send, say) only enqueues, and the running drain picks them up.
type dispatcher struct {
	queue  *buffer.Growable[func()]
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{queue: buffer.New[func()](16), logger: logger}
}

func (d *dispatcher) enqueue(fn func()) {
	d.queue.Push(fn)
}

func (d *dispatcher) flush() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	for {
		fn, ok := d.queue.TryPop()
		if ok {
			d.run(fn)
			continue
		}

		d.mu.Lock()
		if d.queue.Len() == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
	}
}

// run recovers panics from reply callbacks, which are not wrapped by a
// ListenerSet.
func (d *dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("listener panicked", "listener", "reply", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
