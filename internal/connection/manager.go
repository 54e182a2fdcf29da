package connection

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"

	"github.com/rickgao/realtime-session/internal/clock"
)

// Connectivity reports platform network changes. Subscribe must not call
// either callback before it returns.
type Connectivity interface {
	Subscribe(onOnline, onOffline func()) (unsubscribe func())
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces the real clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithTransportFactory replaces the default gorilla transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithJitterSource replaces the random source used for retry jitter. It
// must return a value in [0, n).
func WithJitterSource(randN func(n int64) int64) Option {
	return func(m *Manager) { m.randN = randN }
}

// WithConnectivity attaches network online/offline notifications.
func WithConnectivity(c Connectivity) Option {
	return func(m *Manager) { m.connectivity = c }
}

// WithInstanceID overrides the id attached to log lines.
func WithInstanceID(id int64) Option {
	return func(m *Manager) { m.instanceID = id }
}

// Manager owns one session with the server. It is safe for concurrent
// use; all state changes happen under one lock and listener callbacks run
// afterwards, one at a time, in the order they were triggered.
type Manager struct {
	cfg          ManagerConfig
	baseURL      *url.URL
	logger       *slog.Logger
	clock        clock.Clock
	factory      TransportFactory
	connectivity Connectivity
	randN        func(int64) int64
	instanceID   int64

	listeners *Listeners
	notify    *dispatcher

	mu          sync.Mutex
	transport   Transport
	gen         uint64 // bumped whenever a transport is detached
	open        bool
	active      bool // Init called since the last Close
	outSeq      int64
	failCount   int
	closeCode   int
	seq         sequencer
	replies     *correlator
	heartbeat   *heartbeat
	reconnect   *reconnectScheduler
	unsubscribe func()
	stats       managerCounters
}

type managerCounters struct {
	framesSent     int64
	framesReceived int64
	eventsAccepted int64
	dials          int64
	reconnects     int64
	mismatches     int64
	pingTimeouts   int64
}

// NewManager validates cfg and returns an idle Manager. Call Init to
// connect.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	base, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:     cfg,
		baseURL: base,
		logger:  slog.Default(),
		clock:   clock.Real(),
		outSeq:  1,
		replies: newCorrelator(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.instanceID == 0 {
		m.instanceID = NextInstanceID()
	}
	m.logger = m.logger.With("component", "session", "instance", m.instanceID)
	if m.factory == nil {
		m.factory = NewGorillaFactory(DefaultDialConfig(), m.logger)
	}

	m.listeners = newListeners(m.logger)
	m.notify = newDispatcher(m.logger)
	m.heartbeat = newHeartbeat(m.clock, cfg.PingInterval)
	m.reconnect = newReconnectScheduler(cfg, m.clock, m.randN)
	return m, nil
}

func parseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// Listeners returns the listener sets.
func (m *Manager) Listeners() *Listeners {
	return m.listeners
}

// Init connects unless a transport already exists or a retry is pending.
func (m *Manager) Init() {
	defer m.notify.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initLocked()
}

func (m *Manager) initLocked() {
	m.active = true
	if m.transport != nil || m.reconnect.pending {
		return
	}

	if m.connectivity != nil && m.unsubscribe == nil {
		m.unsubscribe = m.connectivity.Subscribe(m.handleOnline, m.handleOffline)
	}

	m.gen++
	gen := m.gen
	dialURL := m.dialURLLocked()

	t, err := m.factory(dialURL, TransportHandler{
		OnOpen:    func() { m.handleOpen(gen) },
		OnMessage: func(data []byte) { m.handleMessage(gen, data) },
		OnError:   func(err error) { m.handleError(gen, err) },
		OnClose:   func(code int, reason string) { m.handleClose(gen, code, reason) },
	})
	m.stats.dials++
	if err != nil {
		m.logger.Warn("failed to create transport", "error", err)
		m.errorLocked(err)
		m.closedLocked(CloseAbnormal, err.Error())
		return
	}
	m.transport = t

	m.logger.Debug("websocket connecting",
		"connection_id", m.seq.connectionID,
		"sequence_number", m.seq.expected,
		"fail_count", m.failCount,
	)
}

// dialURLLocked appends the resumption parameters to the base URL.
func (m *Manager) dialURLLocked() string {
	u := *m.baseURL
	q := u.Query()
	q.Set("connection_id", m.seq.connectionID)
	q.Set("sequence_number", strconv.FormatInt(m.seq.expected, 10))
	if m.cfg.PostedAck {
		q.Set("posted_ack", "true")
	}
	if m.closeCode != 0 {
		q.Set("disconnect_err_code", strconv.Itoa(m.closeCode))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Close disconnects deliberately and leaves the Manager idle. No close
// listeners fire and no retry is scheduled. Pending reply callbacks are
// dropped without being called.
func (m *Manager) Close() {
	defer m.notify.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active = false
	m.outSeq = 1
	m.failCount = 0
	m.closeCode = 0
	m.reconnect.cancel()
	m.replies.clear()
	m.heartbeat.stop()

	t := m.detachLocked()
	if t == nil {
		return
	}
	if err := t.Close(CloseNormal, ""); err != nil {
		m.logger.Debug("websocket close", "error", err)
	}
	m.logger.Info("websocket closed")
}

// Shutdown closes the session and detaches from connectivity events.
func (m *Manager) Shutdown() {
	m.Close()

	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Send writes {action, seq, data} and returns the seq assigned. cb, if
// non-nil, is called once with the reply. Without an open transport the
// frame is dropped, a connection attempt is started, and ErrNotConnected
// is returned; the caller resends after reconnecting if delivery matters.
func (m *Manager) Send(action string, data any, cb ReplyCallback) (int64, error) {
	defer m.notify.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		m.logger.Debug("send while disconnected, frame dropped", "action", action)
		m.initLocked()
		return 0, ErrNotConnected
	}
	return m.sendLocked(action, data, cb)
}

func (m *Manager) sendLocked(action string, data any, cb ReplyCallback) (int64, error) {
	seq := m.outSeq
	payload, err := json.Marshal(Request{Action: action, Seq: seq, Data: data})
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", action, err)
	}

	m.outSeq++
	if cb != nil {
		m.replies.register(seq, cb)
	}
	if err := m.transport.Send(payload); err != nil {
		m.replies.take(seq)
		m.logger.Debug("websocket write failed", "action", action, "seq", seq, "error", err)
		m.errorLocked(err)
		return 0, fmt.Errorf("send %s: %w", action, err)
	}
	m.stats.framesSent++
	return seq, nil
}

func (m *Manager) handleOpen(gen uint64) {
	defer m.notify.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.transport == nil {
		return
	}
	m.open = true

	if m.cfg.Token != "" {
		if _, err := m.sendLocked(ActionAuthenticate, map[string]string{"token": m.cfg.Token}, nil); err != nil {
			m.logger.Warn("failed to send authentication challenge", "error", err)
		}
	}

	if m.failCount > 0 {
		m.logger.Info("websocket re-established connection", "fail_count", m.failCount)
		m.stats.reconnects++
		m.notify.enqueue(func() {
			m.listeners.Reconnect.each(func(fn ReconnectListener) { fn() })
		})
	} else {
		m.logger.Info("websocket connected")
		m.notify.enqueue(func() {
			m.listeners.FirstConnect.each(func(fn FirstConnectListener) { fn() })
		})
	}

	m.failCount = 0
	m.closeCode = 0
	m.startHeartbeatLocked()
}

func (m *Manager) handleMessage(gen uint64, data []byte) {
	defer m.notify.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || !m.open {
		return
	}
	m.stats.framesReceived++

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		m.logger.Warn("dropping frame", "error", fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		return
	}
	ev.ReceivedAt = m.clock.Now()

	if ev.IsReply() {
		m.replyLocked(ev)
		return
	}

	if m.cfg.SkipSequenceWithoutListeners && m.listeners.Message.Len() == 0 {
		return
	}

	if ev.Event == EventHello {
		lost, err := m.seq.hello(ev)
		if err != nil {
			m.logger.Warn("dropping frame", "event", ev.Event, "error", err)
			return
		}
		m.logger.Debug("got connection id", "connection_id", m.seq.connectionID)
		if lost {
			m.logger.Info("server session lost, events may have been missed",
				"connection_id", m.seq.connectionID,
			)
			m.notify.enqueue(func() {
				m.listeners.MissedMessage.each(func(fn MissedMessageListener) { fn() })
			})
		}
	}

	expected := m.seq.expected
	if !m.seq.accept(ev.Seq) {
		m.logger.Warn("missed websocket event",
			"event", ev.Event,
			"expected", expected,
			"got", ev.Seq,
		)
		m.stats.mismatches++
		m.forceCloseLocked(CloseSequenceMismatch, "sequence mismatch")
		return
	}

	m.stats.eventsAccepted++
	ev.ConnectionID = m.seq.connectionID
	m.notify.enqueue(func() {
		m.listeners.Message.each(func(fn MessageListener) { fn(ev) })
	})
}

func (m *Manager) replyLocked(ev Event) {
	if ev.Failed() {
		m.logger.Debug("reply carries error",
			"seq_reply", ev.SeqReply,
			"status", ev.Status,
			"error", string(ev.Error),
		)
	}
	// Pongs are acknowledged here, under the lock, so a slow listener
	// draining the queue cannot turn an answered probe into a timeout.
	m.heartbeat.acked(m.heartbeat.epoch, ev.SeqReply)

	cb, ok := m.replies.take(ev.SeqReply)
	if !ok {
		return
	}
	m.notify.enqueue(func() { cb(ev) })
}

func (m *Manager) handleError(gen uint64, err error) {
	defer m.notify.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}
	m.errorLocked(err)
}

func (m *Manager) errorLocked(err error) {
	if m.failCount <= 1 {
		m.logger.Warn("websocket error", "error", err)
	} else {
		m.logger.Debug("websocket error", "error", err, "fail_count", m.failCount)
	}
	m.notify.enqueue(func() {
		m.listeners.Error.each(func(fn ErrorListener) { fn(err) })
	})
}

func (m *Manager) handleClose(gen uint64, code int, reason string) {
	defer m.notify.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}
	m.closedLocked(code, reason)
}

// forceCloseLocked tears the transport down from our side and runs close
// handling now instead of waiting for the transport's own close event.
// The teardown is not a dial failure, so the fail count starts over.
func (m *Manager) forceCloseLocked(code int, reason string) {
	m.failCount = 0
	m.outSeq = 1
	if t := m.detachLocked(); t != nil {
		if err := t.Close(code, reason); err != nil {
			m.logger.Debug("websocket close", "error", err)
		}
	}
	m.closedLocked(code, reason)
}

// closedLocked is the close path shared by transport close events,
// forced teardowns and transport construction failures.
func (m *Manager) closedLocked(code int, reason string) {
	m.detachLocked()
	m.outSeq = 1
	if m.cfg.ResetOnClose {
		m.seq.reset()
	}
	if m.closeCode == 0 {
		m.closeCode = code
	}
	m.failCount++
	failCount := m.failCount

	if failCount <= 1 {
		m.logger.Info("websocket closed", "code", code, "reason", reason)
	} else {
		m.logger.Debug("websocket closed", "code", code, "reason", reason, "fail_count", failCount)
	}

	m.notify.enqueue(func() {
		m.listeners.Close.each(func(fn CloseListener) { fn(failCount) })
	})

	m.heartbeat.stop()
	m.replies.clear()
	m.scheduleReconnectLocked()
}

// detachLocked forgets the current transport so its callbacks are
// ignored from now on. Returns the detached transport, if any.
func (m *Manager) detachLocked() Transport {
	t := m.transport
	m.transport = nil
	m.open = false
	m.gen++
	return t
}

func (m *Manager) scheduleReconnectLocked() {
	delay := m.reconnect.computeDelay(m.failCount)
	if m.reconnect.schedule(delay, m.handleRetry) {
		m.logger.Debug("websocket reconnect scheduled", "delay", delay, "fail_count", m.failCount)
	}
}

func (m *Manager) handleRetry(token uint64) {
	defer m.notify.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.reconnect.fired(token) {
		return
	}
	m.initLocked()
}

func (m *Manager) startHeartbeatLocked() {
	m.heartbeat.start(m.handleHeartbeat)
	m.probeLocked()
}

// probeLocked sends one ping. replyLocked clears the awaiting flag when
// the matching reply arrives.
func (m *Manager) probeLocked() {
	seq, err := m.sendLocked(ActionPing, nil, nil)
	if err != nil {
		return
	}
	m.heartbeat.probed(seq)
}

func (m *Manager) handleHeartbeat(epoch uint64) {
	defer m.notify.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.heartbeat.current(epoch) || !m.open {
		return
	}

	if m.heartbeat.awaiting {
		m.logger.Warn("ping timeout, closing websocket", "interval", m.cfg.PingInterval)
		m.stats.pingTimeouts++
		m.heartbeat.stop()
		m.forceCloseLocked(ClosePingTimeout, "ping timeout")
		return
	}

	m.probeLocked()
	m.heartbeat.arm(epoch, m.handleHeartbeat)
}

func (m *Manager) handleOnline() {
	defer m.notify.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active || m.transport != nil {
		return
	}
	// A retry is always pending here. Pull it in if a fresh delay for the
	// current fail count would fire sooner than the remaining backoff.
	delay := m.reconnect.computeDelay(m.failCount)
	if m.reconnect.expedite(delay, m.handleRetry) {
		m.logger.Info("network online, retrying sooner", "delay", delay, "fail_count", m.failCount)
	}
}

func (m *Manager) handleOffline() {
	m.logger.Info("network offline")
}

// State returns the coarse connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() ConnState {
	switch {
	case m.open:
		return StateOpen
	case m.transport != nil:
		return StateConnecting
	case m.reconnect.pending:
		return StateReconnecting
	default:
		return StateIdle
	}
}

// Stats returns a snapshot of the Manager's state and counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		State:          m.stateLocked(),
		ConnectionID:   m.seq.connectionID,
		ServerVersion:  m.seq.serverVersion,
		ServerHostname: m.seq.serverHostname,
		FailCount:      m.failCount,
		NextSendSeq:    m.outSeq,
		NextEventSeq:   m.seq.expected,
		PendingReplies: m.replies.len(),
		FramesSent:     m.stats.framesSent,
		FramesReceived: m.stats.framesReceived,
		EventsAccepted: m.stats.eventsAccepted,
		Dials:          m.stats.dials,
		Reconnects:     m.stats.reconnects,
		Mismatches:     m.stats.mismatches,
		PingTimeouts:   m.stats.pingTimeouts,
	}
}
