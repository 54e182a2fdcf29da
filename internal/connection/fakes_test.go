package connection

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/realtime-session/internal/clock"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records what the Manager does to it and lets the test
// play the server side by invoking the handler directly.
type fakeTransport struct {
	url     string
	handler TransportHandler

	mu         sync.Mutex
	sent       [][]byte
	sendErr    error
	closeCalls int
	closeCode  int
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.closeCode = code
	return nil
}

func (f *fakeTransport) open() { f.handler.OnOpen() }

func (f *fakeTransport) fail(err error) {
	f.handler.OnError(err)
	f.handler.OnClose(CloseAbnormal, err.Error())
}

func (f *fakeTransport) serverClose(code int) { f.handler.OnClose(code, "") }

func (f *fakeTransport) push(t *testing.T, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	f.handler.OnMessage(data)
}

func (f *fakeTransport) hello(t *testing.T, connectionID string, seq int64) {
	t.Helper()
	f.push(t, map[string]any{
		"event": EventHello,
		"seq":   seq,
		"data": map[string]string{
			"connection_id":   connectionID,
			"server_version":  "10.2.0",
			"server_hostname": "app-1",
		},
	})
}

func (f *fakeTransport) event(t *testing.T, name string, seq int64) {
	t.Helper()
	f.push(t, map[string]any{"event": name, "seq": seq, "data": map[string]string{}})
}

func (f *fakeTransport) reply(t *testing.T, seqReply int64) {
	t.Helper()
	f.push(t, map[string]any{"status": "OK", "seq_reply": seqReply})
}

func (f *fakeTransport) requests(t *testing.T) []Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Request, 0, len(f.sent))
	for _, raw := range f.sent {
		var r Request
		if err := json.Unmarshal(raw, &r); err != nil {
			t.Fatalf("unmarshal request %s: %v", raw, err)
		}
		out = append(out, r)
	}
	return out
}

func (f *fakeTransport) closes() (calls, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls, f.closeCode
}

// fakeDialer is a TransportFactory that hands out fakeTransports.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
}

func (d *fakeDialer) factory(rawURL string, h TransportHandler) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	tr := &fakeTransport{url: rawURL, handler: h}
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last(t *testing.T) *fakeTransport {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		t.Fatal("no transport dialed")
	}
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) lastQuery(t *testing.T) url.Values {
	t.Helper()
	u, err := url.Parse(d.last(t).url)
	if err != nil {
		t.Fatalf("parse dial url: %v", err)
	}
	return u.Query()
}

// fakeConnectivity lets tests toggle network state.
type fakeConnectivity struct {
	mu           sync.Mutex
	online       func()
	offline      func()
	subscribes   int
	unsubscribes int
}

func (c *fakeConnectivity) Subscribe(onOnline, onOffline func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = onOnline
	c.offline = onOffline
	c.subscribes++
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.unsubscribes++
	}
}

func (c *fakeConnectivity) goOnline() {
	c.mu.Lock()
	fn := c.online
	c.mu.Unlock()
	fn()
}

var errSocket = errors.New("socket reset")

type testEnv struct {
	m      *Manager
	dialer *fakeDialer
	clock  *clock.FakeClock
}

// newTestManager builds a Manager with a fake clock, fake transports and
// no jitter. mutate may adjust the config before construction.
func newTestManager(t *testing.T, mutate func(*ManagerConfig), opts ...Option) testEnv {
	t.Helper()

	cfg := DefaultManagerConfig()
	cfg.URL = "wss://chat.example.com/api/v4/websocket"
	cfg.Token = "secret-token"
	cfg.JitterRange = 0
	if mutate != nil {
		mutate(&cfg)
	}

	env := testEnv{dialer: &fakeDialer{}, clock: clock.Fake(testEpoch)}
	base := []Option{
		WithClock(env.clock),
		WithTransportFactory(env.dialer.factory),
		WithLogger(discardLogger()),
	}
	m, err := NewManager(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env.m = m
	return env
}

// connect runs Init and opens the resulting transport.
func (e testEnv) connect(t *testing.T) *fakeTransport {
	t.Helper()
	e.m.Init()
	tr := e.dialer.last(t)
	tr.open()
	return tr
}

// lifecycle counts listener invocations.
type lifecycle struct {
	mu            sync.Mutex
	firstConnects int
	reconnects    int
	missed        int
	closes        []int
	errs          []error
	events        []Event
}

func watch(m *Manager) *lifecycle {
	lc := &lifecycle{}
	l := m.Listeners()
	l.FirstConnect.Add(func() { lc.mu.Lock(); lc.firstConnects++; lc.mu.Unlock() })
	l.Reconnect.Add(func() { lc.mu.Lock(); lc.reconnects++; lc.mu.Unlock() })
	l.MissedMessage.Add(func() { lc.mu.Lock(); lc.missed++; lc.mu.Unlock() })
	l.Close.Add(func(n int) { lc.mu.Lock(); lc.closes = append(lc.closes, n); lc.mu.Unlock() })
	l.Error.Add(func(err error) { lc.mu.Lock(); lc.errs = append(lc.errs, err); lc.mu.Unlock() })
	l.Message.Add(func(ev Event) { lc.mu.Lock(); lc.events = append(lc.events, ev); lc.mu.Unlock() })
	return lc
}

func (lc *lifecycle) seqs() []int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	out := make([]int64, len(lc.events))
	for i, ev := range lc.events {
		out[i] = ev.Seq
	}
	return out
}
