package connection

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNewManager_InvalidURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"http scheme", "http://chat.example.com/api/v4/websocket"},
		{"unparseable", "ws://[::1"},
		{"missing host", "ws:///api/v4/websocket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(ManagerConfig{URL: tt.url})
			if !errors.Is(err, ErrInvalidURL) {
				t.Errorf("NewManager(%q) error = %v, want ErrInvalidURL", tt.url, err)
			}
		})
	}
}

func TestNewManager_AppliesDefaults(t *testing.T) {
	m, err := NewManager(ManagerConfig{URL: "ws://localhost:8065/api/v4/websocket"}, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.cfg.MinRetryDelay != DefaultMinRetryDelay {
		t.Errorf("MinRetryDelay = %v, want %v", m.cfg.MinRetryDelay, DefaultMinRetryDelay)
	}
	if m.cfg.PingInterval != DefaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", m.cfg.PingInterval, DefaultPingInterval)
	}
	if m.cfg.JitterRange != 0 {
		t.Errorf("JitterRange = %v, want 0 to be kept", m.cfg.JitterRange)
	}
	if m.State() != StateIdle {
		t.Errorf("State() = %s, want idle", m.State())
	}
}

func TestManager_FirstDialURL(t *testing.T) {
	env := newTestManager(t, func(c *ManagerConfig) { c.PostedAck = true })
	env.m.Init()

	q := env.dialer.lastQuery(t)
	if got := q.Get("connection_id"); got != "" {
		t.Errorf("connection_id = %q, want empty", got)
	}
	if got := q.Get("sequence_number"); got != "0" {
		t.Errorf("sequence_number = %q, want 0", got)
	}
	if got := q.Get("posted_ack"); got != "true" {
		t.Errorf("posted_ack = %q, want true", got)
	}
	if q.Has("disconnect_err_code") {
		t.Error("disconnect_err_code should be absent on first dial")
	}
	if env.m.State() != StateConnecting {
		t.Errorf("State() = %s, want connecting", env.m.State())
	}
}

func TestManager_OpenAuthenticatesAndProbes(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	tr := env.connect(t)

	reqs := tr.requests(t)
	if len(reqs) != 2 {
		t.Fatalf("sent %d frames, want 2", len(reqs))
	}
	if reqs[0].Action != ActionAuthenticate || reqs[0].Seq != 1 {
		t.Errorf("frame 0 = %s/%d, want %s/1", reqs[0].Action, reqs[0].Seq, ActionAuthenticate)
	}
	data, _ := reqs[0].Data.(map[string]any)
	if data["token"] != "secret-token" {
		t.Errorf("auth data = %v, want token secret-token", reqs[0].Data)
	}
	if reqs[1].Action != ActionPing || reqs[1].Seq != 2 {
		t.Errorf("frame 1 = %s/%d, want ping/2", reqs[1].Action, reqs[1].Seq)
	}

	if lc.firstConnects != 1 || lc.reconnects != 0 {
		t.Errorf("firstConnects = %d, reconnects = %d; want 1, 0", lc.firstConnects, lc.reconnects)
	}
	if env.m.State() != StateOpen {
		t.Errorf("State() = %s, want open", env.m.State())
	}
}

func TestManager_NoTokenSkipsAuth(t *testing.T) {
	env := newTestManager(t, func(c *ManagerConfig) { c.Token = "" })
	tr := env.connect(t)

	reqs := tr.requests(t)
	if len(reqs) != 1 || reqs[0].Action != ActionPing || reqs[0].Seq != 1 {
		t.Errorf("requests = %+v, want a single ping with seq 1", reqs)
	}
}

func TestManager_HelloSetsSession(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	tr := env.connect(t)

	tr.hello(t, "A", 0)

	stats := env.m.Stats()
	if stats.ConnectionID != "A" {
		t.Errorf("ConnectionID = %q, want A", stats.ConnectionID)
	}
	if stats.ServerVersion != "10.2.0" || stats.ServerHostname != "app-1" {
		t.Errorf("server = %q/%q, want 10.2.0/app-1", stats.ServerVersion, stats.ServerHostname)
	}
	if lc.missed != 0 {
		t.Errorf("missed listeners fired %d times, want 0", lc.missed)
	}
	if len(lc.events) != 1 || lc.events[0].Event != EventHello || lc.events[0].ConnectionID != "A" {
		t.Errorf("events = %+v, want the hello stamped with A", lc.events)
	}
}

func TestManager_SessionLostOnNewConnectionID(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	tr := env.connect(t)

	tr.hello(t, "A", 0)
	tr.event(t, "posted", 1)
	tr.event(t, "posted", 2)
	tr.serverClose(1001)

	env.clock.Advance(DefaultMinRetryDelay)
	q := env.dialer.lastQuery(t)
	if q.Get("connection_id") != "A" || q.Get("sequence_number") != "3" {
		t.Errorf("resume query = %v, want connection_id=A sequence_number=3", q)
	}
	if q.Get("disconnect_err_code") != "1001" {
		t.Errorf("disconnect_err_code = %q, want 1001", q.Get("disconnect_err_code"))
	}

	tr2 := env.dialer.last(t)
	tr2.open()
	if lc.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", lc.reconnects)
	}

	tr2.hello(t, "B", 0)
	if lc.missed != 1 {
		t.Errorf("missed = %d, want 1", lc.missed)
	}
	stats := env.m.Stats()
	if stats.ConnectionID != "B" || stats.NextEventSeq != 1 {
		t.Errorf("session = %q/%d, want B/1", stats.ConnectionID, stats.NextEventSeq)
	}

	want := []int64{0, 1, 2, 0}
	got := lc.seqs()
	if len(got) != len(want) {
		t.Fatalf("delivered seqs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivered seqs = %v, want %v", got, want)
			break
		}
	}
}

func TestManager_SameConnectionIDResumes(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	tr := env.connect(t)

	tr.hello(t, "A", 0)
	tr.event(t, "typing", 1)
	tr.serverClose(1006)

	env.clock.Advance(DefaultMinRetryDelay)
	tr2 := env.dialer.last(t)
	tr2.open()
	tr2.hello(t, "A", 2)
	tr2.event(t, "typing", 3)

	if lc.missed != 0 {
		t.Errorf("missed = %d, want 0", lc.missed)
	}
	if got := env.m.Stats().NextEventSeq; got != 4 {
		t.Errorf("NextEventSeq = %d, want 4", got)
	}
}

func TestManager_SequenceGapForcesReconnect(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	tr := env.connect(t)

	tr.hello(t, "A", 0)
	for seq := int64(1); seq <= 4; seq++ {
		tr.event(t, "posted", seq)
	}
	if got := env.m.Stats().NextEventSeq; got != 5 {
		t.Fatalf("NextEventSeq = %d, want 5", got)
	}

	tr.event(t, "posted", 7)

	calls, code := tr.closes()
	if calls != 1 || code != CloseSequenceMismatch {
		t.Errorf("transport closes = %d with code %d, want 1 with %d", calls, code, CloseSequenceMismatch)
	}
	for _, seq := range lc.seqs() {
		if seq == 7 {
			t.Error("out-of-order event was delivered")
		}
	}
	if len(lc.closes) != 1 || lc.closes[0] != 1 {
		t.Errorf("close listeners = %v, want [1]", lc.closes)
	}
	if env.m.State() != StateReconnecting {
		t.Errorf("State() = %s, want reconnecting", env.m.State())
	}
	if n := env.clock.PendingCount(); n != 1 {
		t.Errorf("pending timers = %d, want 1", n)
	}

	// The transport's own close event arrives later and is ignored.
	tr.serverClose(CloseSequenceMismatch)
	if len(lc.closes) != 1 {
		t.Errorf("late close event fired listeners again: %v", lc.closes)
	}

	env.clock.Advance(DefaultMinRetryDelay)
	if env.dialer.count() != 2 {
		t.Fatalf("dials = %d, want 2", env.dialer.count())
	}
	if got := env.dialer.lastQuery(t).Get("disconnect_err_code"); got != "4001" {
		t.Errorf("disconnect_err_code = %q, want 4001", got)
	}
}

func TestManager_StaleTransportIgnored(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	tr := env.connect(t)
	tr.hello(t, "A", 0)
	tr.event(t, "posted", 5)

	tr.event(t, "posted", 1)
	tr.handler.OnError(errSocket)
	if got := lc.seqs(); len(got) != 1 {
		t.Errorf("delivered seqs = %v, want only the hello", got)
	}
	if len(lc.errs) != 0 {
		t.Errorf("errors = %v, want none from a detached transport", lc.errs)
	}
}

func TestManager_CloseTwice(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	tr := env.connect(t)

	env.m.Close()
	env.m.Close()

	calls, code := tr.closes()
	if calls != 1 || code != CloseNormal {
		t.Errorf("transport closes = %d with code %d, want 1 with %d", calls, code, CloseNormal)
	}
	if len(lc.closes) != 0 {
		t.Errorf("close listeners fired on manual close: %v", lc.closes)
	}
	if env.clock.PendingCount() != 0 {
		t.Errorf("pending timers = %d, want 0", env.clock.PendingCount())
	}
	if env.m.State() != StateIdle {
		t.Errorf("State() = %s, want idle", env.m.State())
	}

	// Closing a Manager that never connected is also fine.
	fresh := newTestManager(t, nil)
	fresh.m.Close()
	fresh.m.Close()
}

func TestManager_CloseCancelsPendingReconnect(t *testing.T) {
	env := newTestManager(t, nil)
	tr := env.connect(t)
	tr.serverClose(1006)

	if env.m.State() != StateReconnecting {
		t.Fatalf("State() = %s, want reconnecting", env.m.State())
	}
	env.m.Close()

	env.clock.Advance(time.Hour)
	if env.dialer.count() != 1 {
		t.Errorf("dials = %d, want 1 after Close", env.dialer.count())
	}
	stats := env.m.Stats()
	if stats.FailCount != 0 || stats.NextSendSeq != 1 {
		t.Errorf("after Close fail=%d nextSeq=%d, want 0 and 1", stats.FailCount, stats.NextSendSeq)
	}

	env.m.Init()
	if q := env.dialer.lastQuery(t); q.Has("disconnect_err_code") {
		t.Error("disconnect code should be cleared by Close")
	}
}

func TestManager_CloseWhileConnecting(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	env.m.Init()
	tr := env.dialer.last(t)

	env.m.Close()
	tr.open()
	tr.serverClose(CloseNormal)

	if calls, _ := tr.closes(); calls != 1 {
		t.Errorf("transport closes = %d, want 1", calls)
	}
	if lc.firstConnects != 0 || len(lc.closes) != 0 {
		t.Errorf("detached transport fired listeners: first=%d closes=%v", lc.firstConnects, lc.closes)
	}
}

func TestManager_BackoffOnConsecutiveFailures(t *testing.T) {
	env := newTestManager(t, func(c *ManagerConfig) {
		c.MinRetryDelay = 10 * time.Millisecond
		c.MaxFails = 1
	})
	lc := watch(env.m)

	env.m.Init()
	want := []time.Duration{10, 40, 90, 160, 250}
	for i, w := range want {
		env.dialer.last(t).fail(errSocket)

		delay, ok := env.clock.NextDeadline()
		if !ok {
			t.Fatalf("failure %d: no reconnect scheduled", i+1)
		}
		if delay != w*time.Millisecond {
			t.Errorf("failure %d: delay = %v, want %v", i+1, delay, w*time.Millisecond)
		}
		env.clock.Advance(delay)
	}

	if env.dialer.count() != len(want)+1 {
		t.Errorf("dials = %d, want %d", env.dialer.count(), len(want)+1)
	}
	if len(lc.errs) != len(want) {
		t.Errorf("error listeners fired %d times, want %d", len(lc.errs), len(want))
	}
	if got := lc.closes; len(got) != 5 || got[4] != 5 {
		t.Errorf("close listener counts = %v, want 1..5", got)
	}

	env.dialer.last(t).open()
	if lc.reconnects != 1 || lc.firstConnects != 0 {
		t.Errorf("reconnects = %d, firstConnects = %d; want 1, 0", lc.reconnects, lc.firstConnects)
	}
	if env.m.Stats().FailCount != 0 {
		t.Errorf("FailCount = %d after open, want 0", env.m.Stats().FailCount)
	}
}

func TestManager_FactoryErrorSchedulesRetry(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	env.dialer.err = errors.New("no route to host")

	env.m.Init()
	if len(lc.errs) != 1 || len(lc.closes) != 1 {
		t.Errorf("errs = %v, closes = %v; want one of each", lc.errs, lc.closes)
	}
	if env.m.State() != StateReconnecting {
		t.Errorf("State() = %s, want reconnecting", env.m.State())
	}

	env.dialer.err = nil
	env.clock.Advance(DefaultMinRetryDelay)
	if env.dialer.count() != 1 {
		t.Errorf("dials = %d, want 1", env.dialer.count())
	}
}

func TestManager_InitIsIdempotent(t *testing.T) {
	env := newTestManager(t, nil)

	env.m.Init()
	env.m.Init()
	if env.dialer.count() != 1 {
		t.Fatalf("dials = %d, want 1 while connecting", env.dialer.count())
	}

	env.dialer.last(t).open()
	env.m.Init()
	if env.dialer.count() != 1 {
		t.Fatalf("dials = %d, want 1 while open", env.dialer.count())
	}

	env.dialer.last(t).serverClose(1006)
	pending := env.clock.PendingCount()
	env.m.Init()
	env.m.Init()
	if env.dialer.count() != 1 {
		t.Errorf("dials = %d, want 1 while a reconnect is pending", env.dialer.count())
	}
	if env.clock.PendingCount() != pending {
		t.Errorf("pending timers = %d, want %d", env.clock.PendingCount(), pending)
	}
}

func TestManager_HeartbeatReplyKeepsConnection(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	tr := env.connect(t)

	tr.reply(t, 2)
	env.clock.Advance(DefaultPingInterval)

	if calls, _ := tr.closes(); calls != 0 {
		t.Fatalf("transport closed %d times, want 0", calls)
	}
	reqs := tr.requests(t)
	if last := reqs[len(reqs)-1]; last.Action != ActionPing || last.Seq != 3 {
		t.Errorf("last frame = %s/%d, want ping/3", last.Action, last.Seq)
	}

	tr.reply(t, 3)
	env.clock.Advance(DefaultPingInterval)
	if calls, _ := tr.closes(); calls != 0 || len(lc.closes) != 0 {
		t.Errorf("unexpected teardown: closes=%d listeners=%v", calls, lc.closes)
	}
}

func TestManager_HeartbeatTimeout(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	tr := env.connect(t)

	tr.reply(t, 2)
	env.clock.Advance(DefaultPingInterval) // ping 3 goes out, never answered
	env.clock.Advance(DefaultPingInterval)

	calls, code := tr.closes()
	if calls != 1 || code != ClosePingTimeout {
		t.Errorf("transport closes = %d with code %d, want 1 with %d", calls, code, ClosePingTimeout)
	}
	if len(lc.closes) != 1 || lc.closes[0] != 1 {
		t.Errorf("close listeners = %v, want [1]", lc.closes)
	}
	if n := env.clock.PendingCount(); n != 1 {
		t.Errorf("pending timers = %d, want only the reconnect", n)
	}
	if env.m.Stats().PingTimeouts != 1 {
		t.Errorf("PingTimeouts = %d, want 1", env.m.Stats().PingTimeouts)
	}

	env.clock.Advance(DefaultMinRetryDelay)
	if env.dialer.count() != 2 {
		t.Fatalf("dials = %d, want 2", env.dialer.count())
	}
	if got := env.dialer.lastQuery(t).Get("disconnect_err_code"); got != "4000" {
		t.Errorf("disconnect_err_code = %q, want 4000", got)
	}
	env.dialer.last(t).open()
	if lc.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", lc.reconnects)
	}
}

func TestManager_PongAckedWhileListenerBusy(t *testing.T) {
	env := newTestManager(t, nil)
	tr := env.connect(t)
	tr.hello(t, "A", 0)

	entered := make(chan struct{})
	release := make(chan struct{})
	env.m.Listeners().Message.Add(func(ev Event) {
		if ev.Event == "posted" {
			close(entered)
			<-release
		}
	})

	// The goroutine delivering "posted" keeps draining listener callbacks
	// until release is closed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.handler.OnMessage([]byte(`{"event":"posted","seq":1}`))
	}()
	<-entered

	tr.reply(t, 2)
	env.clock.Advance(DefaultPingInterval)

	calls, code := tr.closes()
	close(release)
	<-done

	if calls != 0 {
		t.Fatalf("transport closed with code %d, want the answered ping to keep it open", code)
	}
	if got := env.m.Stats().PingTimeouts; got != 0 {
		t.Errorf("PingTimeouts = %d, want 0", got)
	}
	reqs := tr.requests(t)
	if last := reqs[len(reqs)-1]; last.Action != ActionPing || last.Seq != 3 {
		t.Errorf("last frame = %s/%d, want ping/3", last.Action, last.Seq)
	}
}

func TestManager_ReplyCorrelation(t *testing.T) {
	env := newTestManager(t, nil)
	tr := env.connect(t)
	tr.reply(t, 2)
	tr.hello(t, "A", 0)

	var replies []Event
	seq, err := env.m.Send("get_statuses", nil, func(ev Event) {
		replies = append(replies, ev)
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if seq != 3 {
		t.Errorf("seq = %d, want 3", seq)
	}
	if env.m.Stats().PendingReplies != 1 {
		t.Errorf("PendingReplies = %d, want 1", env.m.Stats().PendingReplies)
	}

	tr.push(t, map[string]any{
		"status":    "FAIL",
		"seq_reply": seq,
		"error":     map[string]string{"id": "api.web_socket_router.bad_action"},
	})
	tr.reply(t, seq)

	if len(replies) != 1 {
		t.Fatalf("callback ran %d times, want 1", len(replies))
	}
	if !replies[0].Failed() || replies[0].Status != "FAIL" {
		t.Errorf("reply = %+v, want the failed reply", replies[0])
	}
	if got := env.m.Stats().NextEventSeq; got != 1 {
		t.Errorf("NextEventSeq = %d, want 1; replies must not advance it", got)
	}
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	env := newTestManager(t, nil)

	seq, err := env.m.Send("user_typing", map[string]string{"channel_id": "c1"}, nil)
	if !errors.Is(err, ErrNotConnected) || seq != 0 {
		t.Errorf("Send() = %d, %v; want 0, ErrNotConnected", seq, err)
	}
	if env.dialer.count() != 1 {
		t.Fatalf("dials = %d, want Send to start a connection", env.dialer.count())
	}
	if reqs := env.dialer.last(t).requests(t); len(reqs) != 0 {
		t.Errorf("frames written before open: %+v", reqs)
	}

	if _, err := env.m.Send("user_typing", nil, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send while connecting error = %v, want ErrNotConnected", err)
	}
	if env.dialer.count() != 1 {
		t.Errorf("dials = %d, want 1", env.dialer.count())
	}
}

func TestManager_SendWriteError(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	tr := env.connect(t)
	tr.reply(t, 2)

	tr.mu.Lock()
	tr.sendErr = errSocket
	tr.mu.Unlock()

	called := false
	_, err := env.m.Send("get_statuses", nil, func(Event) { called = true })
	if !errors.Is(err, errSocket) {
		t.Errorf("Send error = %v, want errSocket", err)
	}
	if len(lc.errs) != 1 {
		t.Errorf("error listeners fired %d times, want 1", len(lc.errs))
	}
	if env.m.Stats().PendingReplies != 0 || called {
		t.Error("failed write left a pending reply")
	}
}

func TestManager_PendingRepliesDroppedOnClose(t *testing.T) {
	env := newTestManager(t, nil)
	tr := env.connect(t)

	called := false
	seq, _ := env.m.Send("get_statuses", nil, func(Event) { called = true })
	tr.serverClose(1006)

	if env.m.Stats().PendingReplies != 0 {
		t.Errorf("PendingReplies = %d, want 0", env.m.Stats().PendingReplies)
	}
	if env.m.Stats().NextSendSeq != 1 {
		t.Errorf("NextSendSeq = %d, want 1", env.m.Stats().NextSendSeq)
	}

	env.clock.Advance(DefaultMinRetryDelay)
	tr2 := env.dialer.last(t)
	tr2.open()
	tr2.reply(t, seq)
	if called {
		t.Error("reply callback ran after teardown")
	}
}

func TestManager_ListenerCanSend(t *testing.T) {
	env := newTestManager(t, nil)
	tr := env.connect(t)

	env.m.Listeners().Message.Add(func(ev Event) {
		if ev.Event == "posted" {
			env.m.Send("ack", map[string]int64{"seq": ev.Seq}, nil)
		}
	})

	tr.hello(t, "A", 0)
	tr.event(t, "posted", 1)

	reqs := tr.requests(t)
	last := reqs[len(reqs)-1]
	if last.Action != "ack" {
		t.Errorf("last frame = %s, want ack", last.Action)
	}
}

func TestManager_ListenerPanicIsolated(t *testing.T) {
	env := newTestManager(t, nil)
	tr := env.connect(t)

	env.m.Listeners().Message.Add(func(Event) { panic("boom") })
	var got []int64
	env.m.Listeners().Message.Add(func(ev Event) { got = append(got, ev.Seq) })

	tr.hello(t, "A", 0)
	tr.event(t, "posted", 1)

	if len(got) != 2 {
		t.Errorf("second listener saw %v, want both events", got)
	}
	if env.m.State() != StateOpen {
		t.Errorf("State() = %s, want open", env.m.State())
	}
}

func TestManager_MalformedFrameDropped(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	tr := env.connect(t)

	tr.handler.OnMessage([]byte("not json"))
	tr.hello(t, "A", 0)

	if calls, _ := tr.closes(); calls != 0 {
		t.Errorf("malformed frame closed the transport")
	}
	if got := lc.seqs(); len(got) != 1 {
		t.Errorf("delivered = %v, want the hello only", got)
	}
}

func TestManager_TransportErrorKeepsConnection(t *testing.T) {
	env := newTestManager(t, nil)
	lc := watch(env.m)
	tr := env.connect(t)

	tr.handler.OnError(errSocket)
	if len(lc.errs) != 1 || !errors.Is(lc.errs[0], errSocket) {
		t.Errorf("errs = %v, want [errSocket]", lc.errs)
	}
	if env.m.State() != StateOpen {
		t.Errorf("State() = %s, want open", env.m.State())
	}
}

func TestManager_ResetOnClose(t *testing.T) {
	env := newTestManager(t, func(c *ManagerConfig) { c.ResetOnClose = true })
	lc := watch(env.m)
	tr := env.connect(t)
	tr.hello(t, "A", 0)
	tr.serverClose(1001)

	env.clock.Advance(DefaultMinRetryDelay)
	q := env.dialer.lastQuery(t)
	if q.Get("connection_id") != "" || q.Get("sequence_number") != "0" {
		t.Errorf("query = %v, want a fresh session", q)
	}

	tr2 := env.dialer.last(t)
	tr2.open()
	tr2.hello(t, "B", 0)
	if lc.missed != 0 {
		t.Errorf("missed = %d, want 0 when nothing was held", lc.missed)
	}
}

func TestManager_SkipSequenceWithoutListeners(t *testing.T) {
	env := newTestManager(t, func(c *ManagerConfig) { c.SkipSequenceWithoutListeners = true })
	tr := env.connect(t)

	tr.event(t, "posted", 9)
	if calls, _ := tr.closes(); calls != 0 {
		t.Error("event checked without message listeners")
	}

	validated := newTestManager(t, nil)
	tr2 := validated.connect(t)
	tr2.event(t, "posted", 9)
	if calls, code := tr2.closes(); calls != 1 || code != CloseSequenceMismatch {
		t.Errorf("closes = %d/%d, want sequence checked without listeners", calls, code)
	}
}

func TestManager_Connectivity(t *testing.T) {
	conn := &fakeConnectivity{}
	env := newTestManager(t, nil, WithConnectivity(conn))

	tr := env.connect(t)
	if conn.subscribes != 1 {
		t.Fatalf("subscribes = %d, want 1", conn.subscribes)
	}

	conn.goOnline()
	if env.clock.PendingCount() != 1 {
		t.Errorf("online while open scheduled a retry; pending = %d", env.clock.PendingCount())
	}

	tr.serverClose(1006)
	conn.goOnline()
	if env.clock.PendingCount() != 1 {
		t.Errorf("pending timers = %d, want a single reconnect", env.clock.PendingCount())
	}

	env.clock.Advance(DefaultMinRetryDelay)
	env.dialer.last(t).open()
	if conn.subscribes != 1 {
		t.Errorf("subscribes = %d after reconnect, want 1", conn.subscribes)
	}

	env.m.Close()
	conn.goOnline()
	if env.clock.PendingCount() != 0 {
		t.Errorf("online after Close scheduled a retry")
	}

	env.m.Shutdown()
	if conn.unsubscribes != 1 {
		t.Errorf("unsubscribes = %d, want 1", conn.unsubscribes)
	}
}

func TestManager_OnlineShortensPendingBackoff(t *testing.T) {
	jitter := []int64{int64(9 * time.Second), 0}
	randN := func(int64) int64 {
		v := jitter[0]
		jitter = jitter[1:]
		return v
	}
	conn := &fakeConnectivity{}
	env := newTestManager(t, func(c *ManagerConfig) { c.JitterRange = 10 * time.Second },
		WithConnectivity(conn), WithJitterSource(randN))

	tr := env.connect(t)
	tr.serverClose(1006) // retry due in 3s + 9s
	env.clock.Advance(time.Second)

	conn.goOnline() // fresh delay 3s + 0s fires sooner
	if n := env.clock.PendingCount(); n != 1 {
		t.Fatalf("pending timers = %d, want the replaced retry only", n)
	}

	env.clock.Advance(DefaultMinRetryDelay)
	if env.dialer.count() != 2 {
		t.Fatalf("dials = %d, want the expedited retry to dial", env.dialer.count())
	}

	env.clock.Advance(time.Minute)
	if env.dialer.count() != 2 {
		t.Errorf("dials = %d, want the replaced retry not to fire", env.dialer.count())
	}
}

func TestManager_InstanceIDInLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	env := newTestManager(t, nil, WithLogger(logger), WithInstanceID(42))
	env.connect(t)

	if !strings.Contains(buf.String(), "instance=42") {
		t.Errorf("log output missing instance id:\n%s", buf.String())
	}
}
