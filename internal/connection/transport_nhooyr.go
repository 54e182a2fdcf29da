package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// NewNhooyrFactory returns a TransportFactory backed by nhooyr.io/websocket.
func NewNhooyrFactory(cfg DialConfig, logger *slog.Logger) TransportFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(rawURL string, h TransportHandler) (Transport, error) {
		ctx, cancel := context.WithCancel(context.Background())
		t := &nhooyrTransport{
			cfg:     cfg,
			logger:  logger,
			handler: h,
			ctx:     ctx,
			cancel:  cancel,
		}
		go t.run(rawURL)
		return t, nil
	}
}

// nhooyrTransport implements Transport with nhooyr.io/websocket.
type nhooyrTransport struct {
	cfg     DialConfig
	logger  *slog.Logger
	handler TransportHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	localCode   int
	localReason string

	closeOnce sync.Once
}

func (t *nhooyrTransport) run(rawURL string) {
	ctx, cancel := context.WithTimeout(t.ctx, dialTimeout(t.cfg))
	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPHeader: t.cfg.Header,
	})
	cancel()
	if err != nil {
		if code, reason, local := t.localClose(); local {
			t.fireClose(code, reason)
			return
		}
		t.handler.OnError(err)
		t.fireClose(CloseAbnormal, err.Error())
		return
	}

	if t.cfg.ReadLimit > 0 {
		conn.SetReadLimit(t.cfg.ReadLimit)
	}

	t.mu.Lock()
	if t.closed {
		code, reason := t.localCode, t.localReason
		t.mu.Unlock()
		conn.Close(websocket.StatusCode(code), reason)
		t.fireClose(code, reason)
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.logger.Debug("websocket connected", "url", rawURL, "transport", "nhooyr")
	t.handler.OnOpen()
	t.readLoop(conn)
}

func (t *nhooyrTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(t.ctx)
		if err != nil {
			if code, reason, local := t.localClose(); local {
				t.fireClose(code, reason)
				return
			}
			if status := websocket.CloseStatus(err); status != -1 {
				t.fireClose(int(status), err.Error())
				return
			}
			t.handler.OnError(err)
			conn.Close(websocket.StatusInternalError, "read failed")
			t.fireClose(CloseAbnormal, err.Error())
			return
		}
		t.handler.OnMessage(data)
	}
}

// Send writes one text frame.
func (t *nhooyrTransport) Send(data []byte) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if conn == nil || closed {
		return ErrNotConnected
	}

	ctx := t.ctx
	if t.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.WriteTimeout)
		defer cancel()
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close starts the close handshake in the background; nhooyr waits for
// the peer's close frame, which must not hold up the caller.
func (t *nhooyrTransport) Close(code int, reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.localCode = code
	t.localReason = reason
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		t.cancel()
		return nil
	}

	go func() {
		if err := conn.Close(websocket.StatusCode(code), reason); err != nil {
			t.logger.Debug("websocket close handshake", "error", err)
		}
		t.cancel()
	}()

	// Unblock a read stuck on a dead peer.
	time.AfterFunc(2*time.Second, t.cancel)
	return nil
}

func (t *nhooyrTransport) localClose() (int, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localCode, t.localReason, t.closed
}

func (t *nhooyrTransport) fireClose(code int, reason string) {
	t.closeOnce.Do(func() {
		t.handler.OnClose(code, reason)
	})
}
