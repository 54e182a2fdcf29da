package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one message-oriented connection attempt. A Manager never
// reuses a Transport after it closes.
type Transport interface {
	// Send writes one text frame.
	Send(data []byte) error

	// Close starts closing with the given code. It must not block on the
	// peer and must not call back into the TransportHandler synchronously.
	Close(code int, reason string) error
}

// TransportHandler receives transport lifecycle callbacks. OnOpen comes
// before any OnMessage; OnClose is called at most once and last.
type TransportHandler struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// TransportFactory starts connecting to rawURL and returns immediately.
// Callbacks must be delivered from another goroutine, never from inside
// the factory call.
type TransportFactory func(rawURL string, h TransportHandler) (Transport, error)

// DialConfig holds settings shared by the bundled transports.
type DialConfig struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64 // 0 keeps the library default
}

// DefaultDialConfig returns dial settings suitable for most servers.
func DefaultDialConfig() DialConfig {
	return DialConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// NewGorillaFactory returns a TransportFactory backed by gorilla/websocket.
func NewGorillaFactory(cfg DialConfig, logger *slog.Logger) TransportFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(rawURL string, h TransportHandler) (Transport, error) {
		ctx, cancel := context.WithCancel(context.Background())
		t := &gorillaTransport{
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

// gorillaTransport implements Transport with gorilla/websocket.
type gorillaTransport struct {
	cfg     DialConfig
	logger  *slog.Logger
	handler TransportHandler

	ctx    context.Context
	cancel context.CancelFunc

	// Write serialization
	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	localCode   int
	localReason string

	closeOnce sync.Once
}

func (t *gorillaTransport) run(rawURL string) {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	ctx, cancel := context.WithTimeout(t.ctx, dialTimeout(t.cfg))
	conn, _, err := dialer.DialContext(ctx, rawURL, t.cfg.Header)
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
		writeCloseFrame(conn, code, reason)
		conn.Close()
		t.fireClose(code, reason)
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.logger.Debug("websocket connected", "url", rawURL)
	t.handler.OnOpen()
	t.readLoop(conn)
}

// readLoop delivers frames until the connection fails or is closed.
func (t *gorillaTransport) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if code, reason, local := t.localClose(); local {
				t.fireClose(code, reason)
				return
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				t.fireClose(ce.Code, ce.Text)
				return
			}
			t.handler.OnError(err)
			t.fireClose(CloseAbnormal, err.Error())
			return
		}
		t.handler.OnMessage(data)
	}
}

// Send writes one text frame.
func (t *gorillaTransport) Send(data []byte) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if conn == nil || closed {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket without waiting on the
// peer. The read loop then reports the local code through OnClose.
func (t *gorillaTransport) Close(code int, reason string) error {
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

	t.cancel()
	if conn == nil {
		return nil
	}

	// The close frame can wait up to a second behind a stalled write.
	go func() {
		writeCloseFrame(conn, code, reason)
		conn.Close()
	}()
	return nil
}

func (t *gorillaTransport) localClose() (int, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localCode, t.localReason, t.closed
}

func (t *gorillaTransport) fireClose(code int, reason string) {
	t.closeOnce.Do(func() {
		t.handler.OnClose(code, reason)
	})
}

func writeCloseFrame(conn *websocket.Conn, code int, reason string) {
	// WriteControl is safe to call concurrently with WriteMessage.
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
}

func dialTimeout(cfg DialConfig) time.Duration {
	if cfg.HandshakeTimeout > 0 {
		return cfg.HandshakeTimeout
	}
	return DefaultDialConfig().HandshakeTimeout
}
