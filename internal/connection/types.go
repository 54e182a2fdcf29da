package connection

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"
)

// Errors
var (
	ErrInvalidURL     = errors.New("invalid websocket url")
	ErrNotConnected   = errors.New("not connected")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Close codes. Codes in the 4000 range are private to this client and
// are reported back to the server as disconnect_err_code on the next dial.
const (
	CloseNormal           = 1000
	CloseAbnormal         = 1006
	ClosePingTimeout      = 4000
	CloseSequenceMismatch = 4001
)

// Actions and events with protocol meaning.
const (
	ActionPing         = "ping"
	ActionAuthenticate = "authentication_challenge"
	EventHello         = "hello"
)

// Request is an outgoing frame.
type Request struct {
	Action string `json:"action"`
	Seq    int64  `json:"seq"`
	Data   any    `json:"data,omitempty"`
}

// Event is an incoming frame: either a server-pushed event or a reply
// to a Request (SeqReply set).
type Event struct {
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Broadcast json.RawMessage `json:"broadcast,omitempty"`
	Seq       int64           `json:"seq"`
	SeqReply  int64           `json:"seq_reply,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`

	// Set locally on receipt.
	ConnectionID string    `json:"-"`
	ReceivedAt   time.Time `json:"-"`
}

// IsReply reports whether the frame answers one of our requests.
// Outgoing sequence numbers start at 1, so zero means absent.
func (e Event) IsReply() bool {
	return e.SeqReply != 0
}

// Failed reports whether a reply carries a server error.
func (e Event) Failed() bool {
	return len(e.Error) > 0 && string(e.Error) != "null"
}

// helloData is the payload of the hello event.
type helloData struct {
	ConnectionID   string `json:"connection_id"`
	ServerVersion  string `json:"server_version"`
	ServerHostname string `json:"server_hostname"`
}

// ConnState is the coarse state of a Manager.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
	StateReconnecting ConnState = "reconnecting"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	URL       string // ws:// or wss:// endpoint
	Token     string // sent in the authentication challenge; empty skips auth
	PostedAck bool   // advertise posted_ack support on dial

	MinRetryDelay time.Duration // flat delay until MaxFails is exceeded
	MaxRetryDelay time.Duration // backoff ceiling, before jitter
	JitterRange   time.Duration // jitter is uniform in [0, JitterRange); zero disables
	MaxFails      int           // failures before backoff escalates
	PingInterval  time.Duration

	ResetOnClose bool // drop session id and incoming sequence on every close

	// SkipSequenceWithoutListeners ignores pushed events entirely while no
	// message listener is registered, including their sequence check.
	SkipSequenceWithoutListeners bool
}

// Defaults.
const (
	DefaultMinRetryDelay = 3 * time.Second
	DefaultMaxRetryDelay = 5 * time.Minute
	DefaultJitterRange   = 2 * time.Second
	DefaultMaxFails      = 7
	DefaultPingInterval  = 30 * time.Second
)

// DefaultManagerConfig returns the stock retry and heartbeat settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MinRetryDelay: DefaultMinRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
		JitterRange:   DefaultJitterRange,
		MaxFails:      DefaultMaxFails,
		PingInterval:  DefaultPingInterval,
	}
}

// applyDefaults fills fields whose zero value is meaningless. JitterRange
// is left alone since zero is a valid setting.
func (c *ManagerConfig) applyDefaults() {
	if c.MinRetryDelay <= 0 {
		c.MinRetryDelay = DefaultMinRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.MaxRetryDelay < c.MinRetryDelay {
		c.MaxRetryDelay = c.MinRetryDelay
	}
	if c.JitterRange < 0 {
		c.JitterRange = 0
	}
	if c.MaxFails < 0 {
		c.MaxFails = 0
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
}

// ManagerStats is a snapshot of Manager counters.
type ManagerStats struct {
	State          ConnState
	ConnectionID   string
	ServerVersion  string
	ServerHostname string
	FailCount      int
	NextSendSeq    int64
	NextEventSeq   int64
	PendingReplies int
	FramesSent     int64
	FramesReceived int64
	EventsAccepted int64
	Dials          int64
	Reconnects     int64
	Mismatches     int64
	PingTimeouts   int64
}

var instanceCount atomic.Int64

// NextInstanceID returns a process-wide monotonic id used to tell
// Manager log lines apart.
func NextInstanceID() int64 {
	return instanceCount.Add(1)
}
