package config

import "time"

// Config is the root configuration for an rtsession process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Router     RouterConfig     `yaml:"router"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig identifies the server and how to authenticate.
type ServerConfig struct {
	URL       string `yaml:"url"`        // ws:// or wss:// websocket endpoint
	Token     string `yaml:"token"`      // access token, usually ${VAR}
	TokenFile string `yaml:"token_file"` // alternative to token
	PostedAck bool   `yaml:"posted_ack"`
}

// ConnectionConfig holds session engine settings.
type ConnectionConfig struct {
	Transport     string         `yaml:"transport"` // "gorilla" or "nhooyr"
	MinRetryDelay time.Duration  `yaml:"min_retry_delay"`
	MaxRetryDelay time.Duration  `yaml:"max_retry_delay"`
	JitterRange   *time.Duration `yaml:"jitter_range"` // nil means default; 0s disables jitter
	MaxFails      *int           `yaml:"max_fails"`    // nil means default; 0 backs off from the first failure
	PingInterval  time.Duration  `yaml:"ping_interval"`
	ResetOnClose  bool           `yaml:"reset_on_close"`

	SkipSequenceWithoutListeners bool `yaml:"skip_sequence_without_listeners"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
}

// RouterConfig maps event names onto named buffers.
type RouterConfig struct {
	BufferSize int           `yaml:"buffer_size"`
	Routes     []RouteConfig `yaml:"routes"`
}

// RouteConfig is one named buffer and the events it receives. "*" matches
// every event; a trailing "*" matches by prefix.
type RouteConfig struct {
	Name   string   `yaml:"name"`
	Events []string `yaml:"events"`
}

// ArchiveConfig controls the Postgres event archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Route         string        `yaml:"route"` // router buffer to drain
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}
