package config

import (
	"time"

	"github.com/rickgao/realtime-session/internal/connection"
	"github.com/rickgao/realtime-session/internal/router"
)

// Default values for optional configuration fields.
const (
	DefaultTransport        = TransportGorilla
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 4
	DefaultMinConns         = 1
	DefaultBatchSize        = 500
	DefaultFlushInterval    = 1 * time.Second
	DefaultLogLevel         = "info"
)

// Transport names.
const (
	TransportGorilla = "gorilla"
	TransportNhooyr  = "nhooyr"
)

func (c *Config) applyDefaults() {
	// Connection defaults
	conn := &c.Connection
	if conn.Transport == "" {
		conn.Transport = DefaultTransport
	}
	if conn.MinRetryDelay == 0 {
		conn.MinRetryDelay = connection.DefaultMinRetryDelay
	}
	if conn.MaxRetryDelay == 0 {
		conn.MaxRetryDelay = connection.DefaultMaxRetryDelay
	}
	if conn.JitterRange == nil {
		jitter := connection.DefaultJitterRange
		conn.JitterRange = &jitter
	}
	if conn.MaxFails == nil {
		maxFails := connection.DefaultMaxFails
		conn.MaxFails = &maxFails
	}
	if conn.PingInterval == 0 {
		conn.PingInterval = connection.DefaultPingInterval
	}
	if conn.HandshakeTimeout == 0 {
		conn.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if conn.WriteTimeout == 0 {
		conn.WriteTimeout = DefaultWriteTimeout
	}

	// Router defaults
	routerDefaults := router.DefaultRouterConfig()
	if c.Router.BufferSize == 0 {
		c.Router.BufferSize = routerDefaults.BufferSize
	}
	if len(c.Router.Routes) == 0 {
		for _, r := range routerDefaults.Routes {
			c.Router.Routes = append(c.Router.Routes, RouteConfig{Name: r.Name, Events: r.Events})
		}
	}

	// Archive defaults
	if c.Archive.Enabled {
		applyDBDefaults(&c.Archive.Database)
		if c.Archive.BatchSize == 0 {
			c.Archive.BatchSize = DefaultBatchSize
		}
		if c.Archive.FlushInterval == 0 {
			c.Archive.FlushInterval = DefaultFlushInterval
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
