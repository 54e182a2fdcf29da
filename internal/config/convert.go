package config

import (
	"log/slog"
	"net/http"

	"github.com/rickgao/realtime-session/internal/connection"
	"github.com/rickgao/realtime-session/internal/router"
	"github.com/rickgao/realtime-session/internal/writer"
)

// ManagerConfig converts the server and connection sections into engine
// settings. token is the resolved access token.
func (c *Config) ManagerConfig(token string) connection.ManagerConfig {
	mc := connection.DefaultManagerConfig()
	mc.URL = c.Server.URL
	mc.Token = token
	mc.PostedAck = c.Server.PostedAck
	mc.MinRetryDelay = c.Connection.MinRetryDelay
	mc.MaxRetryDelay = c.Connection.MaxRetryDelay
	if c.Connection.JitterRange != nil {
		mc.JitterRange = *c.Connection.JitterRange
	}
	if c.Connection.MaxFails != nil {
		mc.MaxFails = *c.Connection.MaxFails
	}
	mc.PingInterval = c.Connection.PingInterval
	mc.ResetOnClose = c.Connection.ResetOnClose
	mc.SkipSequenceWithoutListeners = c.Connection.SkipSequenceWithoutListeners
	return mc
}

// DialConfig returns transport settings with the given dial header.
func (c *Config) DialConfig(header http.Header) connection.DialConfig {
	return connection.DialConfig{
		Header:           header,
		HandshakeTimeout: c.Connection.HandshakeTimeout,
		WriteTimeout:     c.Connection.WriteTimeout,
		ReadLimit:        c.Connection.ReadLimit,
	}
}

// TransportFactory returns the configured transport implementation.
func (c *Config) TransportFactory(header http.Header, logger *slog.Logger) connection.TransportFactory {
	if c.Connection.Transport == TransportNhooyr {
		return connection.NewNhooyrFactory(c.DialConfig(header), logger)
	}
	return connection.NewGorillaFactory(c.DialConfig(header), logger)
}

// RouterConfig converts the router section.
func (c *Config) RouterConfig() router.RouterConfig {
	rc := router.RouterConfig{BufferSize: c.Router.BufferSize}
	for _, r := range c.Router.Routes {
		rc.Routes = append(rc.Routes, router.Route{Name: r.Name, Events: r.Events})
	}
	return rc
}

// WriterConfig converts the archive batching settings.
func (c *Config) WriterConfig() writer.WriterConfig {
	return writer.WriterConfig{
		BatchSize:     c.Archive.BatchSize,
		FlushInterval: c.Archive.FlushInterval,
	}
}

// SlogLevel maps log.level onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
