package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url must use ws or wss, got %q", u.Scheme)
	}
	if c.Server.Token != "" && c.Server.TokenFile != "" {
		return errors.New("server.token and server.token_file are mutually exclusive")
	}

	if err := c.Connection.validate(); err != nil {
		return err
	}

	routes, err := c.Router.validate()
	if err != nil {
		return err
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.Route == "" {
			return errors.New("archive.route is required when archive is enabled")
		}
		if !routes[c.Archive.Route] {
			return fmt.Errorf("archive.route %q does not name a router route", c.Archive.Route)
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	return nil
}

func (c *ConnectionConfig) validate() error {
	switch c.Transport {
	case TransportGorilla, TransportNhooyr:
	default:
		return fmt.Errorf("connection.transport must be %q or %q, got %q", TransportGorilla, TransportNhooyr, c.Transport)
	}
	if c.MinRetryDelay < 0 || c.MaxRetryDelay < 0 {
		return errors.New("connection retry delays must be >= 0")
	}
	if c.MaxRetryDelay < c.MinRetryDelay {
		return fmt.Errorf("connection.max_retry_delay (%s) cannot be less than min_retry_delay (%s)", c.MaxRetryDelay, c.MinRetryDelay)
	}
	if c.JitterRange != nil && *c.JitterRange < 0 {
		return errors.New("connection.jitter_range must be >= 0")
	}
	if c.MaxFails != nil && *c.MaxFails < 0 {
		return errors.New("connection.max_fails must be >= 0")
	}
	if c.PingInterval < 0 {
		return errors.New("connection.ping_interval must be >= 0")
	}
	if c.ReadLimit < 0 {
		return errors.New("connection.read_limit must be >= 0")
	}
	return nil
}

// validate returns the set of route names.
func (r *RouterConfig) validate() (map[string]bool, error) {
	if r.BufferSize < 1 {
		return nil, errors.New("router.buffer_size must be >= 1")
	}
	names := make(map[string]bool, len(r.Routes))
	for i, route := range r.Routes {
		if route.Name == "" {
			return nil, fmt.Errorf("router.routes[%d].name is required", i)
		}
		if names[route.Name] {
			return nil, fmt.Errorf("router.routes[%d].name %q is duplicated", i, route.Name)
		}
		if len(route.Events) == 0 {
			return nil, fmt.Errorf("router.routes[%d].events must not be empty", i)
		}
		names[route.Name] = true
	}
	return names, nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
