// Package auth resolves the access token used to authenticate a session.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// ErrNoToken is returned when neither a token nor a token file is given.
var ErrNoToken = errors.New("access token is required")

// Credentials holds a resolved access token.
type Credentials struct {
	Token string
}

// LoadCredentials resolves credentials from an inline token or a file
// containing one. Exactly one of the two must be set.
func LoadCredentials(token, tokenPath string) (*Credentials, error) {
	if token != "" && tokenPath != "" {
		return nil, fmt.Errorf("token and token file are mutually exclusive")
	}
	if tokenPath != "" {
		loaded, err := LoadToken(tokenPath)
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
		token = loaded
	}
	if token == "" {
		return nil, ErrNoToken
	}
	return &Credentials{Token: token}, nil
}

// LoadToken reads a token file, ignoring surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// Header returns the dial header. Servers that accept the bearer token on
// the upgrade request authenticate before the challenge frame arrives.
func (c *Credentials) Header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if c != nil && c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

// Redacted returns the token masked for logging.
func (c *Credentials) Redacted() string {
	if c == nil || c.Token == "" {
		return ""
	}
	if len(c.Token) <= 8 {
		return "****"
	}
	return c.Token[:4] + "****"
}
