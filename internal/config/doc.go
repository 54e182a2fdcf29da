// Package config loads the realtime session client configuration from YAML.
package config
