// Package config handles configuration for the sync client,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the sync client.
//
// Fields:
//   - ServerEndpointAddr: base URL of the sync server (http scheme; the
//     websocket endpoint is derived from it).
//   - AccessToken: JWT presented on auth.
//   - DatabaseDSN: path of the local sqlite cache.
//   - ReconnectBase / ReconnectCap: backoff bounds for reconnect attempts.
type Config struct {
	ServerEndpointAddr string
	AccessToken        string
	DatabaseDSN        string
	ReconnectBase      time.Duration
	ReconnectCap       time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "http://127.0.0.1:8080"
	c.AccessToken = ""
	c.DatabaseDSN = "listsync.db"
	c.ReconnectBase = 1 * time.Second
	c.ReconnectCap = 30 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
