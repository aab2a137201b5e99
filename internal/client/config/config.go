package config

import "time"

// Config holds runtime settings for the sync client.
//
// Fields:
//   - ServerURL: websocket URL of the server's sync endpoint.
//   - Namespace: the log this device syncs.
//   - Token: session token issued for Namespace; prompted for when empty.
//   - IdentityFile: sealed X25519 identity shared by the user's devices.
//   - DatabasePath: SQLite journal.
//   - MaxFrameSize: largest websocket frame written before chunking.
//   - SyncTimeout: how long "sync" waits for the journal to settle.
type Config struct {
	ServerURL    string
	Namespace    string
	Token        string
	IdentityFile string
	DatabasePath string
	MaxFrameSize int
	SyncTimeout  time.Duration
}

// LoadDefaults populates c with defaults suitable for a local server.
func (c *Config) LoadDefaults() {
	c.ServerURL = "ws://127.0.0.1:8080/sync"
	c.Namespace = "default"
	c.Token = ""
	c.IdentityFile = "identity.json"
	c.DatabasePath = "journal.db"
	c.MaxFrameSize = 512 * 1024
	c.SyncTimeout = 30 * time.Second
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
