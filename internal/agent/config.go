package agent

import "time"

// Config holds runtime settings for the sync agent.
//
// Fields:
//   - GatewayOrigin: base URL of the same-origin gateway.
//   - DatabaseName: upstream database the agent replicates with.
//   - DatabasePath: sqlite file backing the local store (":memory:" works).
//   - Heartbeat / RequestTimeout: long-poll tuning for the change feed.
//   - MaxBackoff: reconnect backoff cap for the sync stream.
type Config struct {
	GatewayOrigin  string
	DatabaseName   string
	DatabasePath   string
	Heartbeat      time.Duration
	RequestTimeout time.Duration
	MaxBackoff     time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.GatewayOrigin = "http://127.0.0.1:8080"
	c.DatabaseName = "app"
	c.DatabasePath = "purp-sync.db"
	c.Heartbeat = 25 * time.Second
	c.RequestTimeout = 55 * time.Second
	c.MaxBackoff = 5 * time.Minute
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later
// sources take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
