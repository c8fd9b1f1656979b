package agent

import (
	"encoding/json"
	"os"
	"time"

	"github.com/TIC-PURP/purp-sync/internal/flagx"
	"github.com/TIC-PURP/purp-sync/internal/timex"
)

// jsonConfig is the DTO for the optional JSON config file. It relies on
// timex.Duration so intervals can be written either as strings like
// "25s" or as integer nanoseconds.
type jsonConfig struct {
	GatewayOrigin  string         `json:"gateway_origin"`
	DatabaseName   string         `json:"database_name"`
	DatabasePath   string         `json:"database_path"`
	Heartbeat      timex.Duration `json:"heartbeat"`
	RequestTimeout timex.Duration `json:"request_timeout"`
	MaxBackoff     timex.Duration `json:"max_backoff"`
}

// parseJson overlays cfg with values from the file named by -c/-config.
// Absent file path means no overlay; only fields present in the JSON
// replace the current values.
func parseJson(cfg *Config) {
	path := flagx.JsonConfigFlags()
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	var jc jsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.GatewayOrigin != "" {
		cfg.GatewayOrigin = jc.GatewayOrigin
	}
	if jc.DatabaseName != "" {
		cfg.DatabaseName = jc.DatabaseName
	}
	if jc.DatabasePath != "" {
		cfg.DatabasePath = jc.DatabasePath
	}
	if jc.Heartbeat.Duration > 0 {
		cfg.Heartbeat = time.Duration(jc.Heartbeat.Duration)
	}
	if jc.RequestTimeout.Duration > 0 {
		cfg.RequestTimeout = time.Duration(jc.RequestTimeout.Duration)
	}
	if jc.MaxBackoff.Duration > 0 {
		cfg.MaxBackoff = time.Duration(jc.MaxBackoff.Duration)
	}
}
