package gateway

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the gateway's environment-driven configuration. The
// upstream credential never leaves this process; clients only ever see
// the session cookie.
type Config struct {
	Addr          string        `env:"GATEWAY_ADDR" envDefault:":8080"`
	UpstreamURL   string        `env:"UPSTREAM_URL,required"`
	AdminName     string        `env:"UPSTREAM_ADMIN_NAME,required"`
	AdminPassword string        `env:"UPSTREAM_ADMIN_PASSWORD,required"`
	SecretKey     string        `env:"SESSION_SECRET,required"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"12h"`
	LoginRate     float64       `env:"LOGIN_RATE" envDefault:"1"`
	LoginBurst    int           `env:"LOGIN_BURST" envDefault:"5"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("gateway config: %w", err)
	}
	return cfg, nil
}
