package agent

import (
	"flag"
	"os"
	"time"

	"github.com/TIC-PURP/purp-sync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-o string   gateway origin
//	-n string   upstream database name
//	-f string   local sqlite file path
//	-b int      reconnect backoff cap in seconds
//
// Only these flags are parsed; flagx.FilterArgs keeps the rest of
// os.Args out of the way so the config-file flag stays usable.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-o", "-n", "-f", "-b"})

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)

	fs.StringVar(&cfg.GatewayOrigin, "o", cfg.GatewayOrigin, "gateway origin")
	fs.StringVar(&cfg.DatabaseName, "n", cfg.DatabaseName, "upstream database name")
	fs.StringVar(&cfg.DatabasePath, "f", cfg.DatabasePath, "local database file")
	maxBackoff := fs.Int("b", int(cfg.MaxBackoff.Seconds()), "reconnect backoff cap (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.MaxBackoff = time.Duration(*maxBackoff) * time.Second
}
