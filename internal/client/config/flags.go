package config

import (
	"flag"
	"os"
	"time"

	"github.com/mkorolev/listsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the sync server (default from Config)
//	-k string   access token (JWT)
//	-d string   sqlite cache path
//	-r int      reconnect backoff base, seconds
//	-m int      reconnect backoff cap, seconds
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-k", "-d", "-r", "-m"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "base URL to access server")
	fs.StringVar(&cfg.AccessToken, "k", cfg.AccessToken, "access token")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "local cache path")
	reconnectBase := fs.Int("r", int(cfg.ReconnectBase.Seconds()), "reconnect backoff base (in seconds)")
	reconnectCap := fs.Int("m", int(cfg.ReconnectCap.Seconds()), "reconnect backoff cap (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.ReconnectBase = time.Duration(*reconnectBase) * time.Second
	cfg.ReconnectCap = time.Duration(*reconnectCap) * time.Second
}
