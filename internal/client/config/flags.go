package config

import (
	"flag"
	"strings"
	"time"

	"github.com/dmitrijs2005/digsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-s string   socket channel URL
//	-r string   REST channel base URL
//	-a string   rpc channel address
//	-n string   preferred network: socket, rest or rpc
//	-d string   SQLite database path
//	-i int      online check interval (in seconds)
//	-t string   device access token
//	-ignore     comma-separated tables left out of manifests
func parseFlags(cfg *Config, argv []string) {
	args := flagx.FilterArgs(argv, []string{"-s", "-r", "-a", "-n", "-d", "-i", "-t", "-ignore"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.SocketURL, "s", cfg.SocketURL, "socket channel URL")
	fs.StringVar(&cfg.RestURL, "r", cfg.RestURL, "REST channel base URL")
	fs.StringVar(&cfg.RPCAddr, "a", cfg.RPCAddr, "rpc channel address")
	fs.StringVar(&cfg.PreferedNetwork, "n", cfg.PreferedNetwork, "preferred network (socket, rest, rpc)")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "local database path")
	fs.StringVar(&cfg.AccessToken, "t", cfg.AccessToken, "device access token")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")
	ignored := fs.String("ignore", strings.Join(cfg.IgnoredTables, ","), "tables left out of project manifests")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
	cfg.IgnoredTables = splitList(*ignored)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
