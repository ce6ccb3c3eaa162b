package config

import (
	"os"
	"time"
)

// Config holds runtime settings for the field client.
//
// Fields:
//   - SocketURL / RestURL / RPCAddr: endpoints of the three channels.
//   - PreferedNetwork: channel tried first ("socket", "rest" or "rpc").
//   - DatabasePath: SQLite file holding objects, manifests and the outbox.
//   - OnlineCheckInterval: how often the client probes server reachability.
//   - RetryInterval: how often queued pushes are retried while online.
//   - PushBatchSize / FetchBatchSize: envelopes per SYNC_OBJECT, refs per RETRIEVE_OBJECTS.
//   - IgnoredTables: administrative tables left out of project manifests.
//   - AccessToken: device token presented to the server.
//   - AuthorUUID: author stamped on local commits; generated once when empty.
type Config struct {
	SocketURL           string
	RestURL             string
	RPCAddr             string
	PreferedNetwork     string
	DatabasePath        string
	OnlineCheckInterval time.Duration
	RetryInterval       time.Duration
	PushBatchSize       int
	FetchBatchSize      int
	IgnoredTables       []string
	AccessToken         string
	AuthorUUID          string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.SocketURL = "ws://127.0.0.1:8080/socket"
	c.RestURL = "http://127.0.0.1:8080"
	c.RPCAddr = "127.0.0.1:50051"
	c.PreferedNetwork = "socket"
	c.DatabasePath = "digsync.db"
	c.OnlineCheckInterval = 3 * time.Second
	c.RetryInterval = 15 * time.Second
	c.PushBatchSize = 50
	c.FetchBatchSize = 200
	c.IgnoredTables = []string{"user", "projet_config"}
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg, os.Args[1:])
	parseFlags(cfg, os.Args[1:])
	return cfg
}
