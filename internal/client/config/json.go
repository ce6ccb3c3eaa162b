package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/digsync/internal/flagx"
	"github.com/dmitrijs2005/digsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// Intervals use timex.Duration so they can be written as "3s".
// Absent fields keep the value already in Config.
type JsonConfig struct {
	SocketURL           *string         `json:"socket_url"`
	RestURL             *string         `json:"rest_url"`
	RPCAddr             *string         `json:"rpc_addr"`
	PreferedNetwork     *string         `json:"prefered_network"`
	DatabasePath        *string         `json:"database_path"`
	OnlineCheckInterval *timex.Duration `json:"online_check_interval"`
	RetryInterval       *timex.Duration `json:"retry_interval"`
	PushBatchSize       *int            `json:"push_batch_size"`
	FetchBatchSize      *int            `json:"fetch_batch_size"`
	IgnoredTables       []string        `json:"ignored_tables"`
	AccessToken         *string         `json:"access_token"`
	AuthorUUID          *string         `json:"author_uuid"`
}

// parseJson overlays Config with values loaded from the JSON file named by
// -c or -config. Without either flag it does nothing. Read or decode
// errors panic.
func parseJson(cfg *Config, argv []string) {
	path := flagx.ConfigPath(argv)
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.SocketURL, jc.SocketURL)
	setString(&cfg.RestURL, jc.RestURL)
	setString(&cfg.RPCAddr, jc.RPCAddr)
	setString(&cfg.PreferedNetwork, jc.PreferedNetwork)
	setString(&cfg.DatabasePath, jc.DatabasePath)
	setString(&cfg.AccessToken, jc.AccessToken)
	setString(&cfg.AuthorUUID, jc.AuthorUUID)
	if jc.OnlineCheckInterval != nil {
		cfg.OnlineCheckInterval = jc.OnlineCheckInterval.Duration
	}
	if jc.RetryInterval != nil {
		cfg.RetryInterval = jc.RetryInterval.Duration
	}
	if jc.PushBatchSize != nil {
		cfg.PushBatchSize = *jc.PushBatchSize
	}
	if jc.FetchBatchSize != nil {
		cfg.FetchBatchSize = *jc.FetchBatchSize
	}
	if jc.IgnoredTables != nil {
		cfg.IgnoredTables = jc.IgnoredTables
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
