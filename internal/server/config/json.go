package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/digsync/internal/flagx"
	"github.com/dmitrijs2005/digsync/internal/timex"
)

// JsonConfig is the on-disk shape of the server configuration. Durations use
// timex.Duration so they can be written as "720h". Absent fields keep the
// value already in Config.
type JsonConfig struct {
	EndpointAddrHTTP      *string         `json:"endpoint_addr_http"`
	EndpointAddrGRPC      *string         `json:"endpoint_addr_grpc"`
	DatabaseDSN           *string         `json:"database_dsn"`
	SecretKey             *string         `json:"secret_key"`
	TokenValidityDuration *timex.Duration `json:"token_validity_duration"`
	RequireAuth           *bool           `json:"require_auth"`
	RedisAddr             *string         `json:"redis_addr"`
	RedisChannel          *string         `json:"redis_channel"`
	S3RootUser            *string         `json:"s3_root_user"`
	S3RootPassword        *string         `json:"s3_root_password"`
	S3Bucket              *string         `json:"s3_bucket"`
	S3Region              *string         `json:"s3_region"`
	S3BaseEndpoint        *string         `json:"s3_base_endpoint"`
	LogMode               *string         `json:"log_mode"`
}

// parseJson loads the JSON file named by -c or -config into config. Without
// either flag nothing is loaded. A missing file or invalid JSON panics.
func parseJson(config *Config, argv []string) {
	path := flagx.ConfigPath(argv)
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisChannel, c.RedisChannel)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.LogMode, c.LogMode)
	if c.TokenValidityDuration != nil {
		config.TokenValidityDuration = c.TokenValidityDuration.Duration
	}
	if c.RequireAuth != nil {
		config.RequireAuth = *c.RequireAuth
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
