package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		expected    *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{
			name: "all flags",
			args: []string{
				"-h", ":8081", "-a", "127.0.0.1:9090", "-d", "db", "-s", "secret", "-t", "2", "-auth",
				"-redis", "redis:6379", "-u", "user", "-p", "password", "-b", "bucket", "-g", "us-west-1",
				"-e", "http://endpoint", "-l", "prod",
			},
			expected: &Config{
				EndpointAddrHTTP:      ":8081",
				EndpointAddrGRPC:      "127.0.0.1:9090",
				DatabaseDSN:           "db",
				SecretKey:             "secret",
				TokenValidityDuration: 2 * time.Hour,
				RequireAuth:           true,
				RedisAddr:             "redis:6379",
				S3RootUser:            "user",
				S3RootPassword:        "password",
				S3Bucket:              "bucket",
				S3Region:              "us-west-1",
				S3BaseEndpoint:        "http://endpoint",
				LogMode:               "prod",
			},
		},
		{
			name:     "config flag is left to the json loader",
			args:     []string{"-c", "cfg.json", "-d", "x"},
			expected: &Config{DatabaseDSN: "x"},
		},
		{name: "incorrect validity", args: []string{"-t", "abc"}, expectPanic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &Config{}
			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(config, tt.args) })
				return
			}
			require.NotPanics(t, func() { parseFlags(config, tt.args) })
			assert.Empty(t, cmp.Diff(tt.expected, config))
		})
	}
}
