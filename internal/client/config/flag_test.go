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
			name: "overrides",
			args: []string{"-a", "127.0.0.1:9090", "-i", "10", "-n", "rest", "-ignore", "user, projet_config,,topo"},
			expected: &Config{
				RPCAddr:             "127.0.0.1:9090",
				PreferedNetwork:     "rest",
				OnlineCheckInterval: 10 * time.Second,
				IgnoredTables:       []string{"user", "projet_config", "topo"},
			},
		},
		{
			name:     "unknown flags are filtered",
			args:     []string{"-c", "cfg.json", "-d", "x.db"},
			expected: &Config{DatabasePath: "x.db"},
		},
		{name: "incorrect check interval", args: []string{"-i", "abc"}, expectPanic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(cfg, tt.args) })
				return
			}
			require.NotPanics(t, func() { parseFlags(cfg, tt.args) })
			assert.Empty(t, cmp.Diff(tt.expected, cfg))
		})
	}
}
