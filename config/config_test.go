package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DTUs: []DtuConfig{
			{Name: "dtu_a", Host: "192.168.1.10", Port: 502, UnitID: 1, Timeout: 10 * time.Second},
		},
		Database: DatabaseConfig{Type: "sqlite", Path: ":memory:"},
		Timing:   TimingConfig{QueryPeriod: 60 * time.Second, ResetHour: 23, Timezone: "Europe/Berlin"},
		Health:   HealthConfig{Host: "0.0.0.0", Port: 8080, OfflineThreshold: 5 * time.Minute},
		Recovery: RecoveryConfig{BreakerThreshold: 5, BreakerTimeout: time.Minute},
	}
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no DTUs", func(c *Config) { c.DTUs = nil }},
		{"empty host", func(c *Config) { c.DTUs[0].Host = " " }},
		{"port out of range", func(c *Config) { c.DTUs[0].Port = 70000 }},
		{"duplicate names", func(c *Config) {
			c.DTUs = append(c.DTUs, DtuConfig{Name: "dtu_a", Host: "192.168.1.11", Port: 502})
		}},
		{"unknown database type", func(c *Config) { c.Database.Type = "oracle" }},
		{"query period too short", func(c *Config) { c.Timing.QueryPeriod = time.Second }},
		{"reset hour out of range", func(c *Config) { c.Timing.ResetHour = 24 }},
		{"bad timezone", func(c *Config) { c.Timing.Timezone = "Mars/Olympus" }},
		{"breaker threshold zero", func(c *Config) { c.Recovery.BreakerThreshold = 0 }},
		{"breaker timeout too short", func(c *Config) { c.Recovery.BreakerTimeout = 100 * time.Millisecond }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyDtuDefaults(t *testing.T) {
	cfg := &Config{DTUs: []DtuConfig{{Host: "192.168.1.10"}, {Host: "192.168.1.11", Port: 1502}}}
	applyDtuDefaults(cfg)

	assert.Equal(t, "DTU-1", cfg.DTUs[0].Name)
	assert.Equal(t, 502, cfg.DTUs[0].Port)
	assert.Equal(t, uint8(1), cfg.DTUs[0].UnitID)
	assert.Equal(t, 10*time.Second, cfg.DTUs[0].Timeout)

	assert.Equal(t, "DTU-2", cfg.DTUs[1].Name)
	assert.Equal(t, 1502, cfg.DTUs[1].Port)
}

func TestLocationReturnsConfiguredZone(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
}
