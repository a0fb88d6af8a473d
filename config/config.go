package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DTUs     []DtuConfig    `mapstructure:"dtus"`
	Database DatabaseConfig `mapstructure:"database"`
	Timing   TimingConfig   `mapstructure:"timing"`
	Health   HealthConfig   `mapstructure:"health"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Push     PushConfig     `mapstructure:"push"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type DtuConfig struct {
	Name    string        `mapstructure:"name"`
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	UnitID  uint8         `mapstructure:"unit_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // postgres, mysql or sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Path     string `mapstructure:"path"` // sqlite only
	PoolSize int    `mapstructure:"pool_size"`
}

type TimingConfig struct {
	QueryPeriod time.Duration `mapstructure:"query_period"`
	ResetHour   int           `mapstructure:"reset_hour"`
	Timezone    string        `mapstructure:"timezone"`
}

type HealthConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
}

type RecoveryConfig struct {
	BreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
}

type PushConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/hoymiles-bridge")
	}

	// Set defaults
	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "hoymiles")
	viper.SetDefault("database.user", "hoymiles")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.path", "./hoymiles.db")
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("timing.query_period", "60s")
	viper.SetDefault("timing.reset_hour", 23)
	viper.SetDefault("timing.timezone", "UTC")
	viper.SetDefault("health.host", "0.0.0.0")
	viper.SetDefault("health.port", 8080)
	viper.SetDefault("health.offline_threshold", "300s")
	viper.SetDefault("recovery.circuit_breaker_threshold", 5)
	viper.SetDefault("recovery.circuit_breaker_timeout", "60s")
	viper.SetDefault("push.enabled", true)
	viper.SetDefault("push.token", "")
	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic_prefix", "hoymiles")
	viper.SetDefault("mqtt.client_id", "hoymiles-bridge")
	viper.SetDefault("logging.level", "info")

	// Every key is overridable by environment, e.g. TIMING_QUERY_PERIOD.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	applyDtuDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDtuDefaults(cfg *Config) {
	for i := range cfg.DTUs {
		dtu := &cfg.DTUs[i]
		if dtu.Name == "" {
			dtu.Name = fmt.Sprintf("DTU-%d", i+1)
		}
		if dtu.Port == 0 {
			dtu.Port = 502
		}
		if dtu.UnitID == 0 {
			dtu.UnitID = 1
		}
		if dtu.Timeout == 0 {
			dtu.Timeout = 10 * time.Second
		}
	}
}

// Validate reports configuration errors that must stop the process before
// the main loop starts. Everything past startup is handled at runtime.
func (c *Config) Validate() error {
	if len(c.DTUs) == 0 {
		return fmt.Errorf("at least one DTU must be configured")
	}

	seen := make(map[string]bool, len(c.DTUs))
	for _, dtu := range c.DTUs {
		if strings.TrimSpace(dtu.Host) == "" {
			return fmt.Errorf("DTU %q: host cannot be empty", dtu.Name)
		}
		if dtu.Port < 1 || dtu.Port > 65535 {
			return fmt.Errorf("DTU %q: port %d out of range", dtu.Name, dtu.Port)
		}
		if seen[dtu.Name] {
			return fmt.Errorf("duplicate DTU name %q", dtu.Name)
		}
		seen[dtu.Name] = true
	}

	switch c.Database.Type {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}

	if c.Timing.QueryPeriod < 5*time.Second {
		return fmt.Errorf("query_period must be at least 5s, got %s", c.Timing.QueryPeriod)
	}
	if c.Timing.ResetHour < 0 || c.Timing.ResetHour > 23 {
		return fmt.Errorf("reset_hour must be 0-23, got %d", c.Timing.ResetHour)
	}
	if _, err := time.LoadLocation(c.Timing.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timing.Timezone, err)
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health port %d out of range", c.Health.Port)
	}
	if c.Recovery.BreakerThreshold < 1 {
		return fmt.Errorf("circuit_breaker_threshold must be at least 1")
	}
	if c.Recovery.BreakerTimeout < time.Second {
		return fmt.Errorf("circuit_breaker_timeout must be at least 1s")
	}

	return nil
}

// Location returns the configured timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timing.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
