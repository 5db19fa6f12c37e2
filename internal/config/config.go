package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "TIDEMARK"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "tidemark.db"
	defaultLogLevel     = "info"
	defaultTokenTTL     = 30
	defaultSweepMinutes = 15

	defaultMaxPushOps         = 100
	defaultMaxPullLimit       = 500
	defaultMaxPayloadBytes    = 64 * 1024
	defaultRetentionSeconds   = 30 * 24 * 60 * 60
	defaultGCBatchSize        = 100
	defaultGCMaxContinuations = 10
	defaultSweepWorkspaceCap  = 50
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration
	SweepInterval time.Duration

	MaxPushOps         int
	MaxPullLimit       int
	MaxPayloadBytes    int
	RetentionSeconds   int64
	GCBatchSize        int
	GCMaxContinuations int
	SweepWorkspaceCap  int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("sync.max_push_ops", defaultMaxPushOps)
	configViper.SetDefault("sync.max_pull_limit", defaultMaxPullLimit)
	configViper.SetDefault("sync.max_payload_bytes", defaultMaxPayloadBytes)
	configViper.SetDefault("sync.retention_seconds", defaultRetentionSeconds)
	configViper.SetDefault("gc.batch_size", defaultGCBatchSize)
	configViper.SetDefault("gc.max_continuations", defaultGCMaxContinuations)
	configViper.SetDefault("gc.sweep_workspace_cap", defaultSweepWorkspaceCap)
	configViper.SetDefault("gc.sweep_interval_minutes", defaultSweepMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		SweepInterval:      time.Duration(configViper.GetInt("gc.sweep_interval_minutes")) * time.Minute,
		MaxPushOps:         configViper.GetInt("sync.max_push_ops"),
		MaxPullLimit:       configViper.GetInt("sync.max_pull_limit"),
		MaxPayloadBytes:    configViper.GetInt("sync.max_payload_bytes"),
		RetentionSeconds:   configViper.GetInt64("sync.retention_seconds"),
		GCBatchSize:        configViper.GetInt("gc.batch_size"),
		GCMaxContinuations: configViper.GetInt("gc.max_continuations"),
		SweepWorkspaceCap:  configViper.GetInt("gc.sweep_workspace_cap"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxPushOps <= 0 {
		return fmt.Errorf("sync.max_push_ops must be positive")
	}
	if c.MaxPullLimit <= 0 {
		return fmt.Errorf("sync.max_pull_limit must be positive")
	}
	if c.RetentionSeconds <= 0 {
		return fmt.Errorf("sync.retention_seconds must be positive")
	}
	return nil
}
