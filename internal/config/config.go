package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "INKWELL"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "inkwell.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "app_session"
	defaultDebounceMillis  = 500
	defaultLoadTimeoutMS   = 3000
	defaultEvictionGraceMS = 10000
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SessionSigningKey  string
	SessionCookieName  string
	CheckpointDebounce time.Duration
	LoadTimeout        time.Duration
	EvictionGrace      time.Duration
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
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("persistence.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("persistence.load_timeout_ms", defaultLoadTimeoutMS)
	configViper.SetDefault("rooms.eviction_grace_ms", defaultEvictionGraceMS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SessionSigningKey:  configViper.GetString("session.signing_secret"),
		SessionCookieName:  configViper.GetString("session.cookie_name"),
		CheckpointDebounce: time.Duration(configViper.GetInt("persistence.debounce_ms")) * time.Millisecond,
		LoadTimeout:        time.Duration(configViper.GetInt("persistence.load_timeout_ms")) * time.Millisecond,
		EvictionGrace:      time.Duration(configViper.GetInt("rooms.eviction_grace_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.CheckpointDebounce <= 0 {
		return fmt.Errorf("persistence.debounce_ms must be positive")
	}
	if c.LoadTimeout <= 0 {
		return fmt.Errorf("persistence.load_timeout_ms must be positive")
	}
	if c.EvictionGrace <= 0 {
		return fmt.Errorf("rooms.eviction_grace_ms must be positive")
	}
	return nil
}
