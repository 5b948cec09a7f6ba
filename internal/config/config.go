package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/conflict"
	"github.com/spf13/viper"
)

const (
	envPrefix                     = "SITESYNC"
	defaultHTTPAddress            = "0.0.0.0:8080"
	defaultAgentAddress           = "127.0.0.1:8787"
	defaultDatabasePath           = "sitesync.db"
	defaultLogLevel               = "info"
	defaultTokenTTLMinutes        = 60
	defaultRemoteTimeoutSeconds   = 15
	defaultSyncIntervalSeconds    = 30
	defaultRetryInitialMillis     = 500
	defaultRetryMaxMillis         = 30000
	defaultRetryJitter            = 0.5
	defaultReconnectWindowSeconds = 10
)

// AppConfig captures runtime configuration for the document server and the sync agent.
type AppConfig struct {
	HTTPAddress      string
	AgentAddress     string
	DatabasePath     string
	LogLevel         string
	LogFile          string
	SigningSecret    string
	TokenTTL         time.Duration
	RemoteBaseURL    string
	RemoteToken      string
	RemoteTimeout    time.Duration
	SyncInterval     time.Duration
	RetryInitial     time.Duration
	RetryMax         time.Duration
	RetryJitter      float64
	ConflictStrategy conflict.Strategy
	SignalFile       string
	ReconnectWindow  time.Duration
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
	configViper.SetDefault("agent.address", defaultAgentAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("remote.base_url", "")
	configViper.SetDefault("remote.token", "")
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeoutSeconds)
	configViper.SetDefault("sync.interval_seconds", defaultSyncIntervalSeconds)
	configViper.SetDefault("sync.retry_initial_ms", defaultRetryInitialMillis)
	configViper.SetDefault("sync.retry_max_ms", defaultRetryMaxMillis)
	configViper.SetDefault("sync.retry_jitter", defaultRetryJitter)
	configViper.SetDefault("sync.conflict_strategy", string(conflict.DefaultStrategy))
	configViper.SetDefault("network.signal_file", "")
	configViper.SetDefault("network.reconnect_window_seconds", defaultReconnectWindowSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	strategy, err := conflict.ParseStrategy(configViper.GetString("sync.conflict_strategy"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("sync.conflict_strategy: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		AgentAddress:     configViper.GetString("agent.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		LogFile:          configViper.GetString("log.file"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RemoteBaseURL:    configViper.GetString("remote.base_url"),
		RemoteToken:      configViper.GetString("remote.token"),
		RemoteTimeout:    time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		SyncInterval:     time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		RetryInitial:     time.Duration(configViper.GetInt("sync.retry_initial_ms")) * time.Millisecond,
		RetryMax:         time.Duration(configViper.GetInt("sync.retry_max_ms")) * time.Millisecond,
		RetryJitter:      configViper.GetFloat64("sync.retry_jitter"),
		ConflictStrategy: strategy,
		SignalFile:       configViper.GetString("network.signal_file"),
		ReconnectWindow:  time.Duration(configViper.GetInt("network.reconnect_window_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		return fmt.Errorf("sync.retry_initial_ms must be positive and not exceed sync.retry_max_ms")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return fmt.Errorf("sync.retry_jitter must be between 0 and 1")
	}
	if c.ReconnectWindow <= 0 {
		return fmt.Errorf("network.reconnect_window_seconds must be positive")
	}
	return nil
}

// ValidateServer checks the settings the document server needs.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}

// ValidateAgent checks the settings the sync agent needs.
func (c AppConfig) ValidateAgent() error {
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.AgentAddress) == "" {
		return fmt.Errorf("agent.address is required")
	}
	return nil
}
