// Package config loads runtime configuration for the flashdeck binaries
// from flags, environment variables (FLASHDECK_*) and an optional file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "FLASHDECK"

	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = "sqlite"
	defaultDatabaseDSN    = "flashdeck-server.db"
	defaultLogLevel       = "info"
	defaultTokenIssuer    = "flashdeck-auth"
	defaultTokenAudience  = "flashdeck-api"
	defaultTokenTTL       = 24 * time.Hour
	defaultDataPath       = "flashdeck.db"
	defaultPageSize       = 100
	defaultPullInterval   = 30 * time.Second
	defaultSweepInterval  = time.Minute
	defaultRetryInterval  = 5 * time.Second
	defaultRequestTimeout = 15 * time.Second
)

// ServerConfig captures runtime configuration for the sync API.
type ServerConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabaseDSN    string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	TokenTTL       time.Duration
	AllowedOrigins []string
	LogLevel       string
}

// ClientConfig captures runtime configuration for the CLI.
type ClientConfig struct {
	DataPath       string
	MaxBytes       int64
	RemoteURL      string
	AccessToken    string
	UserID         string
	RequestTimeout time.Duration
	PageSize       int
	PullInterval   time.Duration
	SweepInterval  time.Duration
	RetryInterval  time.Duration
	LogLevel       string
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

	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)

	configViper.SetDefault("data.path", defaultDataPath)
	configViper.SetDefault("data.max_bytes", int64(0))
	configViper.SetDefault("remote.timeout", defaultRequestTimeout)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.pull_interval", defaultPullInterval)
	configViper.SetDefault("sync.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("sync.retry_interval", defaultRetryInterval)
}

// LoadServer parses the sync API configuration.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("http.address")),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    strings.TrimSpace(configViper.GetString("database.dsn")),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    strings.TrimSpace(configViper.GetString("auth.issuer")),
		TokenAudience:  strings.TrimSpace(configViper.GetString("auth.audience")),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:       configViper.GetString("log.level"),
	}
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.TokenIssuer == "" || c.TokenAudience == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

// LoadClient parses the CLI configuration. Remote settings are optional;
// RemoteConfigured reports whether sync can run.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		DataPath:       strings.TrimSpace(configViper.GetString("data.path")),
		MaxBytes:       configViper.GetInt64("data.max_bytes"),
		RemoteURL:      strings.TrimRight(strings.TrimSpace(configViper.GetString("remote.url")), "/"),
		AccessToken:    strings.TrimSpace(configViper.GetString("remote.token")),
		UserID:         strings.TrimSpace(configViper.GetString("remote.user_id")),
		RequestTimeout: configViper.GetDuration("remote.timeout"),
		PageSize:       configViper.GetInt("sync.page_size"),
		PullInterval:   configViper.GetDuration("sync.pull_interval"),
		SweepInterval:  configViper.GetDuration("sync.sweep_interval"),
		RetryInterval:  configViper.GetDuration("sync.retry_interval"),
		LogLevel:       configViper.GetString("log.level"),
	}
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("data.path is required")
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("data.max_bytes must not be negative")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.RemoteURL != "" && c.AccessToken == "" {
		return fmt.Errorf("remote.token is required when remote.url is set")
	}
	return nil
}

// RemoteConfigured reports whether a sync backend is configured.
func (c ClientConfig) RemoteConfigured() bool {
	return c.RemoteURL != ""
}
