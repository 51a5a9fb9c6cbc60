package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "SHAREDNOTES"
	defaultServerURL          = "https://sharednotes.goto.ucsd.edu"
	defaultDatabasePath       = "sharednotes.db"
	defaultServerDatabasePath = "sharednotes-server.db"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultLogLevel           = "info"
	defaultPollInterval       = 3 * time.Second
	defaultFlushTimeout       = 5 * time.Second
	defaultRemoteTimeout      = 10 * time.Second
	defaultRatePerSecond      = 10.0
	defaultBurst              = 20
)

// AppConfig captures runtime configuration for the client and the reference server.
type AppConfig struct {
	ServerURL          string
	DatabasePath       string
	ServerDatabasePath string
	HTTPAddress        string
	LogLevel           string
	PollInterval       time.Duration
	FlushTimeout       time.Duration
	RemoteTimeout      time.Duration
	RatePerSecond      float64
	Burst              int
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

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("server.database_path", defaultServerDatabasePath)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.poll_interval", defaultPollInterval)
	configViper.SetDefault("sync.flush_timeout", defaultFlushTimeout)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("remote.rate_per_second", defaultRatePerSecond)
	configViper.SetDefault("remote.burst", defaultBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServerURL:          strings.TrimRight(strings.TrimSpace(configViper.GetString("server.url")), "/"),
		DatabasePath:       configViper.GetString("database.path"),
		ServerDatabasePath: configViper.GetString("server.database_path"),
		HTTPAddress:        configViper.GetString("http.address"),
		LogLevel:           configViper.GetString("log.level"),
		PollInterval:       configViper.GetDuration("sync.poll_interval"),
		FlushTimeout:       configViper.GetDuration("sync.flush_timeout"),
		RemoteTimeout:      configViper.GetDuration("remote.timeout"),
		RatePerSecond:      configViper.GetFloat64("remote.rate_per_second"),
		Burst:              configViper.GetInt("remote.burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server.url is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("server.url must be an absolute url, got %q", c.ServerURL)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive")
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("sync.flush_timeout must be positive")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.RatePerSecond <= 0 || c.Burst <= 0 {
		return fmt.Errorf("remote.rate_per_second and remote.burst must be positive")
	}
	return nil
}
