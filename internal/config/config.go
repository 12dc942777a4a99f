package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "SPARKPAD"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "sparkpad.db"
	defaultRedisURL     = "redis://127.0.0.1:6379/0"
	defaultLogLevel     = "info"
	defaultPackageHost  = "https://esm.sh"
	defaultLocalOrigin  = "https://sparkpad.dev"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	RedisURL     string
	LogLevel     string
	PackageHost  string
	LocalOrigin  string
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
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("bundler.package_host", defaultPackageHost)
	configViper.SetDefault("bundler.local_origin", defaultLocalOrigin)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		RedisURL:     configViper.GetString("redis.url"),
		LogLevel:     configViper.GetString("log.level"),
		PackageHost:  configViper.GetString("bundler.package_host"),
		LocalOrigin:  configViper.GetString("bundler.local_origin"),
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
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis.url is required")
	}
	if strings.TrimSpace(c.PackageHost) == "" {
		return fmt.Errorf("bundler.package_host is required")
	}
	if strings.TrimSpace(c.LocalOrigin) == "" {
		return fmt.Errorf("bundler.local_origin is required")
	}
	return nil
}
