// Package config loads server settings from .env, an optional YAML file and
// the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultFile is read from the working directory when no file is named.
const DefaultFile = "drawsync.yaml"

type (
	OAuth struct {
		ClientID     string
		ClientSecret string
		RedirectURL  string
		// IssuerURL is only used by OIDC.
		IssuerURL string
	}

	Config struct {
		ListenAddr       string
		LogLevel         string
		LogJSON          bool
		StorageType      string
		DataSourceName   string
		DatabaseURL      string
		LocalStoragePath string
		S3BucketName     string
		RedisURL         string
		JWTSecret        string
		ChannelGrantTTL  time.Duration
		ShutdownTimeout  time.Duration
		CORSOrigins      []string
		GitHub           OAuth
		OIDC             OAuth
	}
)

var defaults = map[string]any{
	"listen_addr":        ":3002",
	"log_level":          "info",
	"log_json":           false,
	"storage_type":       "memory",
	"data_source_name":   "drawsync.db",
	"local_storage_path": "./data",
	"channel_grant_ttl":  "5m",
	"shutdown_timeout":   "10s",
	"cors_origins":       "*",
}

// Load reads configuration. An empty file name falls back to DefaultFile
// when it exists; a named file must exist.
func Load(file string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// Keys without defaults still need to be known to AutomaticEnv.
	for _, key := range []string{
		"database_url", "s3_bucket_name", "redis_url", "jwt_secret",
		"github_client_id", "github_client_secret", "github_redirect_url",
		"oidc_issuer_url", "oidc_client_id", "oidc_client_secret", "oidc_redirect_url",
	} {
		v.SetDefault(key, "")
	}
	v.AutomaticEnv()

	if file == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			file = DefaultFile
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{
		ListenAddr:       v.GetString("listen_addr"),
		LogLevel:         v.GetString("log_level"),
		LogJSON:          v.GetBool("log_json"),
		StorageType:      strings.ToLower(v.GetString("storage_type")),
		DataSourceName:   v.GetString("data_source_name"),
		DatabaseURL:      v.GetString("database_url"),
		LocalStoragePath: v.GetString("local_storage_path"),
		S3BucketName:     v.GetString("s3_bucket_name"),
		RedisURL:         v.GetString("redis_url"),
		JWTSecret:        v.GetString("jwt_secret"),
		ChannelGrantTTL:  v.GetDuration("channel_grant_ttl"),
		ShutdownTimeout:  v.GetDuration("shutdown_timeout"),
		CORSOrigins:      splitList(v.GetString("cors_origins")),
		GitHub: OAuth{
			ClientID:     v.GetString("github_client_id"),
			ClientSecret: v.GetString("github_client_secret"),
			RedirectURL:  v.GetString("github_redirect_url"),
		},
		OIDC: OAuth{
			IssuerURL:    v.GetString("oidc_issuer_url"),
			ClientID:     v.GetString("oidc_client_id"),
			ClientSecret: v.GetString("oidc_client_secret"),
			RedirectURL:  v.GetString("oidc_redirect_url"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and cross-field requirements.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.ChannelGrantTTL <= 0 {
		return errors.New("CHANNEL_GRANT_TTL must be positive")
	}
	switch c.StorageType {
	case "memory", "sqlite", "filesystem":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for postgres storage")
		}
	case "s3":
		if c.S3BucketName == "" {
			return errors.New("S3_BUCKET_NAME is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown STORAGE_TYPE %q", c.StorageType)
	}
	return nil
}

// SharedUpdates reports whether the storage backend applies an update in a
// single statement, so several instances may write through it at once. The
// other backends read, modify and write under a lock held by this process.
func (c *Config) SharedUpdates() bool {
	return c.StorageType == "postgres" || c.StorageType == "sqlite"
}

// OIDCConfigured reports whether OIDC login should be offered. It takes
// precedence over GitHub.
func (c *Config) OIDCConfigured() bool {
	return c.OIDC.IssuerURL != "" && c.OIDC.ClientID != ""
}

func (c *Config) GitHubConfigured() bool {
	return c.GitHub.ClientID != "" && c.GitHub.ClientSecret != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
