// Package config loads the directory's configuration from file, environment
// and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"go.pilab.hu/directory/internal/federation"
	"go.pilab.hu/directory/internal/mail"
)

// Config holds all settings of the directory server.
type Config struct {
	HTTPPort  string `mapstructure:"httpPort"`
	PublicURL string `mapstructure:"publicUrl"`

	MongoURI    string `mapstructure:"mongoUri"`
	MongoDBName string `mapstructure:"mongoDbName"`

	LogLevel  string `mapstructure:"logLevel"`
	LogPretty bool   `mapstructure:"logPretty"`

	// Signing keypair, PEM files. The key id goes in the token header.
	PrivateKeyFile string `mapstructure:"privateKeyFile"`
	PublicKeyFile  string `mapstructure:"publicKeyFile"`
	KeyID          string `mapstructure:"keyId"`

	// StateDir persists the per-provider CSRF state and cached discovery
	// documents.
	StateDir string `mapstructure:"stateDir"`

	SessionTTL    time.Duration `mapstructure:"sessionTtl"`
	InitialTTL    time.Duration `mapstructure:"initialTtl"`
	InvitationTTL time.Duration `mapstructure:"invitationTtl"`
	LockTTL       time.Duration `mapstructure:"lockTtl"`

	Passwordless         bool     `mapstructure:"passwordless"`
	InvitationRedirect   string   `mapstructure:"invitationRedirect"`
	DefaultLoginRedirect string   `mapstructure:"defaultLoginRedirect"`
	AdminEmails          []string `mapstructure:"adminEmails"`

	// DefaultMembersLimit caps organization membership when no per-org quota
	// is stored. 0 means unlimited.
	DefaultMembersLimit int `mapstructure:"defaultMembersLimit"`

	// PasswordlessRateLimit caps login-link requests per email per window.
	PasswordlessRateLimit  int           `mapstructure:"passwordlessRateLimit"`
	PasswordlessRateWindow time.Duration `mapstructure:"passwordlessRateWindow"`

	Federation federation.Config `mapstructure:"federation"`
	SMTP       mail.SMTPConfig   `mapstructure:"smtp"`

	// RedisURL enables the notification sink; empty disables it.
	RedisURL            string `mapstructure:"redisUrl"`
	NotificationChannel string `mapstructure:"notificationChannel"`
}

// Load reads the configuration. The file is optional; environment variables
// (prefix DIRECTORY_, dots replaced by underscores) override it.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("directory")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/directory/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DIRECTORY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("httpPort", "8080")
	v.SetDefault("publicUrl", "http://localhost:8080")
	v.SetDefault("mongoUri", "mongodb://localhost:27017")
	v.SetDefault("mongoDbName", "directory")
	v.SetDefault("logLevel", "info")
	v.SetDefault("logPretty", false)
	v.SetDefault("privateKeyFile", "keys/signing.key")
	v.SetDefault("publicKeyFile", "keys/signing.pub")
	v.SetDefault("keyId", "directory-1")
	v.SetDefault("stateDir", "./data")
	v.SetDefault("sessionTtl", 30*24*time.Hour)
	v.SetDefault("initialTtl", 15*time.Minute)
	v.SetDefault("invitationTtl", 10*24*time.Hour)
	v.SetDefault("lockTtl", 60*time.Second)
	v.SetDefault("passwordless", true)
	v.SetDefault("defaultMembersLimit", 0)
	v.SetDefault("passwordlessRateLimit", 5)
	v.SetDefault("passwordlessRateWindow", 10*time.Minute)
	v.SetDefault("notificationChannel", "directory:notifications")
	v.SetDefault("smtp.port", 587)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &cfg, nil
}
