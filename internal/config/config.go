package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// IMAPConfig locates the server of an IMAP account.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	// PasswordEnv names the environment variable holding the password.
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env"`
	// TLS is "tls", "starttls" or "none".
	TLS string `mapstructure:"tls" yaml:"tls"`
}

// AccountConfig declares one observed account.
type AccountConfig struct {
	ID        string     `mapstructure:"id" yaml:"id"`
	Name      string     `mapstructure:"name" yaml:"name"`
	Email     string     `mapstructure:"email" yaml:"email"`
	Provider  string     `mapstructure:"provider" yaml:"provider"`
	LocalOnly bool       `mapstructure:"local_only" yaml:"local_only"`
	IMAP      IMAPConfig `mapstructure:"imap" yaml:"imap"`
}

// Account converts the entry to the record orchestrators work with.
func (a AccountConfig) Account() mail.Account {
	return mail.Account{
		ID:          a.ID,
		DisplayName: a.Name,
		Email:       a.Email,
		Provider:    mail.ProviderTag(strings.ToUpper(a.Provider)),
		IsLocalOnly: a.LocalOnly,
	}
}

type AuthConfig struct {
	ServerURL    string `mapstructure:"server_url" yaml:"server_url"`
	ServiceToken string `mapstructure:"service_token" yaml:"service_token"`
}

type NATSConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type SyncConfig struct {
	DiscoveryPageSize int           `mapstructure:"discovery_page_size" yaml:"discovery_page_size"`
	ThreadPageSize    int           `mapstructure:"thread_page_size" yaml:"thread_page_size"`
	MessagePageSize   int           `mapstructure:"message_page_size" yaml:"message_page_size"`
	CheckInterval     time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	EvictionAge       time.Duration `mapstructure:"eviction_age" yaml:"eviction_age"`
}

type GmailConfig struct {
	QuotaPerSecond float64 `mapstructure:"quota_per_second" yaml:"quota_per_second"`
}

// Config is the top-level configuration.
type Config struct {
	DataDir  string          `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel string          `mapstructure:"log_level" yaml:"log_level"`
	Auth     AuthConfig      `mapstructure:"auth" yaml:"auth"`
	NATS     NATSConfig      `mapstructure:"nats" yaml:"nats"`
	HTTP     HTTPConfig      `mapstructure:"http" yaml:"http"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Gmail    GmailConfig     `mapstructure:"gmail" yaml:"gmail"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultPath returns ~/.config/mailsync/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "mailsync")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("auth.server_url", "")
	v.SetDefault("auth.service_token", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("sync.discovery_page_size", 50)
	v.SetDefault("sync.thread_page_size", 100)
	v.SetDefault("sync.message_page_size", 50)
	v.SetDefault("sync.check_interval", 5*time.Minute)
	v.SetDefault("sync.eviction_age", 720*time.Hour)
	v.SetDefault("gmail.quota_per_second", 250)
}

// Load reads the YAML file at path. A missing file yields the defaults.
// MAILSYNC_* environment variables override file values, e.g.
// MAILSYNC_NATS_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.Name == "" {
			a.Name = a.Email
		}
		if a.IMAP.TLS == "" {
			a.IMAP.TLS = "tls"
		}
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Sync.DiscoveryPageSize <= 0 || c.Sync.ThreadPageSize <= 0 || c.Sync.MessagePageSize <= 0 {
		return errors.New("sync page sizes must be positive")
	}
	if c.Sync.CheckInterval <= 0 {
		return errors.New("sync.check_interval must be positive")
	}
	if c.Sync.EvictionAge <= 0 {
		return errors.New("sync.eviction_age must be positive")
	}
	if c.Gmail.QuotaPerSecond <= 0 {
		return errors.New("gmail.quota_per_second must be positive")
	}

	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true

		switch a.Account().Provider {
		case mail.ProviderGoogle, mail.ProviderMicrosoft:
			if !a.LocalOnly && c.Auth.ServerURL == "" {
				return fmt.Errorf("account %s: auth.server_url is required for %s accounts", a.ID, a.Provider)
			}
			if a.Account().Provider == mail.ProviderMicrosoft && a.Email == "" {
				return fmt.Errorf("account %s: email is required", a.ID)
			}
		case mail.ProviderIMAP:
			if a.LocalOnly {
				continue
			}
			if a.IMAP.Host == "" {
				return fmt.Errorf("account %s: imap.host is required", a.ID)
			}
			if a.IMAP.PasswordEnv == "" {
				return fmt.Errorf("account %s: imap.password_env is required", a.ID)
			}
			switch a.IMAP.TLS {
			case "tls", "starttls", "none":
			default:
				return fmt.Errorf("account %s: imap.tls must be tls, starttls or none", a.ID)
			}
		default:
			return fmt.Errorf("account %s: unknown provider %q", a.ID, a.Provider)
		}
	}
	return nil
}

// Account returns the configured account with id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// PasswordEnv maps IMAP account ids to their password variables.
func (c *Config) PasswordEnv() map[string]string {
	out := make(map[string]string)
	for _, a := range c.Accounts {
		if a.IMAP.PasswordEnv != "" {
			out[a.ID] = a.IMAP.PasswordEnv
		}
	}
	return out
}
