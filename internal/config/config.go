// Package config loads process settings from a YAML file, VPNBOT_* environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. VPNBOT_TELEGRAM_TOKEN.
const EnvPrefix = "VPNBOT"

// Config is the full process configuration.
type Config struct {
	Telegram  Telegram  `mapstructure:"telegram"`
	Outline   Outline   `mapstructure:"outline"`
	Database  Database  `mapstructure:"database"`
	Reconcile Reconcile `mapstructure:"reconcile"`
	Usage     Usage     `mapstructure:"usage"`
	Admin     Admin     `mapstructure:"admin"`
	Log       Log       `mapstructure:"log"`
}

// Telegram configures the chat client and the gated channel.
type Telegram struct {
	Token          string        `mapstructure:"token"`
	ChannelID      int64         `mapstructure:"channel_id"`
	ChannelURL     string        `mapstructure:"channel_url"`
	AdminIDs       []int64       `mapstructure:"admin_ids"`
	APIEndpoint    string        `mapstructure:"api_endpoint"`
	SupportContact string        `mapstructure:"support_contact"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Workers        int           `mapstructure:"workers"`
}

// Outline configures the access key store.
type Outline struct {
	APIURL             string        `mapstructure:"api_url"`
	CertSHA256         string        `mapstructure:"cert_sha256"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration `mapstructure:"timeout"`
	Method             string        `mapstructure:"method"`
	Retries            uint64        `mapstructure:"retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
}

// Database selects the ledger backend by DSN scheme.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Reconcile tunes the reconciliation engine.
type Reconcile struct {
	Interval     time.Duration `mapstructure:"interval"`
	CheckDelay   time.Duration `mapstructure:"check_delay"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
}

// Usage tunes the usage collector and the inactivity report.
type Usage struct {
	Interval      time.Duration `mapstructure:"interval"`
	InactiveAfter time.Duration `mapstructure:"inactive_after"`
}

// Admin configures the operator surfaces.
type Admin struct {
	HTTPAddr          string        `mapstructure:"http_addr"`
	GRPCAddr          string        `mapstructure:"grpc_addr"`
	GRPCCertFile      string        `mapstructure:"grpc_cert_file"`
	GRPCKeyFile       string        `mapstructure:"grpc_key_file"`
	Username          string        `mapstructure:"username"`
	PasswordHash      string        `mapstructure:"password_hash"`
	JWTKey            string        `mapstructure:"jwt_key"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// Log selects the logger flavour.
type Log struct {
	Dev bool `mapstructure:"dev"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Telegram: Telegram{
			APIEndpoint: "https://api.telegram.org/bot%s/%s",
			Timeout:     60 * time.Second,
			Workers:     4,
		},
		Outline: Outline{
			Timeout:    5 * time.Second,
			Method:     "chacha20-ietf-poly1305",
			Retries:    2,
			RetryDelay: 500 * time.Millisecond,
		},
		Database: Database{DSN: "sqlite://vpnguard.db"},
		Reconcile: Reconcile{
			Interval:     time.Hour,
			CheckDelay:   1500 * time.Millisecond,
			CheckTimeout: 5 * time.Second,
		},
		Usage: Usage{
			Interval:      5 * time.Minute,
			InactiveAfter: 7 * 24 * time.Hour,
		},
		Admin: Admin{
			HTTPAddr:          "127.0.0.1:8080",
			GRPCAddr:          "127.0.0.1:9090",
			Username:          "admin",
			TokenTTL:          time.Hour,
			RequestsPerMinute: 60,
		},
	}
}

// NewViper returns a viper instance with defaults and environment binding. When file is set it
// must exist; otherwise ./vpnguard.yaml is read if present.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		return v, nil
	}
	v.SetConfigName("vpnguard")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes v into a Config.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// setDefaults registers every key so that environment variables are seen by Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("telegram.token", d.Telegram.Token)
	v.SetDefault("telegram.channel_id", d.Telegram.ChannelID)
	v.SetDefault("telegram.channel_url", d.Telegram.ChannelURL)
	v.SetDefault("telegram.admin_ids", d.Telegram.AdminIDs)
	v.SetDefault("telegram.api_endpoint", d.Telegram.APIEndpoint)
	v.SetDefault("telegram.support_contact", d.Telegram.SupportContact)
	v.SetDefault("telegram.timeout", d.Telegram.Timeout)
	v.SetDefault("telegram.workers", d.Telegram.Workers)

	v.SetDefault("outline.api_url", d.Outline.APIURL)
	v.SetDefault("outline.cert_sha256", d.Outline.CertSHA256)
	v.SetDefault("outline.insecure_skip_verify", d.Outline.InsecureSkipVerify)
	v.SetDefault("outline.timeout", d.Outline.Timeout)
	v.SetDefault("outline.method", d.Outline.Method)
	v.SetDefault("outline.retries", d.Outline.Retries)
	v.SetDefault("outline.retry_delay", d.Outline.RetryDelay)

	v.SetDefault("database.dsn", d.Database.DSN)

	v.SetDefault("reconcile.interval", d.Reconcile.Interval)
	v.SetDefault("reconcile.check_delay", d.Reconcile.CheckDelay)
	v.SetDefault("reconcile.check_timeout", d.Reconcile.CheckTimeout)

	v.SetDefault("usage.interval", d.Usage.Interval)
	v.SetDefault("usage.inactive_after", d.Usage.InactiveAfter)

	v.SetDefault("admin.http_addr", d.Admin.HTTPAddr)
	v.SetDefault("admin.grpc_addr", d.Admin.GRPCAddr)
	v.SetDefault("admin.grpc_cert_file", d.Admin.GRPCCertFile)
	v.SetDefault("admin.grpc_key_file", d.Admin.GRPCKeyFile)
	v.SetDefault("admin.username", d.Admin.Username)
	v.SetDefault("admin.password_hash", d.Admin.PasswordHash)
	v.SetDefault("admin.jwt_key", d.Admin.JWTKey)
	v.SetDefault("admin.token_ttl", d.Admin.TokenTTL)
	v.SetDefault("admin.requests_per_minute", d.Admin.RequestsPerMinute)

	v.SetDefault("log.dev", d.Log.Dev)
}

// Validate reports every problem at once. Admin settings are only checked when the admin HTTP
// surface is enabled.
func (c Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) { problems = append(problems, fmt.Errorf(format, args...)) }

	if c.Telegram.Token == "" {
		add("telegram.token is required")
	}
	if c.Telegram.ChannelID == 0 {
		add("telegram.channel_id is required")
	}
	if c.Outline.APIURL == "" {
		add("outline.api_url is required")
	} else if u, err := url.Parse(c.Outline.APIURL); err != nil || u.Scheme != "https" && u.Scheme != "http" {
		add("outline.api_url must be an http(s) url")
	}
	if c.Outline.CertSHA256 != "" && c.Outline.InsecureSkipVerify {
		add("outline.cert_sha256 and outline.insecure_skip_verify are mutually exclusive")
	}
	if c.Outline.Timeout <= 0 {
		add("outline.timeout must be positive")
	}
	if _, err := c.Database.Backend(); err != nil {
		problems = append(problems, err)
	}
	if c.Reconcile.Interval <= 0 {
		add("reconcile.interval must be positive")
	}
	if c.Reconcile.CheckDelay < 0 {
		add("reconcile.check_delay must not be negative")
	}
	if c.Usage.Interval <= 0 {
		add("usage.interval must be positive")
	}
	if c.Admin.HTTPAddr != "" {
		if c.Admin.PasswordHash == "" {
			add("admin.password_hash is required when admin.http_addr is set")
		}
		if len(c.Admin.JWTKey) < 32 {
			add("admin.jwt_key must be at least 32 bytes when admin.http_addr is set")
		}
	}
	return errors.Join(problems...)
}

// Backend names a ledger implementation.
type Backend string

// Ledger backends.
const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// Backend derives the ledger backend from the DSN scheme.
func (d Database) Backend() (Backend, error) {
	switch {
	case strings.HasPrefix(d.DSN, "postgres://"), strings.HasPrefix(d.DSN, "postgresql://"):
		return BackendPostgres, nil
	case strings.HasPrefix(d.DSN, "sqlite://"):
		if d.SQLitePath() == "" {
			return "", errors.New("database.dsn: empty sqlite path")
		}
		return BackendSQLite, nil
	case d.DSN == "":
		return "", errors.New("database.dsn is required")
	default:
		return "", fmt.Errorf("database.dsn: unsupported scheme in %q", redact(d.DSN))
	}
}

// SQLitePath returns the file path of a sqlite:// DSN.
func (d Database) SQLitePath() string {
	return strings.TrimPrefix(d.DSN, "sqlite://")
}

func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparsable>"
	}
	return u.Redacted()
}
