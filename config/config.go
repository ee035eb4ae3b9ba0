// Package config loads tubevault settings from defaults, an optional TOML
// file and the process environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// PathEnv names the variable that points at a TOML config file when no
// --config flag is given.
const PathEnv = "TUBEVAULT_CONFIG"

type Config struct {
	Env       string `toml:"env" env:"APP_ENV"`
	Port      string `toml:"port" env:"PORT"`
	LogLevel  string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"LOG_FORMAT"`

	Database Database `toml:"database"`
	Redis    Redis    `toml:"redis"`
	Auth     Auth     `toml:"auth"`
	Telegram Telegram `toml:"telegram"`
	YouTube  YouTube  `toml:"youtube"`
	Storage  Storage  `toml:"storage"`
	Queue    Queue    `toml:"queue"`
	Mail     Mail     `toml:"mail"`

	CORSAllowedOrigins []string `toml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	FrontendURL        string   `toml:"frontend_url" env:"FRONTEND_URL"`
	OTelEndpoint       string   `toml:"otel_endpoint" env:"OTEL_ENDPOINT"`
	StreamDelay        Duration `toml:"stream_delay" env:"STREAM_DELAY"`
}

type Database struct {
	Driver       string `toml:"driver" env:"DB_DRIVER"`
	Path         string `toml:"path" env:"DB_PATH"`
	URL          string `toml:"url" env:"DATABASE_URL"`
	MaxOpenConns int    `toml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
}

type Redis struct {
	URL string `toml:"url" env:"REDIS_URL"`
}

type Auth struct {
	SecretKey            string   `toml:"secret_key" env:"SECRET_KEY"`
	AccessTTL            Duration `toml:"access_ttl" env:"JWT_ACCESS_TTL"`
	RefreshTTL           Duration `toml:"refresh_ttl" env:"JWT_REFRESH_TTL"`
	ResetTokenTTL        Duration `toml:"reset_token_ttl" env:"RESET_TOKEN_TTL"`
	VerifyTokenTTL       Duration `toml:"verify_token_ttl" env:"VERIFY_TOKEN_TTL"`
	PasswordResetLockTTL Duration `toml:"password_reset_lock_ttl" env:"PASSWORD_RESET_LOCK_TTL"`
	NewUsersActive       bool     `toml:"new_users_active" env:"NEW_USERS_ACTIVE"`
	RateLimit            int      `toml:"rate_limit" env:"AUTH_RATE_LIMIT"`
}

type Telegram struct {
	BotToken      string `toml:"bot_token" env:"TG_BOT_TOKEN"`
	WebhookURL    string `toml:"webhook_url" env:"TG_WEBHOOK_URL"`
	WebhookSecret string `toml:"webhook_secret" env:"TG_WEBHOOK_SECRET"`
	WebAppURL     string `toml:"web_app_url" env:"WEB_APP_URL"`
}

type YouTube struct {
	APIKey       string   `toml:"api_key" env:"YOUTUBE_API_KEY"`
	YTDLPPath    string   `toml:"ytdlp_path" env:"YTDLP_PATH"`
	FetchTimeout Duration `toml:"fetch_timeout" env:"FETCH_TIMEOUT"`
}

type Storage struct {
	Endpoint  string `toml:"endpoint" env:"MINIO_ENDPOINT"`
	AccessKey string `toml:"access_key" env:"MINIO_ACCESS_KEY"`
	SecretKey string `toml:"secret_key" env:"MINIO_SECRET_KEY"`
	Bucket    string `toml:"bucket" env:"MINIO_BUCKET"`
	UseSSL    bool   `toml:"use_ssl" env:"MINIO_USE_SSL"`
}

type Queue struct {
	Name        string `toml:"name" env:"QUEUE_NAME"`
	Concurrency int    `toml:"concurrency" env:"WORKER_CONCURRENCY"`
	MaxRetry    int    `toml:"max_retry" env:"TASK_MAX_RETRY"`
}

type Mail struct {
	Host     string `toml:"smtp_host" env:"SMTP_HOST"`
	Port     int    `toml:"smtp_port" env:"SMTP_PORT"`
	Username string `toml:"smtp_username" env:"SMTP_USERNAME"`
	Password string `toml:"smtp_password" env:"SMTP_PASSWORD"`
	From     string `toml:"smtp_from" env:"SMTP_FROM"`
}

// Duration is a time.Duration that decodes from TOML strings like "15m".
// Environment values go through caarlos0/env, which already understands
// time.Duration syntax via UnmarshalText.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the settings used when neither a file nor the environment
// overrides a key.
func Default() Config {
	return Config{
		Env:       "development",
		Port:      "8080",
		LogLevel:  "info",
		LogFormat: "text",
		Database: Database{
			Driver:       "sqlite",
			Path:         "/data/tubevault.db",
			MaxOpenConns: 10,
		},
		Auth: Auth{
			SecretKey:            "change-me",
			AccessTTL:            Duration{1440 * time.Minute},
			RefreshTTL:           Duration{10080 * time.Minute},
			ResetTokenTTL:        Duration{24 * time.Hour},
			VerifyTokenTTL:       Duration{24 * time.Hour},
			PasswordResetLockTTL: Duration{60 * time.Second},
			NewUsersActive:       true,
			RateLimit:            30,
		},
		YouTube: YouTube{
			YTDLPPath:    "yt-dlp",
			FetchTimeout: Duration{60 * time.Second},
		},
		Storage: Storage{Bucket: "tubevault"},
		Queue: Queue{
			Name:        "default",
			Concurrency: 4,
			MaxRetry:    3,
		},
		Mail:               Mail{Port: 587},
		CORSAllowedOrigins: []string{"*"},
		FrontendURL:        "http://localhost:3000",
		StreamDelay:        Duration{5 * time.Second},
	}
}

// Load builds a Config from defaults, the TOML file at path (if any) and the
// environment. An empty path falls back to $TUBEVAULT_CONFIG.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseEnv overlays environment variables onto target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("DB_PATH is required for sqlite"))
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver))
	}
	if c.IsProduction() && (c.Auth.SecretKey == "" || c.Auth.SecretKey == "change-me") {
		errs = append(errs, errors.New("SECRET_KEY must be set in production"))
	}
	if c.Auth.AccessTTL.Duration <= 0 || c.Auth.RefreshTTL.Duration <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// StorageEnabled reports whether object storage credentials were supplied.
func (c Config) StorageEnabled() bool {
	return c.Storage.Endpoint != "" && c.Storage.AccessKey != ""
}
