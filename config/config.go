// Package config loads application settings from a yaml file, the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file settings.
// Nested keys use a double underscore: SCRIPTORIUM_DATABASE__URL.
const EnvPrefix = "SCRIPTORIUM_"

type AppConfig struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Log        LogConfig        `koanf:"log"`
	Captcha    CaptchaConfig    `koanf:"captcha"`
	Email      EmailConfig      `koanf:"email"`
	Checker    CheckerConfig    `koanf:"checker"`
	Storage    StorageConfig    `koanf:"storage"`
	Moderation ModerationConfig `koanf:"moderation"`
}

type ServerConfig struct {
	Port          int           `koanf:"port"`
	Mode          string        `koanf:"mode"` // debug, release, test
	ReadOnly      bool          `koanf:"read_only"`
	SessionSecret string        `koanf:"session_secret"`
	FrontendURL   string        `koanf:"frontend_url"`
	Domain        string        `koanf:"domain"`
	ReadTimeout   time.Duration `koanf:"read_timeout"`
	WriteTimeout  time.Duration `koanf:"write_timeout"`
}

type DatabaseConfig struct {
	URL            string `koanf:"url"` // sqlite://file.db or postgres://...
	MaxConnections int    `koanf:"max_connections"`
}

type RedisConfig struct {
	URL       string        `koanf:"url"` // empty keeps delayed jobs on in-process timers
	QueueKey  string        `koanf:"queue_key"`
	PollEvery time.Duration `koanf:"poll_every"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type CaptchaConfig struct {
	SecretKey string `koanf:"secret_key"` // empty disables verification
	VerifyURL string `koanf:"verify_url"`
}

type EmailConfig struct {
	SMTPHost          string   `koanf:"smtp_host"`
	SMTPPort          string   `koanf:"smtp_port"`
	SMTPUser          string   `koanf:"smtp_user"`
	SMTPPassword      string   `koanf:"smtp_password"`
	From              string   `koanf:"from"`
	DisposableDomains []string `koanf:"disposable_domains"`
}

type CheckerConfig struct {
	AllowedRequireHosts []string `koanf:"allowed_require_hosts"`
}

type StorageConfig struct {
	ScreenshotDir string `koanf:"screenshot_dir"`
	CacheDir      string `koanf:"cache_dir"`
}

type ModerationConfig struct {
	BannedEmailSalt string        `koanf:"banned_email_salt"`
	BanDelay        time.Duration `koanf:"ban_delay"`
}

// Default returns the settings used when nothing else is configured.
func Default() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8080,
			Mode:         "debug",
			FrontendURL:  "http://localhost:5173",
			Domain:       "http://localhost:8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{URL: "sqlite://data/scriptorium.db", MaxConnections: 20},
		Redis:    RedisConfig{QueueKey: "scriptorium:jobs", PollEvery: 5 * time.Second},
		Log:      LogConfig{Level: "info", Format: "text"},
		Captcha:  CaptchaConfig{VerifyURL: "https://www.google.com/recaptcha/api/siteverify"},
		Email:    EmailConfig{SMTPPort: "587"},
		Checker: CheckerConfig{AllowedRequireHosts: []string{
			"cdn.jsdelivr.net", "code.jquery.com", "unpkg.com", "cdnjs.cloudflare.com",
		}},
		Storage:    StorageConfig{ScreenshotDir: "public/screenshots", CacheDir: "cache"},
		Moderation: ModerationConfig{BanDelay: 5 * time.Minute},
	}
}

// Load reads the yaml file at path (if it exists), then the environment.
// A missing .env or config file is not an error.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not load .env file", "err", err)
	}

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	conf := Default()
	if err := k.Unmarshal("", conf); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return conf, nil
}
