// Package config loads the immutable runtime configuration from the
// environment, optionally seeded from a config.env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrInvalid marks fatal configuration errors detected before startup.
var ErrInvalid = errors.New("invalid configuration")

// Email holds IMAP account settings.
type Email struct {
	Address  string `env:"EMAIL"`
	Password string `env:"PASSWORD"`
	Server   string `env:"IMAP_SERVER"`
	Port     int    `env:"IMAP_PORT" envDefault:"993"`
}

// Notify holds the optional notification gateway settings. Notifications
// are enabled only when the key, URL and the public channel pair are all
// present.
type Notify struct {
	APIKey            string `env:"TELEGRAM_API_KEY"`
	APIURL            string `env:"TELEGRAM_API_URL"`
	ChannelName       string `env:"TELEGRAM_CHANNEL_NAME"`
	ChannelSecret     string `env:"TELEGRAM_CHANNEL_SECRET"`
	InfoChannelName   string `env:"TELEGRAM_INFO_CHANNEL_NAME"`
	InfoChannelSecret string `env:"TELEGRAM_INFO_CHANNEL_SECRET"`
}

// Enabled reports whether remote notifications are configured.
func (n Notify) Enabled() bool {
	return n.APIKey != "" && n.APIURL != "" && n.ChannelName != "" && n.ChannelSecret != ""
}

// App holds poll cadence, retry budget and folder settings. Interval
// fields are in seconds.
type App struct {
	CheckInterval    int    `env:"CHECK_INTERVAL" envDefault:"3"`
	StaleAfter       int    `env:"MINUTES_TO_WAIT" envDefault:"900"`
	MaxRetryAttempts int    `env:"MAX_RETRY_ATTEMPTS" envDefault:"3"`
	RefreshInterval  int    `env:"REFRESH_INTERVAL" envDefault:"1800"`
	LogPath          string `env:"LOG_PATH" envDefault:"netflix-validator.log"`
	ArchiveFolder    string `env:"GELESEN_FOLDER" envDefault:"Gelesen"`
}

// Config is the complete application configuration. It is loaded once at
// startup and never mutated afterwards.
type Config struct {
	Email  Email
	Notify Notify
	App    App
}

// Load reads the given env file (if it exists), parses the environment
// and validates the result.
func Load(file string) (*Config, error) {
	if file != "" {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalid, file, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration against the startup rules. It
// returns an error wrapping ErrInvalid on the first violation.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if c.Email.Address == "" || !strings.Contains(c.Email.Address, "@") {
		return fail("EMAIL must be a valid email address")
	}
	if c.Email.Password == "" {
		return fail("PASSWORD must not be empty")
	}
	if c.Email.Server == "" {
		return fail("IMAP_SERVER must not be empty")
	}
	if c.Email.Port < 1 || c.Email.Port > 65535 {
		return fail("IMAP_PORT %d out of range", c.Email.Port)
	}
	if c.App.CheckInterval <= 0 {
		return fail("CHECK_INTERVAL must be positive, got %d", c.App.CheckInterval)
	}
	if c.App.StaleAfter <= 0 {
		return fail("MINUTES_TO_WAIT must be positive, got %d", c.App.StaleAfter)
	}
	if c.App.MaxRetryAttempts <= 0 {
		return fail("MAX_RETRY_ATTEMPTS must be positive, got %d", c.App.MaxRetryAttempts)
	}
	if c.App.RefreshInterval <= 0 {
		return fail("REFRESH_INTERVAL must be positive, got %d", c.App.RefreshInterval)
	}

	if c.Notify.Enabled() {
		if len(c.Notify.APIKey) < 10 {
			return fail("TELEGRAM_API_KEY too short")
		}
		if !strings.HasPrefix(c.Notify.APIURL, "http://") && !strings.HasPrefix(c.Notify.APIURL, "https://") {
			return fail("TELEGRAM_API_URL must start with http:// or https://")
		}
	}
	return nil
}
