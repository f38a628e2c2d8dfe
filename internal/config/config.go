package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// DatabaseURL maps to env var DB_URL.
	// postgres:// URLs go through pgx, sqlite:// (or file:) URLs through the embedded SQLite driver.
	DatabaseURL string `envconfig:"DB_URL" default:"sqlite://data/pcgs_coins.db"`

	// ListenAddr is where the HTTP API binds.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":47568"`

	// LookupURL is the certificate lookup prefix; the certificate number is appended.
	LookupURL string `envconfig:"LOOKUP_URL" default:"https://www.pcgs.com/cert/"`

	// ImagesDir is where downloaded coin images are written.
	ImagesDir string `envconfig:"IMAGES_DIR" default:"data/images"`

	// ImagesURLPrefix is prepended to image file names in stored records,
	// and is the route the API serves ImagesDir under.
	ImagesURLPrefix string `envconfig:"IMAGES_URL_PREFIX" default:"data/images"`

	// MaxPages caps how many browser tabs may be open at once.
	MaxPages int `envconfig:"MAX_PAGES" default:"4"`

	NavigationTimeout time.Duration `envconfig:"NAVIGATION_TIMEOUT" default:"30s"`
	SettleDelay       time.Duration `envconfig:"SETTLE_DELAY" default:"500ms"`

	// MaxRetries is the number of additional fetch attempts after the first one.
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"2"`
	RetryBackoff    time.Duration `envconfig:"RETRY_BACKOFF" default:"1s"`
	MaxRetryBackoff time.Duration `envconfig:"MAX_RETRY_BACKOFF" default:"8s"`

	AssetTimeout time.Duration `envconfig:"ASSET_TIMEOUT" default:"30s"`

	// AssetMaxBytes caps one downloaded image.
	AssetMaxBytes int64 `envconfig:"ASSET_MAX_BYTES" default:"20971520"`

	// RateLimit maps to RATE_LIMIT: minimum interval between two page loads on the same host.
	RateLimit     time.Duration `envconfig:"RATE_LIMIT" default:"2s"`
	RespectRobots bool          `envconfig:"RESPECT_ROBOTS" default:"true"`
	RobotsAgent   string        `envconfig:"ROBOTS_AGENT" default:"certscraper"`

	UserAgent  string `envconfig:"USER_AGENT" default:"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"`
	Headless   bool   `envconfig:"HEADLESS" default:"true"`
	ChromePath string `envconfig:"CHROME_PATH"`

	// ScrapeTimeout bounds one API scrape request, retries included.
	ScrapeTimeout time.Duration `envconfig:"SCRAPE_TIMEOUT" default:"90s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// Load processes environment variables and populates the Config struct.
func Load() (*Config, error) {
	// A missing .env is normal outside development; only complain when one
	// exists but can't be read.
	if err := godotenv.Load(); err != nil {
		if _, statErr := os.Stat(".env"); statErr == nil {
			slog.Warn(".env file found but could not be loaded", "err", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MaxPages < 1 {
		return fmt.Errorf("MAX_PAGES must be at least 1, got %d", c.MaxPages)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("NAVIGATION_TIMEOUT must be positive")
	}
	if !strings.HasPrefix(c.LookupURL, "http://") && !strings.HasPrefix(c.LookupURL, "https://") {
		return fmt.Errorf("LOOKUP_URL must be an http(s) URL, got %q", c.LookupURL)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
