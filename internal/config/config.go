package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/mstoykov/envconfig"
)

// Config is populated from the environment (prefix BROWSERMUX_), with an
// optional .env file loaded first.
type Config struct {
	// Browser executable and launch glue
	BrowserPath   string `envconfig:"BROWSER_PATH" required:"true"`
	BrowserArgs   string `envconfig:"BROWSER_ARGS"`
	DownloadsDir  string `envconfig:"DOWNLOADS_DIR"`
	CookieJarPath string `envconfig:"COOKIE_JAR_PATH"`
	ProfileDir    string `envconfig:"PROFILE_DIR"` // temp dir is created when empty

	// Listener
	Host        string `envconfig:"HOST" default:"127.0.0.1"`
	Port        int    `envconfig:"PORT" default:"0"`
	MaxSessions int64  `envconfig:"MAX_SESSIONS" default:"20"`

	// Connection throttling per remote host
	ConnectsPerMinute int `envconfig:"CONNECTS_PER_MINUTE" default:"60"`
	ConnectBurst      int `envconfig:"CONNECT_BURST" default:"10"`

	// Shutdown
	GracePeriod   time.Duration `envconfig:"GRACE_PERIOD" default:"30s"`
	HandleSignals bool          `envconfig:"HANDLE_SIGNALS" default:"false"`

	Debug bool `envconfig:"DEBUG" default:"false"`
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// missing .env is fine, system environment still applies
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("browsermux", &cfg); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return &cfg, nil
}
