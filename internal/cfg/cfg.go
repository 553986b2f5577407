package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dedup backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds application configuration, registered as flags and filled from
// SPINWATCH_ environment variables.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	TelegramToken   string
	TelegramGroupID string
	TelegramAPIURL  string

	RSSURL             string
	DetailURLBase      string
	LargeScaleURL      string
	FeedTimeoutSeconds int

	CoarseRegionsPath string
	FineRegionsPath   string

	IntervalSeconds        int
	LargeScaleDelaySeconds int
	LargeScaleEnabled      bool

	RetryAttempts       int
	RetryBackoffSeconds int
	PauseAfterRegionMS  int
	PauseAfterOtherMS   int

	DedupBackend  string
	StateDir      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MapsEnabled     bool
	MapTileProvider string
	MapWidth        int
	MapHeight       int
	MapSaturation   float64

	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 5, "seconds to fail readiness before shutting down (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for in-flight runs and component shutdown after drain (1..600)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "status API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for manual pipeline triggers (empty = triggers disabled)")

	fs.StringVar(&c.TelegramToken, "telegram-token", "", "Telegram bot token")
	fs.StringVar(&c.TelegramGroupID, "telegram-group-id", "", "Telegram forum group chat id")
	fs.StringVar(&c.TelegramAPIURL, "telegram-api-url", "https://api.telegram.org", "Telegram Bot API base URL")

	fs.StringVar(&c.RSSURL, "rss-url", "https://spin3.sos112.si/api/javno/ODRSS/false", "SPIN RSS feed URL (ODRSS/true includes unverified interventions)")
	fs.StringVar(&c.DetailURLBase, "detail-url-base", "https://spin3.sos112.si/api/javno/lokacija/", "SPIN incident detail endpoint, the id is appended")
	fs.StringVar(&c.LargeScaleURL, "large-scale-url", "https://spin3.sos112.si/javno/assets/data/vecjiObseg.json", "SPIN large-scale incident collection URL")
	fs.IntVar(&c.FeedTimeoutSeconds, "feed-timeout-seconds", 10, "timeout for a single feed request (1..120)")

	fs.StringVar(&c.CoarseRegionsPath, "coarse-regions", "SR.geojson", "GeoJSON file of statistical regions")
	fs.StringVar(&c.FineRegionsPath, "fine-regions", "OB.geojson", "GeoJSON file of municipalities")

	fs.IntVar(&c.IntervalSeconds, "interval-seconds", 80, "seconds between runs of each pipeline (10..3600)")
	fs.IntVar(&c.LargeScaleDelaySeconds, "large-scale-delay-seconds", 60, "seconds after start before the first large-scale run (0..3600)")
	fs.BoolVar(&c.LargeScaleEnabled, "large-scale", true, "run the large-scale incident pipeline")

	fs.IntVar(&c.RetryAttempts, "retry-attempts", 5, "send attempts per channel (1..20)")
	fs.IntVar(&c.RetryBackoffSeconds, "retry-backoff-seconds", 5, "seconds between send attempts (1..300)")
	fs.IntVar(&c.PauseAfterRegionMS, "pause-after-region-ms", 3000, "pause after a region channel send in milliseconds")
	fs.IntVar(&c.PauseAfterOtherMS, "pause-after-other-ms", 1000, "pause after any other channel send in milliseconds")

	fs.StringVar(&c.DedupBackend, "dedup-backend", BackendFile, "dedup state backend: file, postgres, redis or memory")
	fs.StringVar(&c.StateDir, "state-dir", "state", "directory for the file dedup backend")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the postgres dedup backend")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address (host:port) for the redis dedup backend")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis logical database")

	fs.BoolVar(&c.MapsEnabled, "maps", true, "attach rendered map images to messages")
	fs.StringVar(&c.MapTileProvider, "map-tiles", "opentopomap", "map tile provider")
	fs.IntVar(&c.MapWidth, "map-width", 800, "map image width in pixels")
	fs.IntVar(&c.MapHeight, "map-height", 600, "map image height in pixels")
	fs.Float64Var(&c.MapSaturation, "map-saturation", 0.7, "map colour saturation factor (0..1)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for aborted or degraded run notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..600)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Telegram credentials are the only hard requirement
	if c.TelegramToken == "" {
		errs = append(errs, errors.New("TELEGRAM_TOKEN is required"))
	}
	if c.TelegramGroupID == "" {
		errs = append(errs, errors.New("TELEGRAM_GROUP_ID is required"))
	} else if _, err := strconv.ParseInt(c.TelegramGroupID, 10, 64); err != nil && !strings.HasPrefix(c.TelegramGroupID, "@") {
		errs = append(errs, fmt.Errorf("invalid TELEGRAM_GROUP_ID %q (must be a numeric chat id or @channel)", c.TelegramGroupID))
	}

	if c.FeedTimeoutSeconds <= 0 || c.FeedTimeoutSeconds > 120 {
		errs = append(errs, fmt.Errorf("invalid FEED_TIMEOUT_SECONDS %d (must be 1..120)", c.FeedTimeoutSeconds))
	}
	if c.CoarseRegionsPath == "" || c.FineRegionsPath == "" {
		errs = append(errs, errors.New("COARSE_REGIONS and FINE_REGIONS are required"))
	}

	if c.IntervalSeconds < 10 || c.IntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid INTERVAL_SECONDS %d (must be 10..3600)", c.IntervalSeconds))
	}
	if c.LargeScaleDelaySeconds < 0 || c.LargeScaleDelaySeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid LARGE_SCALE_DELAY_SECONDS %d (must be 0..3600)", c.LargeScaleDelaySeconds))
	}

	if c.RetryAttempts < 1 || c.RetryAttempts > 20 {
		errs = append(errs, fmt.Errorf("invalid RETRY_ATTEMPTS %d (must be 1..20)", c.RetryAttempts))
	}
	if c.RetryBackoffSeconds < 1 || c.RetryBackoffSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid RETRY_BACKOFF_SECONDS %d (must be 1..300)", c.RetryBackoffSeconds))
	}
	if c.PauseAfterRegionMS < 0 || c.PauseAfterOtherMS < 0 {
		errs = append(errs, errors.New("PAUSE_AFTER_REGION_MS and PAUSE_AFTER_OTHER_MS must not be negative"))
	}

	switch c.DedupBackend {
	case BackendFile:
		if c.StateDir == "" {
			errs = append(errs, errors.New("STATE_DIR is required for the file dedup backend"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres dedup backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis dedup backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid DEDUP_BACKEND %q (must be file, postgres, redis or memory)", c.DedupBackend))
	}

	if c.MapsEnabled {
		if c.MapWidth <= 0 || c.MapHeight <= 0 {
			errs = append(errs, fmt.Errorf("invalid map size %dx%d", c.MapWidth, c.MapHeight))
		}
		if c.MapSaturation < 0 || c.MapSaturation > 1 {
			errs = append(errs, fmt.Errorf("invalid MAP_SATURATION %v (must be 0..1)", c.MapSaturation))
		}
	}

	if c.SlackWebhookURL != "" && !strings.HasPrefix(c.SlackWebhookURL, "https://") {
		errs = append(errs, errors.New("SLACK_WEBHOOK_URL must be an https URL"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Interval is the period of both pipelines.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// LargeScaleDelay is the offset of the first large-scale run.
func (c *Config) LargeScaleDelay() time.Duration {
	return time.Duration(c.LargeScaleDelaySeconds) * time.Second
}

// RetryBackoff is the wait between send attempts.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// FeedTimeout bounds a single feed request.
func (c *Config) FeedTimeout() time.Duration {
	return time.Duration(c.FeedTimeoutSeconds) * time.Second
}
