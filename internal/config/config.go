// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// INDEXSCRAPER_SCRAPER_CONCURRENCY.
const EnvPrefix = "INDEXSCRAPER"

// Transport names accepted by http.transport.
const (
	TransportColly    = "colly"
	TransportHeadless = "headless"
)

// Archive backends accepted by archive.backend.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all knobs loaded via Viper.
type Config struct {
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Output    OutputConfig    `mapstructure:"output"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ScraperConfig governs the batch coordinator.
type ScraperConfig struct {
	TargetsFile   string        `mapstructure:"targets_file"`
	Concurrency   int           `mapstructure:"concurrency"`
	BatchDeadline time.Duration `mapstructure:"batch_deadline"`
}

// HTTPConfig configures page fetching.
type HTTPConfig struct {
	Transport      string        `mapstructure:"transport"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// HeadlessConfig configures the chromedp transport.
type HeadlessConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	WaitSelector      string        `mapstructure:"wait_selector"`
}

// ExtractorConfig selects the page nodes read by the extractor.
type ExtractorConfig struct {
	RowSelector     string `mapstructure:"row_selector"`
	CurrentSelector string `mapstructure:"current_selector"`
	MinCells        int    `mapstructure:"min_cells"`
}

// OutputConfig controls where the CSV report is written.
type OutputConfig struct {
	Dir   string `mapstructure:"dir"`
	Local bool   `mapstructure:"local"`
}

// ArchiveConfig sets where raw pages and reports are copied.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional snapshot table.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// ServerConfig controls the serve command.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig protects the run-trigger endpoint of the serve command.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. An empty path skips the file.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// New returns a Viper instance with env binding and defaults applied, for
// callers that want to layer flags on top before decoding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// FromViper decodes and validates v.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scraper.targets_file", "urls.json")
	v.SetDefault("scraper.concurrency", 20)
	v.SetDefault("scraper.batch_deadline", 60*time.Second)
	v.SetDefault("http.transport", TransportColly)
	v.SetDefault("http.timeout", 10*time.Second)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.retry_backoff", time.Second)
	v.SetDefault("http.user_agent", "market-index-scraper/1.0 (+https://github.com/JakeFAU/market-index-scraper)")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.rate_limit_rps", 0.0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", 25*time.Second)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("extractor.row_selector", "tr.c-table__row")
	v.SetDefault("extractor.current_selector", "span.c-instrument.c-instrument--last")
	v.SetDefault("extractor.min_cells", 2)
	v.SetDefault("output.dir", "")
	v.SetDefault("output.local", false)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.base_dir", "archive")
	v.SetDefault("archive.prefix", "indexscraper")
	v.SetDefault("db.table", "index_snapshots")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Scraper.Concurrency <= 0 {
		errs = append(errs, errors.New("scraper.concurrency must be > 0"))
	}
	if c.Scraper.BatchDeadline <= 0 {
		errs = append(errs, errors.New("scraper.batch_deadline must be > 0"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be > 0"))
	}
	if c.HTTP.MaxRetries <= 0 {
		errs = append(errs, errors.New("http.max_retries must be > 0"))
	}
	if c.HTTP.RetryBackoff < 0 {
		errs = append(errs, errors.New("http.retry_backoff must be >= 0"))
	}
	if c.HTTP.RateLimitRPS < 0 {
		errs = append(errs, errors.New("http.rate_limit_rps must be >= 0"))
	}
	switch c.HTTP.Transport {
	case TransportColly:
	case TransportHeadless:
		if c.Headless.MaxParallel <= 0 {
			errs = append(errs, errors.New("headless.max_parallel must be > 0 when http.transport is headless"))
		}
	default:
		errs = append(errs, fmt.Errorf("http.transport must be %q or %q, got %q", TransportColly, TransportHeadless, c.HTTP.Transport))
	}
	if c.Extractor.MinCells < 2 {
		errs = append(errs, errors.New("extractor.min_cells must be >= 2"))
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			errs = append(errs, errors.New("archive.base_dir must be set for the local backend"))
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			errs = append(errs, errors.New("archive.gcs_bucket must be set for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive.backend %q", c.Archive.Backend))
	}
	if c.DB.DSN != "" && c.DB.Table == "" {
		errs = append(errs, errors.New("db.table must be set when db.dsn is set"))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic must be set together"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
