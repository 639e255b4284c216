// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage and database backends.
const (
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Site    SiteConfig    `mapstructure:"site"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Stages  StagesConfig  `mapstructure:"stages"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// CrawlTimeout bounds one API-triggered crawl or patch run.
	CrawlTimeout time.Duration `mapstructure:"crawl_timeout"`
	// Timezone is the IANA zone used for record timestamps.
	Timezone string `mapstructure:"timezone"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SiteConfig describes the directory site and how requests to it look.
type SiteConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Host              string `mapstructure:"host"`
	Charset           string `mapstructure:"charset"`
	UserAgent         string `mapstructure:"user_agent"`
	Referer           string `mapstructure:"referer"`
	DetailURLTemplate string `mapstructure:"detail_url_template"`
	ListingPagePrefix string `mapstructure:"listing_page_prefix"`
	ListingPageExt    string `mapstructure:"listing_page_ext"`
}

// CrawlerConfig holds crawl-wide defaults.
type CrawlerConfig struct {
	// Categories is the allow-list used when a crawl names none.
	Categories []string `mapstructure:"categories"`
}

// StageConfig bounds one pipeline stage.
type StageConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// StagesConfig groups the per-stage scheduler settings.
type StagesConfig struct {
	Pagination StageConfig `mapstructure:"pagination"`
	Listing    StageConfig `mapstructure:"listing"`
	Detail     StageConfig `mapstructure:"detail"`
	Media      StageConfig `mapstructure:"media"`
}

// HTTPConfig configures the outbound HTTP client.
type HTTPConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// StorageConfig selects where materialized media lands.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	MediaDir  string `mapstructure:"media_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// DBConfig controls the record sink.
type DBConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LoggingConfig toggles zap development features and the rotating file sink.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// TracingConfig toggles OpenTelemetry spans for crawl stages.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. With an empty path it looks for
// config.{yaml,json,toml} in the working directory, /etc/guqu-crawler and
// $HOME/.guqu-crawler, and falls back to defaults when none exists.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/guqu-crawler/")
		v.AddConfigPath("$HOME/.guqu-crawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

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
	v.SetDefault("server.port", 7001)
	v.SetDefault("server.crawl_timeout", 2*time.Hour)
	v.SetDefault("server.timezone", "UTC")

	v.SetDefault("site.base_url", "http://music.guqu.net/")
	v.SetDefault("site.host", "music.guqu.net")
	v.SetDefault("site.charset", "gb2312")
	v.SetDefault("site.user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12_6) "+
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/62.0.3202.94 Safari/537.36")
	v.SetDefault("site.referer", "http://music.guqu.net")
	v.SetDefault("site.detail_url_template", "/guquplayer1.asp?Musicid={id}&urlid=1")
	v.SetDefault("site.listing_page_prefix", "List_")
	v.SetDefault("site.listing_page_ext", ".html")

	v.SetDefault("crawler.categories", []string{"古筝曲", "古琴曲", "埙曲"})

	v.SetDefault("stages.pagination.concurrency", 1)
	v.SetDefault("stages.pagination.timeout", 5*time.Second)
	v.SetDefault("stages.pagination.max_attempts", 1)
	v.SetDefault("stages.pagination.retry_delay", time.Duration(0))
	for _, stage := range []string{"listing", "detail", "media"} {
		v.SetDefault("stages."+stage+".concurrency", 30)
		v.SetDefault("stages."+stage+".timeout", 30*time.Second)
		v.SetDefault("stages."+stage+".max_attempts", 10)
		v.SetDefault("stages."+stage+".retry_delay", time.Second)
	}
	v.SetDefault("stages.media.timeout", 10*time.Minute)

	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)

	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.media_dir", "download")

	v.SetDefault("db.backend", BackendMemory)
	v.SetDefault("db.table", "musics")
	v.SetDefault("db.max_conns", 8)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "debug")
	v.SetDefault("logging.max_size_mb", 20)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if _, err := time.LoadLocation(c.Server.Timezone); err != nil {
		return fmt.Errorf("server.timezone: %w", err)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if u, err := url.Parse(c.Site.BaseURL); err != nil || !u.IsAbs() {
		return fmt.Errorf("site.base_url must be an absolute URL")
	}
	if c.Site.Charset == "" {
		return fmt.Errorf("site.charset is required")
	}
	if !strings.Contains(c.Site.DetailURLTemplate, "{id}") {
		return fmt.Errorf("site.detail_url_template must contain {id}")
	}
	stages := map[string]StageConfig{
		"pagination": c.Stages.Pagination,
		"listing":    c.Stages.Listing,
		"detail":     c.Stages.Detail,
		"media":      c.Stages.Media,
	}
	for name, s := range stages {
		if s.Concurrency <= 0 {
			return fmt.Errorf("stages.%s.concurrency must be > 0", name)
		}
		if s.Timeout <= 0 {
			return fmt.Errorf("stages.%s.timeout must be > 0", name)
		}
		if s.MaxAttempts <= 0 {
			return fmt.Errorf("stages.%s.max_attempts must be > 0", name)
		}
		if s.RetryDelay < 0 {
			return fmt.Errorf("stages.%s.retry_delay must be >= 0", name)
		}
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing.sample_ratio must be in (0, 1]")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.MediaDir == "" {
			return fmt.Errorf("storage.media_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, memory", c.Storage.Backend)
	}
	switch c.DB.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("db.backend %q is not one of memory, postgres", c.DB.Backend)
	}
	return nil
}
