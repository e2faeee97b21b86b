package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/smazurov/crawlnode/internal/config"
	"github.com/smazurov/crawlnode/internal/spider"
)

// Options for the CLI - flat structure with toml mapping. Precedence is
// flag > CRAWLNODE_* environment > config file > default.
type Options struct {
	Config string

	// Spiders
	SpiderLoader string `toml:"spider_loader" env:"SPIDER_LOADER"`
	SpidersFile  string `toml:"spiders_file" env:"SPIDERS_FILE"`

	// Engine
	Engine             string        `toml:"engine" env:"ENGINE"`
	ConcurrentRequests int           `toml:"concurrent_requests" env:"CONCURRENT_REQUESTS"`
	DownloadTimeout    time.Duration `toml:"download_timeout" env:"DOWNLOAD_TIMEOUT"`
	RetryTimes         int           `toml:"retry_times" env:"RETRY_TIMES"`
	DepthLimit         int           `toml:"depth_limit" env:"DEPTH_LIMIT"`
	UserAgent          string        `toml:"user_agent" env:"USER_AGENT"`

	// Stats and task logs
	StatsClass   string `toml:"stats_class" env:"STATS_CLASS"`
	LogFormatter string `toml:"log_formatter" env:"LOG_FORMATTER"`

	// Caching resolver
	DnscacheEnabled bool          `toml:"dnscache_enabled" env:"DNSCACHE_ENABLED"`
	DnscacheSize    int           `toml:"dnscache_size" env:"DNSCACHE_SIZE"`
	DnscacheTTL     time.Duration `toml:"dnscache_ttl" env:"DNSCACHE_TTL"`

	// Shutdown and metrics
	GraceTimeout time.Duration `toml:"shutdown.grace_timeout" env:"SHUTDOWN_GRACE_TIMEOUT"`
	MetricsAddr  string        `toml:"metrics_addr" env:"METRICS_ADDR"`

	// Logging settings
	LoggingLevel  string `toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `toml:"logging.format" env:"LOGGING_FORMAT"`
}

// DefaultOptions returns options seeded from config.Defaults.
func DefaultOptions() *Options {
	d := config.NewSettings(nil)
	return &Options{
		Config:             "crawlnode.toml",
		SpiderLoader:       d.GetString(config.KeySpiderLoader),
		SpidersFile:        d.GetString(config.KeySpidersFile),
		Engine:             d.GetString(config.KeyEngine),
		ConcurrentRequests: d.GetInt(config.KeyConcurrentRequests),
		DownloadTimeout:    d.GetDuration(config.KeyDownloadTimeout),
		RetryTimes:         d.GetInt(config.KeyRetryTimes),
		DepthLimit:         d.GetInt(config.KeyDepthLimit),
		UserAgent:          d.GetString(config.KeyUserAgent),
		StatsClass:         d.GetString(config.KeyStatsClass),
		LogFormatter:       d.GetString(config.KeyLogFormatter),
		DnscacheEnabled:    d.GetBool(config.KeyDNSCacheEnabled),
		DnscacheSize:       d.GetInt(config.KeyDNSCacheSize),
		DnscacheTTL:        d.GetDuration(config.KeyDNSCacheTTL),
		GraceTimeout:       d.GetDuration(config.KeyGraceTimeout),
		MetricsAddr:        d.GetString(config.KeyMetricsAddr),
		LoggingLevel:       "info",
		LoggingFormat:      "text",
	}
}

// AddFlags binds the options to flags. Flag names follow the field names
// ("ConcurrentRequests" -> "concurrent-requests") so LoadConfig can tell
// which ones were set explicitly.
func (o *Options) AddFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&o.Config, "config", "c", o.Config, "Path to configuration file")

	flags.StringVar(&o.SpiderLoader, "spider-loader", o.SpiderLoader, "Spider loader (toml, static)")
	flags.StringVar(&o.SpidersFile, "spiders-file", o.SpidersFile, "Spider definitions file")

	flags.StringVar(&o.Engine, "engine", o.Engine, "Crawl engine (http, command)")
	flags.IntVar(&o.ConcurrentRequests, "concurrent-requests", o.ConcurrentRequests, "Concurrent downloads per crawl")
	flags.DurationVar(&o.DownloadTimeout, "download-timeout", o.DownloadTimeout, "Timeout of a single download")
	flags.IntVar(&o.RetryTimes, "retry-times", o.RetryTimes, "Retries of a failed download")
	flags.IntVar(&o.DepthLimit, "depth-limit", o.DepthLimit, "Maximum link depth (0 for unlimited)")
	flags.StringVar(&o.UserAgent, "user-agent", o.UserAgent, "User-Agent header")

	flags.StringVar(&o.StatsClass, "stats-class", o.StatsClass, "Stats collector (memory, prometheus, dummy)")
	flags.StringVar(&o.LogFormatter, "log-formatter", o.LogFormatter, "Task log format (text, json)")

	flags.BoolVar(&o.DnscacheEnabled, "dnscache-enabled", o.DnscacheEnabled, "Cache DNS lookups")
	flags.IntVar(&o.DnscacheSize, "dnscache-size", o.DnscacheSize, "Maximum cached hosts")
	flags.DurationVar(&o.DnscacheTTL, "dnscache-ttl", o.DnscacheTTL, "DNS cache entry lifetime")

	flags.DurationVar(&o.GraceTimeout, "grace-timeout", o.GraceTimeout,
		"Force shutdown this long after the first signal (0 waits for a second signal)")
	flags.StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr, "Serve Prometheus metrics on this address")

	flags.StringVar(&o.LoggingLevel, "logging-level", o.LoggingLevel, "Global logging level (debug, info, warn, error)")
	flags.StringVar(&o.LoggingFormat, "logging-format", o.LoggingFormat, "Logging format (text, json)")
}

// Settings builds the crawl settings: every key of the config file, with
// the option values laid on top.
func (o *Options) Settings() (*config.Settings, error) {
	settings := config.NewSettings(nil)
	if o.Config != "" {
		loaded, err := config.LoadSettings(o.Config)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			settings = loaded
		}
	}

	for key, value := range map[string]any{
		config.KeySpiderLoader:       o.SpiderLoader,
		config.KeySpidersFile:        o.SpidersFile,
		config.KeyEngine:             o.Engine,
		config.KeyConcurrentRequests: o.ConcurrentRequests,
		config.KeyDownloadTimeout:    o.DownloadTimeout,
		config.KeyRetryTimes:         o.RetryTimes,
		config.KeyDepthLimit:         o.DepthLimit,
		config.KeyUserAgent:          o.UserAgent,
		config.KeyStatsClass:         o.StatsClass,
		config.KeyLogFormatter:       o.LogFormatter,
		config.KeyDNSCacheEnabled:    o.DnscacheEnabled,
		config.KeyDNSCacheSize:       o.DnscacheSize,
		config.KeyDNSCacheTTL:        o.DnscacheTTL,
		config.KeyGraceTimeout:       o.GraceTimeout,
		config.KeyMetricsAddr:        o.MetricsAddr,
	} {
		settings.Set(key, value)
	}
	return settings, nil
}

// ParseSpiderArgs parses repeated -a key=value flags.
func ParseSpiderArgs(pairs []string) (spider.Args, error) {
	args := make(spider.Args, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid spider argument %q, expected key=value", pair)
		}
		args[key] = value
	}
	return args, nil
}
