package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/crawlnode/internal/version"
)

// Recognised settings keys.
const (
	KeySpiderLoader       = "spider_loader"
	KeyStatsClass         = "stats_class"
	KeyLogFormatter       = "log_formatter"
	KeyDNSCacheEnabled    = "dnscache_enabled"
	KeyDNSCacheSize       = "dnscache_size"
	KeyDNSCacheTTL        = "dnscache_ttl"
	KeyEngine             = "engine"
	KeyConcurrentRequests = "concurrent_requests"
	KeyDownloadTimeout    = "download_timeout"
	KeyRetryTimes         = "retry_times"
	KeyDepthLimit         = "depth_limit"
	KeyUserAgent          = "user_agent"
	KeySpidersFile        = "spiders_file"
	KeyGraceTimeout       = "shutdown.grace_timeout"
	KeyMetricsAddr        = "metrics_addr"
)

// Defaults returns the built-in settings values.
func Defaults() map[string]any {
	return map[string]any{
		KeySpiderLoader:       "toml",
		KeyStatsClass:         "memory",
		KeyLogFormatter:       "text",
		KeyDNSCacheEnabled:    true,
		KeyDNSCacheSize:       10000,
		KeyDNSCacheTTL:        5 * time.Minute,
		KeyEngine:             "http",
		KeyConcurrentRequests: 8,
		KeyDownloadTimeout:    30 * time.Second,
		KeyRetryTimes:         2,
		KeyDepthLimit:         0,
		KeyUserAgent:          version.UserAgent(),
		KeySpidersFile:        "spiders.toml",
		KeyGraceTimeout:       time.Duration(0),
		KeyMetricsAddr:        "",
	}
}

// Settings is a key/value configuration store. A frozen Settings rejects
// writes and is safe to share between goroutines.
type Settings struct {
	values map[string]any
	frozen bool
}

// NewSettings returns settings seeded with Defaults and overridden by values.
func NewSettings(values map[string]any) *Settings {
	s := &Settings{values: Defaults()}
	maps.Copy(s.values, values)
	return s
}

// LoadSettings reads a TOML file into settings on top of the defaults.
// Nested tables are flattened into dotted keys ("shutdown.grace_timeout").
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse TOML settings: %w", err)
	}

	flat := make(map[string]any)
	flatten("", raw, flat)
	return NewSettings(flat), nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// Set stores a value. Setting a frozen object panics.
func (s *Settings) Set(key string, value any) {
	if s.frozen {
		panic("config: trying to modify a frozen settings object")
	}
	s.values[key] = value
}

// Get returns the raw value for key, or nil.
func (s *Settings) Get(key string) any {
	return s.values[key]
}

// Keys returns all keys in sorted order.
func (s *Settings) Keys() []string {
	return slices.Sorted(maps.Keys(s.values))
}

// Overridden returns the keys whose value differs from Defaults, plus keys
// Defaults does not know. Values are compared by their printed form, so an
// int64 read from TOML equals the int default of the same number.
func (s *Settings) Overridden() map[string]any {
	defaults := Defaults()
	out := make(map[string]any)
	for key, value := range s.values {
		if def, ok := defaults[key]; ok && fmt.Sprint(def) == fmt.Sprint(value) {
			continue
		}
		out[key] = value
	}
	return out
}

// Frozen reports whether the settings reject writes.
func (s *Settings) Frozen() bool {
	return s.frozen
}

// Copy returns a mutable copy.
func (s *Settings) Copy() *Settings {
	return &Settings{values: maps.Clone(s.values)}
}

// Freeze returns a frozen copy. The receiver is left untouched, so later
// changes to it are not observed through the copy.
func (s *Settings) Freeze() *Settings {
	c := s.Copy()
	c.frozen = true
	return c
}

// GetString returns key as a string.
func (s *Settings) GetString(key string) string {
	switch v := s.values[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// GetBool returns key as a bool. Strings are parsed with strconv.ParseBool.
func (s *Settings) GetBool(key string) bool {
	switch v := s.values[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return false
	}
}

// GetInt returns key as an int.
func (s *Settings) GetInt(key string) int {
	switch v := s.values[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		i, _ := strconv.Atoi(v)
		return i
	default:
		return 0
	}
}

// GetDuration returns key as a duration. Strings use time.ParseDuration and
// bare numbers are read as seconds.
func (s *Settings) GetDuration(key string) time.Duration {
	switch v := s.values[key].(type) {
	case time.Duration:
		return v
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	default:
		return 0
	}
}
