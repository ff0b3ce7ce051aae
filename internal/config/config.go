// Package config resolves process configuration once at startup from the
// environment (optionally seeded by a .env file) and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ignatij/leappflow/internal/retry"
	"github.com/ignatij/leappflow/pkg/engine"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var DefaultRegions = []string{"amrs", "emea", "apac", "dmz"}

// DefaultStart is used when the store holds no workflows for a region; it
// is the first 1.14 job ever run in AMRS.
var DefaultStart = time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC)

// RegionConfig holds the connection settings of one platform instance.
type RegionConfig struct {
	Name    string
	BaseURL string
	Cookie  string
}

type AAPConfig struct {
	PageSize    int
	MaxPages    int
	InsecureTLS bool
	Timeout     time.Duration
}

type OpenSearchConfig struct {
	URL         string
	Index       string
	Username    string
	Password    string
	QuerySize   int
	InsecureTLS bool
}

type WindowConfig struct {
	FetchOverlap  time.Duration // Subtracted from the last processed time
	DedupLookback time.Duration // Subtracted again for the existing-id lookup
	DedupWindow   time.Duration // Width of the existing-id lookup
	DefaultStart  time.Time
}

type Config struct {
	Regions            []RegionConfig
	AAP                AAPConfig
	OpenSearch         OpenSearchConfig
	Engine             engine.Config
	Window             WindowConfig
	Retry              retry.Policy
	RunInterval        time.Duration
	ErrorRetryInterval time.Duration
	RegionConcurrency  int
	DatabaseURL        string
	HTTPPort           string
	LogLevel           string
	LogFormat          string
}

// FileConfig is the YAML overlay named by CONFIG_FILE.
type FileConfig struct {
	Schema             *engine.Schema `yaml:"schema"`
	NonAutomationTasks []string       `yaml:"non_automation_tasks"`
	Regions            []string       `yaml:"regions"`
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := envReader{get: getenv}
	cfg := &Config{
		AAP: AAPConfig{
			PageSize:    e.int("AAP_PAGE_SIZE", 200),
			MaxPages:    e.int("AAP_MAX_PAGES", 200),
			InsecureTLS: e.bool("AAP_INSECURE_TLS", true),
			Timeout:     e.duration("AAP_TIMEOUT", 60*time.Second),
		},
		OpenSearch: OpenSearchConfig{
			URL:         e.str("OPENSEARCH_URL", e.str("ELASTICSEARCH_URL", "http://localhost:9200")),
			Index:       e.str("OPENSEARCH_INDEX", e.str("ELASTICSEARCH_INDEX", "rhel_upgrade_reporting")),
			Username:    e.str("OPENSEARCH_USERNAME", ""),
			Password:    e.str("OPENSEARCH_PASSWORD", ""),
			QuerySize:   e.int("DEDUP_QUERY_SIZE", 10000),
			InsecureTLS: e.bool("OPENSEARCH_INSECURE_TLS", true),
		},
		Window: WindowConfig{
			FetchOverlap:  e.duration("FETCH_OVERLAP", 12*time.Hour),
			DedupLookback: e.duration("DEDUP_LOOKBACK", 24*time.Hour),
			DedupWindow:   e.duration("DEDUP_WINDOW", 48*time.Hour),
			DefaultStart:  e.time("DEFAULT_START", DefaultStart),
		},
		Retry: retry.Policy{
			MaxRetries:     e.int("MAX_RETRIES", retry.DefaultMaxRetries),
			InitialBackoff: e.duration("INITIAL_BACKOFF", retry.DefaultInitialBackoff),
		},
		RunInterval:        e.duration("RUN_INTERVAL", 600*time.Second),
		ErrorRetryInterval: e.duration("ERROR_RETRY_INTERVAL", 300*time.Second),
		RegionConcurrency:  e.int("REGION_CONCURRENCY", 1),
		DatabaseURL:        databaseURL(e),
		HTTPPort:           e.str("HTTP_PORT", "8080"),
		LogLevel:           e.str("LOG_LEVEL", "INFO"),
		LogFormat:          e.str("LOG_FORMAT", "text"),
	}

	policy, err := engine.ParsePolicy(e.str("COMPLETION_POLICY", string(engine.AgeBasedPolicy)))
	if err != nil {
		return nil, err
	}
	cfg.Engine = engine.DefaultConfig()
	cfg.Engine.Policy = policy
	cfg.Engine.NotReadyAfter = e.duration("NOT_READY_AFTER", engine.DefaultNotReadyAfter)
	cfg.Engine.DedupCeiling = e.int("DEDUP_CEILING", engine.DefaultDedupCeiling)

	regions := splitList(e.str("REGIONS", ""))
	if path := e.str("CONFIG_FILE", ""); path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		fc.Apply(&cfg.Engine)
		if len(regions) == 0 {
			regions = fc.Regions
		}
	}
	if len(regions) == 0 {
		regions = DefaultRegions
	}
	for _, name := range regions {
		upper := strings.ToUpper(name)
		cfg.Regions = append(cfg.Regions, RegionConfig{
			Name:    name,
			BaseURL: strings.TrimSuffix(e.str("AAP_BASE_URL_"+upper, ""), "/"),
			Cookie:  e.str("AAP_COOKIE_"+upper, ""),
		})
	}

	// The search returns at most DEDUP_QUERY_SIZE ids, so a larger ceiling
	// could never be reached.
	if cfg.Engine.DedupCeiling > cfg.OpenSearch.QuerySize {
		e.errs = append(e.errs, fmt.Sprintf("DEDUP_CEILING: %d exceeds DEDUP_QUERY_SIZE %d",
			cfg.Engine.DedupCeiling, cfg.OpenSearch.QuerySize))
	}

	if len(e.errs) > 0 {
		return nil, errors.Errorf("invalid configuration: %s", strings.Join(e.errs, "; "))
	}
	return cfg, nil
}

// LoadFile parses the YAML overlay at path.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	fc := &FileConfig{}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}
	return fc, nil
}

// Apply overrides the engine allow-lists present in the file.
func (fc *FileConfig) Apply(cfg *engine.Config) {
	if fc.Schema != nil {
		if len(fc.Schema.JobFields) > 0 {
			cfg.Schema.JobFields = fc.Schema.JobFields
		}
		if len(fc.Schema.FailedTaskFields) > 0 {
			cfg.Schema.FailedTaskFields = fc.Schema.FailedTaskFields
		}
		if len(fc.Schema.EventDataFields) > 0 {
			cfg.Schema.EventDataFields = fc.Schema.EventDataFields
		}
	}
	if fc.NonAutomationTasks != nil {
		cfg.NonAutomationTasks = fc.NonAutomationTasks
	}
}

// Region returns the settings of a configured region.
func (c *Config) Region(name string) (RegionConfig, bool) {
	for _, r := range c.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return RegionConfig{}, false
}

func (c *Config) RegionNames() []string {
	names := make([]string, 0, len(c.Regions))
	for _, r := range c.Regions {
		names = append(names, r.Name)
	}
	return names
}

func databaseURL(e envReader) string {
	if url := e.str("DATABASE_URL", ""); url != "" {
		return url
	}
	user, pass := e.str("DB_USERNAME", ""), e.str("DB_PASSWORD", "")
	host, port, name := e.str("DB_HOST", ""), e.str("DB_PORT", ""), e.str("DB_NAME", "")
	if user == "" || pass == "" || host == "" || port == "" || name == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
}

// envReader collects parse errors instead of failing on the first one.
type envReader struct {
	get  func(string) string
	errs []string
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (e *envReader) bool(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return b
}

// duration accepts Go durations ("10m") or plain seconds ("600").
func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (e *envReader) time(key string, def time.Time) time.Time {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return t
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
