// Package config holds the loader configuration and its command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/NERVsystems/poiloader/pkg/core"
	"github.com/NERVsystems/poiloader/pkg/download"
	"github.com/NERVsystems/poiloader/pkg/osm/queries"
	"github.com/NERVsystems/poiloader/pkg/pipeline"
	"github.com/NERVsystems/poiloader/pkg/sink"
)

// Run modes
const (
	ModeLoad = "load"
	ModeMCP  = "mcp"
)

// Category binds a category name to the OSM tag that selects it.
type Category struct {
	Name  string `yaml:"name"`
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// String renders the category in flag syntax
func (c Category) String() string {
	return c.Name + "=" + c.Key + "=" + c.Value
}

// ParseCategory parses "name=key=value" or "key=value". In the short form
// the tag value doubles as the category name.
func ParseCategory(s string) (Category, error) {
	parts := strings.Split(strings.TrimSpace(s), "=")
	var c Category
	switch len(parts) {
	case 2:
		c = Category{Name: parts[1], Key: parts[0], Value: parts[1]}
	case 3:
		c = Category{Name: parts[0], Key: parts[1], Value: parts[2]}
	default:
		return Category{}, fmt.Errorf("invalid category %q: want name=key=value or key=value", s)
	}
	if c.Name == "" {
		return Category{}, fmt.Errorf("invalid category %q: empty name", s)
	}
	if err := core.ValidateTag("tag key", c.Key, core.MaxTagKeyLength); err != nil {
		return Category{}, err
	}
	if err := core.ValidateTag("tag value", c.Value, core.MaxTagValueLength); err != nil {
		return Category{}, err
	}
	return c, nil
}

// Categories is a repeatable flag.Value.
type Categories []Category

func (cs *Categories) String() string {
	if cs == nil {
		return ""
	}
	parts := make([]string, len(*cs))
	for i, c := range *cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// Set adds one category
func (cs *Categories) Set(s string) error {
	c, err := ParseCategory(s)
	if err != nil {
		return err
	}
	*cs = append(*cs, c)
	return nil
}

// DefaultCategories are loaded when no -category flag is given.
var DefaultCategories = Categories{
	{Name: "cafe", Key: "amenity", Value: "cafe"},
	{Name: "restaurant", Key: "amenity", Value: "restaurant"},
	{Name: "pub", Key: "amenity", Value: "pub"},
}

// Config is the complete loader configuration.
type Config struct {
	Mode  string
	Debug bool

	// Overpass download
	Endpoint          string
	AreaID            int64
	TimeoutSeconds    int
	CacheDir          string
	UserAgent         string
	RetryAttempts     int
	RetryDelay        time.Duration
	RequestsPerSecond float64
	Burst             int

	// Loading
	Categories     Categories
	CategoriesFile string
	ForceRefresh   bool
	Concurrency    int
	DistanceFilter bool

	// Index
	SinkURL         string
	SinkIndex       string
	SinkTimeout     time.Duration
	MemoryIndexSize int

	// Observability
	EnableMonitoring bool
	MonitoringAddr   string
	OTLPEndpoint     string
}

// Default returns the configuration used when no flags are set.
func Default() Config {
	return Config{
		Mode:              ModeLoad,
		Endpoint:          download.DefaultEndpoint,
		AreaID:            queries.DefaultAreaID,
		TimeoutSeconds:    queries.DefaultTimeoutSeconds,
		CacheDir:          download.DefaultCacheDir,
		UserAgent:         download.DefaultUserAgent,
		RetryAttempts:     core.DefaultRetryPolicy.MaxAttempts,
		RetryDelay:        core.DefaultRetryPolicy.Delay,
		RequestsPerSecond: 1,
		Burst:             1,
		Concurrency:       pipeline.DefaultConcurrency,
		DistanceFilter:    true,
		SinkIndex:         sink.DefaultIndexName,
		SinkTimeout:       sink.DefaultTimeout,
		MemoryIndexSize:   sink.DefaultMemoryIndexSize,
		EnableMonitoring:  true,
		MonitoringAddr:    ":9090",
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
	}
}

// RegisterFlags binds every field to a flag on fs, using the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Mode, "mode", c.Mode, "Run mode: load (one-shot) or mcp (stdio MCP server)")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")

	fs.StringVar(&c.Endpoint, "endpoint", c.Endpoint, "Overpass interpreter URL")
	fs.Int64Var(&c.AreaID, "area", c.AreaID, "Overpass area id to search in")
	fs.IntVar(&c.TimeoutSeconds, "query-timeout", c.TimeoutSeconds, "Server-side Overpass query timeout in seconds")
	fs.StringVar(&c.CacheDir, "cache-dir", c.CacheDir, "Directory for cached Overpass responses")
	fs.StringVar(&c.UserAgent, "user-agent", c.UserAgent, "User-Agent string for Overpass requests")
	fs.IntVar(&c.RetryAttempts, "retry-attempts", c.RetryAttempts, "Download attempts before giving up")
	fs.DurationVar(&c.RetryDelay, "retry-delay", c.RetryDelay, "Base delay between download attempts (grows linearly)")
	fs.Float64Var(&c.RequestsPerSecond, "overpass-rps", c.RequestsPerSecond, "Overpass rate limit in requests per second (0 disables)")
	fs.IntVar(&c.Burst, "overpass-burst", c.Burst, "Overpass rate limit burst size")

	fs.Var(&c.Categories, "category", "Category to load as name=key=value or key=value (repeatable)")
	fs.StringVar(&c.CategoriesFile, "categories-file", c.CategoriesFile, "YAML file listing categories to load in addition to -category flags")
	fs.BoolVar(&c.ForceRefresh, "force-refresh", c.ForceRefresh, "Download again even when a cached response exists")
	fs.IntVar(&c.Concurrency, "concurrency", c.Concurrency, "Number of categories loaded at once")
	fs.BoolVar(&c.DistanceFilter, "distance-filter", c.DistanceFilter, "Advertise distance filtering on loaded records")

	fs.StringVar(&c.SinkURL, "sink-url", c.SinkURL, "Document store base URL; empty keeps records in memory")
	fs.StringVar(&c.SinkIndex, "sink-index", c.SinkIndex, "Document store index name")
	fs.DurationVar(&c.SinkTimeout, "sink-timeout", c.SinkTimeout, "Timeout for one document store request")
	fs.IntVar(&c.MemoryIndexSize, "memory-index-size", c.MemoryIndexSize, "Maximum records held by the in-memory index")

	fs.BoolVar(&c.EnableMonitoring, "enable-monitoring", c.EnableMonitoring, "Enable Prometheus metrics and health endpoints")
	fs.StringVar(&c.MonitoringAddr, "monitoring-addr", c.MonitoringAddr, "Monitoring server address")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", c.OTLPEndpoint, "OTLP gRPC endpoint for traces; empty disables tracing")
}

// Validate checks the configuration and fills in DefaultCategories when none were given.
func (c *Config) Validate() error {
	var errs []error
	if c.Mode != ModeLoad && c.Mode != ModeMCP {
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint must not be empty"))
	}
	if c.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("query timeout must be positive, got %d", c.TimeoutSeconds))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry attempts must be at least 1, got %d", c.RetryAttempts))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry delay must not be negative, got %s", c.RetryDelay))
	}
	if c.SinkURL != "" && c.SinkTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sink timeout must be positive, got %s", c.SinkTimeout))
	}

	if c.CategoriesFile != "" {
		fromFile, err := LoadCategoriesFile(c.CategoriesFile)
		if err != nil {
			errs = append(errs, err)
		}
		c.Categories = append(c.Categories, fromFile...)
		c.CategoriesFile = ""
	}

	seen := make(map[string]bool)
	for _, cat := range c.Categories {
		if seen[cat.Name] {
			errs = append(errs, fmt.Errorf("duplicate category %q", cat.Name))
		}
		seen[cat.Name] = true
	}
	if len(c.Categories) == 0 {
		c.Categories = append(Categories(nil), DefaultCategories...)
	}
	return errors.Join(errs...)
}

// RetryPolicy returns the download retry policy
func (c Config) RetryPolicy() core.RetryPolicy {
	return core.RetryPolicy{MaxAttempts: c.RetryAttempts, Delay: c.RetryDelay}
}

// DownloadOptions returns the downloader options
func (c Config) DownloadOptions() download.Options {
	return download.Options{
		Endpoint:          c.Endpoint,
		CacheDir:          c.CacheDir,
		UserAgent:         c.UserAgent,
		TimeoutSeconds:    c.TimeoutSeconds,
		Retry:             c.RetryPolicy(),
		Client:            core.DefaultClient,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
	}
}

// QuerySpec returns the query for cat in the configured area.
func (c Config) QuerySpec(cat Category) (queries.QuerySpec, error) {
	return queries.NewQuerySpec(c.AreaID, cat.Key, cat.Value)
}
