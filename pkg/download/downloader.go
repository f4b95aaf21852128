// Package download fetches Overpass responses and keeps them in an on-disk cache.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/NERVsystems/poiloader/pkg/core"
	"github.com/NERVsystems/poiloader/pkg/monitoring"
	"github.com/NERVsystems/poiloader/pkg/osm/queries"
	"github.com/NERVsystems/poiloader/pkg/tracing"
)

const (
	// DefaultEndpoint is the public Overpass interpreter
	DefaultEndpoint = "https://overpass-api.de/api/interpreter"

	// DefaultCacheDir is where responses are stored relative to the working directory
	DefaultCacheDir = "data/download"

	// DefaultUserAgent identifies the loader to the Overpass operators
	DefaultUserAgent = "poiloader/0.1.0"

	formContentType = "application/x-www-form-urlencoded"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Downloader.
type Options struct {
	Endpoint       string
	CacheDir       string
	UserAgent      string
	TimeoutSeconds int
	Retry          core.RetryPolicy
	Client         Doer

	// RequestsPerSecond limits outgoing requests. Zero or less disables limiting.
	RequestsPerSecond float64
	Burst             int

	Logger *slog.Logger
}

// DefaultOptions returns options for the public Overpass instance.
func DefaultOptions() Options {
	return Options{
		Endpoint:          DefaultEndpoint,
		CacheDir:          DefaultCacheDir,
		UserAgent:         DefaultUserAgent,
		TimeoutSeconds:    queries.DefaultTimeoutSeconds,
		Retry:             core.DefaultRetryPolicy,
		Client:            core.DefaultClient,
		RequestsPerSecond: 1,
		Burst:             1,
	}
}

// Downloader retrieves Overpass responses into the cache directory.
// It is safe for concurrent use by several pipelines.
type Downloader struct {
	endpoint       string
	cacheDir       string
	userAgent      string
	timeoutSeconds int
	retry          core.RetryPolicy
	client         Doer
	limiter        *rate.Limiter
	logger         *slog.Logger

	group      singleflight.Group
	mu         sync.Mutex
	flights    map[string]*flight
	generation uint64
}

// New creates a Downloader. Unset options fall back to DefaultOptions.
func New(opts Options) *Downloader {
	def := DefaultOptions()
	if opts.Endpoint == "" {
		opts.Endpoint = def.Endpoint
	}
	if opts.CacheDir == "" {
		opts.CacheDir = def.CacheDir
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = def.TimeoutSeconds
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = def.Retry
	}
	if opts.Client == nil {
		opts.Client = def.Client
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Downloader{
		endpoint:       opts.Endpoint,
		cacheDir:       opts.CacheDir,
		userAgent:      opts.UserAgent,
		timeoutSeconds: opts.TimeoutSeconds,
		retry:          opts.Retry,
		client:         opts.Client,
		limiter:        limiter,
		logger:         opts.Logger.With("component", "downloader"),
		flights:        make(map[string]*flight),
	}
}

// CachePath returns the file a response for spec is stored in.
func (d *Downloader) CachePath(spec queries.QuerySpec) string {
	return filepath.Join(d.cacheDir, spec.CacheKey()+".json")
}

// Fetch makes sure the response for spec is on disk and returns its path.
//
// Without forceRefresh an existing cache file is returned as is and the network
// is not touched. Otherwise the query is posted to the endpoint, retrying on
// transport errors, non-2xx statuses and short bodies. The cache file is only
// replaced once a complete body has been written.
func (d *Downloader) Fetch(ctx context.Context, spec queries.QuerySpec, forceRefresh bool) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	path := d.CachePath(spec)

	ctx, span := tracing.StartSpan(ctx, "overpass.fetch",
		trace.WithAttributes(
			attribute.String(tracing.AttrLoadTag, spec.Tag()),
			attribute.Bool(tracing.AttrLoadForce, forceRefresh),
		),
	)
	defer span.End()

	if !forceRefresh && cached(path) {
		monitoring.RecordCacheHit(monitoring.CacheTypeResponse)
		span.SetAttributes(tracing.CacheAttributes(true, spec.CacheKey(), path)...)
		d.logger.Debug("using cached response", "path", path)
		return path, nil
	}
	monitoring.RecordCacheMiss(monitoring.CacheTypeResponse)
	span.SetAttributes(tracing.CacheAttributes(false, spec.CacheKey(), path)...)

	// Concurrent callers for the same file and mode share one download.
	f, ch := d.join(ctx, spec, path, forceRefresh)
	defer d.leave(f)

	select {
	case res := <-ch:
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, string(core.CodeOf(res.Err)))
			return "", res.Err
		}
		span.SetStatus(codes.Ok, "")
		return path, nil
	case <-ctx.Done():
		span.SetStatus(codes.Error, "cancelled")
		return "", &core.CancellationError{Op: "overpass.fetch", Cause: ctx.Err()}
	}
}

// flight is one shared download. It runs detached from the context of the
// caller that started it and is cancelled once every waiter has left.
type flight struct {
	key     string
	sfKey   string
	fn      func() (interface{}, error)
	cancel  context.CancelFunc
	waiters int
}

// join attaches the caller to the running download for path and mode, starting
// one if none is running.
func (d *Downloader) join(ctx context.Context, spec queries.QuerySpec, path string, forceRefresh bool) (*flight, <-chan singleflight.Result) {
	key := path + "|" + strconv.FormatBool(forceRefresh)

	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.flights[key]
	if !ok {
		d.generation++
		dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{
			key:    key,
			sfKey:  key + "#" + strconv.FormatUint(d.generation, 10),
			cancel: cancel,
		}
		f.fn = func() (interface{}, error) {
			defer cancel()
			err := d.download(dctx, spec, path)
			d.mu.Lock()
			if d.flights[key] == f {
				delete(d.flights, key)
			}
			d.mu.Unlock()
			return path, err
		}
		d.flights[key] = f
	}
	f.waiters++
	// The flight stays registered until fn returns, so a joiner always
	// attaches to the running call instead of starting a new one.
	return f, d.group.DoChan(f.sfKey, f.fn)
}

// leave detaches a waiter. The last waiter to leave cancels a download that is
// still running and unregisters it so later callers start a fresh one.
func (d *Downloader) leave(f *flight) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	if d.flights[f.key] == f {
		delete(d.flights, f.key)
	}
	f.cancel()
}

func cached(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (d *Downloader) download(ctx context.Context, spec queries.QuerySpec, path string) error {
	query, err := queries.BuildWithTimeout(spec, d.timeoutSeconds)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.cacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	logger := d.logger.With("tag", spec.Tag())
	logger.Info("downloading from overpass", "endpoint", d.endpoint)
	start := time.Now()

	attempts, err := d.retry.Do(ctx, "overpass.fetch", func(ctx context.Context, attempt int) error {
		return d.attempt(ctx, query, path)
	})
	if err != nil {
		var cancelErr *core.CancellationError
		if errors.As(err, &cancelErr) {
			logger.Warn("download cancelled", "attempts", attempts)
			return err
		}
		monitoring.RecordError("downloader", string(core.ErrFetchFailed))
		logger.Error("download failed", "attempts", attempts, "error", err)
		return &core.FetchError{Query: spec.Tag(), Attempts: attempts, Cause: err}
	}

	logger.Info("download complete", "path", path, "attempts", attempts, "duration", time.Since(start))
	return nil
}

// attempt performs one POST and publishes the body to path.
func (d *Downloader) attempt(ctx context.Context, query, path string) error {
	if err := d.wait(ctx); err != nil {
		return err
	}

	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", formContentType)
	req.Header.Set("User-Agent", d.userAgent)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		monitoring.RecordExternalServiceRequest(tracing.ServiceOverpass, "interpreter", time.Since(start), false)
		return fmt.Errorf("overpass request: %w", err)
	}
	defer resp.Body.Close()

	tracing.SetAttributes(ctx, attribute.Int(tracing.AttrHTTPStatusCode, resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		monitoring.RecordExternalServiceRequest(tracing.ServiceOverpass, "interpreter", time.Since(start), false)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return core.ServiceError(tracing.ServiceOverpass, resp.StatusCode,
			fmt.Sprintf("status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	}

	n, err := publish(resp.Body, resp.ContentLength, d.cacheDir, path)
	monitoring.RecordExternalServiceRequest(tracing.ServiceOverpass, "interpreter", time.Since(start), err == nil)
	if err != nil {
		return err
	}
	tracing.SetAttributes(ctx, attribute.Int64(tracing.AttrHTTPBytes, n))
	return nil
}

// wait blocks until the rate limiter admits a request.
func (d *Downloader) wait(ctx context.Context) error {
	if d.limiter == nil || d.limiter.Allow() {
		return nil
	}

	start := time.Now()
	tracing.AddEvent(ctx, "rate_limit_wait",
		trace.WithAttributes(attribute.String("service", tracing.ServiceOverpass)),
	)
	err := d.limiter.Wait(ctx)
	monitoring.RecordRateLimitWait(tracing.ServiceOverpass, time.Since(start))
	return err
}

// publish streams body into a temp file in dir and renames it over path.
// want is the expected length, or -1 when unknown. On any failure the temp
// file is removed and path is left untouched.
func publish(body io.Reader, want int64, dir, path string) (n int64, err error) {
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	closed := false
	defer func() {
		if err != nil {
			if !closed {
				_ = tmp.Close()
			}
			_ = os.Remove(tmpName)
		}
	}()

	n, err = io.Copy(tmp, body)
	if err != nil {
		return n, fmt.Errorf("read response body: %w", err)
	}
	if want >= 0 && n != want {
		return n, fmt.Errorf("short response body: got %d of %d bytes", n, want)
	}
	if err = tmp.Sync(); err != nil {
		return n, fmt.Errorf("sync temp file: %w", err)
	}
	closed = true
	if err = tmp.Close(); err != nil {
		return n, fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return n, fmt.Errorf("publish response: %w", err)
	}
	return n, nil
}
