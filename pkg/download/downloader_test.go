package download

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NERVsystems/poiloader/pkg/core"
	"github.com/NERVsystems/poiloader/pkg/osm/queries"
)

const sampleBody = `{"version":0.6,"elements":[{"type":"node","id":1,"lat":1,"lon":2,"tags":{"name":"A"}}]}`

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Header:        make(http.Header),
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(strings.NewReader(body)),
	}
}

func testSpec(t *testing.T) queries.QuerySpec {
	t.Helper()
	spec, err := queries.NewQuerySpec(0, "amenity", "cafe")
	if err != nil {
		t.Fatalf("NewQuerySpec: %v", err)
	}
	return spec
}

func newTestDownloader(t *testing.T, rt http.RoundTripper) *Downloader {
	t.Helper()
	return New(Options{
		Endpoint: "http://overpass.test/api/interpreter",
		CacheDir: t.TempDir(),
		Client:   &http.Client{Transport: rt},
		Retry:    core.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
	})
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFetchCacheHitSkipsNetwork(t *testing.T) {
	var calls int32
	d := newTestDownloader(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return response(http.StatusOK, sampleBody), nil
	}))
	spec := testSpec(t)

	path := d.CachePath(spec)
	if err := os.WriteFile(path, []byte(`{"elements":[]}`), 0o644); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	got, err := d.Fetch(context.Background(), spec, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != path {
		t.Errorf("path = %s, want %s", got, path)
	}
	if calls != 0 {
		t.Errorf("expected no network calls, got %d", calls)
	}
}

func TestFetchForceRefreshReplacesCache(t *testing.T) {
	var calls int32
	d := newTestDownloader(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return response(http.StatusOK, sampleBody), nil
	}))
	spec := testSpec(t)

	path := d.CachePath(spec)
	if err := os.WriteFile(path, []byte(`{"elements":[]}`), 0o644); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	if _, err := d.Fetch(context.Background(), spec, true); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 network call, got %d", calls)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != sampleBody {
		t.Errorf("cache content = %s", data)
	}
	assertNoTempFiles(t, d.cacheDir)
}

func TestFetchMissDownloadsOnce(t *testing.T) {
	var calls int32
	d := newTestDownloader(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return response(http.StatusOK, sampleBody), nil
	}))
	spec := testSpec(t)

	for i := 0; i < 2; i++ {
		if _, err := d.Fetch(context.Background(), spec, false); err != nil {
			t.Fatalf("Fetch %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("second fetch should hit the cache, got %d calls", calls)
	}
}

func TestFetchRequestShape(t *testing.T) {
	spec := testSpec(t)
	wantQuery, err := queries.Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		if ua := r.Header.Get("User-Agent"); ua != "poiloader-test" {
			t.Errorf("User-Agent = %q", ua)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("data"); got != wantQuery {
			t.Errorf("data = %q, want %q", got, wantQuery)
		}
		_, _ = io.WriteString(w, sampleBody)
	}))
	defer server.Close()

	d := New(Options{
		Endpoint:  server.URL,
		CacheDir:  t.TempDir(),
		UserAgent: "poiloader-test",
		Client:    server.Client(),
		Retry:     core.RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond},
	})

	path, err := d.Fetch(context.Background(), spec, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != sampleBody {
		t.Errorf("body not stored verbatim: %s", data)
	}
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	var calls int32
	d := newTestDownloader(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return response(http.StatusGatewayTimeout, "busy"), nil
		}
		return response(http.StatusOK, sampleBody), nil
	}))

	if _, err := d.Fetch(context.Background(), testSpec(t), false); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestFetchShortBodyIsRetried(t *testing.T) {
	var calls int32
	d := newTestDownloader(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			resp := response(http.StatusOK, `{"elements":[`)
			resp.ContentLength = 4096
			return resp, nil
		}
		return response(http.StatusOK, sampleBody), nil
	}))
	spec := testSpec(t)

	path, err := d.Fetch(context.Background(), spec, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	data, _ := os.ReadFile(path)
	if string(data) != sampleBody {
		t.Errorf("partial body published: %s", data)
	}
	assertNoTempFiles(t, d.cacheDir)
}

func TestFetchExhaustsAttempts(t *testing.T) {
	tests := []struct {
		name string
		rt   func(calls *int32) roundTripFunc
	}{
		{
			name: "server error",
			rt: func(calls *int32) roundTripFunc {
				return func(r *http.Request) (*http.Response, error) {
					atomic.AddInt32(calls, 1)
					return response(http.StatusInternalServerError, "boom"), nil
				}
			},
		},
		{
			name: "client error",
			rt: func(calls *int32) roundTripFunc {
				return func(r *http.Request) (*http.Response, error) {
					atomic.AddInt32(calls, 1)
					return response(http.StatusBadRequest, "bad query"), nil
				}
			},
		},
		{
			name: "transport error",
			rt: func(calls *int32) roundTripFunc {
				return func(r *http.Request) (*http.Response, error) {
					atomic.AddInt32(calls, 1)
					return nil, errors.New("connection refused")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			d := newTestDownloader(t, tt.rt(&calls))
			spec := testSpec(t)

			_, err := d.Fetch(context.Background(), spec, false)
			var fetchErr *core.FetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("expected FetchError, got %v", err)
			}
			if fetchErr.Attempts != 3 {
				t.Errorf("attempts = %d, want 3", fetchErr.Attempts)
			}
			if calls != 3 {
				t.Errorf("calls = %d, want 3", calls)
			}
			if _, err := os.Stat(d.CachePath(spec)); !os.IsNotExist(err) {
				t.Errorf("cache file should not exist after failure")
			}
			assertNoTempFiles(t, d.cacheDir)
		})
	}
}

func TestFetchFailedForceKeepsOldCache(t *testing.T) {
	d := newTestDownloader(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return response(http.StatusServiceUnavailable, ""), nil
	}))
	spec := testSpec(t)
	path := d.CachePath(spec)
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	if _, err := d.Fetch(context.Background(), spec, true); err == nil {
		t.Fatal("expected error")
	}
	data, _ := os.ReadFile(path)
	if string(data) != "old" {
		t.Errorf("old cache should survive a failed refresh, got %q", data)
	}
}

func TestFetchCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	d := New(Options{
		Endpoint: "http://overpass.test/api/interpreter",
		CacheDir: t.TempDir(),
		Client: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			cancel()
			return response(http.StatusInternalServerError, "boom"), nil
		})},
		Retry: core.RetryPolicy{MaxAttempts: 3, Delay: time.Hour},
	})

	start := time.Now()
	_, err := d.Fetch(ctx, testSpec(t), false)
	var cancelErr *core.CancellationError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("expected CancellationError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancel took %v", elapsed)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestFetchInvalidSpec(t *testing.T) {
	var calls int32
	d := newTestDownloader(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return response(http.StatusOK, sampleBody), nil
	}))

	_, err := d.Fetch(context.Background(), queries.QuerySpec{AreaID: 1, TagKey: "amenity", TagValue: "ca]fe"}, false)
	if core.CodeOf(err) != core.ErrInvalidInput {
		t.Errorf("expected validation error, got %v", err)
	}
	if calls != 0 {
		t.Errorf("invalid spec must not reach the network")
	}
}

func TestNewDefaults(t *testing.T) {
	d := New(Options{})
	if d.endpoint != DefaultEndpoint || d.cacheDir != DefaultCacheDir || d.userAgent != DefaultUserAgent {
		t.Errorf("unexpected defaults: %+v", d)
	}
	if d.retry != core.DefaultRetryPolicy {
		t.Errorf("retry = %+v", d.retry)
	}
	if d.limiter != nil {
		t.Errorf("zero RequestsPerSecond should disable limiting")
	}
	if New(DefaultOptions()).limiter == nil {
		t.Errorf("default options should rate limit")
	}
}

func TestFetchStatusCause(t *testing.T) {
	d := newTestDownloader(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return response(http.StatusTooManyRequests, "slow down"), nil
	}))

	_, err := d.Fetch(context.Background(), testSpec(t), false)
	if core.CodeOf(err) != core.ErrFetchFailed {
		t.Fatalf("code = %s, want %s", core.CodeOf(err), core.ErrFetchFailed)
	}
	var cause *core.MCPError
	if !errors.As(err, &cause) {
		t.Fatalf("expected a service error cause, got %v", err)
	}
	if cause.Code != string(core.ErrRateLimit) || cause.Guidance == "" {
		t.Errorf("unexpected cause %+v", cause)
	}
}

// blockingTransport holds every request until release is closed or the
// request context ends.
type blockingTransport struct {
	calls   atomic.Int32
	started chan struct{}
	aborted chan struct{}
	release chan struct{}
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{
		started: make(chan struct{}, 1),
		aborted: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (b *blockingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	b.calls.Add(1)
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		return response(http.StatusOK, sampleBody), nil
	case <-r.Context().Done():
		select {
		case b.aborted <- struct{}{}:
		default:
		}
		return nil, r.Context().Err()
	}
}

func waitFor(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitForWaiters(t *testing.T, d *Downloader, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		n := 0
		for _, f := range d.flights {
			n += f.waiters
		}
		d.mu.Unlock()
		if n == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters", want)
}

type fetchResult struct {
	path string
	err  error
}

func fetchAsync(ctx context.Context, d *Downloader, spec queries.QuerySpec) <-chan fetchResult {
	out := make(chan fetchResult, 1)
	go func() {
		path, err := d.Fetch(ctx, spec, false)
		out <- fetchResult{path: path, err: err}
	}()
	return out
}

func TestFetchConcurrentCallersShareDownload(t *testing.T) {
	rt := newBlockingTransport()
	d := newTestDownloader(t, rt)
	spec := testSpec(t)

	first := fetchAsync(context.Background(), d, spec)
	waitFor(t, "download start", rt.started)
	second := fetchAsync(context.Background(), d, spec)
	waitForWaiters(t, d, 2)
	close(rt.release)

	for i, ch := range []<-chan fetchResult{first, second} {
		res := <-ch
		if res.err != nil {
			t.Fatalf("caller %d: %v", i+1, res.err)
		}
		if res.path != d.CachePath(spec) {
			t.Errorf("caller %d path = %s", i+1, res.path)
		}
	}
	if n := rt.calls.Load(); n != 1 {
		t.Errorf("network calls = %d, want 1", n)
	}
}

func TestFetchCancelledCallerDoesNotFailOthers(t *testing.T) {
	rt := newBlockingTransport()
	d := newTestDownloader(t, rt)
	spec := testSpec(t)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	first := fetchAsync(ctxA, d, spec)
	waitFor(t, "download start", rt.started)
	second := fetchAsync(context.Background(), d, spec)
	waitForWaiters(t, d, 2)

	cancelA()
	resA := <-first
	var cancelErr *core.CancellationError
	if !errors.As(resA.err, &cancelErr) {
		t.Fatalf("cancelled caller: expected CancellationError, got %v", resA.err)
	}
	waitForWaiters(t, d, 1)

	close(rt.release)
	resB := <-second
	if resB.err != nil {
		t.Fatalf("live caller failed: %v", resB.err)
	}
	if _, err := os.Stat(resB.path); err != nil {
		t.Errorf("cache file missing: %v", err)
	}
	if n := rt.calls.Load(); n != 1 {
		t.Errorf("network calls = %d, want 1", n)
	}
}

func TestFetchLastWaiterLeavingAbortsDownload(t *testing.T) {
	rt := newBlockingTransport()
	d := newTestDownloader(t, rt)
	spec := testSpec(t)

	ctx, cancel := context.WithCancel(context.Background())
	first := fetchAsync(ctx, d, spec)
	waitFor(t, "download start", rt.started)

	cancel()
	if res := <-first; core.CodeOf(res.err) != core.ErrCancelled {
		t.Fatalf("expected cancellation, got %v", res.err)
	}
	waitFor(t, "download abort", rt.aborted)

	// A later caller starts a fresh download instead of joining the aborted one.
	close(rt.release)
	path, err := d.Fetch(context.Background(), spec, false)
	if err != nil {
		t.Fatalf("Fetch after abort: %v", err)
	}
	if path != d.CachePath(spec) {
		t.Errorf("path = %s", path)
	}
	if n := rt.calls.Load(); n != 2 {
		t.Errorf("network calls = %d, want 2", n)
	}
	assertNoTempFiles(t, d.cacheDir)
}

func TestFetchHyphenatedTagsUseSeparateFiles(t *testing.T) {
	var calls int32
	d := newTestDownloader(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return response(http.StatusOK, sampleBody), nil
	}))

	specA := queries.QuerySpec{AreaID: queries.DefaultAreaID, TagKey: "a-b", TagValue: "c"}
	specB := queries.QuerySpec{AreaID: queries.DefaultAreaID, TagKey: "a", TagValue: "b-c"}

	pathA, err := d.Fetch(context.Background(), specA, false)
	if err != nil {
		t.Fatalf("Fetch A: %v", err)
	}
	pathB, err := d.Fetch(context.Background(), specB, false)
	if err != nil {
		t.Fatalf("Fetch B: %v", err)
	}
	if pathA == pathB {
		t.Fatalf("distinct tags share cache file %s", pathA)
	}
	if calls != 2 {
		t.Errorf("network calls = %d, want 2", calls)
	}
}
