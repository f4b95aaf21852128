// Package pipeline runs the fetch, extract and index flow for one POI category.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NERVsystems/poiloader/pkg/core"
	"github.com/NERVsystems/poiloader/pkg/monitoring"
	"github.com/NERVsystems/poiloader/pkg/osm"
	"github.com/NERVsystems/poiloader/pkg/osm/queries"
	"github.com/NERVsystems/poiloader/pkg/tracing"
)

// ErrLoadInProgress is returned by Load while another load of the same pipeline runs.
var ErrLoadInProgress = errors.New("load already in progress")

// Sink receives records. A nil error means the record was accepted.
// Implementations report a refused record with *core.SinkRejectionError and an
// unreachable backend with *core.SinkConnectivityError.
type Sink interface {
	Index(ctx context.Context, rec osm.Record) error
}

// Fetcher makes the raw response for a query available on disk.
type Fetcher interface {
	Fetch(ctx context.Context, spec queries.QuerySpec, forceRefresh bool) (string, error)
}

// State is the lifecycle state of a pipeline.
type State int

const (
	Idle State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result summarizes one load.
type Result struct {
	Category     string        `json:"category"`
	SuccessCount int64         `json:"success_count"`
	Rejected     int64         `json:"rejected"`
	Dropped      int64         `json:"dropped"`
	Duration     time.Duration `json:"duration"`
}

// Pipeline loads one category: it fetches the response for its query, extracts
// records and hands each of them to the sink exactly once.
type Pipeline struct {
	category       string
	spec           queries.QuerySpec
	fetcher        Fetcher
	sink           Sink
	distanceFilter bool
	health         *monitoring.HealthChecker
	logger         *slog.Logger

	mu      sync.Mutex
	state   State
	last    Result
	lastErr error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithDistanceFilter sets the value reported by DistanceFilterEnabled
func WithDistanceFilter(enabled bool) Option {
	return func(p *Pipeline) {
		p.distanceFilter = enabled
	}
}

// WithHealthChecker reports every finished load to h
func WithHealthChecker(h *monitoring.HealthChecker) Option {
	return func(p *Pipeline) {
		p.health = h
	}
}

// New creates an idle pipeline for category.
func New(category string, spec queries.QuerySpec, fetcher Fetcher, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		category:       category,
		spec:           spec,
		fetcher:        fetcher,
		sink:           sink,
		distanceFilter: true,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pipeline", "category", category)
	return p
}

// Category returns the category stamped on every record
func (p *Pipeline) Category() string { return p.category }

// Spec returns the query the pipeline loads
func (p *Pipeline) Spec() queries.QuerySpec { return p.spec }

// DistanceFilterEnabled reports whether the loaded records support distance filtering downstream.
func (p *Pipeline) DistanceFilterEnabled() bool { return p.distanceFilter }

// State returns the current lifecycle state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastResult returns the outcome of the most recent finished load.
func (p *Pipeline) LastResult() (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.lastErr
}

// Load runs one full load. Fetch and parse failures index nothing. A sink
// rejection skips that record; a sink connectivity failure stops the load and
// the returned Result keeps the records indexed so far. A second call while a
// load is running returns ErrLoadInProgress.
func (p *Pipeline) Load(ctx context.Context, forceRefresh bool) (Result, error) {
	p.mu.Lock()
	if p.state == Running {
		p.mu.Unlock()
		return Result{Category: p.category}, ErrLoadInProgress
	}
	p.state = Running
	p.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "pipeline.load",
		trace.WithAttributes(tracing.LoadAttributes(p.category, p.spec.Tag(), forceRefresh)...),
	)
	defer span.End()

	p.logger.Info("load started", "tag", p.spec.Tag(), "force_refresh", forceRefresh)
	start := time.Now()

	res, err := p.run(ctx, forceRefresh)
	res.Duration = time.Since(start)

	state := Completed
	if err != nil {
		state = Failed
	}

	p.mu.Lock()
	p.state = state
	p.last = res
	p.lastErr = err
	p.mu.Unlock()

	monitoring.RecordLoad(p.category, res.Duration, err == nil, res.SuccessCount, res.Rejected)
	span.SetAttributes(
		attribute.Int64(tracing.AttrLoadIndexed, res.SuccessCount),
		attribute.Int64(tracing.AttrLoadRejected, res.Rejected),
		attribute.Int64(tracing.AttrLoadDropped, res.Dropped),
		attribute.String(tracing.AttrLoadState, state.String()),
	)
	p.reportHealth(state, res, err)

	if err != nil {
		code := core.CodeOf(err)
		monitoring.RecordError("pipeline", string(code))
		span.RecordError(err)
		span.SetAttributes(tracing.ErrorAttributes(string(code), err)...)
		span.SetStatus(codes.Error, string(code))
		p.logger.Error("load failed",
			"error", err,
			"code", code,
			"indexed", res.SuccessCount,
			"rejected", res.Rejected,
			"duration", res.Duration,
		)
		return res, err
	}

	span.SetStatus(codes.Ok, "")
	p.logger.Info("load completed",
		"indexed", res.SuccessCount,
		"rejected", res.Rejected,
		"dropped", res.Dropped,
		"duration", res.Duration,
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, forceRefresh bool) (Result, error) {
	res := Result{Category: p.category}

	path, err := p.fetcher.Fetch(ctx, p.spec, forceRefresh)
	if err != nil {
		return res, err
	}

	x := osm.NewExtractor(p.category)
	x.SetLogger(p.logger)
	recs, err := x.Open(ctx, path)
	if err != nil {
		return res, err
	}
	defer recs.Close()
	defer func() {
		p.recordDrops(recs.Stats())
	}()

	for recs.Next() {
		if err := ctx.Err(); err != nil {
			res.Dropped = int64(recs.Stats().TotalDropped())
			return res, core.Cancelled("pipeline.load", err)
		}

		rec := recs.Record()
		err := p.sink.Index(ctx, rec)
		if err == nil {
			res.SuccessCount++
			continue
		}

		var (
			connErr   *core.SinkConnectivityError
			cancelErr *core.CancellationError
		)
		if errors.As(err, &connErr) || errors.As(err, &cancelErr) {
			res.Dropped = int64(recs.Stats().TotalDropped())
			return res, err
		}

		// Rejections and unclassified errors only cost this record.
		res.Rejected++
		p.logger.Debug("record rejected", "id", rec.ID, "error", err)
	}

	res.Dropped = int64(recs.Stats().TotalDropped())
	if err := recs.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (p *Pipeline) recordDrops(stats osm.Stats) {
	for reason, n := range stats.Dropped {
		monitoring.RecordDropped(p.category, string(reason), n)
	}
	if n := stats.TotalDropped(); n > 0 {
		p.logger.Debug("elements dropped", "count", n, "elements", stats.Elements)
	}
}

func (p *Pipeline) reportHealth(state State, res Result, err error) {
	if p.health == nil {
		return
	}
	status := monitoring.LoadStatus{
		Category: p.category,
		State:    state.String(),
		Indexed:  res.SuccessCount,
		Rejected: res.Rejected,
		Dropped:  res.Dropped,
		Finished: time.Now(),
		Duration: res.Duration.String(),
	}
	if err != nil {
		status.ErrorCode = string(core.CodeOf(err))
		status.LastError = err.Error()
	}
	p.health.UpdateLoad(status)
}
