package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/NERVsystems/poiloader/pkg/config"
	"github.com/NERVsystems/poiloader/pkg/core"
	"github.com/NERVsystems/poiloader/pkg/download"
	"github.com/NERVsystems/poiloader/pkg/monitoring"
	"github.com/NERVsystems/poiloader/pkg/pipeline"
	"github.com/NERVsystems/poiloader/pkg/server"
	"github.com/NERVsystems/poiloader/pkg/sink"
	"github.com/NERVsystems/poiloader/pkg/tools"
	"github.com/NERVsystems/poiloader/pkg/tracing"
)

var (
	showVersionFlag bool
	generateConfig  string
	mergeOnly       bool
)

func main() {
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.BoolVar(&showVersionFlag, "version", false, "Display version information")
	flag.StringVar(&generateConfig, "generate-config", "", "Write an MCP client config file for this binary at the specified path")
	flag.BoolVar(&mergeOnly, "merge-only", false, "Keep other servers already present in the generated config file")
	flag.Parse()

	if showVersionFlag {
		fmt.Printf("%s %s\n", server.ServerName, server.ServerVersion)
		return
	}

	// Configure logging
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if generateConfig != "" {
		if err := generateClientConfig(generateConfig, mergeOnly); err != nil {
			logger.Error("failed to generate config", "error", err)
			os.Exit(1)
		}
		logger.Info("generated MCP client config", "path", generateConfig)
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, logger, os.Stdout))
}

// run wires the loader from cfg and executes the selected mode. It returns the process exit code.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, stdout io.Writer) int {
	shutdownTracing, err := tracing.InitTracing(ctx, tracing.Config{
		Endpoint: cfg.OTLPEndpoint,
		Version:  server.ServerVersion,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Error("error shutting down tracing", "error", err)
			}
		}()
		if cfg.OTLPEndpoint != "" {
			logger.Info("OpenTelemetry tracing enabled", "endpoint", cfg.OTLPEndpoint)
		}
	}

	logger.Info("starting POI loader",
		"version", server.ServerVersion,
		"mode", cfg.Mode,
		"endpoint", cfg.Endpoint,
		"area", cfg.AreaID,
		"categories", cfg.Categories.String(),
		"cache_dir", cfg.CacheDir,
		"overpass_rps", cfg.RequestsPerSecond,
		"monitoring_enabled", cfg.EnableMonitoring)

	var health *monitoring.HealthChecker
	if cfg.EnableMonitoring {
		health = monitoring.NewHealthChecker(monitoring.ServiceName, server.ServerVersion)
		server.NewMonitoringServer(cfg.MonitoringAddr, health, logger).Start(ctx)
	}

	catalog, err := buildCatalog(cfg, logger, health)
	if err != nil {
		logger.Error("failed to build pipelines", "error", err)
		return 2
	}

	switch cfg.Mode {
	case config.ModeMCP:
		s := server.NewServer(logger, tools.NewRegistry(logger, catalog))
		if err := s.RunWithContext(ctx); err != nil {
			logger.Error("server error", "error", err)
			return 1
		}
		logger.Info("server stopped")
		return 0
	default:
		outcomes := pipeline.LoadAll(ctx, catalog.Pipelines(), cfg.ForceRefresh, catalog.Concurrency())
		printOutcomes(stdout, outcomes)
		if pipeline.AnyFailed(outcomes) {
			return 1
		}
		return 0
	}
}

// buildCatalog creates one pipeline per configured category, all sharing one
// downloader and one sink.
func buildCatalog(cfg config.Config, logger *slog.Logger, health *monitoring.HealthChecker) (*tools.Catalog, error) {
	opts := cfg.DownloadOptions()
	opts.Logger = logger
	downloader := download.New(opts)

	var (
		target pipeline.Sink
		index  *sink.MemoryIndex
	)
	if cfg.SinkURL != "" {
		// The shared Overpass client waits minutes for headers; document writes must not.
		httpSink := sink.NewHTTPSink(cfg.SinkURL, cfg.SinkIndex, &http.Client{Timeout: cfg.SinkTimeout})
		httpSink.SetLogger(logger)
		target = httpSink
	} else {
		var err error
		index, err = sink.NewMemoryIndex(cfg.MemoryIndexSize)
		if err != nil {
			return nil, err
		}
		target = index
	}

	pipelines := make([]*pipeline.Pipeline, 0, len(cfg.Categories))
	for _, cat := range cfg.Categories {
		spec, err := cfg.QuerySpec(cat)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", cat.Name, err)
		}
		pipeOpts := []pipeline.Option{
			pipeline.WithLogger(logger),
			pipeline.WithDistanceFilter(cfg.DistanceFilter),
		}
		if health != nil {
			pipeOpts = append(pipeOpts, pipeline.WithHealthChecker(health))
		}
		pipelines = append(pipelines, pipeline.New(cat.Name, spec, downloader, target, pipeOpts...))
	}
	return tools.NewCatalog(index, cfg.Concurrency, pipelines...), nil
}

func printOutcomes(w io.Writer, outcomes []pipeline.Outcome) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tINDEXED\tREJECTED\tDROPPED\tDURATION\tRESULT")
	for _, o := range outcomes {
		result := "ok"
		if o.Err != nil {
			result = string(core.CodeOf(o.Err)) + ": " + o.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n",
			o.Category, o.SuccessCount, o.Rejected, o.Dropped, o.Duration.Round(time.Millisecond), result)
	}
	tw.Flush()
}
