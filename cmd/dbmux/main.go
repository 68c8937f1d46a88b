// Package main is the dbmux operator tool. It inspects the routing table, pings
// instances, runs routed statements and flushes the attendance swipe buffer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/dbmux"
	"github.com/blueberrycongee/dbmux/internal/config"
	"github.com/blueberrycongee/dbmux/internal/metrics"
	"github.com/blueberrycongee/dbmux/internal/observability"
)

const usage = `usage: dbmux [-config file] <command> [flags]

commands:
  topology     print groups and instances of both families
  ping         ping every open instance
  query        run a SQL statement on the relational family
  find         run a find on the document family
  flush-swipes write the buffered swipes of a day to the relational family
  serve        keep the pools open, probing instances and exposing metrics
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// env bundles what every command needs.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	client *dbmux.Client
	stdout io.Writer
}

type command func(ctx context.Context, e *env, args []string) error

var commands = map[string]command{
	"topology":     runTopology,
	"ping":         runPing,
	"query":        runQuery,
	"find":         runFind,
	"flush-swipes": runFlushSwipes,
	"serve":        runServe,
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dbmux", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "path to configuration file (defaults apply when empty)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     stderr,
		JSONFormat: cfg.Logging.Format == "json",
	}, observability.NewRedactor()).Slog()
	slog.SetDefault(logger)

	tp, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		tp = nil
	}

	opts := []dbmux.Option{dbmux.WithConfig(cfg), dbmux.WithLogger(logger)}
	if cfg.Metrics.Enabled {
		opts = append(opts, dbmux.WithMetrics(metrics.NewCollector()))
	}
	if tp != nil {
		opts = append(opts, dbmux.WithTracer(tp.Tracer()))
	}

	client, err := dbmux.New(ctx, opts...)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		return 1
	}

	cmdErr := cmd(ctx, &env{cfg: cfg, logger: logger, client: client, stdout: stdout}, fs.Args()[1:])

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Close(shutdownCtx); err != nil {
		logger.Warn("client close failed", "error", err)
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}

	if cmdErr != nil {
		if errors.Is(cmdErr, flag.ErrHelp) {
			return 0
		}
		logger.Error(name+" failed", "error", cmdErr)
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.LoadFromFile(path)
}

// serveMetrics exposes Prometheus metrics until ctx is done.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Path, promhttp.Handler())
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", cfg.Listen, "path", cfg.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
