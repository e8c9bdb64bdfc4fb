package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"sipkit/adapters/jsonfile"
	mem "sipkit/adapters/memory"
	redisAdapter "sipkit/adapters/redis"
	sqlxAdapter "sipkit/adapters/sqlx"
	"sipkit/analytics"
	"sipkit/api/httpapi"
	"sipkit/catalog"
	"sipkit/config"
	"sipkit/core"
	"sipkit/engine"
	"sipkit/integrations/webhook"
	"sipkit/kit"
	"sipkit/leaderboard"
	"sipkit/realtime"
)

// App aggregates the assembled server components.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Hub           *realtime.Hub
	Kit           *kit.Kit
	Sweeper       *engine.SessionSweeper
	Aggregator    *analytics.Aggregator
	Handler       http.Handler
	Server        *http.Server
	MetricsServer *MetricsServer
}

// MetricsServer serves analytics on its own listener. Server is nil when
// metrics are disabled.
type MetricsServer struct {
	Server *http.Server
}

// configFileEnv names a JSON or YAML config file to load over the defaults.
const configFileEnv = "SIPKIT_CONFIG_FILE"

func provideConfig(ctx context.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := os.Getenv(configFileEnv); path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if cfg.Environment == config.EnvProduction {
		if err := cfg.LoadSecretsFromEnv(ctx); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg, os.Stdout, os.Stderr)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Repository, func(), error) {
	repo, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if c, ok := repo.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("close storage", "adapter", cfg.Storage.Adapter, "error", err)
			}
		}
	}
	return repo, cleanup, nil
}

// provideCatalog returns the badge definitions to seed at startup, or nil
// when seeding is off.
func provideCatalog(cfg *config.Config) ([]core.Badge, error) {
	if !cfg.Awards.SeedCatalog {
		return nil, nil
	}
	if cfg.Awards.CatalogPath != "" {
		return catalog.Load(cfg.Awards.CatalogPath)
	}
	return catalog.Default(), nil
}

func provideMetrics() *analytics.Metrics {
	return analytics.NewMetrics()
}

func provideAggregator(cfg *config.Config, metrics *analytics.Metrics, logger *slog.Logger) (*analytics.Aggregator, func()) {
	opts := []analytics.AggregatorOption{analytics.WithAggregatorLogger(logger)}
	var exporter analytics.Exporter
	if cfg.Metrics.ExportEndpoint != "" {
		exporter = analytics.NewHTTPExporter(cfg.Metrics.ExportEndpoint, cfg.Metrics.ExportAPIKey, cfg.Metrics.ExportBatchSize)
		opts = append(opts, analytics.WithExporter(exporter))
	}
	agg := analytics.NewAggregator(metrics, cfg.Metrics.AggregateInterval, opts...)
	return agg, func() {
		if exporter == nil {
			return
		}
		if err := exporter.Close(); err != nil {
			logger.Warn("close analytics exporter", "error", err)
		}
	}
}

type snapshotter interface {
	Snapshot() mem.Snapshot
}

// provideTracker rebuilds leaderboard scores from stored awards when the
// repository can list them all.
func provideTracker(repo engine.Repository, badges []core.Badge) *leaderboard.Tracker {
	t := leaderboard.NewTracker(nil)
	s, ok := repo.(snapshotter)
	if !ok {
		return t
	}
	snap := s.Snapshot()
	points := make(map[core.BadgeID]int, len(badges)+len(snap.Badges))
	for _, b := range snap.Badges {
		points[b.ID] = b.Points
	}
	for _, b := range badges {
		points[b.ID] = b.Points
	}
	t.Seed(snap.Awards, points)
	return t
}

func provideWebhook(cfg *config.Config, logger *slog.Logger) *webhook.Sink {
	if len(cfg.Awards.WebhookURLs) == 0 {
		return nil
	}
	opts := []webhook.Option{
		webhook.WithLogger(logger),
		webhook.WithClient(&http.Client{Timeout: cfg.Awards.WebhookTimeout}),
	}
	if len(cfg.Awards.WebhookEvents) > 0 {
		types := make([]core.EventType, len(cfg.Awards.WebhookEvents))
		for i, e := range cfg.Awards.WebhookEvents {
			types[i] = core.EventType(e)
		}
		opts = append(opts, webhook.WithEventTypes(types...))
	}
	return webhook.New(cfg.Awards.WebhookURLs, opts...)
}

func provideKit(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	repo engine.Repository,
	hub *realtime.Hub,
	badges []core.Badge,
	tracker *leaderboard.Tracker,
	metrics *analytics.Metrics,
	sink *webhook.Sink,
) (*kit.Kit, func(), error) {
	mode := engine.DispatchSync
	if cfg.Awards.AsyncEvents {
		mode = engine.DispatchAsync
	}
	opts := []kit.Option{
		kit.WithRepository(repo),
		kit.WithDispatchMode(mode),
		kit.WithRealtime(hub),
		kit.WithBAC(cfg.BAC),
		kit.WithLogger(logger),
		kit.WithParallelism(cfg.Awards.Parallelism),
		kit.WithCatalog(badges),
		kit.WithSink(tracker, core.EventBadgeAwarded),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, kit.WithSink(analytics.NewBridge(metrics)))
	}
	if sink != nil {
		opts = append(opts, kit.WithSink(sink))
	}
	k, err := kit.New(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	return k, k.Close, nil
}

func provideSweeper(cfg *config.Config, k *kit.Kit) *engine.SessionSweeper {
	if !cfg.Awards.SweepEnabled {
		return nil
	}
	return k.Sweeper(cfg.Awards.SweepInterval)
}

func provideHandler(k *kit.Kit, tracker *leaderboard.Tracker, cfg *config.Config) http.Handler {
	return httpapi.NewMux(k, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		RateLimitCleanup: cfg.Security.RateLimit.CleanupInterval,
		Leaderboard:      tracker.Board(),
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

func provideMetricsServer(cfg *config.Config, metrics *analytics.Metrics, agg *analytics.Aggregator) *MetricsServer {
	if !cfg.Metrics.Enabled {
		return &MetricsServer{}
	}
	return &MetricsServer{Server: &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           metricsHandler(cfg.Metrics.Path, metrics, agg),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}}
}

// metricsHandler serves award totals at path and rollups at
// path/rollups?period=daily|weekly|monthly.
func metricsHandler(path string, metrics *analytics.Metrics, agg *analytics.Aggregator) http.Handler {
	path = "/" + strings.Trim(path, "/")
	r := chi.NewRouter()
	r.Get(path, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Totals())
	})
	r.Get(strings.TrimSuffix(path, "/")+"/rollups", func(w http.ResponseWriter, r *http.Request) {
		period := analytics.Period(r.URL.Query().Get("period"))
		if period == "" {
			period = analytics.PeriodDaily
		}
		switch period {
		case analytics.PeriodDaily, analytics.PeriodWeekly, analytics.PeriodMonthly:
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown period %q", period)})
			return
		}
		writeJSON(w, http.StatusOK, agg.Rollups(period))
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config, stdout, stderr io.Writer) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	out := stdout
	if cfg.Logging.Output == "stderr" {
		out = stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func convertAttributes(attrs map[string]string) []slog.Attr {
	result := make([]slog.Attr, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the storage adapter named by the configuration.
func setupStorage(ctx context.Context, cfg *config.Config) (engine.Repository, error) {
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), nil
	case "redis":
		return redisAdapter.New(ctx, cfg.Storage.Redis)
	case "sql":
		sqlCfg := cfg.Storage.SQL
		if sqlCfg.Driver == sqlxAdapter.DriverSQLite && sqlCfg.DSN == "" {
			sqlCfg.DSN = sqlxAdapter.DefaultConfig(sqlxAdapter.DriverSQLite).DSN
		}
		return sqlxAdapter.New(ctx, sqlCfg)
	case "file":
		return jsonfile.New(cfg.Storage.File.Path)
	default:
		return nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}
