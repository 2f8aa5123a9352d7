// Command tenantauthd serves the tenant session API.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/httpapi"
	"github.com/MrEthical07/tenantauth/internal/audit"
	"github.com/MrEthical07/tenantauth/internal/migrate"
	otelexport "github.com/MrEthical07/tenantauth/metrics/export/otel"
	promexport "github.com/MrEthical07/tenantauth/metrics/export/prometheus"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate-store" {
		os.Exit(migrateStore(os.Args[2:]))
	}

	configPath := flag.String("config", "", "YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file with secrets, ignored when missing")
	skipMigrate := flag.Bool("skip-migrate", false, "do not migrate the shared database on startup")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg := tenantauth.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = tenantauth.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, !*skipMigrate); err != nil {
		logger.Fatal("tenantauthd stopped", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == tenantauth.EnvDevelopment {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg tenantauth.Config, logger *zap.Logger, migrateShared bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := applySecrets(&cfg); err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("TENANTAUTH_PG_DSN is required")
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("addr", cfg.HTTP.Addr))

	if migrateShared {
		if err := migrate.Shared(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.Postgres.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Postgres.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	b := tenantauth.New().
		WithConfig(cfg).
		WithPostgres(pool).
		WithLogger(logger)

	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, shared tiers degrade to local state", zap.Error(err))
		}
		b = b.WithRedis(rdb)
	}

	if cfg.Audit.Enabled {
		sink, closeSink, err := auditSink(cfg, logger)
		if err != nil {
			return err
		}
		defer closeSink()
		b = b.WithAuditSink(sink)
	}

	engine, err := b.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("engine close", zap.Error(err))
		}
	}()

	go engine.RunSweeper(ctx)

	shutdownTelemetry, err := setupTelemetry(ctx, cfg.Tracing, engine, logger)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	metricsHandler, err := promexport.Handler(engine)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	var handler http.Handler = httpapi.New(engine,
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithMetricsHandler(metricsHandler),
	).Handler()
	if cfg.Tracing.Enabled {
		handler = otelhttp.NewHandler(handler, "tenantauthd")
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// applySecrets fills the yaml:"-" fields from the environment.
func applySecrets(cfg *tenantauth.Config) error {
	cfg.Postgres.DSN = os.Getenv("TENANTAUTH_PG_DSN")
	cfg.Redis.Password = os.Getenv("TENANTAUTH_REDIS_PASSWORD")

	var err error
	if cfg.JWT.PrivateKey, err = keyFromEnv("TENANTAUTH_JWT_PRIVATE_KEY"); err != nil {
		return err
	}
	if cfg.JWT.PublicKey, err = keyFromEnv("TENANTAUTH_JWT_PUBLIC_KEY"); err != nil {
		return err
	}
	if cfg.MFA.MasterKey, err = keyFromEnv("TENANTAUTH_MFA_MASTER_KEY"); err != nil {
		return err
	}
	return cfg.Validate()
}

// keyFromEnv accepts PEM as is and anything else as standard base64.
func keyFromEnv(name string) ([]byte, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil, nil
	}
	if strings.HasPrefix(v, "-----BEGIN") {
		return []byte(v), nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

func auditSink(cfg tenantauth.Config, logger *zap.Logger) (audit.Sink, func(), error) {
	zapSink := audit.NewZapSink(logger.Named("audit"))
	if len(cfg.Audit.KafkaBrokers) == 0 {
		return zapSink, func() {}, nil
	}
	kafka, err := audit.DialKafka(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic, logger.Named("audit.kafka"))
	if err != nil {
		return nil, nil, fmt.Errorf("kafka audit sink: %w", err)
	}
	closeFn := func() {
		if err := kafka.Close(); err != nil {
			logger.Warn("kafka audit sink close", zap.Error(err))
		}
	}
	return audit.MultiSink{kafka, zapSink}, closeFn, nil
}

// setupTelemetry installs OTLP trace and metric pipelines and bridges the
// engine counters into the meter provider.
func setupTelemetry(ctx context.Context, cfg tenantauth.TracingConfig, engine *tenantauth.Engine, logger *zap.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{}
	metricOpts := []otlpmetrichttp.Option{}
	if cfg.Endpoint != "" {
		insecure := strings.HasPrefix(strings.ToLower(cfg.Endpoint), "http://")
		host := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
		traceOpts = append(traceOpts, otlptracehttp.WithEndpoint(host))
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpoint(host))
		if insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	bridge, err := otelexport.NewExporter(mp.Meter("github.com/MrEthical07/tenantauth"), engine)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("otel metrics bridge: %w", err)
	}

	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bridge.Close(); err != nil {
			logger.Warn("otel bridge close", zap.Error(err))
		}
		if err := mp.Shutdown(sctx); err != nil {
			logger.Warn("meter provider shutdown", zap.Error(err))
		}
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracer provider shutdown", zap.Error(err))
		}
	}, nil
}

// migrateStore applies the tenant tables to a dedicated store.
func migrateStore(args []string) int {
	fs := flag.NewFlagSet("migrate-store", flag.ExitOnError)
	dsn := fs.String("dsn", "", "dedicated store DSN")
	_ = fs.Parse(args)
	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "migrate-store: -dsn is required")
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := migrate.Dedicated(ctx, *dsn); err != nil {
		fmt.Fprintf(os.Stderr, "migrate-store: %v\n", err)
		return 1
	}
	return 0
}
