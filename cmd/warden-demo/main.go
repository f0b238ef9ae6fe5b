// Command warden-demo runs the lock and cache-aside scenarios against a
// chosen backend while serving Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/presets"
)

var (
	backend   = flag.String("backend", "memory", "L2 backend: memory, redis or gorm")
	redisAddr = flag.String("redis", "localhost:6379", "Redis address for -backend=redis")
	sqliteDSN = flag.String("sqlite", "file:warden-demo?mode=memory&cache=shared", "SQLite DSN for -backend=gorm")
	listen    = flag.String("listen", ":2112", "Address serving /metrics, empty disables it")
	clients   = flag.Int("clients", 200, "Concurrent callers in the stampede simulation")
	latency   = flag.Duration("latency", 50*time.Millisecond, "Simulated data source latency")
	jobTTL    = flag.Duration("job-ttl", 2*time.Second, "Lock TTL used by the job scenario")
	traces    = flag.Bool("trace", false, "Print spans to stdout")
	serve     = flag.Bool("serve", false, "Keep serving /metrics until interrupted")
	verbose   = flag.Bool("v", false, "Debug logging")
)

func main() {
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *traces {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal().Err(err).Msg("trace exporter")
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterMetrics(reg)
	var srv *http.Server
	if *listen != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
		srv = &http.Server{Addr: *listen, Handler: router, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
		log.Info().Str("addr", *listen).Msg("serving /metrics")
	}

	stack, err := openStack(log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", *backend).Msg("open stack")
	}
	defer func() {
		if err := stack.Close(); err != nil {
			log.Warn().Err(err).Msg("close stack")
		}
	}()

	actor := lock.NewActor(lock.WithActorLogger(log))
	defer actor.Close()
	lockers := []struct {
		name   string
		locker lock.Locker
	}{
		{"actor", actor},
		{"store/" + *backend, lock.NewStore(stack.KV, lock.WithKeyPrefix("demo:"))},
	}
	for _, l := range lockers {
		if err := jobScenario(ctx, log.With().Str("lock", l.name).Logger(), l.locker, *jobTTL); err != nil {
			log.Fatal().Err(err).Str("lock", l.name).Msg("job scenario")
		}
	}

	if err := stampede(ctx, log, stack, *clients, *latency); err != nil {
		log.Fatal().Err(err).Msg("stampede simulation")
	}
	if err := exclusive(ctx, log, stack.Guard, *clients); err != nil {
		log.Fatal().Err(err).Msg("guarded section")
	}

	if *serve && srv != nil {
		log.Info().Msg("scenarios done, press Ctrl+C to exit")
		<-ctx.Done()
	}
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
}

func openStack(log zerolog.Logger) (*presets.Stack[product], error) {
	opts := presets.Options{Logger: &log}
	switch *backend {
	case "memory":
		return presets.NewInMemoryStandalone[product](opts)
	case "redis":
		return presets.NewRedis[product](presets.RedisOptions{Addr: *redisAddr, Options: opts})
	case "gorm":
		db, err := gorm.Open(sqlite.Open(*sqliteDSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		return presets.NewGorm[product](presets.GormOptions{DB: db, Options: opts})
	}
	return nil, fmt.Errorf("unknown backend %q", *backend)
}
