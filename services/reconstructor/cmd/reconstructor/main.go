package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/threadrecon/internal/platform/auth"
	"github.com/example/threadrecon/internal/platform/config"
	"github.com/example/threadrecon/internal/platform/db"
	"github.com/example/threadrecon/internal/platform/events"
	"github.com/example/threadrecon/internal/platform/httpserver"
	"github.com/example/threadrecon/internal/platform/logging"
	"github.com/example/threadrecon/internal/platform/natsconn"
	"github.com/example/threadrecon/internal/platform/run"
	"github.com/example/threadrecon/services/reconstructor/internal/cache"
	svcconfig "github.com/example/threadrecon/services/reconstructor/internal/config"
	"github.com/example/threadrecon/services/reconstructor/internal/handlers"
	"github.com/example/threadrecon/services/reconstructor/internal/jobs"
	"github.com/example/threadrecon/services/reconstructor/internal/metrics"
	"github.com/example/threadrecon/services/reconstructor/internal/queue"
	"github.com/example/threadrecon/services/reconstructor/internal/ratelimit"
	"github.com/example/threadrecon/services/reconstructor/internal/recon"
	"github.com/example/threadrecon/services/reconstructor/internal/reddit"
	"github.com/example/threadrecon/services/reconstructor/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.NewWithFormat(cfg.LogLevel, config.String("LOG_FORMAT", "json"))
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.ServiceName))

	svc, err := svcconfig.Load()
	if err != nil {
		log.Error("load reconstructor config", zap.Error(err))
		run.Exit(1)
	}

	runner := run.New(log)
	m := metrics.New(prometheus.DefaultRegisterer)

	// content API client
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "reddit",
		Timeout: svc.Breaker.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= svc.Breaker.MaxFailures
		},
		IsSuccessful: func(err error) bool { return !reddit.IsOutage(err) },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	rc := reddit.New(reddit.ClientConfig{
		BaseURL:        svc.Reddit.BaseURL,
		TokenURL:       svc.Reddit.TokenURL,
		ClientID:       svc.Reddit.ClientID,
		ClientSecret:   svc.Reddit.ClientSecret,
		UserAgent:      svc.Reddit.UserAgent,
		MaxRetries:     svc.Reddit.MaxRetries,
		RetryBaseDelay: svc.Reddit.RetryBaseDelay,
		RequestTimeout: svc.Reddit.RequestTimeout,
	},
		reddit.WithCircuitBreaker(cb),
		reddit.WithLimiter(ratelimit.NewRPS(svc.Reddit.RPS, svc.Reddit.Burst)),
		reddit.WithLogger(log.Named("reddit")),
	)

	reconstructor, err := recon.New(rc, rc, svc.Recon,
		recon.WithLogger(log.Named("recon")),
		recon.WithObserver(m),
	)
	if err != nil {
		log.Error("init reconstructor", zap.Error(err))
		run.Exit(1)
	}

	// result cache
	resultCache, err := cache.New(svc.RedisURL, svc.CacheTTL)
	if err != nil {
		log.Error("init cache", zap.Error(err))
		run.Exit(1)
	}
	redisCache, _ := resultCache.(*cache.RedisCache)
	if redisCache != nil {
		runner.OnShutdown("redis", func(context.Context) error { return redisCache.Close() })
	} else {
		log.Warn("REDIS_URL not set, using in-memory result cache")
	}

	// run history
	var pool *pgxpool.Pool
	if svc.DatabaseURL != "" {
		pool, err = db.Open(context.Background(), svc.DatabaseURL)
		if err != nil {
			log.Error("db open", zap.Error(err))
			run.Exit(1)
		}
		runner.OnShutdown("postgres", func(context.Context) error { pool.Close(); return nil })
	} else {
		log.Warn("DATABASE_URL not set, using in-memory run store")
	}
	runs := store.NewRunStore(pool)
	if pg, ok := runs.(*store.PostgresRunStore); ok {
		if err := pg.Migrate(context.Background()); err != nil {
			log.Error("migrate runs", zap.Error(err))
			run.Exit(1)
		}
	}

	job := &jobs.Reconstruct{
		Recon:   reconstructor,
		Cache:   resultCache,
		Runs:    runs,
		Metrics: m,
		Log:     log.Named("jobs"),
		Timeout: svc.JobTimeout,
	}

	// jobs and events
	var (
		nc      *nats.Conn
		enqueue handlers.Enqueuer
	)
	if svc.NATSURL != "" {
		nc, err = natsconn.Connect(natsconn.Options{URL: svc.NATSURL, Name: cfg.ServiceName, Logger: log})
		if err != nil {
			log.Error("nats connect", zap.Error(err))
			run.Exit(1)
		}
		runner.OnShutdown("nats", func(context.Context) error { return nc.Drain() })

		wrk, err := queue.NewWorker(log.Named("queue"), nc, job.HandleJob)
		if err != nil {
			log.Error("worker init", zap.Error(err))
			run.Exit(1)
		}
		if err := wrk.EnsureStream(context.Background()); err != nil {
			log.Error("ensure stream", zap.Error(err))
			run.Exit(1)
		}
		job.Events = events.New(wrk.JS, log.Named("events"))
		enqueue = wrk

		if svc.EnableWorker {
			wctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				if err := wrk.Run(wctx); err != nil {
					log.Error("worker stopped", zap.Error(err))
				}
			}()
			runner.OnShutdown("worker", func(ctx context.Context) error {
				cancel()
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}
	} else {
		log.Warn("NATS_URL not set, background jobs and events disabled")
	}

	// http
	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: readiness(pool, redisCache, nc),
		Metrics:   promhttp.Handler(),
	})
	a := handlers.API{Jobs: job, Runs: runs, Queue: enqueue, Log: log.Named("http")}
	if svc.RequireAuth {
		a.Verifier = &auth.JWTVerifier{Secret: svc.JWTSecret, Issuer: svc.JWTIssuer}
	} else {
		log.Warn("REQUIRE_AUTH=false, /v1 routes are public")
	}
	if svc.APIRPS > 0 {
		a.Middleware = append(a.Middleware, ratelimit.NewPerClient(svc.APIRPS, svc.APIBurst, 0).Middleware)
	}
	a.Register(r)
	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	// grpc health for orchestrators
	lis, err := net.Listen("tcp", svc.GRPCAddr)
	if err != nil {
		log.Error("listen", zap.Error(err))
		run.Exit(1)
	}
	grpcSrv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	reflection.Register(grpcSrv)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	go func() {
		log.Info("grpc server starting", zap.String("addr", svc.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("grpc serve", zap.Error(err))
		}
	}()
	runner.OnShutdown("grpc", func(ctx context.Context) error {
		hs.Shutdown()
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			grpcSrv.Stop()
		}
		return nil
	})
	runner.OnShutdown("http", srv.Shutdown)

	code := runner.WithSignals(func(ctx context.Context) error {
		return srv.Start(log)
	})

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// readiness checks the backing services that are configured.
func readiness(pool *pgxpool.Pool, rc *cache.RedisCache, nc *nats.Conn) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var errs []error
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				errs = append(errs, fmt.Errorf("postgres: %w", err))
			}
		}
		if rc != nil {
			if err := rc.Ping(ctx); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}
		if nc != nil && !nc.IsConnected() {
			errs = append(errs, errors.New("nats: not connected"))
		}
		return errors.Join(errs...)
	}
}
