// Package config loads the reconstructor's service settings from the
// environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/threadrecon/internal/platform/config"
	"github.com/example/threadrecon/services/reconstructor/internal/forest"
	"github.com/example/threadrecon/services/reconstructor/internal/recon"
)

type RedditConfig struct {
	BaseURL        string
	TokenURL       string
	ClientID       string
	ClientSecret   string
	UserAgent      string
	RPS            float64
	Burst          int
	MaxRetries     int
	RetryBaseDelay time.Duration
	RequestTimeout time.Duration
}

type BreakerConfig struct {
	// MaxFailures consecutive outages open the breaker.
	MaxFailures uint32
	OpenTimeout time.Duration
}

type Config struct {
	Reddit  RedditConfig
	Breaker BreakerConfig
	Recon   recon.Config

	RedisURL    string
	CacheTTL    time.Duration
	DatabaseURL string

	NATSURL      string
	EnableWorker bool

	GRPCAddr string

	// APIRPS limits each HTTP client; zero disables it.
	APIRPS   float64
	APIBurst int
	// JobTimeout bounds one reconstruction regardless of the caller.
	JobTimeout time.Duration

	JWTSecret   []byte
	JWTIssuer   string
	RequireAuth bool
}

func Load() (Config, error) {
	cfg := Config{
		Reddit: RedditConfig{
			BaseURL:        config.String("REDDIT_BASE_URL", ""),
			TokenURL:       config.String("REDDIT_TOKEN_URL", ""),
			ClientID:       config.String("REDDIT_CLIENT_ID", ""),
			ClientSecret:   config.String("REDDIT_CLIENT_SECRET", ""),
			UserAgent:      config.String("REDDIT_USER_AGENT", "threadrecon/1.0"),
			RPS:            config.Float("REDDIT_RPS", 1),
			Burst:          config.Int("REDDIT_BURST", 2),
			MaxRetries:     config.Int("REDDIT_MAX_RETRIES", 2),
			RetryBaseDelay: config.Duration("REDDIT_RETRY_BASE_DELAY", 500*time.Millisecond),
			RequestTimeout: config.Duration("REDDIT_REQUEST_TIMEOUT", 20*time.Second),
		},
		Breaker: BreakerConfig{
			MaxFailures: uint32(max(config.Int("REDDIT_CB_MAX_FAILURES", 5), 1)),
			OpenTimeout: config.Duration("REDDIT_CB_OPEN_TIMEOUT", 30*time.Second),
		},
		RedisURL:     config.String("REDIS_URL", ""),
		CacheTTL:     config.Duration("CACHE_TTL", 10*time.Minute),
		DatabaseURL:  config.String("DATABASE_URL", ""),
		NATSURL:      config.String("NATS_URL", ""),
		EnableWorker: config.Bool("ENABLE_WORKER", true),
		GRPCAddr:     config.String("GRPC_ADDR", ":9090"),
		APIRPS:       config.Float("API_RPS", 0),
		APIBurst:     config.Int("API_BURST", 10),
		JobTimeout:   config.Duration("RECON_JOB_TIMEOUT", 2*time.Minute),
		JWTSecret:    []byte(config.String("JWT_SECRET", "")),
		JWTIssuer:    config.String("JWT_ISSUER", ""),
		RequireAuth:  config.Bool("REQUIRE_AUTH", true),
	}
	if cfg.Reddit.ClientID != "" && cfg.Reddit.ClientSecret == "" {
		return Config{}, errors.New("REDDIT_CLIENT_SECRET is required with REDDIT_CLIENT_ID")
	}
	if cfg.RequireAuth && len(cfg.JWTSecret) == 0 {
		return Config{}, errors.New("JWT_SECRET is required unless REQUIRE_AUTH=false")
	}

	rc, err := loadRecon()
	if err != nil {
		return Config{}, err
	}
	cfg.Recon = rc
	return cfg, nil
}

func loadRecon() (recon.Config, error) {
	c := recon.DefaultConfig()

	if names := config.List("RECON_ORDERINGS", nil); names != nil {
		c.Orderings = c.Orderings[:0:0]
		for _, n := range names {
			s, err := forest.ParseSort(n)
			if err != nil {
				return recon.Config{}, fmt.Errorf("RECON_ORDERINGS: %w", err)
			}
			c.Orderings = append(c.Orderings, s)
		}
	}
	c.CoverageStopRatio = config.Float("RECON_STOP_RATIO", c.CoverageStopRatio)
	c.SupplementalThresholdRatio = config.Float("RECON_SUPPLEMENTAL_THRESHOLD", c.SupplementalThresholdRatio)
	c.PerStrategyExpansionBudget = config.Int("RECON_EXPANSION_BUDGET", c.PerStrategyExpansionBudget)
	c.MinReportedCount = config.Int("RECON_MIN_REPORTED_COUNT", c.MinReportedCount)
	c.Query.Depth = config.Int("RECON_QUERY_DEPTH", c.Query.Depth)
	c.Query.Limit = config.Int("RECON_QUERY_LIMIT", c.Query.Limit)
	c.Query.ShowMore = config.Bool("RECON_QUERY_SHOWMORE", c.Query.ShowMore)
	c.AttemptDelay = config.Duration("RECON_ATTEMPT_DELAY", c.AttemptDelay)
	c.Parallelism = config.Int("RECON_PARALLELISM", c.Parallelism)
	c.ExpansionFanout = config.Int("RECON_EXPANSION_FANOUT", c.ExpansionFanout)
	c.CallTimeout = config.Duration("RECON_CALL_TIMEOUT", c.CallTimeout)

	if err := c.Validate(); err != nil {
		return recon.Config{}, fmt.Errorf("recon config: %w", err)
	}
	return c, nil
}
