package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/threadrecon/services/reconstructor/internal/forest"
	"github.com/example/threadrecon/services/reconstructor/internal/recon"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REDDIT_CLIENT_ID", "")
	t.Setenv("RECON_ORDERINGS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, recon.DefaultConfig(), cfg.Recon)
	assert.Equal(t, 1.0, cfg.Reddit.RPS)
	assert.Equal(t, uint32(5), cfg.Breaker.MaxFailures)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.True(t, cfg.EnableWorker)
	assert.Equal(t, []byte("s3cret"), cfg.JWTSecret)
}

func TestLoad_ReconOverrides(t *testing.T) {
	t.Setenv("REQUIRE_AUTH", "false")
	t.Setenv("RECON_ORDERINGS", "new, top")
	t.Setenv("RECON_STOP_RATIO", "0.9")
	t.Setenv("RECON_EXPANSION_BUDGET", "-1")
	t.Setenv("RECON_PARALLELISM", "2")
	t.Setenv("RECON_ATTEMPT_DELAY", "0s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []forest.Sort{forest.SortNew, forest.SortTop}, cfg.Recon.Orderings)
	assert.Equal(t, 0.9, cfg.Recon.CoverageStopRatio)
	assert.Equal(t, -1, cfg.Recon.PerStrategyExpansionBudget)
	assert.Equal(t, 2, cfg.Recon.Parallelism)
	assert.Zero(t, cfg.Recon.AttemptDelay)
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing jwt secret":   {"JWT_SECRET": "", "REQUIRE_AUTH": "true"},
		"client id no secret":  {"REQUIRE_AUTH": "false", "REDDIT_CLIENT_ID": "cid", "REDDIT_CLIENT_SECRET": ""},
		"unknown ordering":     {"REQUIRE_AUTH": "false", "RECON_ORDERINGS": "top,hot"},
		"stop ratio too large": {"REQUIRE_AUTH": "false", "RECON_STOP_RATIO": "1.5"},
		"zero depth":           {"REQUIRE_AUTH": "false", "RECON_QUERY_DEPTH": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
