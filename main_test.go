package main

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/rematAllocator/remat"
)

func init() {
	logrus.SetOutput(io.Discard)
	remat.SetLogOutput(io.Discard)
}

func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		configPath, arenaSize, splitPolicy, metricsAddr = "", "", "", ""
		hostMemory, debug = false, false
	})
}

func TestLoadConfig(t *testing.T) {
	resetFlags(t)
	t.Setenv(remat.EnvArenaSize, "32MiB")
	t.Setenv(remat.EnvHighCostOps, "matmul")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, uint64(32<<20), cfg.ArenaSize)
	assert.Equal(t, []string{"matmul"}, cfg.HighCostOps)

	// Flags win over the environment.
	arenaSize, splitPolicy = "64MiB", "right"
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, uint64(64<<20), cfg.ArenaSize)
	assert.Equal(t, remat.SplitRight, cfg.SplitPolicy)

	splitPolicy = "sideways"
	_, err = loadConfig()
	assert.ErrorIs(t, err, remat.ErrInvalidConfig)

	splitPolicy, arenaSize = "", "lots"
	_, err = loadConfig()
	assert.Error(t, err)
}

func TestChurn(t *testing.T) {
	resetFlags(t)
	oldOps, oldWorkers := churnOps, churnWorkers
	churnOps, churnWorkers = 500, 4
	t.Cleanup(func() { churnOps, churnWorkers = oldOps, oldWorkers })

	for _, policy := range []string{"left", "right", "alternating"} {
		t.Run(policy, func(t *testing.T) {
			arenaSize, splitPolicy = "32MiB", policy
			cfg, err := loadConfig()
			require.NoError(t, err)

			result, err := runTest(context.Background(), 1, cfg, newMetricsExporter())
			require.NoError(t, err)
			assert.NotZero(t, result.Creates)
			assert.Positive(t, result.MaxUsage)
			assert.LessOrEqual(t, result.MaxUsage, 100.0)
			assert.Zero(t, result.HostBytes)
		})
	}

	t.Run("host", func(t *testing.T) {
		arenaSize, splitPolicy, hostMemory = "32MiB", "alternating", true
		t.Cleanup(func() { hostMemory = false })
		cfg, err := loadConfig()
		require.NoError(t, err)

		result, err := runTest(context.Background(), 1, cfg, newMetricsExporter())
		require.NoError(t, err)
		assert.NotZero(t, result.Creates)
		assert.NotZero(t, result.HostBytes)
	})
}
