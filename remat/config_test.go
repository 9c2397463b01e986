package remat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	for name, mutate := range map[string]func(c *Config){
		"zero alignment":      func(c *Config) { c.Alignment = 0 },
		"odd alignment":       func(c *Config) { c.Alignment = 768 },
		"unaligned arena":     func(c *Config) { c.ArenaSize = 1000 },
		"arena below unit":    func(c *Config) { c.ArenaSize = 256 },
		"too many units":      func(c *Config) { c.ArenaSize = 1 << 42 },
		"unknown split side":  func(c *Config) { c.SplitPolicy = "middle" },
		"empty split setting": func(c *Config) { c.SplitPolicy = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfigApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvArenaSize:   "64MiB",
		EnvSplitPolicy: " Alternating ",
		EnvHighCostOps: "matmul, conv2d,,",
		EnvDebug:       "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, uint64(64<<20), cfg.ArenaSize)
	assert.Equal(t, SplitAlternating, cfg.SplitPolicy)
	assert.Equal(t, []string{"matmul", "conv2d"}, cfg.HighCostOps)
	assert.True(t, cfg.Debug)
	assert.Len(t, DefaultConfig().HighCostOps, 3, "defaults must not be aliased")

	env[EnvDebug] = "maybe"
	cfg = DefaultConfig()
	assert.ErrorIs(t, cfg.ApplyEnv(lookup), ErrInvalidConfig)

	cfg = DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(func(string) (string, bool) { return "", false }))
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
arenaSize: 8388608
splitPolicy: right
highCostOps: [conv2d]
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(8<<20), cfg.ArenaSize)
	assert.Equal(t, uint64(DefaultAlignment), cfg.Alignment)
	assert.Equal(t, SplitRight, cfg.SplitPolicy)
	assert.Equal(t, []string{"conv2d"}, cfg.HighCostOps)

	require.NoError(t, os.WriteFile(path, []byte("arenaSize: 8388608\nbogus: 1\n"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
