package remat

import (
	"math"
	"math/bits"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// SplitPolicy selects which side of an oversized free piece is handed out.
type SplitPolicy string

const (
	// SplitLeft hands out the low-address part.
	SplitLeft SplitPolicy = "left"
	// SplitRight hands out the high-address part.
	SplitRight SplitPolicy = "right"
	// SplitAlternating flips between left and right after every allocation.
	SplitAlternating SplitPolicy = "alternating"
)

const (
	// DefaultArenaSize is the arena reserved when none is configured.
	DefaultArenaSize = 1 << 30
	// DefaultAlignment is the allocation granularity.
	DefaultAlignment = 512
)

// Environment variables honoured by ApplyEnv.
const (
	EnvArenaSize   = "REMAT_ARENA_SIZE"
	EnvSplitPolicy = "REMAT_SPLIT_POLICY"
	EnvHighCostOps = "REMAT_HIGH_COST_OPS"
	EnvDebug       = "REMAT_DEBUG"
)

// Config holds the allocator settings.
type Config struct {
	// ArenaSize is the number of bytes reserved from the device at bootstrap.
	// The arena is never grown.
	ArenaSize uint64 `json:"arenaSize"`
	// Alignment is the allocation unit. Must be a power of two.
	Alignment uint64 `json:"alignment"`
	// SplitPolicy is the default split side.
	SplitPolicy SplitPolicy `json:"splitPolicy"`
	// HighCostOps lists operations whose outputs are always split from the left.
	HighCostOps []string `json:"highCostOps"`
	// Debug traces every allocation, free and eviction step at info level.
	Debug bool `json:"debug"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ArenaSize:   DefaultArenaSize,
		Alignment:   DefaultAlignment,
		SplitPolicy: SplitLeft,
		HighCostOps: []string{"conv2d", "conv_data_grad", "conv_filter_grad"},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Alignment == 0 || bits.OnesCount64(c.Alignment) != 1 {
		return errors.Wrapf(ErrInvalidConfig, "alignment %d is not a power of two", c.Alignment)
	}
	if c.ArenaSize < c.Alignment || c.ArenaSize%c.Alignment != 0 {
		return errors.Wrapf(ErrInvalidConfig, "arena size %d is not a positive multiple of %d", c.ArenaSize, c.Alignment)
	}
	if c.ArenaSize/c.Alignment > math.MaxUint32 {
		return errors.Wrapf(ErrInvalidConfig, "arena size %d exceeds %d units", c.ArenaSize, uint64(math.MaxUint32))
	}
	switch c.SplitPolicy {
	case SplitLeft, SplitRight, SplitAlternating:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown split policy %q", c.SplitPolicy)
	}
	return nil
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from environment-style toggles. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvArenaSize); ok {
		size, err := humanize.ParseBytes(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s=%q: %v", EnvArenaSize, v, err)
		}
		c.ArenaSize = size
	}
	if v, ok := lookup(EnvSplitPolicy); ok {
		c.SplitPolicy = SplitPolicy(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup(EnvHighCostOps); ok {
		c.HighCostOps = c.HighCostOps[:0:0]
		for _, op := range strings.Split(v, ",") {
			if op = strings.TrimSpace(op); op != "" {
				c.HighCostOps = append(c.HighCostOps, op)
			}
		}
	}
	if v, ok := lookup(EnvDebug); ok {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s=%q: %v", EnvDebug, v, err)
		}
		c.Debug = debug
	}
	return c.Validate()
}
