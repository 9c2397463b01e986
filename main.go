package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shenjiangwei/rematAllocator/device"
	"github.com/shenjiangwei/rematAllocator/mpool"
	"github.com/shenjiangwei/rematAllocator/remat"
)

var (
	// Global flags
	configPath  string
	arenaSize   string
	splitPolicy string
	hostMemory  bool
	metricsAddr string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "rematAllocator",
	Short: "Rematerializing device memory allocator",
	Long: `rematAllocator drives a device memory sub-allocator that evicts
recomputable values when the arena is full. Settings come from an optional
YAML config, then the REMAT_* environment variables, then flags.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML allocator config")
	rootCmd.PersistentFlags().StringVar(&arenaSize, "arena", "", "Arena size, e.g. 256MiB")
	rootCmd.PersistentFlags().StringVar(&splitPolicy, "split", "", "Split policy: left, right or alternating")
	rootCmd.PersistentFlags().BoolVar(&hostMemory, "host", false, "Back the arena with host memory instead of address space only")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Trace every allocator step")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers the config file, the environment and the flags.
func loadConfig() (remat.Config, error) {
	cfg := remat.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = remat.LoadConfig(configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if arenaSize != "" {
		size, err := humanize.ParseBytes(arenaSize)
		if err != nil {
			return cfg, errors.Wrapf(err, "parse --arena %q", arenaSize)
		}
		cfg.ArenaSize = size
	}
	if splitPolicy != "" {
		cfg.SplitPolicy = remat.SplitPolicy(splitPolicy)
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, cfg.Validate()
}

// newDevice builds a device context whose values are tracked by a pool. host
// is nil unless the arena lives in host memory.
func newDevice(id int, cfg remat.Config) (dev *remat.DeviceContext, pool *mpool.Pool, host *device.Host, err error) {
	if cfg.Debug {
		remat.SetLogLevel(remat.LogLevelDebug)
	}

	var mem device.Memory = device.NewVirtual(0, 0)
	if hostMemory {
		host = device.NewHost(cfg.ArenaSize)
		mem = host
	}

	pool = mpool.NewPool()
	dev, err = remat.NewDeviceContext(id, mem, pool, cfg, pool.Options()...)
	if err != nil {
		return nil, nil, nil, err
	}
	pool.Attach(dev)

	remat.Info("device %d: arena %s, alignment %d, split %s",
		id, humanize.IBytes(cfg.ArenaSize), cfg.Alignment, cfg.SplitPolicy)
	return dev, pool, host, nil
}

// metricsExporter serves the metrics of the current device on metricsAddr.
type metricsExporter struct {
	reg     *prometheus.Registry
	current prometheus.Collector
}

func newMetricsExporter() *metricsExporter {
	e := &metricsExporter{reg: prometheus.NewRegistry()}
	if metricsAddr == "" {
		return e
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			remat.Error("metrics server: %v", err)
		}
	}()
	remat.Info("serving metrics on %s/metrics", metricsAddr)
	return e
}

// watch replaces the exported device.
func (e *metricsExporter) watch(dev *remat.DeviceContext) {
	if e.current != nil {
		e.reg.Unregister(e.current)
	}
	e.current = remat.NewCollector(dev)
	e.reg.MustRegister(e.current)
}
