package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/shenjiangwei/rematAllocator/device"
	"github.com/shenjiangwei/rematAllocator/mpool"
	"github.com/shenjiangwei/rematAllocator/remat"
)

const (
	MinBlockSize = 4 * 1024        // 4KB
	MaxBlockSize = 4 * 1024 * 1024 // 4MB
)

var (
	churnIterations int
	churnOps        int
	churnWorkers    int
	churnParams     float64
	churnDump       bool
)

var churnOpNames = []string{"matmul", "relu", "add", "conv2d", "conv_data_grad", "softmax"}

func init() {
	cmd := newChurnCmd()
	cmd.Flags().IntVarP(&churnIterations, "iterations", "n", 3, "Number of test iterations")
	cmd.Flags().IntVar(&churnOps, "ops", 100000, "Operations per iteration")
	cmd.Flags().IntVar(&churnWorkers, "workers", 10, "Concurrent workers")
	cmd.Flags().Float64Var(&churnParams, "params", 0.1, "Fraction of the arena held by non-evictable parameters")
	cmd.Flags().BoolVar(&churnDump, "dump", false, "Print the allocator dump after each iteration")
	rootCmd.AddCommand(cmd)
}

func newChurnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "churn",
		Short: "Run a randomized tensor workload that forces eviction",
		Long: `The churn command runs concurrent workers that create tensors from
earlier ones, touch and release them at random, so that the arena fills up and
cheap, stale tensors get evicted and rematerialized on their next use.

Example:
  rematAllocator churn --arena 256MiB --split alternating -n 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChurn(cmd.Context())
		},
	}
}

// TestResult stores test iteration results
type TestResult struct {
	Iteration      int
	Creates        uint64
	Releases       uint64
	Failures       uint64
	Evictions      uint64
	Recomputations uint64
	RecomputeTime  time.Duration
	HostBytes      uint64
	MaxUsage       float64
	FinalUsage     float64
	TotalDuration  time.Duration
}

// churn is the shared state of one iteration.
type churn struct {
	dev     *remat.DeviceContext
	pool    *mpool.Pool
	host    *device.Host
	mu      sync.Mutex
	live    []*mpool.Tensor
	ops     int64
	creates uint64
	frees   uint64
	fails   uint64
	written uint64
	maxUsed uint64
}

func runTest(ctx context.Context, iteration int, cfg remat.Config, metrics *metricsExporter) (TestResult, error) {
	dev, pool, host, err := newDevice(iteration, cfg)
	if err != nil {
		return TestResult{}, err
	}
	defer dev.Close()
	metrics.watch(dev)

	c := &churn{dev: dev, pool: pool, host: host}
	if err := c.loadParams(ctx, uint64(float64(cfg.ArenaSize)*churnParams)); err != nil {
		return TestResult{}, err
	}

	startTime := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < churnWorkers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			c.work(ctx, rand.New(rand.NewSource(seed)))
		}(time.Now().UnixNano() + int64(i))
	}
	wg.Wait()
	duration := time.Since(startTime)
	c.sample(ctx)
	if fails := atomic.LoadUint64(&c.fails); fails > 0 {
		remat.Warn("iteration %d: %d operations failed", iteration, fails)
	}

	if churnDump {
		if err := dev.Dump(ctx, os.Stdout); err != nil {
			return TestResult{}, err
		}
	}
	if err := dev.Verify(ctx); err != nil {
		return TestResult{}, errors.Wrap(err, "allocator invariants")
	}

	final, err := dev.Stats(ctx)
	if err != nil {
		return TestResult{}, err
	}
	ps := pool.Stats()
	if err := pool.Close(ctx); err != nil {
		return TestResult{}, err
	}

	return TestResult{
		Iteration:      iteration,
		Creates:        atomic.LoadUint64(&c.creates),
		Releases:       atomic.LoadUint64(&c.frees),
		Failures:       atomic.LoadUint64(&c.fails),
		HostBytes:      atomic.LoadUint64(&c.written),
		Evictions:      ps.Evictions,
		Recomputations: ps.Recomputations,
		RecomputeTime:  ps.RecomputeTime,
		MaxUsage:       float64(atomic.LoadUint64(&c.maxUsed)) / float64(cfg.ArenaSize) * 100,
		FinalUsage:     float64(final.InUseBytes) / float64(cfg.ArenaSize) * 100,
		TotalDuration:  duration,
	}, nil
}

// loadParams allocates the non-evictable parameters up front.
func (c *churn) loadParams(ctx context.Context, total uint64) error {
	for total >= MinBlockSize {
		size := uint64(MaxBlockSize)
		if total < size {
			size = total
		}
		if _, err := c.pool.NewFixed(ctx, "param", size); err != nil {
			return errors.Wrap(err, "failed to load parameters")
		}
		total -= size
	}
	return nil
}

func (c *churn) work(ctx context.Context, rng *rand.Rand) {
	for atomic.AddInt64(&c.ops, 1) <= int64(churnOps) {
		// Randomly decide whether to compute or free
		if rng.Float64() < 0.7 {
			c.compute(ctx, rng)
		} else {
			c.release(ctx, rng)
		}
		if rng.Intn(100) == 0 {
			c.sample(ctx)
		}
	}
}

// compute pins up to two earlier tensors as inputs and creates an output.
func (c *churn) compute(ctx context.Context, rng *rand.Rand) {
	inputs := c.pick(rng, rng.Intn(3))
	for _, in := range inputs {
		in.Pin()
		defer in.Unpin()
		if _, err := c.pool.Access(ctx, in); err != nil && !errors.Is(err, mpool.ErrReleased) {
			atomic.AddUint64(&c.fails, 1)
			return
		}
	}

	op := churnOpNames[rng.Intn(len(churnOpNames))]
	size := uint64(rng.Int63n(MaxBlockSize-MinBlockSize+1) + MinBlockSize)
	compute := time.Duration(rng.Int63n(int64(10*time.Millisecond))) + time.Microsecond
	t, err := c.pool.NewTensor(ctx, op, size, compute)
	if err != nil {
		remat.Debug("%s of %d bytes failed: %v", op, size, err)
		atomic.AddUint64(&c.fails, 1)
		return
	}
	atomic.AddUint64(&c.creates, 1)
	if c.host != nil {
		if err := c.fill(ctx, t, byte(rng.Intn(256))); err != nil {
			remat.Debug("fill %s: %v", t, err)
			atomic.AddUint64(&c.fails, 1)
		}
	}

	c.mu.Lock()
	c.live = append(c.live, t)
	c.mu.Unlock()
}

// fill writes the output bytes of t into host memory.
func (c *churn) fill(ctx context.Context, t *mpool.Tensor, b byte) error {
	t.Pin()
	defer t.Unpin()
	ptr, err := c.pool.Access(ctx, t)
	if err != nil {
		return err
	}
	data, err := c.host.Slice(uintptr(ptr), t.Bytes())
	if err != nil {
		return err
	}
	for i := range data {
		data[i] = b
	}
	atomic.AddUint64(&c.written, uint64(len(data)))
	return nil
}

// release frees a random tensor.
func (c *churn) release(ctx context.Context, rng *rand.Rand) {
	c.mu.Lock()
	if len(c.live) == 0 {
		c.mu.Unlock()
		return
	}
	idx := rng.Intn(len(c.live))
	t := c.live[idx]
	c.live[idx] = c.live[len(c.live)-1]
	c.live = c.live[:len(c.live)-1]
	c.mu.Unlock()

	if err := c.pool.Release(ctx, t); err != nil {
		atomic.AddUint64(&c.fails, 1)
		return
	}
	atomic.AddUint64(&c.frees, 1)
}

func (c *churn) pick(rng *rand.Rand, n int) []*mpool.Tensor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.live) == 0 {
		return nil
	}
	picked := make([]*mpool.Tensor, 0, n)
	for i := 0; i < n; i++ {
		picked = append(picked, c.live[rng.Intn(len(c.live))])
	}
	return picked
}

func (c *churn) sample(ctx context.Context) {
	s, err := c.dev.Stats(ctx)
	if err != nil {
		return
	}
	for {
		cur := atomic.LoadUint64(&c.maxUsed)
		if s.InUseBytes <= cur || atomic.CompareAndSwapUint64(&c.maxUsed, cur, s.InUseBytes) {
			return
		}
	}
}

func runChurn(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	metrics := newMetricsExporter()

	fmt.Printf("Starting churn test with %d iterations\n", churnIterations)
	fmt.Println("Arena size:", humanize.IBytes(cfg.ArenaSize))
	fmt.Println("Min block size:", humanize.IBytes(MinBlockSize))
	fmt.Println("Max block size:", humanize.IBytes(MaxBlockSize))
	fmt.Println()

	var results []TestResult
	for i := 0; i < churnIterations; i++ {
		fmt.Printf("Running iteration %d...\n", i+1)
		result, err := runTest(ctx, i+1, cfg, metrics)
		if err != nil {
			return errors.Wrapf(err, "iteration %d", i+1)
		}
		results = append(results, result)

		fmt.Printf("Iteration %d results:\n", i+1)
		fmt.Printf("  Tensors created: %d\n", result.Creates)
		fmt.Printf("  Tensors released: %d\n", result.Releases)
		fmt.Printf("  Failures: %d\n", result.Failures)
		fmt.Printf("  Evictions: %d\n", result.Evictions)
		fmt.Printf("  Recomputations: %d (%v)\n", result.Recomputations, result.RecomputeTime)
		if hostMemory {
			fmt.Printf("  Bytes written: %s\n", humanize.IBytes(result.HostBytes))
		}
		fmt.Printf("  Max usage: %.2f%%\n", result.MaxUsage)
		fmt.Printf("  Final usage: %.2f%%\n", result.FinalUsage)
		fmt.Printf("  Duration: %v\n", result.TotalDuration)
		fmt.Println()
	}
	if len(results) == 0 {
		return nil
	}

	// Calculate averages
	var avgUsage, avgEvictions, avgDuration float64
	for _, r := range results {
		avgUsage += r.MaxUsage
		avgEvictions += float64(r.Evictions)
		avgDuration += r.TotalDuration.Seconds()
	}
	avgUsage /= float64(len(results))
	avgEvictions /= float64(len(results))
	avgDuration /= float64(len(results))

	fmt.Println("Average results:")
	fmt.Printf("  Average max usage: %.2f%%\n", avgUsage)
	fmt.Printf("  Average evictions: %.2f\n", avgEvictions)
	fmt.Printf("  Average duration: %.2f seconds\n", avgDuration)
	return nil
}
