package remat

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "remat"

type statDesc struct {
	desc  *prometheus.Desc
	vtype prometheus.ValueType
	value func(s *Stats) float64
}

// Collector exports the statistics of a DeviceContext to Prometheus.
type Collector struct {
	dev   *DeviceContext
	descs []statDesc
}

// NewCollector creates a collector for dev.
func NewCollector(dev *DeviceContext) *Collector {
	labels := prometheus.Labels{"device": strconv.Itoa(dev.ID())}
	gauge := func(name, help string, value func(s *Stats) float64) statDesc {
		return statDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, labels),
			vtype: prometheus.GaugeValue,
			value: value,
		}
	}
	counter := func(name, help string, value func(s *Stats) float64) statDesc {
		d := gauge(name, help, value)
		d.vtype = prometheus.CounterValue
		return d
	}
	return &Collector{
		dev: dev,
		descs: []statDesc{
			gauge("arena_bytes", "Size of the device arena.", func(s *Stats) float64 { return float64(s.ArenaBytes) }),
			gauge("in_use_bytes", "Bytes held by occupied pieces.", func(s *Stats) float64 { return float64(s.InUseBytes) }),
			gauge("free_bytes", "Bytes held by free pieces.", func(s *Stats) float64 { return float64(s.FreeBytes) }),
			gauge("pieces", "Number of pieces in the arena.", func(s *Stats) float64 { return float64(s.Pieces) }),
			gauge("free_pieces", "Number of free pieces.", func(s *Stats) float64 { return float64(s.FreePieces) }),
			counter("allocations_total", "Successful allocations.", func(s *Stats) float64 { return float64(s.Allocations) }),
			counter("deallocations_total", "Deallocations.", func(s *Stats) float64 { return float64(s.Deallocations) }),
			counter("splits_total", "Free pieces split to serve an allocation.", func(s *Stats) float64 { return float64(s.Splits) }),
			counter("coalesces_total", "Neighbouring free pieces merged.", func(s *Stats) float64 { return float64(s.Coalesces) }),
			counter("evictions_total", "Eviction passes that reclaimed a window.", func(s *Stats) float64 { return float64(s.Evictions) }),
			counter("evicted_values_total", "Values evicted.", func(s *Stats) float64 { return float64(s.EvictedValues) }),
			counter("evicted_bytes_total", "Bytes reclaimed by eviction.", func(s *Stats) float64 { return float64(s.EvictedBytes) }),
			counter("oom_total", "Allocations that failed after eviction.", func(s *Stats) float64 { return float64(s.OutOfMemory) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s, err := c.dev.Stats(context.Background())
	if err != nil {
		Error("collect device %d stats: %v", c.dev.ID(), err)
		return
	}
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.vtype, d.value(&s))
	}
}
