package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Snapshot is one sample of host resource usage
type Snapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	Goroutines  int       `json:"goroutines"`
}

// MetricsCollector samples host resource usage into the resource gauges
type MetricsCollector struct {
	logger   *zap.Logger
	metrics  *Metrics
	interval time.Duration
	stop     chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		metrics:  metrics,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
}

// Stop stops the collection loop
func (c *MetricsCollector) Stop() {
	c.logger.Info("Stopping metrics collector")
	close(c.stop)
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
			}
		}
	}
}

// Collect takes one sample and updates the gauges
func (c *MetricsCollector) Collect(ctx context.Context) (*Snapshot, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		Timestamp:   time.Now(),
		MemoryUsage: memInfo.UsedPercent,
		Goroutines:  runtime.NumGoroutine(),
	}
	if len(cpuPercent) > 0 {
		s.CPUUsage = cpuPercent[0]
	}

	c.metrics.resourceCPUUsage.Set(s.CPUUsage)
	c.metrics.resourceMemoryUsed.Set(s.MemoryUsage)
	c.metrics.resourceGoroutines.Set(float64(s.Goroutines))

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", s.CPUUsage),
		zap.Float64("memory_usage", s.MemoryUsage),
		zap.Int("goroutines", s.Goroutines))
	return s, nil
}
