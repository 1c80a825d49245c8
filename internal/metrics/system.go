package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// DefaultSampleInterval is how often the system collector refreshes.
const DefaultSampleInterval = 15 * time.Second

// SystemCollector samples host-level pressure signals relevant to a settings
// store: CPU, memory and free space on the volume holding the durable
// backend.
type SystemCollector struct {
	dataDir  string
	interval time.Duration
	log      *logrus.Entry

	cpuPercent prometheus.Gauge
	memUsed    prometheus.Gauge
	memPercent prometheus.Gauge
	diskFree   prometheus.Gauge

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSystemCollector registers system gauges on m and returns a stopped
// collector. Run starts sampling.
func NewSystemCollector(m *Metrics, dataDir string, interval time.Duration, logger *logrus.Logger) *SystemCollector {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &SystemCollector{
		dataDir:  dataDir,
		interval: interval,
		log:      logger.WithField("component", "sysmetrics"),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confsync_system_cpu_percent",
			Help: "Host CPU utilization percentage.",
		}),
		memUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confsync_system_memory_used_bytes",
			Help: "Host memory in use.",
		}),
		memPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confsync_system_memory_percent",
			Help: "Host memory utilization percentage.",
		}),
		diskFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confsync_system_disk_free_bytes",
			Help: "Free bytes on the volume holding the data directory.",
		}),
		done: make(chan struct{}),
	}

	m.registry.MustRegister(c.cpuPercent, c.memUsed, c.memPercent, c.diskFree)
	return c
}

// Run samples until Stop.
func (c *SystemCollector) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		defer close(c.done)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.sample(ctx)
		for {
			select {
			case <-ticker.C:
				c.sample(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts sampling.
func (c *SystemCollector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *SystemCollector) sample(ctx context.Context) {
	if percentages, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percentages) > 0 {
		c.cpuPercent.Set(percentages[0])
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		c.memUsed.Set(float64(vm.Used))
		c.memPercent.Set(vm.UsedPercent)
	}

	if c.dataDir != "" {
		if usage, err := disk.UsageWithContext(ctx, c.dataDir); err == nil {
			c.diskFree.Set(float64(usage.Free))
		} else {
			c.log.WithError(err).Debug("Failed to stat data directory volume")
		}
	}
}
