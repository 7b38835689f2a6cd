package monitoring

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is one sample of the relay's own resource usage.
type ProcessStats struct {
	CPUPercent float64
	MemoryMB   float64
	Goroutines int
	UptimeSec  float64
}

// StatsCollector samples process CPU and memory on an interval and
// caches the latest reading for the /stats endpoint and the process
// gauges. Sampling in the background keeps gopsutil calls off the
// request path.
type StatsCollector struct {
	mu      sync.RWMutex
	current ProcessStats

	proc     *process.Process
	interval time.Duration
	started  time.Time
	logger   zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewStatsCollector(interval time.Duration, logger zerolog.Logger) *StatsCollector {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process handle unavailable; CPU/memory stats will read zero")
		proc = nil
	}
	return &StatsCollector{
		proc:     proc,
		interval: interval,
		started:  time.Now(),
		logger:   logger.With().Str("component", "stats").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (c *StatsCollector) Start() {
	go c.loop()
}

// Stop halts the sampling loop.
func (c *StatsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Current returns the latest sample with a fresh uptime reading.
func (c *StatsCollector) Current() ProcessStats {
	c.mu.RLock()
	stats := c.current
	c.mu.RUnlock()
	stats.UptimeSec = time.Since(c.started).Seconds()
	return stats
}

func (c *StatsCollector) loop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ticker.C:
			c.sample()
		case <-c.stopCh:
			return
		}
	}
}

func (c *StatsCollector) sample() {
	var stats ProcessStats
	stats.Goroutines = runtime.NumGoroutine()

	if c.proc != nil {
		// Percent(0) measures usage since the previous call, which is
		// exactly one collector interval.
		if cpu, err := c.proc.Percent(0); err == nil {
			stats.CPUPercent = cpu
		}
		if mem, err := c.proc.MemoryInfo(); err == nil {
			stats.MemoryMB = float64(mem.RSS) / 1024.0 / 1024.0
		}
	}

	c.mu.Lock()
	c.current = stats
	c.mu.Unlock()

	ProcessCPUPercent.Set(stats.CPUPercent)
	ProcessMemoryMB.Set(stats.MemoryMB)
}
