package limits

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard refuses new handshakes when the host is already saturated.
// Static thresholds, no auto-tuning: an overloaded gateway that keeps
// admitting sockets only converts overload into tail latency for every
// connection it already holds.
type ResourceGuard struct {
	cpuThreshold float64 // percent, 0 disables
	memLimit     uint64  // bytes of heap in use, 0 disables

	currentCPU atomic.Value // float64
	currentMem atomic.Uint64

	logger   zerolog.Logger
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// Guard rejection reasons, used as metric labels.
const (
	RejectCPU    = "cpu"
	RejectMemory = "memory"
)

type ResourceGuardConfig struct {
	CPUThreshold     float64
	MemoryLimitBytes uint64
	SampleInterval   time.Duration
	Logger           zerolog.Logger
}

// NewResourceGuard starts the sampling loop immediately.
func NewResourceGuard(cfg ResourceGuardConfig) *ResourceGuard {
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	g := &ResourceGuard{
		cpuThreshold: cfg.CPUThreshold,
		memLimit:     cfg.MemoryLimitBytes,
		logger:       cfg.Logger.With().Str("component", "resource_guard").Logger(),
		interval:     cfg.SampleInterval,
		stop:         make(chan struct{}),
	}
	g.currentCPU.Store(float64(0))
	go g.sampleLoop()
	return g
}

// Admit reports whether a new connection should be accepted given current
// host load. On refusal it returns the reason label.
func (g *ResourceGuard) Admit() (ok bool, reason string) {
	if g.cpuThreshold > 0 {
		if usage, _ := g.currentCPU.Load().(float64); usage >= g.cpuThreshold {
			g.logger.Warn().Float64("cpu_percent", usage).
				Float64("threshold", g.cpuThreshold).
				Msg("connection refused: CPU over threshold")
			return false, RejectCPU
		}
	}
	if g.memLimit > 0 && g.currentMem.Load() >= g.memLimit {
		g.logger.Warn().Uint64("heap_bytes", g.currentMem.Load()).
			Uint64("limit", g.memLimit).
			Msg("connection refused: memory over limit")
		return false, RejectMemory
	}
	return true, ""
}

// CPUPercent returns the most recent CPU sample.
func (g *ResourceGuard) CPUPercent() float64 {
	v, _ := g.currentCPU.Load().(float64)
	return v
}

// HeapBytes returns the most recent heap-in-use sample.
func (g *ResourceGuard) HeapBytes() uint64 { return g.currentMem.Load() }

func (g *ResourceGuard) sampleLoop() {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sample()
		case <-g.stop:
			return
		}
	}
}

func (g *ResourceGuard) sample() {
	// Non-blocking sample: interval 0 reuses the counters from last call.
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		g.currentCPU.Store(pcts[0])
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	g.currentMem.Store(ms.HeapInuse)
}

func (g *ResourceGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}
