package transport

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/ward-net/alertfeed/pkg/types"
)

// HealthCollector samples process health for heartbeat payloads.
type HealthCollector struct {
	startTime time.Time
}

// NewHealthCollector creates a collector anchored at the current time.
func NewHealthCollector() *HealthCollector {
	return &HealthCollector{startTime: time.Now()}
}

// Collect returns a best-effort health sample. Fields that cannot be
// read stay zero; a heartbeat with partial health is still a heartbeat.
func (c *HealthCollector) Collect() types.ClientHealth {
	health := types.ClientHealth{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return health
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		health.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	}
	return health
}
