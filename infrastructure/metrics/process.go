package metrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// SampleProcessStats starts a ticker that samples this process's CPU,
// resident memory, and open file descriptor count via gopsutil and feeds
// them into m's process gauges until ctx is cancelled.
func SampleProcessStats(ctx context.Context, m *Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sample := func() {
		cpuPercent, err := proc.CPUPercentWithContext(ctx)
		if err != nil {
			cpuPercent = 0
		}
		memInfo, err := proc.MemoryInfoWithContext(ctx)
		var rss uint64
		if err == nil && memInfo != nil {
			rss = memInfo.RSS
		}
		fds, err := proc.NumFDsWithContext(ctx)
		if err != nil {
			fds = 0
		}
		m.SetProcessStats(cpuPercent, rss, fds)
	}

	sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
