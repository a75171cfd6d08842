package sandbox

import (
	"context"
	"log/slog"
	"time"

	psprocess "github.com/shirou/gopsutil/v3/process"
)

// DefaultMonitorInterval is the process monitor tick.
const DefaultMonitorInterval = time.Second

// StartMonitor launches the periodic timeout sweep. It is a safety net on top
// of each process's own deadline. The returned function stops the loop and
// waits for it to exit.
func (s *ProcessSandbox) StartMonitor(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.logger.Debug("process monitor started", slog.String("interval", interval.String()))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("process monitor stopped")
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Sweep signals every running process that has exceeded its timeout and
// returns how many were signaled. Processes already completing are skipped.
func (s *ProcessSandbox) Sweep(ctx context.Context) int {
	return s.sweep(ctx, time.Now())
}

func (s *ProcessSandbox) sweep(ctx context.Context, now time.Time) int {
	s.mu.RLock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	killed := 0
	var rss uint64
	for _, p := range procs {
		if p.isCompleted() {
			continue
		}
		if now.Sub(p.startedAt) > p.timeout {
			if p.expire() {
				killed++
				s.metrics.monitorKill()
				s.logger.WarnContext(ctx, "process monitor killing expired process",
					slog.Int("handle", p.handle),
					slog.Duration("timeout", p.timeout),
					slog.Duration("elapsed", now.Sub(p.startedAt)),
				)
			}
			continue
		}
		if s.metrics != nil {
			rss += s.residentBytes(ctx, p)
		}
	}
	s.metrics.rss(rss)
	return killed
}

// residentBytes samples the resident memory of a live child. Sampling
// failures (usually the process exiting mid-sweep) count as zero.
func (s *ProcessSandbox) residentBytes(ctx context.Context, p *process) uint64 {
	if p.cmd.Process == nil {
		return 0
	}
	proc, err := psprocess.NewProcessWithContext(ctx, int32(p.cmd.Process.Pid))
	if err != nil {
		return 0
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil || mem == nil {
		return 0
	}
	return mem.RSS
}
