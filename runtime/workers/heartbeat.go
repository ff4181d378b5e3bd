package workers

import (
	"chat-relay/observability"
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// StatsFunc returns the current relay snapshot, rooms and members included.
type StatsFunc func() observability.Stats

// HeartbeatWorker logs the health of the relay process at a fixed interval:
// RSS, CPU and OS status of the process, plus the relay counters.
type HeartbeatWorker struct {
	log      *slog.Logger
	interval time.Duration
	stats    StatsFunc
}

func NewHeartbeatWorker(log *slog.Logger, interval time.Duration, stats StatsFunc) *HeartbeatWorker {
	return &HeartbeatWorker{
		log:      log,
		interval: interval,
		stats:    stats,
	}
}

func (w *HeartbeatWorker) Run(ctx context.Context) error {
	w.log.Info("Starting heartbeat worker", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.beat(p)
		}
	}
}

func (w *HeartbeatWorker) beat(p *process.Process) {
	stats := w.stats()
	rss, cpu, status, err := selfStats(p)
	if err != nil {
		w.log.Error("Failed to collect self stats", "error", err)
	}
	w.log.Info("Heartbeat",
		"pid", p.Pid,
		"pid_status", status,
		"rss_bytes", rss,
		"cpu_percent", cpu,
		"active_sessions", stats.ActiveSessions,
		"rooms", stats.Rooms,
		"members", stats.Members,
		"broadcasts", stats.Broadcasts,
		"delivery_failures", stats.DeliveryFailures)
}

// selfStats retrieves memory, CPU and OS status for the given process.
func selfStats(p *process.Process) (uint64, float64, string, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, "", err
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, "", err
	}

	status, err := p.Status()
	if err != nil {
		return 0, 0, "", err
	}
	return memInfo.RSS, cpuPercent, status, nil
}
