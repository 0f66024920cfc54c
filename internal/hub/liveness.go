package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/dispatch-hub/internal/observability"
)

// LivenessMonitor probes every registered connection on a fixed
// interval. A connection that did not answer the previous probe is
// forcibly closed and handed to the onDead cascade synchronously before
// the scan moves on, so a crashed client's driver is shown online for
// at most twice the probe interval.
type LivenessMonitor struct {
	reg      *ConnectionRegistry
	interval time.Duration
	onDead   func(e *Entry)
	log      *slog.Logger
}

func NewLivenessMonitor(reg *ConnectionRegistry, interval time.Duration, onDead func(e *Entry), log *slog.Logger) *LivenessMonitor {
	return &LivenessMonitor{reg: reg, interval: interval, onDead: onDead, log: log}
}

// Run blocks until ctx is cancelled.
func (m *LivenessMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *LivenessMonitor) sweep() {
	for _, e := range m.reg.Snapshot() {
		if !e.Conn.Alive() {
			m.log.Info("pruning dead connection", "actor_id", e.ActorID, "role", e.Role)
			observability.ConnectionsPruned.Inc()
			_ = e.Conn.Close()
			if m.onDead != nil {
				m.onDead(e)
			}
			continue
		}
		e.Conn.MarkUnconfirmed()
		if err := e.Conn.Ping(); err != nil {
			// write failure is as good as a missed pong; close now
			m.log.Info("probe write failed, closing", "actor_id", e.ActorID, "error", err)
			observability.ConnectionsPruned.Inc()
			_ = e.Conn.Close()
			if m.onDead != nil {
				m.onDead(e)
			}
		}
	}
}

// Sweep runs one probe round immediately; exposed for tests.
func (m *LivenessMonitor) Sweep() { m.sweep() }
