package gateway

import (
	"context"
	"time"

	"drydock/pkg/protocol"
)

// RunLiveness sweeps per-session heartbeat records until ctx is cancelled.
// A session whose agent has not produced a frame for missedIntervalsLimit
// consecutive heartbeat intervals is forced to error with phase liveness and
// any lingering agent connection is closed. Client connections are untouched.
func (g *Gateway) RunLiveness(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.SweepLiveness(ctx)
		}
	}
}

// SweepLiveness checks every tracked session once. The heartbeat record
// outlives the agent connection: a container that crashed without a clean
// process.exited still times out here. Records for sessions that reached a
// terminal state are retired. Split from RunLiveness so tests can drive it
// with a fake clock.
func (g *Gateway) SweepLiveness(ctx context.Context) {
	deadline := time.Duration(missedIntervalsLimit) * g.cfg.HeartbeatInterval
	now := g.nowFunc()

	g.mu.Lock()
	stale := make(map[string]time.Duration)
	for id, last := range g.beats {
		if silent := now.Sub(last); silent >= deadline {
			stale[id] = silent
		}
	}
	g.mu.Unlock()

	for id, silent := range stale {
		sess, err := g.store.GetSession(ctx, id)
		if err != nil {
			g.logger.Warn("liveness lookup failed", "session", id, "err", err)
			g.dropBeat(id)
			continue
		}
		if sess.Status.Terminal() {
			g.dropBeat(id)
			continue
		}

		g.logger.Warn("agent declared dead", "session", id, "silent", silent)
		g.lifecycle.FailSession(ctx, id, protocol.PhaseLiveness,
			&protocol.LivenessError{SessionID: id, Missed: missedIntervalsLimit})
		g.dropBeat(id)

		if ch, ok := g.lookup(id); ok {
			ch.mu.Lock()
			agent := ch.agent
			ch.agent = nil
			ch.mu.Unlock()
			if agent != nil {
				_ = agent.Close()
			}
			g.reap(ch)
		}
	}
}
