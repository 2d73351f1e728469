// Package heartbeat runs the periodic liveness and mission-expiry
// sweeps: every drone gets a HEARTBEAT on a fixed interval, drones that
// go quiet for three missed intervals are forced disconnected, and
// missions that blow past their expiry are released back to the
// survivor pool.
package heartbeat

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"odyssey/internal/protocol"
	"odyssey/internal/world"
)

// staleFactor is the number of missed heartbeat intervals after which a
// drone is considered dead.
const staleFactor = 3

// Timer owns the heartbeat ticker.
type Timer struct {
	world    *world.World
	log      hclog.Logger
	interval time.Duration
}

// New builds a Timer that ticks every interval.
func New(w *world.World, interval time.Duration, log hclog.Logger) *Timer {
	return &Timer{world: w, log: log.Named("heartbeat"), interval: interval}
}

// Run blocks, sweeping liveness and mission expiry every interval,
// until ctx is cancelled.
func (t *Timer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.log.Info("heartbeat timer started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			t.log.Info("heartbeat timer stopping")
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep performs one round: broadcast, stale-session eviction, mission
// expiry. Order matters: a session found stale this round is also
// connected, so broadcast runs first and the write simply lands on a
// connection that is about to be torn down — harmless, since Enqueue
// never blocks.
func (t *Timer) sweep() {
	now := time.Now()
	t.broadcast(now)
	t.evictStale(now)
	t.releaseExpired(now)
}

func (t *Timer) broadcast(now time.Time) {
	msg := protocol.Heartbeat{Type: "HEARTBEAT", Timestamp: now.Unix()}
	for _, sessionID := range t.world.Drones.AllConnected() {
		conn, err := t.world.Drones.Conn(sessionID)
		if err != nil {
			continue
		}
		conn.Enqueue(msg)
	}
}

// evictStale forces closed every connection whose last inbound traffic
// is older than staleFactor heartbeat intervals. Closing the socket is
// enough: the connection's own read loop observes the close and runs
// the ordinary disconnect path (mark DISCONNECTED, release any
// in-flight survivor), so this sweep does not duplicate that logic.
func (t *Timer) evictStale(now time.Time) {
	timeout := staleFactor * t.interval
	for _, sessionID := range t.world.Drones.StaleSessions(now, timeout) {
		conn, err := t.world.Drones.Conn(sessionID)
		if err != nil {
			continue
		}
		t.log.Warn("drone missed heartbeat deadline, disconnecting", "session_id", sessionID, "timeout", timeout)
		conn.Close()
	}
}

// releaseExpired reverts any drone still ON_MISSION past its expiry
// back to IDLE and returns the survivor it was chasing to WAITING.
// Mission expiry is a hard deadline, not advisory: a drone that never
// reports MISSION_COMPLETE in time loses the assignment.
func (t *Timer) releaseExpired(now time.Time) {
	for _, sessionID := range t.world.Drones.ExpiredMissions(now) {
		missionID, _, onMission := t.world.Drones.MissionOf(sessionID)
		if !onMission {
			continue
		}
		if err := t.world.Drones.MarkIdle(sessionID); err != nil {
			t.log.Warn("failed to idle drone with expired mission", "session_id", sessionID, "error", err)
			continue
		}
		if err := t.world.Survivors.Release(missionID); err != nil {
			t.log.Warn("failed to release survivor with expired mission", "mission_id", missionID, "error", err)
			continue
		}
		t.log.Info("mission expired, released survivor", "session_id", sessionID, "mission_id", missionID)
	}
}
