// Package matcher implements the periodic pairing of WAITING survivors
// with IDLE drones.
package matcher

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"odyssey/internal/protocol"
	"odyssey/internal/world"
)

// TickInterval is the matcher's fixed sleep between match attempts.
const TickInterval = 100 * time.Millisecond

// Matcher runs the match loop over a World.
type Matcher struct {
	world      *world.World
	log        hclog.Logger
	missionTTL time.Duration
}

// New builds a Matcher. missionTTL is the horizon used for each
// ASSIGN_MISSION's expiry field.
func New(w *world.World, missionTTL time.Duration, log hclog.Logger) *Matcher {
	return &Matcher{world: w, log: log.Named("matcher"), missionTTL: missionTTL}
}

// Run blocks, matching survivors to drones every TickInterval, until
// ctx is cancelled.
func (m *Matcher) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	m.log.Info("matcher started", "tick_interval", TickInterval)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("matcher stopping")
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick performs at most one match attempt: peek the longest-waiting
// survivor, claim it, find the nearest idle drone, and dispatch.
func (m *Matcher) tick() {
	survivorID, ok := m.world.Survivors.PeekWaiting()
	if !ok {
		return
	}

	if err := m.world.Survivors.Claim(survivorID); err != nil {
		// Lost a race with another claimant (or another tick, in a
		// future multi-matcher deployment): abandon this tick.
		m.log.Debug("claim lost the race, abandoning tick", "survivor_id", survivorID, "error", err)
		return
	}

	coord, err := m.world.Survivors.Coord(survivorID)
	if err != nil {
		m.log.Warn("claimed survivor vanished before coord lookup", "survivor_id", survivorID, "error", err)
		return
	}

	sessionID, ok := m.world.Drones.FindClosestIdle(coord)
	if !ok {
		if relErr := m.world.Survivors.Release(survivorID); relErr != nil {
			m.log.Warn("failed to release unmatched survivor", "survivor_id", survivorID, "error", relErr)
		}
		return
	}

	expiry := time.Now().Add(m.missionTTL)
	if err := m.world.Drones.MarkOnMission(sessionID, coord, survivorID, expiry); err != nil {
		// The drone vanished between FindClosestIdle and here (e.g. it
		// disconnected this instant): put the survivor back to WAITING
		// and let the next tick retry against a different drone.
		m.log.Warn("drone vanished before mission assignment", "session_id", sessionID, "error", err)
		if relErr := m.world.Survivors.Release(survivorID); relErr != nil {
			m.log.Warn("failed to release survivor after lost drone", "survivor_id", survivorID, "error", relErr)
		}
		return
	}

	conn, err := m.world.Drones.Conn(sessionID)
	if err != nil {
		m.log.Warn("no connection handle for matched drone", "session_id", sessionID, "error", err)
		return
	}
	conn.Enqueue(protocol.NewAssignMission(survivorID, protocol.Target{X: coord.X, Y: coord.Y}, expiry))
	m.log.Info("assigned mission", "survivor_id", survivorID, "session_id", sessionID, "target", coord)
}
