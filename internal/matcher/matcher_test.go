package matcher

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"odyssey/internal/grid"
	"odyssey/internal/rescue"
	"odyssey/internal/world"
)

type recordingConn struct {
	sent []any
}

func (r *recordingConn) Enqueue(v any) { r.sent = append(r.sent, v) }
func (r *recordingConn) Close()        {}

func newTestWorld(t *testing.T) *world.World {
	t.Helper()
	w, err := world.New(10, 10, 0, hclog.NewNullLogger())
	require.NoError(t, err)
	return w
}

func TestTickAssignsClosestDrone(t *testing.T) {
	w := newTestWorld(t)
	near := &recordingConn{}
	far := &recordingConn{}
	_, err := w.Drones.Register("near", "D1", grid.Coord{0, 0}, near)
	require.NoError(t, err)
	_, err = w.Drones.Register("far", "D2", grid.Coord{9, 0}, far)
	require.NoError(t, err)

	survID, err := w.Survivors.Create(grid.Coord{1, 0}, time.Now())
	require.NoError(t, err)

	m := New(w, time.Hour, hclog.NewNullLogger())
	m.tick()

	require.Len(t, near.sent, 1, "closest drone should receive the assignment")
	require.Empty(t, far.sent)

	snap := w.Drones.Snapshot()
	for _, d := range snap {
		if d.ID == "D1" {
			require.Equal(t, rescue.OnMission, d.Status)
			require.Equal(t, grid.Coord{1, 0}, d.Target)
		}
	}

	waiting, ok := w.Survivors.PeekWaiting()
	require.False(t, ok, "matched survivor should no longer be waiting")
	_ = survID
	_ = waiting
}

func TestTickReleasesWhenNoIdleDrone(t *testing.T) {
	w := newTestWorld(t)
	survID, err := w.Survivors.Create(grid.Coord{2, 2}, time.Now())
	require.NoError(t, err)

	m := New(w, time.Hour, hclog.NewNullLogger())
	m.tick()

	waiting, ok := w.Survivors.PeekWaiting()
	require.True(t, ok)
	require.Equal(t, survID, waiting, "survivor must return to WAITING when no drone is available")
}

func TestTickIsNoopOnEmptyRegistry(t *testing.T) {
	w := newTestWorld(t)
	m := New(w, time.Hour, hclog.NewNullLogger())
	require.NotPanics(t, func() { m.tick() })
}

func TestTieBreakAcrossManyEquidistantDrones(t *testing.T) {
	w := newTestWorld(t)
	ids := []string{"D5", "D3", "D4", "D1", "D2"}
	for _, id := range ids {
		_, err := w.Drones.Register(id, id, grid.Coord{5, 5}, &recordingConn{})
		require.NoError(t, err)
	}

	survID, err := w.Survivors.Create(grid.Coord{0, 0}, time.Now())
	require.NoError(t, err)
	_ = survID

	m := New(w, time.Hour, hclog.NewNullLogger())
	m.tick()

	snap := w.Drones.Snapshot()
	for _, d := range snap {
		if d.Status == rescue.OnMission {
			require.Equal(t, "D1", d.ID, "lowest id must win an all-tied match")
		}
	}
}
