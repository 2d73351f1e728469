package rescue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odyssey/internal/grid"
)

func newTestRegistry(t *testing.T) (*SurvivorRegistry, *grid.Grid) {
	t.Helper()
	g, err := grid.New(10, 10)
	require.NoError(t, err)
	return NewSurvivorRegistry(g), g
}

func TestCreateClaimComplete(t *testing.T) {
	r, g := newTestRegistry(t)

	id, err := r.Create(grid.Coord{3, 4}, time.Now())
	require.NoError(t, err)
	assert.Regexp(t, `^SURV-\d{4}$`, id)

	ids, err := g.Cell(grid.Coord{3, 4})
	require.NoError(t, err)
	assert.Contains(t, ids, id)

	waiting, ok := r.PeekWaiting()
	require.True(t, ok)
	assert.Equal(t, id, waiting)

	require.NoError(t, r.Claim(id))
	_, ok = r.PeekWaiting()
	assert.False(t, ok, "no survivors should remain waiting")

	require.NoError(t, r.Complete(id, time.Now()))

	ids, err = g.Cell(grid.Coord{3, 4})
	require.NoError(t, err)
	assert.NotContains(t, ids, id, "completed survivor must leave the cell index")

	historic := r.Historic()
	require.Len(t, historic, 1)
	assert.Equal(t, id, historic[0].ID)
	assert.Equal(t, grid.Coord{3, 4}, historic[0].Coord)
	assert.Equal(t, Helped, historic[0].Status)
}

func TestClaimRejectsDoubleClaim(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, err := r.Create(grid.Coord{0, 0}, time.Now())
	require.NoError(t, err)

	require.NoError(t, r.Claim(id))
	require.ErrorIs(t, r.Claim(id), ErrNotWaiting)
}

func TestClaimUnknownID(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.ErrorIs(t, r.Claim("SURV-9999"), ErrNotFound)
}

func TestReleaseReturnsToWaitingFIFOOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	first, err := r.Create(grid.Coord{1, 1}, time.Now())
	require.NoError(t, err)
	second, err := r.Create(grid.Coord{2, 2}, time.Now())
	require.NoError(t, err)

	require.NoError(t, r.Claim(first))
	require.NoError(t, r.Release(first))

	// Released survivor rejoins the back of the FIFO.
	waiting, ok := r.PeekWaiting()
	require.True(t, ok)
	assert.Equal(t, second, waiting)
}

func TestDuplicateCompleteHasNoAdditionalEffect(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, err := r.Create(grid.Coord{0, 0}, time.Now())
	require.NoError(t, err)
	require.NoError(t, r.Claim(id))
	require.NoError(t, r.Complete(id, time.Now()))

	// A duplicated MISSION_COMPLETE has no additional effect: the
	// survivor is already gone from the active registry.
	err = r.Complete(id, time.Now())
	require.ErrorIs(t, err, ErrNotFound)

	historic := r.Historic()
	require.Len(t, historic, 1, "duplicate completion must not double-append")
}

func TestCompleteWrongState(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, err := r.Create(grid.Coord{0, 0}, time.Now())
	require.NoError(t, err)
	// Never claimed: still WAITING.
	require.ErrorIs(t, r.Complete(id, time.Now()), ErrWrongState)
}

func TestCreateOutOfBounds(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Create(grid.Coord{100, 100}, time.Now())
	require.ErrorIs(t, err, grid.ErrOutOfBounds)
}

func TestPeekWaitingOnEmptyRegistry(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, ok := r.PeekWaiting()
	assert.False(t, ok)
}
