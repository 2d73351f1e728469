// Package world defines the single aggregate value holding the grid and
// the survivor/drone registries. Every subsystem takes a *World rather
// than reaching into package-level state.
package world

import (
	"github.com/hashicorp/go-hclog"

	"odyssey/internal/grid"
	"odyssey/internal/rescue"
)

// World aggregates the grid and the two registries that sit on top of
// it. It owns no goroutines of its own; subsystems (generator, matcher,
// heartbeat, protocol handler) are constructed around a World and run
// independently.
type World struct {
	Grid      *grid.Grid
	Survivors *rescue.SurvivorRegistry
	Drones    *rescue.DroneRegistry
}

// New builds a World over a width x height grid and a drone registry
// admitting at most maxDrones connected drones (0 = unbounded).
func New(width, height, maxDrones int, log hclog.Logger) (*World, error) {
	g, err := grid.New(width, height)
	if err != nil {
		return nil, err
	}
	w := &World{
		Grid:      g,
		Survivors: rescue.NewSurvivorRegistry(g),
		Drones:    rescue.NewDroneRegistry(maxDrones),
	}
	log.Info("world initialized", "width", width, "height", height, "max_drones", maxDrones)
	return w, nil
}

// Snapshot is the read-only view handed to the visualizer: by-value
// copies of every active survivor and every connected drone.
type Snapshot struct {
	Survivors []rescue.SurvivorView `json:"survivors"`
	Drones    []rescue.DroneView   `json:"drones"`
}

// Snapshot takes a consistent-enough read across both registries for
// visualization. Each registry's own Snapshot is internally consistent;
// the two are deliberately not read under a single combined lock, so
// registry locks are never nested across registries on this read path.
func (w *World) Snapshot() Snapshot {
	return Snapshot{
		Survivors: w.Survivors.Snapshot(),
		Drones:    w.Drones.Snapshot(),
	}
}
