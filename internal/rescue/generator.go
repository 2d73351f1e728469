package rescue

import (
	"context"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"

	"odyssey/internal/grid"
)

// Generator is the background producer that injects survivors at a
// bounded rate, feeding the matcher. It wakes after a uniformly random
// interval in [MinInterval, MaxInterval), places a survivor at a random
// in-bounds coordinate, and repeats until its context is cancelled.
type Generator struct {
	registry *SurvivorRegistry
	g        *grid.Grid
	log      hclog.Logger

	MinInterval time.Duration
	MaxInterval time.Duration

	rng *rand.Rand
}

// NewGenerator builds a generator over registry. minInterval/maxInterval
// bound the random sleep between survivors; both must be positive and
// min <= max.
func NewGenerator(registry *SurvivorRegistry, g *grid.Grid, log hclog.Logger, minInterval, maxInterval time.Duration) *Generator {
	return &Generator{
		registry:    registry,
		g:           g,
		log:         log.Named("survivor-generator"),
		MinInterval: minInterval,
		MaxInterval: maxInterval,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks, generating survivors until ctx is cancelled.
func (gen *Generator) Run(ctx context.Context) {
	gen.log.Info("survivor generator started", "min_interval", gen.MinInterval, "max_interval", gen.MaxInterval)
	for {
		select {
		case <-ctx.Done():
			gen.log.Info("survivor generator stopping")
			return
		case <-time.After(gen.nextDelay()):
			gen.spawn()
		}
	}
}

func (gen *Generator) nextDelay() time.Duration {
	span := gen.MaxInterval - gen.MinInterval
	if span <= 0 {
		return gen.MinInterval
	}
	return gen.MinInterval + time.Duration(gen.rng.Int63n(int64(span)))
}

func (gen *Generator) spawn() {
	coord := grid.Coord{
		X: gen.rng.Intn(gen.g.Width),
		Y: gen.rng.Intn(gen.g.Height),
	}
	id, err := gen.registry.Create(coord, time.Now())
	if err != nil {
		gen.log.Error("failed to create survivor", "coord", coord, "error", err)
		return
	}
	gen.log.Debug("survivor created", "id", id, "coord", coord)
}
