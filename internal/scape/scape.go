package scape

import (
	"context"
	"math/rand"

	"picobot/internal/program"
)

type Fitness float64

type Trace map[string]any

// Scape scores a rule program. Implementations must not retain prog or
// rng beyond the call; rng is owned by the caller's worker.
type Scape interface {
	Name() string
	Evaluate(ctx context.Context, prog *program.Program, rng *rand.Rand) (Fitness, Trace, error)
}
