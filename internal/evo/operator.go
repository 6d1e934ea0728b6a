package evo

import (
	"math/rand"

	"picobot/internal/program"
)

// Operator modifies a freshly bred child in place.
type Operator interface {
	Name() string
	Apply(rng *rand.Rand, p *program.Program) error
}

// PointMutation replaces the action of one random rule.
type PointMutation struct{}

func (PointMutation) Name() string {
	return "mutate"
}

func (PointMutation) Apply(rng *rand.Rand, p *program.Program) error {
	_, err := p.Mutate(rng)
	return err
}
