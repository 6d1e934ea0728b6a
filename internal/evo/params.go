package evo

import (
	"errors"
	"fmt"
	"runtime"

	"picobot/internal/program"
)

var ErrInvalidParams = errors.New("invalid evolution parameters")

// Params configures a generational run. It is read-only once handed to
// NewPopulationMonitor.
type Params struct {
	PopulationSize      int     `json:"population_size" yaml:"population_size"`
	Generations         int     `json:"generations" yaml:"generations"`
	NumStates           int     `json:"num_states" yaml:"num_states"`
	SurvivalFraction    float64 `json:"survival_fraction" yaml:"survival_fraction"`
	MutationProbability float64 `json:"mutation_probability" yaml:"mutation_probability"`
	Workers             int     `json:"workers" yaml:"workers"`
	Seed                int64   `json:"seed" yaml:"seed"`
}

func DefaultParams() Params {
	return Params{
		PopulationSize:      200,
		Generations:         20,
		NumStates:           5,
		SurvivalFraction:    0.1,
		MutationProbability: 0.3,
		Workers:             runtime.GOMAXPROCS(0),
		Seed:                1,
	}
}

// EliteCount is floor(PopulationSize * SurvivalFraction).
func (p Params) EliteCount() int {
	return int(float64(p.PopulationSize) * p.SurvivalFraction)
}

func (p Params) Validate() error {
	if p.PopulationSize <= 0 {
		return fmt.Errorf("%w: population size must be > 0", ErrInvalidParams)
	}
	if p.Generations <= 0 {
		return fmt.Errorf("%w: generations must be > 0", ErrInvalidParams)
	}
	if p.NumStates <= 0 || p.NumStates > program.MaxStates {
		return fmt.Errorf("%w: state count must be in [1,%d], got %d", ErrInvalidParams, program.MaxStates, p.NumStates)
	}
	if p.SurvivalFraction < 0 || p.SurvivalFraction > 1 {
		return fmt.Errorf("%w: survival fraction must be in [0,1], got %v", ErrInvalidParams, p.SurvivalFraction)
	}
	if p.MutationProbability < 0 || p.MutationProbability > 1 {
		return fmt.Errorf("%w: mutation probability must be in [0,1], got %v", ErrInvalidParams, p.MutationProbability)
	}
	if p.EliteCount() < 1 {
		return fmt.Errorf("%w: survival fraction %v keeps no parents from a population of %d", ErrInvalidParams, p.SurvivalFraction, p.PopulationSize)
	}
	if p.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0", ErrInvalidParams)
	}
	return nil
}
