package evo

import (
	"fmt"
	"math/rand"
)

// Selector chooses one parent from the elite set. Elites are sorted by
// ascending fitness.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, elite []ScoredProgram) (ScoredProgram, error)
}

// EliteSelector picks uniformly from the elite set, with replacement.
type EliteSelector struct{}

func (EliteSelector) Name() string {
	return "elite"
}

func (EliteSelector) PickParent(rng *rand.Rand, elite []ScoredProgram) (ScoredProgram, error) {
	if rng == nil {
		return ScoredProgram{}, fmt.Errorf("random source is required")
	}
	if len(elite) == 0 {
		return ScoredProgram{}, fmt.Errorf("elite set is empty")
	}
	return elite[rng.Intn(len(elite))], nil
}

// TournamentSelector samples TournamentSize elites and keeps the fittest.
type TournamentSelector struct {
	TournamentSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParent(rng *rand.Rand, elite []ScoredProgram) (ScoredProgram, error) {
	if rng == nil {
		return ScoredProgram{}, fmt.Errorf("random source is required")
	}
	if len(elite) == 0 {
		return ScoredProgram{}, fmt.Errorf("elite set is empty")
	}

	tournamentSize := s.TournamentSize
	if tournamentSize <= 0 {
		tournamentSize = 3
	}

	best := elite[rng.Intn(len(elite))]
	for i := 1; i < tournamentSize; i++ {
		candidate := elite[rng.Intn(len(elite))]
		if candidate.Fitness > best.Fitness {
			best = candidate
		}
	}
	return best, nil
}

func SelectorFromName(name string) (Selector, error) {
	switch name {
	case "", "elite":
		return EliteSelector{}, nil
	case "tournament":
		return TournamentSelector{}, nil
	default:
		return nil, fmt.Errorf("unsupported selection strategy: %s", name)
	}
}
