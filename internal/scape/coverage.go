package scape

import (
	"context"
	"fmt"
	"math/rand"

	"picobot/internal/program"
)

const CoverageScapeName = "coverage"

type CoverageConfig struct {
	Height      int               `json:"height" yaml:"height"`
	Width       int               `json:"width" yaml:"width"`
	Trials      int               `json:"trials" yaml:"trials"`
	Steps       int               `json:"steps" yaml:"steps"`
	MaxObstacle int               `json:"max_obstacle" yaml:"max_obstacle"`
	MarkerCap   int               `json:"marker_cap" yaml:"marker_cap"`
	Placement   ObstaclePlacement `json:"placement" yaml:"placement"`
}

func DefaultCoverageConfig() CoverageConfig {
	return CoverageConfig{
		Height:      25,
		Width:       25,
		Trials:      50,
		Steps:       1000,
		MaxObstacle: 5,
		MarkerCap:   DefaultMarkerCap,
		Placement:   PlacementCoupled,
	}
}

func (c CoverageConfig) Validate() error {
	if c.Trials <= 0 {
		return fmt.Errorf("trials must be > 0")
	}
	if c.Steps <= 0 {
		return fmt.Errorf("steps must be > 0")
	}
	if c.MaxObstacle < 0 {
		return fmt.Errorf("max obstacle must be >= 0")
	}
	if _, err := ParseObstaclePlacement(string(c.Placement)); err != nil {
		return err
	}
	if err := c.worldConfig().Validate(); err != nil {
		return err
	}
	if c.Placement != PlacementNone && c.MaxObstacle > 0 {
		if c.Height < c.MaxObstacle+2 || c.Width < c.MaxObstacle+2 {
			return fmt.Errorf("grid %dx%d too small for obstacles up to %d: need at least %dx%d",
				c.Height, c.Width, c.MaxObstacle, c.MaxObstacle+2, c.MaxObstacle+2)
		}
	}
	return nil
}

func (c CoverageConfig) worldConfig() WorldConfig {
	return WorldConfig{
		Height:    c.Height,
		Width:     c.Width,
		StartRow:  DefaultStartRow,
		StartCol:  DefaultStartCol,
		MarkerCap: c.MarkerCap,
	}
}

// CoverageScape scores a program by the mean fraction of the room it marks
// over independent trials, each with a freshly drawn obstacle.
type CoverageScape struct {
	Config CoverageConfig
}

func NewCoverageScape(cfg CoverageConfig) (*CoverageScape, error) {
	if cfg.Placement == "" {
		cfg.Placement = PlacementCoupled
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CoverageScape{Config: cfg}, nil
}

func (*CoverageScape) Name() string {
	return CoverageScapeName
}

type TrialResult struct {
	Fraction    float64  `json:"fraction"`
	Drops       int      `json:"drops"`
	OverDropped bool     `json:"over_dropped"`
	Trapped     int      `json:"trapped"`
	Obstacle    Obstacle `json:"obstacle"`
}

func (s *CoverageScape) Evaluate(ctx context.Context, prog *program.Program, rng *rand.Rand) (Fitness, Trace, error) {
	trials, err := s.EvaluateTrials(ctx, prog, rng)
	if err != nil {
		return 0, nil, err
	}

	sum := 0.0
	drops := 0
	overDropped := 0
	trapped := 0
	best, worst := trials[0].Fraction, trials[0].Fraction
	for _, trial := range trials {
		sum += trial.Fraction
		drops += trial.Drops
		trapped += trial.Trapped
		if trial.OverDropped {
			overDropped++
		}
		if trial.Fraction > best {
			best = trial.Fraction
		}
		if trial.Fraction < worst {
			worst = trial.Fraction
		}
	}
	n := float64(len(trials))
	return Fitness(sum / n), Trace{
		"mean_drops":          float64(drops) / n,
		"over_dropped_trials": overDropped,
		"trapped_steps":       trapped,
		"best_trial":          best,
		"worst_trial":         worst,
	}, nil
}

// EvaluateTrials runs every trial and reports each one separately.
func (s *CoverageScape) EvaluateTrials(ctx context.Context, prog *program.Program, rng *rand.Rand) ([]TrialResult, error) {
	if prog == nil {
		return nil, fmt.Errorf("rule program is required")
	}
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	results := make([]TrialResult, 0, s.Config.Trials)
	for i := 0; i < s.Config.Trials; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		world, obstacle, err := s.NewTrialWorld(rng, prog)
		if err != nil {
			return nil, err
		}
		if err := world.Run(ctx, s.Config.Steps); err != nil {
			return nil, fmt.Errorf("trial %d: %w", i, err)
		}
		results = append(results, TrialResult{
			Fraction:    world.FractionVisited(),
			Drops:       world.Drops(),
			OverDropped: world.OverDropped(),
			Trapped:     world.Trapped(),
			Obstacle:    obstacle,
		})
	}
	return results, nil
}

// NewTrialWorld builds a fresh room with the agent at (1,1) and one random
// obstacle drawn from rng.
func (s *CoverageScape) NewTrialWorld(rng *rand.Rand, prog *program.Program) (*World, Obstacle, error) {
	world, err := NewWorld(s.Config.worldConfig(), prog)
	if err != nil {
		return nil, Obstacle{}, err
	}
	obstacle, err := RandomObstacle(rng, s.Config.Placement, s.Config.Height, s.Config.Width, s.Config.MaxObstacle)
	if err != nil {
		return nil, Obstacle{}, err
	}
	world.AddObstacle(obstacle)
	return world, obstacle, nil
}
