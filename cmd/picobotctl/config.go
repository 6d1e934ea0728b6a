package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"picobot/internal/evo"
	"picobot/internal/scape"
	"picobot/pkg/picobot"
)

// runConfig is the YAML layout accepted by `run --config`. Fields absent
// from the file keep their defaults.
type runConfig struct {
	RunID         string               `yaml:"run_id"`
	ContinueRunID string               `yaml:"continue_run_id"`
	Selection     string               `yaml:"selection"`
	Evolution     evo.Params           `yaml:"evolution"`
	Grid          scape.CoverageConfig `yaml:"grid"`
}

func defaultRunConfig() runConfig {
	return runConfig{
		Selection: "elite",
		Evolution: evo.DefaultParams(),
		Grid:      scape.DefaultCoverageConfig(),
	}
}

func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return runConfig{}, fmt.Errorf("load config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return runConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// overrideFromFlags applies the flags the user set explicitly on top of
// the loaded config.
func overrideFromFlags(cfg *runConfig, set map[string]bool, flagValue map[string]any) {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "run-id":
			cfg.RunID = v.(string)
		case "continue":
			cfg.ContinueRunID = v.(string)
		case "selection":
			cfg.Selection = v.(string)
		case "pop":
			cfg.Evolution.PopulationSize = v.(int)
		case "gens":
			cfg.Evolution.Generations = v.(int)
		case "states":
			cfg.Evolution.NumStates = v.(int)
		case "survival":
			cfg.Evolution.SurvivalFraction = v.(float64)
		case "mutation":
			cfg.Evolution.MutationProbability = v.(float64)
		case "workers":
			cfg.Evolution.Workers = v.(int)
		case "seed":
			cfg.Evolution.Seed = v.(int64)
		case "height":
			cfg.Grid.Height = v.(int)
		case "width":
			cfg.Grid.Width = v.(int)
		case "trials":
			cfg.Grid.Trials = v.(int)
		case "steps":
			cfg.Grid.Steps = v.(int)
		case "max-obstacle":
			cfg.Grid.MaxObstacle = v.(int)
		case "marker-cap":
			cfg.Grid.MarkerCap = v.(int)
		case "placement":
			cfg.Grid.Placement = scape.ObstaclePlacement(v.(string))
		}
	}
}

func (cfg runConfig) validate() error {
	if err := cfg.Evolution.Validate(); err != nil {
		return err
	}
	if _, err := scape.NewCoverageScape(cfg.Grid); err != nil {
		return err
	}
	_, err := evo.SelectorFromName(cfg.Selection)
	return err
}

func (cfg runConfig) runRequest() picobot.RunRequest {
	return picobot.RunRequest{
		RunID:               cfg.RunID,
		ContinueRunID:       cfg.ContinueRunID,
		Population:          cfg.Evolution.PopulationSize,
		Generations:         cfg.Evolution.Generations,
		States:              cfg.Evolution.NumStates,
		SurvivalFraction:    cfg.Evolution.SurvivalFraction,
		MutationProbability: cfg.Evolution.MutationProbability,
		Workers:             cfg.Evolution.Workers,
		Seed:                cfg.Evolution.Seed,
		Selection:           cfg.Selection,
		Grid:                gridOf(cfg.Grid),
	}
}

// gridOf maps a coverage config onto the client's grid. The client reads a
// zero obstacle size as the default, so an obstacle-free room is passed
// as placement "none".
func gridOf(cfg scape.CoverageConfig) picobot.Grid {
	if cfg.MaxObstacle == 0 {
		cfg.Placement = scape.PlacementNone
	}
	return picobot.Grid{
		Height:      cfg.Height,
		Width:       cfg.Width,
		Trials:      cfg.Trials,
		Steps:       cfg.Steps,
		MaxObstacle: cfg.MaxObstacle,
		MarkerCap:   cfg.MarkerCap,
		Placement:   string(cfg.Placement),
	}
}
