package evo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"testing"

	"picobot/internal/program"
	"picobot/internal/scape"
)

// southScape scores the fraction of rules that move south.
type southScape struct {
	calls atomic.Int64
}

func (*southScape) Name() string { return "south" }

func (s *southScape) Evaluate(ctx context.Context, p *program.Program, _ *rand.Rand) (scape.Fitness, scape.Trace, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	s.calls.Add(1)
	south := 0
	p.Each(func(_ program.Condition, a program.Action) {
		if a.Move == program.South {
			south++
		}
	})
	return scape.Fitness(float64(south) / float64(p.Size())), scape.Trace{"south": south}, nil
}

type failingScape struct{}

func (failingScape) Name() string { return "failing" }

func (failingScape) Evaluate(context.Context, *program.Program, *rand.Rand) (scape.Fitness, scape.Trace, error) {
	return 0, nil, errors.New("forced failure")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func smallParams() Params {
	return Params{
		PopulationSize:      20,
		Generations:         6,
		NumStates:           2,
		SurvivalFraction:    0.2,
		MutationProbability: 0.3,
		Workers:             4,
		Seed:                7,
	}
}

func TestNewPopulationMonitorRejectsInvalidConfig(t *testing.T) {
	if _, err := NewPopulationMonitor(MonitorConfig{Params: smallParams()}); err == nil {
		t.Fatal("expected error without scape")
	}
	params := smallParams()
	params.SurvivalFraction = 0.01
	_, err := NewPopulationMonitor(MonitorConfig{Params: params, Scape: &southScape{}})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestRunKeepsPopulationSizeAndImprovesMonotonically(t *testing.T) {
	s := &southScape{}
	var hooked []GenerationStats
	monitor, err := NewPopulationMonitor(MonitorConfig{
		Params:       smallParams(),
		Scape:        s,
		Logger:       quietLogger(),
		OnGeneration: func(stats GenerationStats) { hooked = append(hooked, stats) },
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	result, err := monitor.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	params := smallParams()
	if len(result.History) != params.Generations || len(hooked) != params.Generations {
		t.Fatalf("expected %d history entries, got %d (hook %d)", params.Generations, len(result.History), len(hooked))
	}
	if len(result.Population) != params.PopulationSize {
		t.Fatalf("population size drifted: %d", len(result.Population))
	}
	if len(result.Elite) != params.EliteCount() {
		t.Fatalf("expected %d elites, got %d", params.EliteCount(), len(result.Elite))
	}
	for i := 1; i < len(result.History); i++ {
		if result.History[i].BestFitness < result.History[i-1].BestFitness {
			t.Fatalf("best fitness regressed at generation %d: %+v", i+1, result.History)
		}
	}
	for _, stats := range result.History {
		if stats.MinFitness > stats.MeanFitness || stats.MeanFitness > stats.BestFitness {
			t.Fatalf("inconsistent stats: %+v", stats)
		}
	}
	if result.Best.Fitness != result.History[len(result.History)-1].BestFitness {
		t.Fatalf("best program %f does not match final best %f", result.Best.Fitness, result.History[len(result.History)-1].BestFitness)
	}

	// Elites are carried forward with their scores, not re-evaluated.
	offspring := params.PopulationSize - params.EliteCount()
	want := int64(params.PopulationSize + (params.Generations-1)*offspring)
	if got := s.calls.Load(); got != want {
		t.Fatalf("expected %d evaluations, got %d", want, got)
	}
}

func TestSummarizeGenerationKeepsMeanWithinRange(t *testing.T) {
	// Ten additions of 0.1 sum to just under 1.
	population := make([]ScoredProgram, 10)
	for i := range population {
		population[i].Fitness = 0.1
	}
	stats := summarizeGeneration(population, 3)
	if stats.Generation != 3 || stats.MinFitness != 0.1 || stats.BestFitness != 0.1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.MeanFitness != 0.1 {
		t.Fatalf("mean of equal scores should equal them, got %v", stats.MeanFitness)
	}
}

func TestRunCarriesElitesUnchanged(t *testing.T) {
	params := smallParams()
	params.Generations = 2
	params.MutationProbability = 1
	monitor, err := NewPopulationMonitor(MonitorConfig{Params: params, Scape: &southScape{}, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	rng := rand.New(rand.NewSource(3))
	initial, err := RandomPopulation(rng, params.PopulationSize, params.NumStates)
	if err != nil {
		t.Fatalf("random population: %v", err)
	}
	originals := make(map[string]*program.Program, len(initial))
	for i, p := range initial {
		originals[seedID(i)] = p.Clone()
	}

	result, err := monitor.Run(context.Background(), initial)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	carried := 0
	for _, item := range result.Population {
		original, ok := originals[item.ID]
		if !ok {
			continue
		}
		carried++
		if !item.Program.Equal(original) {
			t.Fatalf("elite %s was modified", item.ID)
		}
	}
	if carried < params.EliteCount() {
		t.Fatalf("expected at least %d carried elites, got %d", params.EliteCount(), carried)
	}

	ops := map[string]int{}
	for _, record := range result.Lineage {
		ops[record.Operation]++
	}
	if ops[OpSeed] != params.PopulationSize || ops[OpElite] != params.EliteCount() {
		t.Fatalf("unexpected lineage ops: %+v", ops)
	}
	if ops[OpCrossoverMutate] != params.PopulationSize-params.EliteCount() {
		t.Fatalf("mutation probability 1 should mutate every child: %+v", ops)
	}
}

func TestRunIsReproducibleAcrossWorkerCounts(t *testing.T) {
	cfg := scape.DefaultCoverageConfig()
	cfg.Height, cfg.Width = 10, 10
	cfg.MaxObstacle = 3
	cfg.Trials = 3
	cfg.Steps = 120
	coverage, err := scape.NewCoverageScape(cfg)
	if err != nil {
		t.Fatalf("new coverage scape: %v", err)
	}

	run := func(workers int) RunResult {
		params := smallParams()
		params.Generations = 3
		params.Workers = workers
		monitor, err := NewPopulationMonitor(MonitorConfig{Params: params, Scape: coverage, Logger: quietLogger()})
		if err != nil {
			t.Fatalf("new monitor: %v", err)
		}
		result, err := monitor.Run(context.Background(), nil)
		if err != nil {
			t.Fatalf("run with %d workers: %v", workers, err)
		}
		return result
	}

	serial := run(1)
	parallel := run(8)
	for i := range serial.History {
		if serial.History[i] != parallel.History[i] {
			t.Fatalf("generation %d differs: %+v vs %+v", i+1, serial.History[i], parallel.History[i])
		}
	}
	if !serial.Best.Program.Equal(parallel.Best.Program) {
		t.Fatal("best programs differ between worker counts")
	}
}

func TestRunReturnsPartialResultOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor, err := NewPopulationMonitor(MonitorConfig{
		Params: smallParams(),
		Scape:  &southScape{},
		Logger: quietLogger(),
		OnGeneration: func(stats GenerationStats) {
			if stats.Generation == 2 {
				cancel()
			}
		},
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	result, err := monitor.Run(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(result.History) != 2 {
		t.Fatalf("expected two completed generations, got %d", len(result.History))
	}
	if result.Best.Program == nil {
		t.Fatal("expected best program from the last completed generation")
	}
}

func TestRunPropagatesEvaluationError(t *testing.T) {
	monitor, err := NewPopulationMonitor(MonitorConfig{Params: smallParams(), Scape: failingScape{}, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	if _, err := monitor.Run(context.Background(), nil); err == nil {
		t.Fatal("expected evaluation error")
	}
}

func TestRunRejectsMismatchedInitialPopulation(t *testing.T) {
	params := smallParams()
	monitor, err := NewPopulationMonitor(MonitorConfig{Params: params, Scape: &southScape{}, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	rng := rand.New(rand.NewSource(1))

	short, _ := RandomPopulation(rng, params.PopulationSize-1, params.NumStates)
	if _, err := monitor.Run(context.Background(), short); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected size mismatch, got %v", err)
	}

	wrongStates, _ := RandomPopulation(rng, params.PopulationSize, params.NumStates+1)
	if _, err := monitor.Run(context.Background(), wrongStates); !errors.Is(err, program.ErrStateMismatch) {
		t.Fatalf("expected state mismatch, got %v", err)
	}

	incomplete, _ := RandomPopulation(rng, params.PopulationSize, params.NumStates)
	incomplete[3], _ = program.New(params.NumStates)
	if _, err := monitor.Run(context.Background(), incomplete); !errors.Is(err, program.ErrIncompleteProgram) {
		t.Fatalf("expected incomplete program error, got %v", err)
	}
}

func seedID(i int) string {
	return fmt.Sprintf("seed-%d", i)
}
