package evo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"picobot/internal/program"
	"picobot/internal/scape"
)

type ScoredProgram struct {
	ID      string
	Program *program.Program
	Fitness float64
	Trace   scape.Trace

	scored bool
}

type GenerationStats struct {
	Generation  int     `json:"generation"`
	MeanFitness float64 `json:"mean_fitness"`
	BestFitness float64 `json:"best_fitness"`
	MinFitness  float64 `json:"min_fitness"`
}

type LineageRecord struct {
	ProgramID  string   `json:"program_id"`
	ParentIDs  []string `json:"parent_ids,omitempty"`
	Generation int      `json:"generation"`
	Operation  string   `json:"operation"`
}

const (
	OpSeed            = "seed"
	OpElite           = "elite"
	OpCrossover       = "crossover"
	OpCrossoverMutate = "crossover+mutate"
)

// RunResult holds everything a run produced up to its last completed
// generation. Elite is sorted ascending, so the best program is last.
type RunResult struct {
	History    []GenerationStats
	Best       ScoredProgram
	Elite      []ScoredProgram
	Population []ScoredProgram
	Lineage    []LineageRecord
}

type MonitorConfig struct {
	Params   Params
	Scape    scape.Scape
	Selector Selector
	Mutation Operator
	Logger   *slog.Logger

	// OnGeneration is called after each generation is scored, from the
	// goroutine running Run.
	OnGeneration func(GenerationStats)
}

type PopulationMonitor struct {
	cfg    MonitorConfig
	rng    *rand.Rand
	logger *slog.Logger
}

func NewPopulationMonitor(cfg MonitorConfig) (*PopulationMonitor, error) {
	if cfg.Scape == nil {
		return nil, fmt.Errorf("scape is required")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Params.Workers == 0 {
		cfg.Params.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Selector == nil {
		cfg.Selector = EliteSelector{}
	}
	if cfg.Mutation == nil {
		cfg.Mutation = PointMutation{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &PopulationMonitor{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Params.Seed)),
		logger: logger.With("scape", cfg.Scape.Name()),
	}, nil
}

// RandomPopulation draws size complete random programs.
func RandomPopulation(rng *rand.Rand, size, numStates int) ([]*program.Program, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: population size must be > 0", ErrInvalidParams)
	}
	population := make([]*program.Program, 0, size)
	for i := 0; i < size; i++ {
		p, err := program.Random(rng, numStates)
		if err != nil {
			return nil, err
		}
		population = append(population, p)
	}
	return population, nil
}

// Run evolves initial for Params.Generations generations. A nil initial
// population is drawn at random from the monitor's seeded source. On
// cancellation the result of the last completed generation is returned
// together with the context error.
func (m *PopulationMonitor) Run(ctx context.Context, initial []*program.Program) (RunResult, error) {
	params := m.cfg.Params
	if initial == nil {
		var err error
		initial, err = RandomPopulation(m.rng, params.PopulationSize, params.NumStates)
		if err != nil {
			return RunResult{}, err
		}
	}
	if len(initial) != params.PopulationSize {
		return RunResult{}, fmt.Errorf("%w: initial population mismatch: got=%d want=%d", ErrInvalidParams, len(initial), params.PopulationSize)
	}

	population := make([]ScoredProgram, 0, len(initial))
	lineage := make([]LineageRecord, 0, len(initial)*(params.Generations+1))
	for i, p := range initial {
		if p == nil {
			return RunResult{}, fmt.Errorf("%w: initial program %d is nil", ErrInvalidParams, i)
		}
		if p.NumStates() != params.NumStates {
			return RunResult{}, fmt.Errorf("initial program %d: %w: got=%d want=%d", i, program.ErrStateMismatch, p.NumStates(), params.NumStates)
		}
		if err := p.Validate(); err != nil {
			return RunResult{}, fmt.Errorf("initial program %d: %w", i, err)
		}
		id := fmt.Sprintf("seed-%d", i)
		population = append(population, ScoredProgram{ID: id, Program: p.Clone()})
		lineage = append(lineage, LineageRecord{ProgramID: id, Generation: 0, Operation: OpSeed})
	}

	var result RunResult
	history := make([]GenerationStats, 0, params.Generations)
	eliteCount := params.EliteCount()

	for gen := 1; gen <= params.Generations; gen++ {
		if err := m.evaluatePopulation(ctx, population); err != nil {
			return result, err
		}

		stats := summarizeGeneration(population, gen)
		history = append(history, stats)

		sort.SliceStable(population, func(i, j int) bool {
			return population[i].Fitness < population[j].Fitness
		})
		elite := append([]ScoredProgram(nil), population[len(population)-eliteCount:]...)

		result = RunResult{
			History:    append([]GenerationStats(nil), history...),
			Best:       elite[len(elite)-1],
			Elite:      elite,
			Population: append([]ScoredProgram(nil), population...),
			Lineage:    append([]LineageRecord(nil), lineage...),
		}

		m.logger.Info("generation complete",
			"generation", gen,
			"mean", stats.MeanFitness,
			"best", stats.BestFitness,
			"min", stats.MinFitness,
		)
		if m.cfg.OnGeneration != nil {
			m.cfg.OnGeneration(stats)
		}

		if gen == params.Generations {
			break
		}

		next, nextLineage, err := m.nextGeneration(elite, gen)
		if err != nil {
			return result, err
		}
		population = next
		lineage = append(lineage, nextLineage...)
	}

	result.Lineage = lineage
	return result, nil
}

// evaluatePopulation scores every unscored member in place. Seeds are
// drawn from the monitor's source in population order before any work
// starts, so fitness does not depend on the worker count.
func (m *PopulationMonitor) evaluatePopulation(ctx context.Context, population []ScoredProgram) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seeds := make([]int64, len(population))
	for i := range population {
		if !population[i].scored {
			seeds[i] = m.rng.Int63()
		}
	}

	p := pool.New().
		WithMaxGoroutines(m.cfg.Params.Workers).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for i := range population {
		if population[i].scored {
			continue
		}
		item := &population[i]
		seed := seeds[i]
		p.Go(func(ctx context.Context) error {
			fitness, trace, err := m.cfg.Scape.Evaluate(ctx, item.Program, rand.New(rand.NewSource(seed)))
			if err != nil {
				return fmt.Errorf("evaluate %s: %w", item.ID, err)
			}
			item.Fitness = float64(fitness)
			item.Trace = trace
			item.scored = true
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return errors.Join(ctxErr, err)
		}
		return err
	}
	return nil
}

func summarizeGeneration(population []ScoredProgram, generation int) GenerationStats {
	if len(population) == 0 {
		return GenerationStats{Generation: generation}
	}
	total := 0.0
	best := population[0].Fitness
	worst := population[0].Fitness
	for _, item := range population {
		total += item.Fitness
		if item.Fitness > best {
			best = item.Fitness
		}
		if item.Fitness < worst {
			worst = item.Fitness
		}
	}
	// Summation error can push the mean just outside [worst, best].
	mean := math.Min(math.Max(total/float64(len(population)), worst), best)
	return GenerationStats{
		Generation:  generation,
		MeanFitness: mean,
		BestFitness: best,
		MinFitness:  worst,
	}
}

// nextGeneration breeds PopulationSize-len(elite) children and appends the
// elites unchanged. Elites keep their scores.
func (m *PopulationMonitor) nextGeneration(elite []ScoredProgram, generation int) ([]ScoredProgram, []LineageRecord, error) {
	params := m.cfg.Params
	offspring := params.PopulationSize - len(elite)
	next := make([]ScoredProgram, 0, params.PopulationSize)
	lineage := make([]LineageRecord, 0, params.PopulationSize)

	for i := 0; i < offspring; i++ {
		mother, err := m.cfg.Selector.PickParent(m.rng, elite)
		if err != nil {
			return nil, nil, err
		}
		father, err := m.cfg.Selector.PickParent(m.rng, elite)
		if err != nil {
			return nil, nil, err
		}
		child, _, err := mother.Program.Crossover(m.rng, father.Program)
		if err != nil {
			return nil, nil, fmt.Errorf("crossover %s x %s: %w", mother.ID, father.ID, err)
		}
		op := OpCrossover
		if m.rng.Float64() < params.MutationProbability {
			if err := m.cfg.Mutation.Apply(m.rng, child); err != nil {
				return nil, nil, fmt.Errorf("%s: %w", m.cfg.Mutation.Name(), err)
			}
			op = OpCrossoverMutate
		}
		id := fmt.Sprintf("g%d-i%d", generation, i)
		next = append(next, ScoredProgram{ID: id, Program: child})
		lineage = append(lineage, LineageRecord{
			ProgramID:  id,
			ParentIDs:  []string{mother.ID, father.ID},
			Generation: generation,
			Operation:  op,
		})
	}

	for _, item := range elite {
		next = append(next, item)
		lineage = append(lineage, LineageRecord{
			ProgramID:  item.ID,
			ParentIDs:  []string{item.ID},
			Generation: generation,
			Operation:  OpElite,
		})
	}
	return next, lineage, nil
}
