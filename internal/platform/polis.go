package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"picobot/internal/evo"
	"picobot/internal/model"
	"picobot/internal/program"
	"picobot/internal/scape"
	"picobot/internal/storage"
)

var ErrRunNotFound = errors.New("run not found")

type Config struct {
	Store  storage.Store
	Logger *slog.Logger
	// Now stamps run records; defaults to time.Now.
	Now func() time.Time
}

type EvolutionConfig struct {
	RunID string
	// ContinueRunID seeds the initial population from that run's stored
	// snapshot. It cannot be combined with Initial.
	ContinueRunID string
	ScapeName     string
	// Scape overrides the registry lookup by ScapeName.
	Scape        scape.Scape
	Params       evo.Params
	Selector     evo.Selector
	OnGeneration func(evo.GenerationStats)
	Initial      []*program.Program
}

type EvolutionResult struct {
	Run         model.RunRecord
	History     []model.GenerationStats
	Best        evo.ScoredProgram
	BestRecord  model.ProgramRecord
	Lineage     []model.LineageRecord
	Interrupted bool
}

type Polis struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time

	mu sync.RWMutex

	scapes  map[string]scape.Scape
	started bool
	runs    map[string]context.CancelFunc
}

func NewPolis(cfg Config) *Polis {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Polis{
		store:  cfg.Store,
		logger: logger,
		now:    now,
		scapes: make(map[string]scape.Scape),
		runs:   make(map[string]context.CancelFunc),
	}
}

func (p *Polis) Init(ctx context.Context) error {
	if p.store == nil {
		return fmt.Errorf("store is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.store.Init(ctx); err != nil {
		return err
	}
	p.started = true
	return nil
}

func (p *Polis) Store() storage.Store {
	return p.store
}

// RegisterScape adds s under its name, replacing any previous entry.
func (p *Polis) RegisterScape(s scape.Scape) error {
	if s == nil {
		return fmt.Errorf("scape is nil")
	}

	name := s.Name()
	if name == "" {
		return fmt.Errorf("scape name is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return fmt.Errorf("polis is not initialized")
	}
	p.scapes[name] = s
	return nil
}

func (p *Polis) GetScape(name string) (scape.Scape, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.scapes[name]
	return s, ok
}

func (p *Polis) RegisteredScapes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.scapes))
	for name := range p.scapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop cancels every active run. Cancelled runs still persist their last
// completed generation.
func (p *Polis) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.runs {
		cancel()
	}
	p.started = false
	p.scapes = make(map[string]scape.Scape)
	p.runs = make(map[string]context.CancelFunc)
}

func (p *Polis) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// RunEvolution runs the generational loop and persists the run record,
// generation history, lineage, best program and final population. A run
// cut short by cancellation is persisted up to its last completed
// generation and reported with Interrupted set alongside the context
// error.
func (p *Polis) RunEvolution(ctx context.Context, cfg EvolutionConfig) (EvolutionResult, error) {
	if cfg.RunID == "" {
		return EvolutionResult{}, fmt.Errorf("run id is required")
	}
	if cfg.ContinueRunID != "" && cfg.Initial != nil {
		return EvolutionResult{}, fmt.Errorf("use either an initial population or a run to continue")
	}

	p.mu.RLock()
	started := p.started
	targetScape := cfg.Scape
	if targetScape == nil {
		targetScape = p.scapes[cfg.ScapeName]
	}
	p.mu.RUnlock()

	if !started {
		return EvolutionResult{}, fmt.Errorf("polis is not initialized")
	}
	if targetScape == nil {
		return EvolutionResult{}, fmt.Errorf("scape not registered: %s", cfg.ScapeName)
	}

	initial := cfg.Initial
	if cfg.ContinueRunID != "" {
		var err error
		initial, err = p.loadPopulation(ctx, cfg.ContinueRunID, cfg.Params)
		if err != nil {
			return EvolutionResult{}, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := p.registerRun(cfg.RunID, cancel); err != nil {
		return EvolutionResult{}, err
	}
	defer p.unregisterRun(cfg.RunID)

	logger := p.logger.With("run_id", cfg.RunID)
	monitor, err := evo.NewPopulationMonitor(evo.MonitorConfig{
		Params:       cfg.Params,
		Scape:        targetScape,
		Selector:     cfg.Selector,
		Logger:       logger,
		OnGeneration: cfg.OnGeneration,
	})
	if err != nil {
		return EvolutionResult{}, err
	}

	createdAt := p.now().UTC()
	logger.Info("run started", "continue", cfg.ContinueRunID, "population", cfg.Params.PopulationSize, "generations", cfg.Params.Generations)
	result, runErr := monitor.Run(runCtx, initial)
	if len(result.History) == 0 {
		if runErr == nil {
			runErr = fmt.Errorf("run %s completed no generations", cfg.RunID)
		}
		return EvolutionResult{}, runErr
	}
	if runErr != nil && ctx.Err() == nil && runCtx.Err() == nil {
		return EvolutionResult{}, runErr
	}
	interrupted := runErr != nil

	out := EvolutionResult{
		History:     toModelHistory(result.History),
		Best:        result.Best,
		BestRecord:  toProgramRecord(cfg.RunID, result.Best),
		Lineage:     toModelLineage(result.Lineage),
		Interrupted: interrupted,
	}
	out.Run = model.RunRecord{
		VersionedRecord:     storage.CurrentVersion(),
		ID:                  cfg.RunID,
		ContinuedFrom:       cfg.ContinueRunID,
		CreatedAt:           createdAt,
		Scape:               targetScape.Name(),
		PopulationSize:      cfg.Params.PopulationSize,
		Generations:         cfg.Params.Generations,
		NumStates:           cfg.Params.NumStates,
		SurvivalFraction:    cfg.Params.SurvivalFraction,
		MutationProbability: cfg.Params.MutationProbability,
		Seed:                cfg.Params.Seed,
		BestProgramID:       out.BestRecord.ID,
		BestFitness:         result.Best.Fitness,
		LastGeneration:      len(result.History),
		Interrupted:         interrupted,
	}

	if err := p.persist(context.WithoutCancel(ctx), out, result); err != nil {
		return EvolutionResult{}, err
	}
	if interrupted {
		logger.Warn("run interrupted", "generations", len(result.History), "err", runErr)
		return out, runErr
	}
	logger.Info("run finished", "best", result.Best.Fitness)
	return out, nil
}

func (p *Polis) persist(ctx context.Context, out EvolutionResult, result evo.RunResult) error {
	runID := out.Run.ID
	if err := p.store.SaveProgram(ctx, out.BestRecord); err != nil {
		return err
	}
	snapshot := model.PopulationSnapshot{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           runID,
		Generation:      out.Run.LastGeneration,
		Programs:        make([]model.ProgramRecord, 0, len(result.Population)),
	}
	for _, item := range result.Population {
		snapshot.Programs = append(snapshot.Programs, toProgramRecord(runID, item))
	}
	if err := p.store.SavePopulation(ctx, snapshot); err != nil {
		return err
	}
	if err := p.store.SaveGenerationStats(ctx, runID, out.History); err != nil {
		return err
	}
	if err := p.store.SaveLineage(ctx, runID, out.Lineage); err != nil {
		return err
	}
	return p.store.SaveRun(ctx, out.Run)
}

// loadPopulation rebuilds the programs of a stored population snapshot.
func (p *Polis) loadPopulation(ctx context.Context, runID string, params evo.Params) ([]*program.Program, error) {
	snapshot, ok, err := p.store.GetPopulation(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no population snapshot for %s", ErrRunNotFound, runID)
	}
	if len(snapshot.Programs) != params.PopulationSize {
		return nil, fmt.Errorf("%w: run %s stored %d programs, population size is %d", evo.ErrInvalidParams, runID, len(snapshot.Programs), params.PopulationSize)
	}
	population := make([]*program.Program, 0, len(snapshot.Programs))
	for _, record := range snapshot.Programs {
		prog, err := program.ParseWithStates(record.Rules, record.NumStates)
		if err != nil {
			return nil, fmt.Errorf("program %s: %w", record.ID, err)
		}
		population = append(population, prog)
	}
	return population, nil
}

// StopRun cancels an active run.
func (p *Polis) StopRun(runID string) error {
	p.mu.RLock()
	cancel, ok := p.runs[runID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s is not active", ErrRunNotFound, runID)
	}
	cancel()
	return nil
}

func (p *Polis) ActiveRuns() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.runs))
	for id := range p.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Polis) registerRun(runID string, cancel context.CancelFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.runs[runID]; exists {
		return fmt.Errorf("run already active: %s", runID)
	}
	p.runs[runID] = cancel
	return nil
}

func (p *Polis) unregisterRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.runs, runID)
}

func toProgramRecord(runID string, item evo.ScoredProgram) model.ProgramRecord {
	return model.ProgramRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              runID + ":" + item.ID,
		NumStates:       item.Program.NumStates(),
		Rules:           item.Program.String(),
		Fitness:         item.Fitness,
	}
}

func toModelHistory(history []evo.GenerationStats) []model.GenerationStats {
	out := make([]model.GenerationStats, 0, len(history))
	for _, stats := range history {
		out = append(out, model.GenerationStats{
			Generation:  stats.Generation,
			MeanFitness: stats.MeanFitness,
			BestFitness: stats.BestFitness,
			MinFitness:  stats.MinFitness,
		})
	}
	return out
}

func toModelLineage(lineage []evo.LineageRecord) []model.LineageRecord {
	out := make([]model.LineageRecord, 0, len(lineage))
	for _, record := range lineage {
		out = append(out, model.LineageRecord{
			VersionedRecord: storage.CurrentVersion(),
			ProgramID:       record.ProgramID,
			ParentIDs:       append([]string(nil), record.ParentIDs...),
			Generation:      record.Generation,
			Operation:       record.Operation,
		})
	}
	return out
}
