package picobot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"picobot/internal/display"
	"picobot/internal/evo"
	"picobot/internal/model"
	"picobot/internal/platform"
	"picobot/internal/program"
	"picobot/internal/scape"
	"picobot/internal/stats"
	"picobot/internal/storage"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "picobot.db"
)

type (
	GenerationStats = model.GenerationStats
	Frame           = display.Frame
	TrialResult     = scape.TrialResult
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *slog.Logger
}

type Client struct {
	store  storage.Store
	polis  *platform.Polis
	logger *slog.Logger

	artifactsDir string
	exportsDir   string
}

// Grid describes the rooms programs are scored in. Zero fields take the
// coverage defaults (25x25, 50 trials of 1000 steps, obstacles up to 5).
type Grid struct {
	Height      int
	Width       int
	Trials      int
	Steps       int
	MaxObstacle int
	MarkerCap   int
	Placement   string
}

type RunRequest struct {
	// RunID names the run; a random UUID is used when empty.
	RunID               string
	ContinueRunID       string
	Population          int
	Generations         int
	States              int
	SurvivalFraction    float64
	MutationProbability float64
	Workers             int
	Seed                int64
	Selection           string
	Grid                Grid
	OnGeneration        func(GenerationStats)
}

type RunSummary struct {
	RunID            string
	ArtifactsDir     string
	History          []GenerationStats
	FinalBestFitness float64
	BestProgram      string
	Interrupted      bool
}

// ProgramRef names a rule program: literal rule text, or the best program
// of a run given by id or as the latest run.
type ProgramRef struct {
	Text   string
	RunID  string
	Latest bool
}

type EvaluateRequest struct {
	Program ProgramRef
	Grid    Grid
	Seed    int64
}

type EvaluateSummary struct {
	RunID   string
	Program string
	Fitness float64
	Trials  []TrialResult
	Trace   scape.Trace
}

type RolloutRequest struct {
	Program ProgramRef
	Grid    Grid
	// Steps defaults to Grid.Steps.
	Steps int
	Seed  int64
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID            string
	CreatedAtUTC     string
	Scape            string
	Seed             int64
	Population       int
	Generations      int
	States           int
	FinalBestFitness float64
	Interrupted      bool
}

type HistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type BestProgramRequest struct {
	RunID  string
	Latest bool
}

type BestProgramSummary struct {
	RunID   string
	Program string
	Fitness float64
}

type LineageRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type LineageItem struct {
	ProgramID  string
	ParentIDs  []string
	Generation int
	Operation  string
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type PlotRequest struct {
	RunID  string
	Latest bool
	// Out defaults to fitness.png in the run's artifacts directory.
	Out string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		logger:       logger,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	if c.polis != nil {
		c.polis.Stop()
	}
	return storage.CloseIfSupported(c.store)
}

// Run evolves a population and records it in the store and the artifacts
// directory. When ctx is cancelled mid-run, the generations completed so
// far are still recorded and returned with Interrupted set, alongside the
// context error.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	params := evo.DefaultParams()
	if req.Population != 0 {
		params.PopulationSize = req.Population
	}
	if req.Generations != 0 {
		params.Generations = req.Generations
	}
	if req.States != 0 {
		params.NumStates = req.States
	}
	if req.SurvivalFraction != 0 {
		params.SurvivalFraction = req.SurvivalFraction
	}
	if req.MutationProbability != 0 {
		params.MutationProbability = req.MutationProbability
	}
	if req.Workers != 0 {
		params.Workers = req.Workers
	}
	if req.Seed != 0 {
		params.Seed = req.Seed
	}
	if err := params.Validate(); err != nil {
		return RunSummary{}, err
	}

	grid := req.Grid.coverageConfig()
	coverage, err := scape.NewCoverageScape(grid)
	if err != nil {
		return RunSummary{}, err
	}
	selector, err := evo.SelectorFromName(req.Selection)
	if err != nil {
		return RunSummary{}, err
	}
	p, err := c.ensurePolis(ctx)
	if err != nil {
		return RunSummary{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	var onGeneration func(evo.GenerationStats)
	if req.OnGeneration != nil {
		onGeneration = func(s evo.GenerationStats) {
			req.OnGeneration(GenerationStats{
				Generation:  s.Generation,
				MeanFitness: s.MeanFitness,
				BestFitness: s.BestFitness,
				MinFitness:  s.MinFitness,
			})
		}
	}

	result, runErr := p.RunEvolution(ctx, platform.EvolutionConfig{
		RunID:         runID,
		ContinueRunID: req.ContinueRunID,
		Scape:         coverage,
		Params:        params,
		Selector:      selector,
		OnGeneration:  onGeneration,
	})
	if runErr != nil && !result.Interrupted {
		return RunSummary{}, runErr
	}

	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:               runID,
			ContinueRunID:       req.ContinueRunID,
			Scape:               coverage.Name(),
			Height:              grid.Height,
			Width:               grid.Width,
			Trials:              grid.Trials,
			Steps:               grid.Steps,
			MaxObstacle:         grid.MaxObstacle,
			MarkerCap:           grid.MarkerCap,
			Placement:           string(grid.Placement),
			PopulationSize:      params.PopulationSize,
			Generations:         params.Generations,
			NumStates:           params.NumStates,
			SurvivalFraction:    params.SurvivalFraction,
			MutationProbability: params.MutationProbability,
			Selection:           selector.Name(),
			Workers:             params.Workers,
			Seed:                params.Seed,
		},
		History:          result.History,
		FinalBestFitness: result.Best.Fitness,
		BestProgram:      result.BestRecord.Rules,
		Lineage:          result.Lineage,
	})
	if err != nil {
		return RunSummary{}, err
	}

	if err := stats.AppendRunIndex(c.artifactsDir, stats.RunIndexEntry{
		RunID:            runID,
		Scape:            coverage.Name(),
		PopulationSize:   params.PopulationSize,
		Generations:      params.Generations,
		NumStates:        params.NumStates,
		Seed:             params.Seed,
		Workers:          params.Workers,
		EliteCount:       params.EliteCount(),
		FinalBestFitness: result.Best.Fitness,
		Interrupted:      result.Interrupted,
		CreatedAtUTC:     result.Run.CreatedAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return RunSummary{}, err
	}

	return RunSummary{
		RunID:            runID,
		ArtifactsDir:     filepath.Clean(runDir),
		History:          append([]GenerationStats(nil), result.History...),
		FinalBestFitness: result.Best.Fitness,
		BestProgram:      result.BestRecord.Rules,
		Interrupted:      result.Interrupted,
	}, runErr
}

// Evaluate scores a program over Grid.Trials seeded trials and reports
// each trial alongside the mean.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateSummary, error) {
	prog, runID, err := c.resolveProgram(ctx, req.Program)
	if err != nil {
		return EvaluateSummary{}, err
	}
	coverage, err := scape.NewCoverageScape(req.Grid.coverageConfig())
	if err != nil {
		return EvaluateSummary{}, err
	}

	fitness, trace, err := coverage.Evaluate(ctx, prog, rand.New(rand.NewSource(req.Seed)))
	if err != nil {
		return EvaluateSummary{}, err
	}
	trials, err := coverage.EvaluateTrials(ctx, prog, rand.New(rand.NewSource(req.Seed)))
	if err != nil {
		return EvaluateSummary{}, err
	}
	c.logger.Debug("program evaluated", "run_id", runID, "fitness", float64(fitness), "trials", len(trials))

	return EvaluateSummary{
		RunID:   runID,
		Program: prog.String(),
		Fitness: float64(fitness),
		Trials:  trials,
		Trace:   trace,
	}, nil
}

// Rollout runs a program for one trial and captures a frame before the
// first step and after every step. A wall collision ends the rollout with
// the frames captured so far and the collision error.
func (c *Client) Rollout(ctx context.Context, req RolloutRequest) ([]Frame, error) {
	prog, _, err := c.resolveProgram(ctx, req.Program)
	if err != nil {
		return nil, err
	}
	cfg := req.Grid.coverageConfig()
	coverage, err := scape.NewCoverageScape(cfg)
	if err != nil {
		return nil, err
	}
	steps := req.Steps
	if steps <= 0 {
		steps = cfg.Steps
	}

	world, _, err := coverage.NewTrialWorld(rand.New(rand.NewSource(req.Seed)), prog)
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, 0, steps+1)
	frames = append(frames, display.Capture(0, world))
	for i := 1; i <= steps; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return frames, err
			}
		}
		if err := world.Step(); err != nil {
			return frames, fmt.Errorf("step %d: %w", i, err)
		}
		frames = append(frames, display.Capture(i, world))
	}
	return frames, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:            e.RunID,
			CreatedAtUTC:     e.CreatedAtUTC,
			Scape:            e.Scape,
			Seed:             e.Seed,
			Population:       e.PopulationSize,
			Generations:      e.Generations,
			States:           e.NumStates,
			FinalBestFitness: e.FinalBestFitness,
			Interrupted:      e.Interrupted,
		})
	}
	return out, nil
}

// FitnessHistory returns the per-generation statistics of a run, read from
// the store or, for runs the store does not hold, from graphs.csv.
func (c *Client) FitnessHistory(ctx context.Context, req HistoryRequest) ([]GenerationStats, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "fitness history")
	if err != nil {
		return nil, err
	}
	if _, err := c.ensurePolis(ctx); err != nil {
		return nil, err
	}

	history, ok, err := c.store.GetGenerationStats(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		history, ok, err = stats.ReadGraphsCSV(c.artifactsDir, runID)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("fitness history not found for run id: %s", runID)
	}
	if req.Limit > 0 && len(history) > req.Limit {
		history = history[:req.Limit]
	}
	return append([]GenerationStats(nil), history...), nil
}

func (c *Client) BestProgram(ctx context.Context, req BestProgramRequest) (BestProgramSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "best program")
	if err != nil {
		return BestProgramSummary{}, err
	}
	text, fitness, err := c.bestProgram(ctx, runID)
	if err != nil {
		return BestProgramSummary{}, err
	}
	return BestProgramSummary{RunID: runID, Program: text, Fitness: fitness}, nil
}

func (c *Client) Lineage(ctx context.Context, req LineageRequest) ([]LineageItem, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "lineage")
	if err != nil {
		return nil, err
	}
	if _, err := c.ensurePolis(ctx); err != nil {
		return nil, err
	}
	lineage, ok, err := c.store.GetLineage(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lineage not found for run id: %s", runID)
	}
	if req.Limit > 0 && len(lineage) > req.Limit {
		lineage = lineage[:req.Limit]
	}

	out := make([]LineageItem, 0, len(lineage))
	for _, rec := range lineage {
		out = append(out, LineageItem{
			ProgramID:  rec.ProgramID,
			ParentIDs:  append([]string(nil), rec.ParentIDs...),
			Generation: rec.Generation,
			Operation:  rec.Operation,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "export")
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Plot redraws a run's fitness chart and returns the file written.
func (c *Client) Plot(ctx context.Context, req PlotRequest) (string, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "plot")
	if err != nil {
		return "", err
	}
	history, err := c.FitnessHistory(ctx, HistoryRequest{RunID: runID})
	if err != nil {
		return "", err
	}
	out := req.Out
	if out == "" {
		out = filepath.Join(c.artifactsDir, runID, "fitness.png")
	}
	if err := stats.WriteFitnessPlot(out, "run "+runID, history); err != nil {
		return "", err
	}
	return filepath.Clean(out), nil
}

func (c *Client) ensurePolis(ctx context.Context) (*platform.Polis, error) {
	if c.polis != nil {
		return c.polis, nil
	}
	p := platform.NewPolis(platform.Config{Store: c.store, Logger: c.logger})
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	c.polis = p
	return c.polis, nil
}

func (c *Client) resolveRunID(runID string, latest bool, what string) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if latest {
		entries, err := stats.ListRunIndex(c.artifactsDir)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "", errors.New("no runs available")
		}
		return entries[0].RunID, nil
	}
	if runID == "" {
		return "", fmt.Errorf("%s requires run id or latest", what)
	}
	return runID, nil
}

// resolveProgram parses literal rule text or loads a run's best program.
// The run id is empty for literal text.
func (c *Client) resolveProgram(ctx context.Context, ref ProgramRef) (*program.Program, string, error) {
	if ref.Text != "" {
		if ref.RunID != "" || ref.Latest {
			return nil, "", errors.New("use either program text or a run")
		}
		prog, err := program.Parse(ref.Text)
		if err != nil {
			return nil, "", err
		}
		return prog, "", nil
	}
	runID, err := c.resolveRunID(ref.RunID, ref.Latest, "program")
	if err != nil {
		return nil, "", err
	}
	text, _, err := c.bestProgram(ctx, runID)
	if err != nil {
		return nil, "", err
	}
	prog, err := program.Parse(text)
	if err != nil {
		return nil, "", fmt.Errorf("best program of %s: %w", runID, err)
	}
	return prog, runID, nil
}

func (c *Client) bestProgram(ctx context.Context, runID string) (string, float64, error) {
	if _, err := c.ensurePolis(ctx); err != nil {
		return "", 0, err
	}
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return "", 0, err
	}
	if ok {
		record, found, err := c.store.GetProgram(ctx, run.BestProgramID)
		if err != nil {
			return "", 0, err
		}
		if found {
			return record.Rules, record.Fitness, nil
		}
	}

	text, ok, err := stats.ReadBestProgram(c.artifactsDir, runID)
	if err != nil {
		return "", 0, err
	}
	if !ok {
		return "", 0, fmt.Errorf("best program not found for run id: %s", runID)
	}
	fitness := 0.0
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return "", 0, err
	}
	for _, e := range entries {
		if e.RunID == runID {
			fitness = e.FinalBestFitness
			break
		}
	}
	return text, fitness, nil
}

func (g Grid) coverageConfig() scape.CoverageConfig {
	cfg := scape.DefaultCoverageConfig()
	if g.Height != 0 {
		cfg.Height = g.Height
	}
	if g.Width != 0 {
		cfg.Width = g.Width
	}
	if g.Trials != 0 {
		cfg.Trials = g.Trials
	}
	if g.Steps != 0 {
		cfg.Steps = g.Steps
	}
	if g.MaxObstacle != 0 {
		cfg.MaxObstacle = g.MaxObstacle
	}
	if g.MarkerCap != 0 {
		cfg.MarkerCap = g.MarkerCap
	}
	if g.Placement != "" {
		cfg.Placement = scape.ObstaclePlacement(g.Placement)
	}
	return cfg
}
