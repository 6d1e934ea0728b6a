package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/gdamore/tcell/v2"

	"picobot/internal/display"
	"picobot/internal/scape"
	"picobot/pkg/picobot"
)

const (
	artifactsDir = "runs"
	exportsDir   = "exports"
	defaultStore = "sqlite"
	defaultDB    = "picobot.db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:])
	case "evaluate":
		return runEvaluate(ctx, args[1:])
	case "watch":
		return runWatch(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "fitness":
		return runFitness(ctx, args[1:])
	case "best":
		return runBest(ctx, args[1:])
	case "lineage":
		return runLineage(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "plot":
		return runPlot(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// clientFlags are shared by every command that opens a client.
type clientFlags struct {
	store   *string
	dbPath  *string
	verbose *bool
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		store:   fs.String("store", defaultStore, "store backend: memory|sqlite"),
		dbPath:  fs.String("db-path", defaultDB, "sqlite database path"),
		verbose: fs.Bool("v", false, "debug logging on stderr"),
	}
}

func (f clientFlags) open() (*picobot.Client, error) {
	level := slog.LevelInfo
	if *f.verbose {
		level = slog.LevelDebug
	}
	return picobot.New(picobot.Options{
		StoreKind:    *f.store,
		DBPath:       *f.dbPath,
		ArtifactsDir: artifactsDir,
		ExportsDir:   exportsDir,
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	})
}

// programFlags select the program evaluate and watch operate on.
type programFlags struct {
	path   *string
	runID  *string
	latest *bool
}

func addProgramFlags(fs *flag.FlagSet) programFlags {
	return programFlags{
		path:   fs.String("program", "", "rule program file"),
		runID:  fs.String("run-id", "", "use the best program of this run"),
		latest: fs.Bool("latest", false, "use the best program of the most recent run"),
	}
}

func (f programFlags) ref() (picobot.ProgramRef, error) {
	if *f.path == "" {
		if *f.runID == "" && !*f.latest {
			return picobot.ProgramRef{}, errors.New("requires --program, --run-id or --latest")
		}
		return picobot.ProgramRef{RunID: *f.runID, Latest: *f.latest}, nil
	}
	if *f.runID != "" || *f.latest {
		return picobot.ProgramRef{}, errors.New("use either --program or a run, not both")
	}
	data, err := os.ReadFile(*f.path)
	if err != nil {
		return picobot.ProgramRef{}, err
	}
	return picobot.ProgramRef{Text: string(data)}, nil
}

func addGridFlags(fs *flag.FlagSet) func() picobot.Grid {
	defaults := scape.DefaultCoverageConfig()
	height := fs.Int("height", defaults.Height, "grid height including walls")
	width := fs.Int("width", defaults.Width, "grid width including walls")
	trials := fs.Int("trials", defaults.Trials, "trials per evaluation")
	steps := fs.Int("steps", defaults.Steps, "steps per trial")
	maxObstacle := fs.Int("max-obstacle", defaults.MaxObstacle, "largest obstacle side (0 disables obstacles)")
	markerCap := fs.Int("marker-cap", defaults.MarkerCap, "markers an agent may have down at once")
	placement := fs.String("placement", string(defaults.Placement), "obstacle placement: coupled|independent|none")
	return func() picobot.Grid {
		return gridOf(scape.CoverageConfig{
			Height:      *height,
			Width:       *width,
			Trials:      *trials,
			Steps:       *steps,
			MaxObstacle: *maxObstacle,
			MarkerCap:   *markerCap,
			Placement:   scape.ObstaclePlacement(*placement),
		})
	}
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML run config")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	continueID := fs.String("continue", "", "continue from the final population of this run")
	selection := fs.String("selection", "elite", "parent selection: elite|tournament")
	defaults := defaultRunConfig()
	population := fs.Int("pop", defaults.Evolution.PopulationSize, "population size")
	generations := fs.Int("gens", defaults.Evolution.Generations, "generation count")
	states := fs.Int("states", defaults.Evolution.NumStates, "agent states")
	survival := fs.Float64("survival", defaults.Evolution.SurvivalFraction, "fraction of each generation kept as elites")
	mutation := fs.Float64("mutation", defaults.Evolution.MutationProbability, "probability a child is mutated")
	workers := fs.Int("workers", defaults.Evolution.Workers, "evaluation goroutines")
	seed := fs.Int64("seed", defaults.Evolution.Seed, "rng seed")
	height := fs.Int("height", defaults.Grid.Height, "grid height including walls")
	width := fs.Int("width", defaults.Grid.Width, "grid width including walls")
	trials := fs.Int("trials", defaults.Grid.Trials, "trials per evaluation")
	steps := fs.Int("steps", defaults.Grid.Steps, "steps per trial")
	maxObstacle := fs.Int("max-obstacle", defaults.Grid.MaxObstacle, "largest obstacle side (0 disables obstacles)")
	markerCap := fs.Int("marker-cap", defaults.Grid.MarkerCap, "markers an agent may have down at once")
	placement := fs.String("placement", string(defaults.Grid.Placement), "obstacle placement: coupled|independent|none")
	jsonOut := fs.Bool("json", false, "emit the run summary as JSON")
	client := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	cfg, err := loadRunConfig(*configPath)
	if err != nil {
		return err
	}
	overrideFromFlags(&cfg, setFlags, map[string]any{
		"run-id":       *runID,
		"continue":     *continueID,
		"selection":    *selection,
		"pop":          *population,
		"gens":         *generations,
		"states":       *states,
		"survival":     *survival,
		"mutation":     *mutation,
		"workers":      *workers,
		"seed":         *seed,
		"height":       *height,
		"width":        *width,
		"trials":       *trials,
		"steps":        *steps,
		"max-obstacle": *maxObstacle,
		"marker-cap":   *markerCap,
		"placement":    *placement,
	})
	if err := cfg.validate(); err != nil {
		return err
	}

	c, err := client.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	req := cfg.runRequest()
	if !*jsonOut {
		req.OnGeneration = func(s picobot.GenerationStats) {
			fmt.Printf("generation=%d mean_fitness=%.6f best_fitness=%.6f\n", s.Generation-1, s.MeanFitness, s.BestFitness)
		}
	}
	summary, runErr := c.Run(ctx, req)
	if runErr != nil && !summary.Interrupted {
		return runErr
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		fmt.Printf("run_id=%s generations=%d final_best_fitness=%.6f interrupted=%t artifacts=%s\n",
			summary.RunID, len(summary.History), summary.FinalBestFitness, summary.Interrupted, summary.ArtifactsDir)
	}
	return runErr
}

func runEvaluate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	program := addProgramFlags(fs)
	grid := addGridFlags(fs)
	seed := fs.Int64("seed", 1, "rng seed for obstacle placement")
	jsonOut := fs.Bool("json", false, "emit the evaluation as JSON")
	client := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := program.ref()
	if err != nil {
		return err
	}

	c, err := client.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	summary, err := c.Evaluate(ctx, picobot.EvaluateRequest{Program: ref, Grid: grid(), Seed: *seed})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	for i, trial := range summary.Trials {
		fmt.Printf("trial=%d fraction=%.6f drops=%d over_dropped=%t obstacle=%dx%d@(%d,%d)\n",
			i, trial.Fraction, trial.Drops, trial.OverDropped,
			trial.Obstacle.Height, trial.Obstacle.Width, trial.Obstacle.Row, trial.Obstacle.Col)
	}
	fmt.Printf("fitness=%.6f trials=%d\n", summary.Fitness, len(summary.Trials))
	return nil
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	program := addProgramFlags(fs)
	grid := addGridFlags(fs)
	seed := fs.Int64("seed", 1, "rng seed for obstacle placement")
	delay := fs.Duration("delay", display.DefaultDelay, "time between frames")
	hold := fs.Bool("hold", true, "keep the last frame until q is pressed")
	client := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := program.ref()
	if err != nil {
		return err
	}

	c, err := client.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	frames, rolloutErr := c.Rollout(ctx, picobot.RolloutRequest{Program: ref, Grid: grid(), Seed: *seed})
	if len(frames) == 0 {
		return rolloutErr
	}

	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	viewer := display.NewViewer(screen, *delay)
	viewer.Hold = *hold
	playErr := viewer.Play(ctx, frames)
	screen.Fini()

	last := frames[len(frames)-1]
	fmt.Println(last.Status())
	if rolloutErr != nil {
		return rolloutErr
	}
	if playErr != nil && !errors.Is(playErr, context.Canceled) {
		return playErr
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	client := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	c, err := client.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	runs, err := c.Runs(ctx, picobot.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("run_id=%s created_at=%s scape=%s seed=%d pop=%d gens=%d states=%d final_best_fitness=%.6f interrupted=%t\n",
			r.RunID,
			r.CreatedAtUTC,
			r.Scape,
			r.Seed,
			r.Population,
			r.Generations,
			r.States,
			r.FinalBestFitness,
			r.Interrupted,
		)
	}
	return nil
}

func runFitness(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fitness", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show fitness history for the most recent run")
	limit := fs.Int("limit", 0, "max generations to print (0 for all)")
	jsonOut := fs.Bool("json", false, "emit fitness history as JSON")
	client := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := client.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	history, err := c.FitnessHistory(ctx, picobot.HistoryRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	}
	if len(history) == 0 {
		fmt.Println("no fitness history")
		return nil
	}
	for _, s := range history {
		fmt.Printf("generation=%d mean_fitness=%.6f best_fitness=%.6f\n", s.Generation-1, s.MeanFitness, s.BestFitness)
	}
	return nil
}

func runBest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("best", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show the best program of the most recent run")
	client := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := client.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	best, err := c.BestProgram(ctx, picobot.BestProgramRequest{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	fmt.Printf("# run_id=%s fitness=%.6f\n", best.RunID, best.Fitness)
	fmt.Print(best.Program)
	if !strings.HasSuffix(best.Program, "\n") {
		fmt.Println()
	}
	return nil
}

func runLineage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lineage", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show lineage for the most recent run")
	limit := fs.Int("limit", 50, "max lineage records to print (0 for all)")
	jsonOut := fs.Bool("json", false, "emit lineage as JSON")
	client := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := client.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	lineage, err := c.Lineage(ctx, picobot.LineageRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(lineage)
	}
	for _, rec := range lineage {
		fmt.Printf("program_id=%s parents=%s generation=%d operation=%s\n",
			rec.ProgramID, strings.Join(rec.ParentIDs, ","), rec.Generation, rec.Operation)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", exportsDir, "export output directory")
	client := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := client.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	exported, err := c.Export(ctx, picobot.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func runPlot(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plot", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "plot the most recent run")
	out := fs.String("out", "", "PNG path (defaults to the run's fitness.png)")
	client := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := client.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	path, err := c.Plot(ctx, picobot.PlotRequest{RunID: *runID, Latest: *latest, Out: *out})
	if err != nil {
		return err
	}
	fmt.Printf("plotted to=%s\n", path)
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: picobotctl <run|evaluate|watch|runs|fitness|best|lineage|export|plot> [flags]", msg)
}
