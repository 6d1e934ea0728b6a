package stats

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"picobot/internal/model"
)

func sampleHistory() []model.GenerationStats {
	return []model.GenerationStats{
		{Generation: 1, MeanFitness: 0.05, BestFitness: 0.2, MinFitness: 0},
		{Generation: 2, MeanFitness: 0.1, BestFitness: 0.25, MinFitness: 0},
		{Generation: 3, MeanFitness: 0.125, BestFitness: 0.5, MinFitness: 0.01},
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	artifacts := RunArtifacts{
		Config: RunConfig{
			RunID:          runID,
			Scape:          "coverage",
			PopulationSize: 4,
			Generations:    3,
			NumStates:      2,
			Seed:           1,
			Workers:        2,
		},
		History:          sampleHistory(),
		FinalBestFitness: 0.5,
		BestProgram:      "0 NEWx m ->  S 0\n",
		Lineage: []model.LineageRecord{{
			ProgramID:  "seed-0",
			Generation: 0,
			Operation:  "seed",
		}},
	}

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	files := []string{"config.json", "fitness_history.json", "graphs.csv", "best_program.txt", "lineage.json", "fitness.png"}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if cfg.NumStates != 2 || cfg.Scape != "coverage" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	best, ok, err := ReadBestProgram(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read best program: ok=%t err=%v", ok, err)
	}
	if best != artifacts.BestProgram {
		t.Fatalf("best program: got %q want %q", best, artifacts.BestProgram)
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{}); err == nil {
		t.Fatal("expected error without run id")
	}
}

func TestGraphsCSVLayout(t *testing.T) {
	dir := t.TempDir()
	runDir := filepath.Join(dir, "r1")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := WriteGraphsCSV(filepath.Join(runDir, "graphs.csv"), sampleHistory()); err != nil {
		t.Fatalf("write graphs: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(runDir, "graphs.csv"))
	if err != nil {
		t.Fatalf("read graphs: %v", err)
	}
	want := "0,0.05,0.2\n1,0.1,0.25\n2,0.125,0.5\n"
	if string(data) != want {
		t.Fatalf("graphs.csv:\n%s\nwant\n%s", data, want)
	}

	history, ok, err := ReadGraphsCSV(dir, "r1")
	if err != nil || !ok {
		t.Fatalf("read graphs: ok=%t err=%v", ok, err)
	}
	if len(history) != 3 || history[2].Generation != 3 || history[2].BestFitness != 0.5 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestReadGraphsCSVSkipsHeader(t *testing.T) {
	dir := t.TempDir()
	runDir := filepath.Join(dir, "r1")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := []byte("generation,mean,best\n0,0.1,0.3\n")
	if err := os.WriteFile(filepath.Join(runDir, "graphs.csv"), content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	history, ok, err := ReadGraphsCSV(dir, "r1")
	if err != nil || !ok {
		t.Fatalf("read graphs: ok=%t err=%v", ok, err)
	}
	if len(history) != 1 || history[0].MeanFitness != 0.1 {
		t.Fatalf("unexpected history: %+v", history)
	}

	if _, ok, err := ReadGraphsCSV(dir, "missing"); err != nil || ok {
		t.Fatalf("missing run: ok=%t err=%v", ok, err)
	}
}

func TestRunIndexOrdersNewestFirstAndReplaces(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", Scape: "coverage", CreatedAtUTC: "2026-01-01T00:00:00Z"},
		{RunID: "b", Scape: "coverage", CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{RunID: "a", Scape: "coverage", FinalBestFitness: 0.4, CreatedAtUTC: "2026-01-01T00:00:00Z"},
	}
	for _, entry := range entries {
		if err := AppendRunIndex(baseDir, entry); err != nil {
			t.Fatalf("append %s: %v", entry.RunID, err)
		}
	}
	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(index) != 2 || index[0].RunID != "b" || index[1].FinalBestFitness != 0.4 {
		t.Fatalf("unexpected index: %+v", index)
	}
}

func TestWriteFitnessPlotProducesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fitness.png")
	if err := WriteFitnessPlot(path, "coverage", sampleHistory()); err != nil {
		t.Fatalf("plot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read plot: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatal("expected PNG signature")
	}
	if err := WriteFitnessPlot(path, "empty", nil); err == nil {
		t.Fatal("expected error for empty history")
	}
}
