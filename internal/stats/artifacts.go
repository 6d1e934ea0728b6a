package stats

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"picobot/internal/model"
)

const (
	runIndexFile       = "run_index.json"
	configFile         = "config.json"
	fitnessHistoryFile = "fitness_history.json"
	graphsFile         = "graphs.csv"
	bestProgramFile    = "best_program.txt"
	lineageFile        = "lineage.json"
	fitnessPlotFile    = "fitness.png"
)

type RunConfig struct {
	RunID               string  `json:"run_id"`
	ContinueRunID       string  `json:"continue_run_id,omitempty"`
	Scape               string  `json:"scape"`
	Height              int     `json:"height"`
	Width               int     `json:"width"`
	Trials              int     `json:"trials"`
	Steps               int     `json:"steps"`
	MaxObstacle         int     `json:"max_obstacle"`
	MarkerCap           int     `json:"marker_cap"`
	Placement           string  `json:"placement"`
	PopulationSize      int     `json:"population_size"`
	Generations         int     `json:"generations"`
	NumStates           int     `json:"num_states"`
	SurvivalFraction    float64 `json:"survival_fraction"`
	MutationProbability float64 `json:"mutation_probability"`
	Selection           string  `json:"selection"`
	Workers             int     `json:"workers"`
	Seed                int64   `json:"seed"`
}

type RunArtifacts struct {
	Config           RunConfig               `json:"config"`
	History          []model.GenerationStats `json:"history"`
	FinalBestFitness float64                 `json:"final_best_fitness"`
	BestProgram      string                  `json:"best_program"`
	Lineage          []model.LineageRecord   `json:"lineage"`
}

type RunIndexEntry struct {
	RunID            string  `json:"run_id"`
	Scape            string  `json:"scape"`
	PopulationSize   int     `json:"population_size"`
	Generations      int     `json:"generations"`
	NumStates        int     `json:"num_states"`
	Seed             int64   `json:"seed"`
	Workers          int     `json:"workers"`
	EliteCount       int     `json:"elite_count"`
	FinalBestFitness float64 `json:"final_best_fitness"`
	Interrupted      bool    `json:"interrupted,omitempty"`
	CreatedAtUTC     string  `json:"created_at_utc"`
}

// WriteRunArtifacts writes the run directory under baseDir and returns its
// path. The fitness chart is written only when there is history to draw.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, fitnessHistoryFile), map[string]any{"generations": artifacts.History, "final_best_fitness": artifacts.FinalBestFitness}); err != nil {
		return "", err
	}
	if err := WriteGraphsCSV(filepath.Join(runDir, graphsFile), artifacts.History); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(runDir, bestProgramFile), []byte(artifacts.BestProgram), 0o644); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, lineageFile), artifacts.Lineage); err != nil {
		return "", err
	}
	if len(artifacts.History) > 0 {
		title := fmt.Sprintf("%s run %s", artifacts.Config.Scape, artifacts.Config.RunID)
		if err := WriteFitnessPlot(filepath.Join(runDir, fitnessPlotFile), title, artifacts.History); err != nil {
			return "", err
		}
	}

	return runDir, nil
}

// WriteGraphsCSV writes one "index,mean,best" row per generation with a
// zero-based index and no header.
func WriteGraphsCSV(path string, history []model.GenerationStats) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	for i, stats := range history {
		if err := writer.Write([]string{
			strconv.Itoa(i),
			strconv.FormatFloat(stats.MeanFitness, 'f', -1, 64),
			strconv.FormatFloat(stats.BestFitness, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadGraphsCSV reads a run's graphs.csv back as generation stats. A
// non-numeric first row is treated as a header.
func ReadGraphsCSV(baseDir, runID string) ([]model.GenerationStats, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, graphsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 3
	history := make([]model.GenerationStats, 0, 64)
	for row := 0; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, err
		}
		index, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			if row == 0 {
				continue
			}
			return nil, false, fmt.Errorf("graphs row %d: %w", row+1, err)
		}
		mean, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if err != nil {
			return nil, false, fmt.Errorf("graphs row %d: %w", row+1, err)
		}
		best, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		if err != nil {
			return nil, false, fmt.Errorf("graphs row %d: %w", row+1, err)
		}
		history = append(history, model.GenerationStats{Generation: index + 1, MeanFitness: mean, BestFitness: best})
	}
	return history, true, nil
}

func ReadBestProgram(baseDir, runID string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, bestProgramFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory's artifacts to outDir/runID.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, fitnessHistoryFile, graphsFile, bestProgramFile, lineageFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	plotPath := filepath.Join(src, fitnessPlotFile)
	if _, err := os.Stat(plotPath); err == nil {
		if err := copyFile(plotPath, filepath.Join(dst, fitnessPlotFile)); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, false, nil
		}
		return RunConfig{}, false, err
	}

	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	return cfg, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
