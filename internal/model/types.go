package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// ProgramRecord stores a rule program in its text form, the same form
// program.Parse reads back.
type ProgramRecord struct {
	VersionedRecord
	ID        string  `json:"id"`
	NumStates int     `json:"num_states"`
	Rules     string  `json:"rules"`
	Fitness   float64 `json:"fitness"`
}

type RunRecord struct {
	VersionedRecord
	ID                  string    `json:"id"`
	ContinuedFrom       string    `json:"continued_from,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	Scape               string    `json:"scape"`
	PopulationSize      int       `json:"population_size"`
	Generations         int       `json:"generations"`
	NumStates           int       `json:"num_states"`
	SurvivalFraction    float64   `json:"survival_fraction"`
	MutationProbability float64   `json:"mutation_probability"`
	Seed                int64     `json:"seed"`
	BestProgramID       string    `json:"best_program_id"`
	BestFitness         float64   `json:"best_fitness"`
	LastGeneration      int       `json:"last_generation"`
	Interrupted         bool      `json:"interrupted,omitempty"`
}

type GenerationStats struct {
	Generation  int     `json:"generation"`
	MeanFitness float64 `json:"mean_fitness"`
	BestFitness float64 `json:"best_fitness"`
	MinFitness  float64 `json:"min_fitness"`
}

// PopulationSnapshot is the scored population of a run's last completed
// generation, sorted by ascending fitness.
type PopulationSnapshot struct {
	VersionedRecord
	RunID      string          `json:"run_id"`
	Generation int             `json:"generation"`
	Programs   []ProgramRecord `json:"programs"`
}

type LineageRecord struct {
	VersionedRecord
	ProgramID  string   `json:"program_id"`
	ParentIDs  []string `json:"parent_ids,omitempty"`
	Generation int      `json:"generation"`
	Operation  string   `json:"operation"`
}
