package storage

import (
	"context"

	"picobot/internal/model"
)

// Store defines transaction-like persistence operations for runs and
// their rule programs. Get methods report absence with ok=false.
type Store interface {
	Init(ctx context.Context) error
	SaveProgram(ctx context.Context, program model.ProgramRecord) error
	GetProgram(ctx context.Context, id string) (model.ProgramRecord, bool, error)
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveGenerationStats(ctx context.Context, runID string, history []model.GenerationStats) error
	GetGenerationStats(ctx context.Context, runID string) ([]model.GenerationStats, bool, error)
	SavePopulation(ctx context.Context, snapshot model.PopulationSnapshot) error
	GetPopulation(ctx context.Context, runID string) (model.PopulationSnapshot, bool, error)
	SaveLineage(ctx context.Context, runID string, lineage []model.LineageRecord) error
	GetLineage(ctx context.Context, runID string) ([]model.LineageRecord, bool, error)
}
