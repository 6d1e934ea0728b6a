package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"picobot/internal/model"
)

func TestDecodeProgramFixture(t *testing.T) {
	program, err := DecodeProgram(readFixture(t, "minimal_program_v1.json"))
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if program.ID != "program-minimal-1" || program.NumStates != 1 {
		t.Fatalf("unexpected program: %+v", program)
	}
	if program.Rules != "0 NEWx m -> pm S 0\n0 NEWx xm -> dm S 0\n" {
		t.Fatalf("unexpected rules: %q", program.Rules)
	}
}

func TestDecodeRunFixture(t *testing.T) {
	run, err := DecodeRun(readFixture(t, "minimal_run_v1.json"))
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if run.ID != "run-minimal-1" || !run.CreatedAt.Equal(want) {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.PopulationSize != 200 || run.SurvivalFraction != 0.1 || run.LastGeneration != 20 {
		t.Fatalf("unexpected run parameters: %+v", run)
	}
}

func TestDecodeRejectsOldSchema(t *testing.T) {
	_, err := DecodeProgram(readFixture(t, "program_v0.json"))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestPopulationRoundTripChecksNestedVersions(t *testing.T) {
	snapshot := model.PopulationSnapshot{
		VersionedRecord: CurrentVersion(),
		RunID:           "run-1",
		Generation:      4,
		Programs: []model.ProgramRecord{
			{VersionedRecord: CurrentVersion(), ID: "a", NumStates: 1, Rules: "r", Fitness: 0.1},
			{VersionedRecord: CurrentVersion(), ID: "b", NumStates: 1, Rules: "r", Fitness: 0.2},
		},
	}
	data, err := EncodePopulation(snapshot)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodePopulation(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, snapshot) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, snapshot)
	}

	snapshot.Programs[1].CodecVersion = 0
	data, err = EncodePopulation(snapshot)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodePopulation(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected nested version mismatch, got %v", err)
	}
}

func TestDecodeLineageRejectsUnversionedRecords(t *testing.T) {
	if _, err := DecodeLineage([]byte(`[{"program_id":"x","generation":1,"operation":"seed"}]`)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()

	data, err := os.ReadFile(fixturePath(name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}
