package storage

import (
	"context"
	"path/filepath"
	"testing"

	"picobot/internal/model"
)

func TestSQLiteStoreRoundTrips(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "picobot.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	exerciseStore(t, store)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "picobot.db")

	first := NewSQLiteStore(dbPath)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	run := model.RunRecord{VersionedRecord: CurrentVersion(), ID: "run-1", Scape: "coverage"}
	if err := first.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := NewSQLiteStore(dbPath)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		_ = second.Close()
	})
	loaded, ok, err := second.GetRun(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get run after reopen: ok=%t err=%v", ok, err)
	}
	if loaded.Scape != "coverage" {
		t.Fatalf("unexpected run: %+v", loaded)
	}
}

func TestSQLiteStoreRequiresInitAndPath(t *testing.T) {
	if err := NewSQLiteStore("").Init(context.Background()); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, _, err := NewSQLiteStore("unused.db").GetRun(context.Background(), "x"); err == nil {
		t.Fatal("expected error before init")
	}
}
