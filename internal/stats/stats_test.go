package stats

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseFeatures(t *testing.T) {
	got, err := ParseFeatures(DefaultFeatures)
	if err != nil {
		t.Fatalf("parse defaults: %v", err)
	}
	want := []Feature{FeatureFinishes, FeatureLocals, FeatureWins, FeatureScore, FeatureRank}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("features=%v want %v", got, want)
	}
	got, err = ParseFeatures(" Num_PBs , visits,")
	if err != nil {
		t.Fatalf("parse mixed: %v", err)
	}
	if !reflect.DeepEqual(got, []Feature{FeatureNumPBs, FeatureVisits}) {
		t.Fatalf("features=%v", got)
	}
	for _, bad := range []string{"", " , ", "wins,wins", "elo"} {
		if _, err := ParseFeatures(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestStatsVector(t *testing.T) {
	st := Stats{Finishes: 1, Locals: 2, Wins: 3, Score: 4, Rank: 5, NumPBs: 6}
	got := st.Vector([]Feature{FeatureRank, FeatureNumPBs, FeatureFinishes})
	if !reflect.DeepEqual(got, []float64{5, 6, 1}) {
		t.Fatalf("vector=%v", got)
	}
}

func TestMemoryStoreLookup(t *testing.T) {
	s := NewMemoryStore()
	s.Put(Stats{Login: "alice", Wins: 7})
	ctx := context.Background()
	got, err := s.Lookup(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Wins != 7 {
		t.Fatalf("wins=%v", got.Wins)
	}
	if _, err := s.Lookup(ctx, "bob", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	s.SetAvailable(false)
	if _, err := s.Lookup(ctx, "alice", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	s.SetAvailable(true)
	if _, err := s.Lookup(ctx, "alice", nil); err != nil {
		t.Fatalf("lookup after recovery: %v", err)
	}
}

func TestOpenMemorySeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "players.yaml")
	seed := "players:\n  - login: carol\n    score: 1200\n    num_pbs: 3\n  - login: dave\n"
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	store, err := Open(context.Background(), "mem://"+path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	got, err := store.Lookup(context.Background(), "carol", nil)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Score != 1200 || got.NumPBs != 3 || got.ID != 1 {
		t.Fatalf("unexpected stats %+v", got)
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), "mysql://localhost/db", nil); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(context.Background(), "sqlite://", nil); err == nil {
		t.Fatalf("expected error for empty sqlite path")
	}
}

func TestSQLiteLookup(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stats", "players.db")
	store, err := Open(ctx, "sqlite://"+path, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	sqlStore, ok := store.(*SQLStore)
	if !ok {
		t.Fatalf("expected *SQLStore, got %T", store)
	}
	if err := sqlStore.Put(ctx, Stats{Login: "erin", Finishes: 40, Locals: 12, Wins: 3, Score: 900, Rank: 17}); err != nil {
		t.Fatalf("put: %v", err)
	}
	for _, pos := range []int{1, 4, 7} {
		if err := sqlStore.AddLocalRecord(ctx, "erin", int64(pos), pos); err != nil {
			t.Fatalf("add record: %v", err)
		}
	}
	if err := sqlStore.AddPersonalBest(ctx, "erin", 1); err != nil {
		t.Fatalf("add pb: %v", err)
	}

	got, err := store.Lookup(ctx, "erin", []Feature{FeatureFinishes, FeatureRecordRankAvg, FeatureNumPBs})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Finishes != 40 || got.Rank != 17 || got.RecordRankAvg != 4 || got.NumPBs != 1 {
		t.Fatalf("unexpected stats %+v", got)
	}

	plain, err := store.Lookup(ctx, "erin", []Feature{FeatureWins})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if plain.RecordRankAvg != 0 || plain.NumPBs != 0 {
		t.Fatalf("aggregates computed without being requested: %+v", plain)
	}

	if err := sqlStore.Put(ctx, Stats{Login: "erin", Wins: 4}); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, err := store.Lookup(ctx, "erin", nil)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if updated.Wins != 4 || updated.ID != got.ID {
		t.Fatalf("update not applied in place: %+v", updated)
	}

	if _, err := store.Lookup(ctx, "nobody", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := sqlStore.AddPersonalBest(ctx, "nobody", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown player, got %v", err)
	}
}

func TestSQLiteClosedStoreIsNotFoundSafe(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "p.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = store.Close()
	_, err = store.Lookup(ctx, "x", nil)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected failure after close, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	if !isTransient(context.DeadlineExceeded) {
		t.Fatalf("deadline should be transient")
	}
	if isTransient(errors.New("syntax error")) {
		t.Fatalf("plain error should not be transient")
	}
	if isTransient(nil) {
		t.Fatalf("nil is not transient")
	}
}
