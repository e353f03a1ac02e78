package storage

import (
	"context"
	"testing"
)

func openMemorySQLite(t *testing.T) Backend {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestSQLiteBackend(t *testing.T) {
	runBackendSuite(t, openMemorySQLite)
}

func TestSQLiteTagsRoundTripThroughJSONColumn(t *testing.T) {
	s := openMemorySQLite(t).(*SQLite)
	seedUser(t, s, "u1", "Ann", "")
	task := seedTask(t, s, "Tagged", "u1", "u1", suiteEpoch)

	if err := s.db.Model(&taskModel{}).Where("id = ?", task.ID).Update("tags", `["a","b"]`).Error; err != nil {
		t.Fatalf("raw update: %v", err)
	}
	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "a" || got.Tags[1] != "b" {
		t.Fatalf("unexpected tags: %#v", got.Tags)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Options{Driver: "mongo"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
