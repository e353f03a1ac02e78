package main

import (
	"context"
	"path/filepath"
	"testing"

	"taskboard/config"
	"taskboard/storage"
)

func TestMigrateSQLiteIsRepeatable(t *testing.T) {
	cfg := config.Default()
	cfg.StorageDriver = storage.DriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "board.db")

	for i := 0; i < 2; i++ {
		if err := migrate(context.Background(), cfg); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}

	store, err := storage.Open(context.Background(), storageOptions(cfg))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if _, err := store.ListUsersExcept(context.Background(), "nobody"); err != nil {
		t.Fatalf("tables should exist after migrate: %v", err)
	}
}

func TestNewAuthLocalMode(t *testing.T) {
	cfg := config.Default()
	cfg.LocalAuthMode = "hs256"
	cfg.LocalAuthSecret = "s"
	auth, jwks, err := newAuth(cfg)
	if err != nil || auth == nil || jwks != nil {
		t.Fatalf("unexpected local auth: %v %v %v", auth, jwks, err)
	}
}

func TestContainsWildcard(t *testing.T) {
	if !containsWildcard([]string{"https://a", "*"}) || containsWildcard([]string{"https://a"}) {
		t.Fatalf("unexpected wildcard detection")
	}
}
