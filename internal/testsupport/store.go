package testsupport

import (
	"testing"

	"envtrack/internal/config"
	"envtrack/internal/store"
)

// MustOpenStore opens the database for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.DB {
	t.Helper()

	db, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
