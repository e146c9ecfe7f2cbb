package migrations

import (
	"strings"
	"testing"
)

func TestEmbeddedFS_ContainsMigrationFiles(t *testing.T) {
	// Given: The embedded filesystem
	// When: We read the directory
	entries, err := FS.ReadDir(".")
	if err != nil {
		t.Fatalf("failed to read embedded FS: %v", err)
	}

	// Then: It contains every migration in order
	want := []string{
		"001_initial_schema.sql",
		"002_sync_metadata.sql",
		"003_queue_local_id_index.sql",
	}
	var got []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			got = append(got, entry.Name())
		}
	}
	if len(got) != len(want) {
		t.Fatalf("migrations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("migration[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEmbeddedFS_MigrationsHaveGooseDirectives(t *testing.T) {
	entries, err := FS.ReadDir(".")
	if err != nil {
		t.Fatalf("failed to read embedded FS: %v", err)
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := FS.ReadFile(entry.Name())
		if err != nil {
			t.Fatalf("failed to read %s: %v", entry.Name(), err)
		}
		s := string(content)
		if !strings.Contains(s, "-- +goose Up") {
			t.Errorf("%s missing '-- +goose Up' directive", entry.Name())
		}
		if !strings.Contains(s, "-- +goose Down") {
			t.Errorf("%s missing '-- +goose Down' directive", entry.Name())
		}
	}
}

func TestEmbeddedFS_InitialSchemaCreatesCoreTables(t *testing.T) {
	content, err := FS.ReadFile("001_initial_schema.sql")
	if err != nil {
		t.Fatalf("failed to read migration file: %v", err)
	}

	for _, table := range []string{"records", "record_index", "mutation_queue", "collections"} {
		if !strings.Contains(string(content), "CREATE TABLE "+table) {
			t.Errorf("initial schema missing table %s", table)
		}
	}
}
