package main

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/homectl/rfswitch/internal/storage"
)

// openReadOnly creates a database with one apartment and opens it the
// way the query command does
func openReadOnly(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rfswitch.db")

	// Kept open so the WAL index stays available to the read-only handle
	store, err := storage.Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.InsertApartment(&storage.Apartment{Name: "Home"}); err != nil {
		t.Fatalf("InsertApartment failed: %v", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		t.Fatalf("Failed to open read-only: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunQuery(t *testing.T) {
	db := openReadOnly(t)

	var out bytes.Buffer
	if err := runQuery(db, "select name, geofence_id from apartments", &out); err != nil {
		t.Fatalf("runQuery failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("Output has %d lines, want 4:\n%s", len(lines), out.String())
	}
	if f := strings.Fields(lines[0]); len(f) != 2 || f[0] != "name" || f[1] != "geofence_id" {
		t.Errorf("Header = %q", lines[0])
	}
	if f := strings.Fields(lines[2]); len(f) != 2 || f[0] != "Home" || f[1] != "0" {
		t.Errorf("Row = %q", lines[2])
	}
	if lines[3] != "(1 rows)" {
		t.Errorf("Footer = %q, want (1 rows)", lines[3])
	}
}

func TestRunQueryRejectsWrites(t *testing.T) {
	db := openReadOnly(t)

	var out bytes.Buffer
	if err := runQuery(db, "DELETE FROM apartments", &out); err == nil {
		t.Error("Expected DELETE to be rejected")
	}

	// Passes the verb check but the connection is read-only
	if err := runQuery(db, "WITH x AS (SELECT 1) DELETE FROM apartments", &out); err == nil {
		t.Error("Expected write through WITH to fail")
	}

	out.Reset()
	if err := runQuery(db, "SELECT name FROM apartments", &out); err != nil {
		t.Fatalf("runQuery failed: %v", err)
	}
	if !strings.Contains(out.String(), "Home") {
		t.Errorf("Apartment lost after rejected writes:\n%s", out.String())
	}
}
