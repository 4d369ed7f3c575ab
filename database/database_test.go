package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
)

func TestConnectRecordsSchemaVersions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	handlers := map[string]SchemaHandler{
		"widgets": func(tx *sqlx.Tx) (int, error) {
			_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS widget_v2 (id INTEGER PRIMARY KEY)`)
			return 2, err
		},
	}

	db, err := Connect("sqlite3", DSN(path), handlers)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if db.Version("widgets") != 2 {
		t.Errorf("Expected version 2, got %d", db.Version("widgets"))
	}
	if db.Version("unknown") != 0 {
		t.Errorf("Expected version 0 for unknown type, got %d", db.Version("unknown"))
	}

	var version int
	if err := db.GetDB().Get(&version, "SELECT version FROM _versions WHERE type = $1", "widgets"); err != nil {
		t.Fatalf("Failed to read _versions: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected persisted version 2, got %d", version)
	}

	// Reconnecting runs the handlers again without error.
	db.Close()
	db2, err := Connect("sqlite3", DSN(path), handlers)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	db2.Close()
}

func TestConnectHandlerError(t *testing.T) {
	boom := errors.New("bad schema")
	_, err := Connect("sqlite3", DSN(filepath.Join(t.TempDir(), "test.db")), map[string]SchemaHandler{
		"broken": func(tx *sqlx.Tx) (int, error) { return 0, boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected handler error, got %v", err)
	}
}
