package database

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const globalSchema = `
CREATE TABLE IF NOT EXISTS _versions (
	type TEXT PRIMARY KEY,
	version INTEGER,
	updated TIMESTAMP
)
`

const updateVersionSql = `
INSERT INTO _versions (type, version, updated)
VALUES ($1, $2, datetime())
ON CONFLICT (type)
DO UPDATE SET version = $2, updated = datetime();
`

// SchemaHandler creates or upgrades one table family inside the
// initialization transaction and returns the schema version it leaves behind.
type SchemaHandler func(tx *sqlx.Tx) (int, error)

type Database struct {
	db       *sqlx.DB
	versions map[string]int
}

// DSN builds the go-sqlite3 data source name for a database file.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
}

// Connect opens the database and runs every schema handler in one
// transaction. SQLite allows a single writer, so the pool is limited to one
// connection and writers queue in Go rather than failing with SQLITE_BUSY.
func Connect(driverName string, dataSourceName string, handlers map[string]SchemaHandler) (*Database, error) {
	db, err := sqlx.Connect(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	versions, err := initSchema(db, handlers)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db:       db,
		versions: versions,
	}, nil
}

func initSchema(db *sqlx.DB, handlers map[string]SchemaHandler) (map[string]int, error) {
	tx, err := db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(globalSchema); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	versions := make(map[string]int, len(handlers))
	for _, name := range names {
		version, err := handlers[name](tx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s schema: %w", name, err)
		}
		if _, err := tx.Exec(updateVersionSql, name, version); err != nil {
			return nil, err
		}
		versions[name] = version
		slog.Info("Initialized schema", "type", name, "version", version)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return versions, nil
}

// Version returns the schema version recorded for a table family, or 0.
func (db *Database) Version(name string) int {
	return db.versions[name]
}

func (db *Database) GetDB() *sqlx.DB {
	return db.db
}

func (db *Database) Close() error {
	return db.db.Close()
}
