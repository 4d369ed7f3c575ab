package instances

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/archhost/processes"
	"github.com/tomyedwab/archhost/types"
)

const SchemaName = "servers"

const schemaVersion = 1

const serverSchema = `
CREATE TABLE IF NOT EXISTS server_v1 (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	address TEXT NOT NULL DEFAULT 'localhost',
	port INTEGER UNIQUE,
	initialized BOOLEAN NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'created',
	process_id INTEGER,
	archipelago_file_name TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

const serverPortIndex = `
CREATE INDEX IF NOT EXISTS idx_server_v1_port ON server_v1(port);
`

const serverColumns = `id, address, port, initialized, state, process_id, archipelago_file_name, created_at, updated_at`

const getServerV1Sql = `
SELECT ` + serverColumns + ` FROM server_v1 WHERE id = $1;
`

const listServersV1Sql = `
SELECT ` + serverColumns + ` FROM server_v1 ORDER BY id ASC LIMIT $1 OFFSET $2;
`

const allServersV1Sql = `
SELECT ` + serverColumns + ` FROM server_v1 ORDER BY id ASC;
`

const insertServerV1Sql = `
INSERT INTO server_v1 (address, port, initialized, state, created_at, updated_at)
VALUES ($1, $2, 0, $3, $4, $4);
`

const updateInitializedV1Sql = `
UPDATE server_v1
SET initialized = 1, archipelago_file_name = $1, updated_at = $2
WHERE id = $3;
`

const updateStateV1Sql = `
UPDATE server_v1 SET state = $1, updated_at = $2 WHERE id = $3;
`

const updateProcessIDV1Sql = `
UPDATE server_v1 SET process_id = $1, updated_at = $2 WHERE id = $3;
`

const deleteServerV1Sql = `
DELETE FROM server_v1 WHERE id = $1;
`

const assignedPortsV1Sql = `
SELECT port FROM server_v1 WHERE port IS NOT NULL AND port >= $1 ORDER BY port ASC;
`

// DBInit creates the server_v1 table. It is registered with the database
// package as the "servers" schema.
func DBInit(tx *sqlx.Tx) (int, error) {
	if _, err := tx.Exec(serverSchema); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(serverPortIndex); err != nil {
		return 0, err
	}
	return schemaVersion, nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// portQuery lists assigned ports through db or an open transaction.
type portQuery struct {
	q queryer
}

func (p portQuery) AssignedPorts(ctx context.Context, from int) ([]int, error) {
	var ports []int
	if err := p.q.SelectContext(ctx, &ports, assignedPortsV1Sql, from); err != nil {
		return nil, err
	}
	return ports, nil
}

// Store persists instance records in SQLite. It implements
// processes.InstanceStore and processes.PortSource.
type Store struct {
	db      *sqlx.DB
	ports   *processes.PortManager
	address string
}

// NewStore creates a Store. address is recorded on every new instance.
func NewStore(db *sqlx.DB, ports *processes.PortManager, address string) *Store {
	if address == "" {
		address = "localhost"
	}
	return &Store{
		db:      db,
		ports:   ports,
		address: address,
	}
}

// Create inserts a new instance with the lowest free port. The port lookup,
// insert and commit happen while the port manager's lock is held.
func (s *Store) Create(ctx context.Context) (*types.Instance, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id int64
	now := time.Now().UTC().Unix()
	_, err = s.ports.Reserve(ctx, portQuery{tx}, func(port int) error {
		result, err := tx.ExecContext(ctx, insertServerV1Sql, s.address, port, types.StateCreated, now)
		if err != nil {
			return fmt.Errorf("failed to insert instance: %w", err)
		}
		id, err = result.LastInsertId()
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, id)
}

// GetInstance returns the instance with the given id, or ErrNotFound.
func (s *Store) GetInstance(ctx context.Context, id int64) (*types.Instance, error) {
	var instance types.Instance
	err := s.db.GetContext(ctx, &instance, getServerV1Sql, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: instance %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// SetInitialized marks the instance initialized and records the uploaded
// file name. No other column is touched, so a concurrent state change is
// never reverted.
func (s *Store) SetInitialized(ctx context.Context, id int64, fileName *string) error {
	result, err := s.db.ExecContext(ctx, updateInitializedV1Sql, fileName, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return expectOneRow(result, id)
}

// List returns a page of instances ordered by id.
func (s *Store) List(ctx context.Context, offset, limit int) ([]types.Instance, error) {
	instances := []types.Instance{}
	if err := s.db.SelectContext(ctx, &instances, listServersV1Sql, limit, offset); err != nil {
		return nil, err
	}
	return instances, nil
}

// AllInstances returns every instance ordered by id.
func (s *Store) AllInstances(ctx context.Context) ([]types.Instance, error) {
	instances := []types.Instance{}
	if err := s.db.SelectContext(ctx, &instances, allServersV1Sql); err != nil {
		return nil, err
	}
	return instances, nil
}

// Delete removes the instance row, releasing its port.
func (s *Store) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, deleteServerV1Sql, id)
	if err != nil {
		return err
	}
	return expectOneRow(result, id)
}

func (s *Store) SetState(ctx context.Context, id int64, state types.State) error {
	result, err := s.db.ExecContext(ctx, updateStateV1Sql, state, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return expectOneRow(result, id)
}

func (s *Store) SetProcessID(ctx context.Context, id int64, pid *int) error {
	result, err := s.db.ExecContext(ctx, updateProcessIDV1Sql, pid, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return expectOneRow(result, id)
}

func (s *Store) AssignedPorts(ctx context.Context, from int) ([]int, error) {
	return portQuery{s.db}.AssignedPorts(ctx, from)
}

func expectOneRow(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: instance %d", ErrNotFound, id)
	}
	return nil
}
