package instances

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.EnsureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing pool; the caller owns schema setup.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS orchestrator_instances (
    id TEXT PRIMARY KEY,
    data JSONB NOT NULL,
    ssh_private_key TEXT,
    ssh_password TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS orchestrator_instance_events (
    id TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orchestrator_instance_events_instance_idx ON orchestrator_instance_events (instance_id, created_at);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Create(inst *Instance) (*Instance, error) {
	PrepareNew(inst, uuid.NewString)
	if err := s.saveInstance(s.db, inst); err != nil {
		return nil, err
	}
	if err := s.AppendEvent(inst.ID, EventLifecycle, "Instance registered"); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

func (s *PostgresStore) Get(id string) (*Instance, error) {
	return s.getInstance(s.db.QueryRow(`SELECT data, ssh_private_key, ssh_password FROM orchestrator_instances WHERE id=$1`, id), id)
}

func (s *PostgresStore) getInstance(row *sql.Row, id string) (*Instance, error) {
	var (
		raw        []byte
		privateKey sql.NullString
		password   sql.NullString
	)
	if err := row.Scan(&raw, &privateKey, &password); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var inst Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	if privateKey.Valid {
		inst.SSHPrivateKey = privateKey.String
	}
	if password.Valid {
		inst.SSHPassword = password.String
	}
	return &inst, nil
}

func (s *PostgresStore) List(filter Filter) ([]*Instance, error) {
	query := `SELECT data FROM orchestrator_instances`
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("data->>'status' = $%d", len(args)))
	}
	if filter.SetupStatus != "" {
		args = append(args, string(filter.SetupStatus))
		clauses = append(clauses, fmt.Sprintf("data->>'setupStatus' = $%d", len(args)))
	}
	for idx, clause := range clauses {
		if idx == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Instance
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var inst Instance
		if err := json.Unmarshal(raw, &inst); err != nil {
			continue
		}
		result = append(result, &inst)
	}
	return result, rows.Err()
}

// Update runs fn inside a transaction holding a row lock, so concurrent
// owners of different fields never clobber each other's writes.
func (s *PostgresStore) Update(id string, fn func(i *Instance) error) (*Instance, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	inst, err := s.getInstance(tx.QueryRow(`SELECT data, ssh_private_key, ssh_password FROM orchestrator_instances WHERE id=$1 FOR UPDATE`, id), id)
	if err != nil {
		return nil, err
	}
	if err := fn(inst); err != nil {
		return nil, err
	}
	inst.ID = id
	inst.UpdatedAt = time.Now().UTC()
	if err := s.saveInstance(tx, inst); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *PostgresStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM orchestrator_instances WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(id string, kind EventKind, message string) error {
	_, err := s.db.Exec(`INSERT INTO orchestrator_instance_events (id, instance_id, kind, message, created_at) VALUES ($1,$2,$3,$4,$5)`,
		uuid.NewString(), id, string(kind), message, time.Now().UTC())
	return err
}

func (s *PostgresStore) Events(id string) ([]Event, error) {
	rows, err := s.db.Query(`SELECT id, kind, message, created_at FROM orchestrator_instance_events WHERE instance_id=$1 ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.InstanceID = id
		events = append(events, ev)
	}
	return events, rows.Err()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) saveInstance(db execer, inst *Instance) error {
	bytes, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	_, err = db.Exec(`INSERT INTO orchestrator_instances (
	    id,
	    data,
	    ssh_private_key,
	    ssh_password,
	    created_at,
	    updated_at
)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
	data = EXCLUDED.data,
	ssh_private_key = EXCLUDED.ssh_private_key,
	ssh_password = EXCLUDED.ssh_password,
	updated_at = EXCLUDED.updated_at`,
		inst.ID,
		bytes,
		inst.SSHPrivateKey,
		inst.SSHPassword,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	return err
}

var _ Repository = (*PostgresStore)(nil)
