package executions

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists executions to Postgres. Output is appended in SQL
// so concurrent readers always see a prefix of the final text.
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

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS orchestrator_executions (
    id TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL,
    status TEXT NOT NULL,
    output TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS orchestrator_executions_instance_idx ON orchestrator_executions (instance_id, started_at DESC);
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

func (s *PostgresStore) Create(exec *Execution) (*Execution, error) {
	query := `INSERT INTO orchestrator_executions (id, instance_id, status, output, started_at, updated_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := s.db.Exec(query, exec.ID, exec.InstanceID, exec.Status, exec.Output, exec.StartedAt, exec.UpdatedAt, exec.FinishedAt)
	if err != nil {
		return nil, err
	}
	return exec.Clone(), nil
}

const selectColumns = `SELECT id, instance_id, status, output, started_at, updated_at, finished_at FROM orchestrator_executions`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	var e Execution
	var finishedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.InstanceID, &e.Status, &e.Output, &e.StartedAt, &e.UpdatedAt, &finishedAt); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		e.FinishedAt = &t
	}
	return &e, nil
}

func (s *PostgresStore) Get(id string) (*Execution, error) {
	exec, err := scanExecution(s.db.QueryRow(selectColumns+` WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return exec, nil
}

func (s *PostgresStore) ListByInstance(instanceID string) ([]*Execution, error) {
	rows, err := s.db.Query(selectColumns+` WHERE instance_id=$1 ORDER BY started_at DESC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) AppendOutput(id string, chunk string) error {
	res, err := s.db.Exec(`UPDATE orchestrator_executions SET output = output || $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		chunk, time.Now().UTC(), id, StatusRunning)
	if err != nil {
		return err
	}
	return s.checkAffected(res, id)
}

func (s *PostgresStore) Finish(id string, status Status, trailer string) (*Execution, error) {
	if err := checkTerminal(status); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE orchestrator_executions SET output = output || $1, status = $2, updated_at = $3, finished_at = $3 WHERE id = $4 AND status = $5`,
		trailer, status, now, id, StatusRunning)
	if err != nil {
		return nil, err
	}
	if err := s.checkAffected(res, id); err != nil {
		return nil, err
	}
	return s.Get(id)
}

// checkAffected tells a missing row apart from a finished one when an
// update guarded on status matched nothing.
func (s *PostgresStore) checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrImmutable, id)
}

var _ Repository = (*PostgresStore)(nil)
