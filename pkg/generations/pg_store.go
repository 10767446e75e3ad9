package generations

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps each generation as a JSONB document next to the
// columns used for filtering.
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
CREATE TABLE IF NOT EXISTS orchestrator_generations (
    id TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL,
    status TEXT NOT NULL,
    data JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orchestrator_generations_instance_idx ON orchestrator_generations (instance_id, created_at DESC);
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

func (s *PostgresStore) Create(g *Generation) (*Generation, error) {
	PrepareNew(g)
	payload, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`INSERT INTO orchestrator_generations (id, instance_id, status, data, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		g.ID, g.InstanceID, string(g.Status), payload, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

func (s *PostgresStore) Get(id string) (*Generation, error) {
	return scanGeneration(s.db.QueryRow(`SELECT data FROM orchestrator_generations WHERE id=$1`, id), id)
}

func scanGeneration(row *sql.Row, id string) (*Generation, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var g Generation
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode generation %s: %w", id, err)
	}
	return &g, nil
}

func (s *PostgresStore) List(filter Filter) ([]*Generation, error) {
	query := `SELECT data FROM orchestrator_generations`
	var (
		clauses []string
		args    []any
	)
	if filter.InstanceID != "" {
		args = append(args, filter.InstanceID)
		clauses = append(clauses, fmt.Sprintf("instance_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
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

	var result []*Generation
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var g Generation
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("decode generation: %w", err)
		}
		result = append(result, &g)
	}
	return result, rows.Err()
}

// Update holds a row lock for the read-modify-write so a poll attempt and a
// terminal transition never interleave.
func (s *PostgresStore) Update(id string, fn func(g *Generation) error) (*Generation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := scanGeneration(tx.QueryRow(`SELECT data FROM orchestrator_generations WHERE id=$1 FOR UPDATE`, id), id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	Seal(next, current)
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE orchestrator_generations SET status=$1, data=$2, updated_at=$3 WHERE id=$4`,
		string(next.Status), payload, next.UpdatedAt, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *PostgresStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM orchestrator_generations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

var _ Repository = (*PostgresStore)(nil)
