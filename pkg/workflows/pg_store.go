package workflows

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pool and checks connectivity. Call EnsureSchema
// (or the migrate command) before first use.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	if strings.TrimSpace(connString) == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrations returns the embedded migration file names in apply order.
func Migrations() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// EnsureSchema applies embedded migrations in lexical order.
func (s *PostgresStore) EnsureSchema() error {
	names, err := Migrations()
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, name := range names {
		payload, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sqlText := strings.TrimSpace(string(payload))
		if sqlText == "" {
			continue
		}
		if _, err := tx.Exec(sqlText); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(w *Workflow) (*Workflow, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const query = `
        INSERT INTO orchestrator_workflows (id, name, description, graph, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `
	if _, err := tx.Exec(query, w.ID, w.Name, w.Description, []byte(w.Graph), w.CreatedAt, w.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	if err := insertModels(tx, w.ID, w.Models); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w.Clone(), nil
}

func insertModels(tx *sql.Tx, workflowID string, models []RequiredModel) error {
	for _, m := range models {
		_, err := tx.Exec(`
            INSERT INTO orchestrator_workflow_models (workflow_id, name, type, required)
            VALUES ($1, $2, $3, $4)
            ON CONFLICT (workflow_id, name) DO NOTHING
        `, workflowID, m.Name, string(m.Type), m.Required)
		if err != nil {
			return fmt.Errorf("insert workflow model %s: %w", m.Name, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(id string) (*Workflow, error) {
	var (
		w     Workflow
		graph []byte
	)
	err := s.db.QueryRow(`SELECT id, name, description, graph, created_at, updated_at FROM orchestrator_workflows WHERE id=$1`, id).
		Scan(&w.ID, &w.Name, &w.Description, &graph, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	w.Graph = graph
	models, err := s.models(id)
	if err != nil {
		return nil, err
	}
	w.Models = models
	return &w, nil
}

func (s *PostgresStore) models(workflowID string) ([]RequiredModel, error) {
	rows, err := s.db.Query(`SELECT name, type, required FROM orchestrator_workflow_models WHERE workflow_id=$1 ORDER BY created_at, name`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	models := []RequiredModel{}
	for rows.Next() {
		var m RequiredModel
		if err := rows.Scan(&m.Name, &m.Type, &m.Required); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *PostgresStore) List() ([]*Workflow, error) {
	rows, err := s.db.Query(`SELECT id FROM orchestrator_workflows ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]*Workflow, 0, len(ids))
	for _, id := range ids {
		w, err := s.Get(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, w)
	}
	return result, nil
}

func (s *PostgresStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM orchestrator_workflows WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) AddModels(id string, models []RequiredModel) (*Workflow, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`UPDATE orchestrator_workflows SET updated_at=$1 WHERE id=$2`, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := insertModels(tx, id, models); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(id)
}

var _ Store = (*PostgresStore)(nil)
