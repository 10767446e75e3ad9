package main

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vyvo/studio/backend/pkg/config"
	"github.com/vyvo/studio/backend/pkg/executions"
	"github.com/vyvo/studio/backend/pkg/generations"
	"github.com/vyvo/studio/backend/pkg/instances"
	"github.com/vyvo/studio/backend/pkg/kvstore"
	"github.com/vyvo/studio/backend/pkg/workflows"
)

// repositories bundles the persistence backends selected by storage.driver.
type repositories struct {
	instances   instances.Repository
	executions  executions.Repository
	generations generations.Repository
	workflows   workflows.Store
	close       func() error
}

// openRepositories builds the stores for the configured driver. The file
// driver persists instances to JSON and keeps the rest in memory; badger and
// postgres persist everything.
func openRepositories(cfg config.StorageConfig) (*repositories, error) {
	switch cfg.Driver {
	case "file":
		path := ""
		if cfg.Path != "" {
			path = filepath.Join(cfg.Path, "instances.json")
		}
		store, err := instances.NewStore(path)
		if err != nil {
			return nil, err
		}
		return &repositories{
			instances:   store,
			executions:  executions.NewMemStore(),
			generations: generations.NewMemStore(),
			workflows:   workflows.NewMemStore(),
			close:       func() error { return nil },
		}, nil

	case "badger":
		kv, err := kvstore.Open(filepath.Join(cfg.Path, "badger"))
		if err != nil {
			return nil, err
		}
		return &repositories{
			instances:   kv.Instances(),
			executions:  kv.Executions(),
			generations: kv.Generations(),
			workflows:   workflows.NewMemStore(),
			close:       kv.Close,
		}, nil

	case "postgres":
		db, err := openPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := migrate(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &repositories{
			instances:   instances.NewPostgresStoreFromDB(db),
			executions:  executions.NewPostgresStoreFromDB(db),
			generations: generations.NewPostgresStoreFromDB(db),
			workflows:   workflows.NewPostgresStoreFromDB(db),
			close:       db.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func openPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
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
	return db, nil
}

type schemaOwner interface {
	EnsureSchema() error
}

// migrate applies every table definition the orchestrator owns. Each step
// is idempotent.
func migrate(db *sql.DB) error {
	steps := []struct {
		name  string
		owner schemaOwner
	}{
		{"instances", instances.NewPostgresStoreFromDB(db)},
		{"executions", executions.NewPostgresStoreFromDB(db)},
		{"generations", generations.NewPostgresStoreFromDB(db)},
		{"workflows", workflows.NewPostgresStoreFromDB(db)},
	}
	var errs []error
	for _, step := range steps {
		if err := step.owner.EnsureSchema(); err != nil {
			errs = append(errs, fmt.Errorf("migrate %s: %w", step.name, err))
		}
	}
	return errors.Join(errs...)
}
