// File path: internal/catalog/store.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var errNilStore = errors.New("catalog store not initialised")

// Store wraps a pooled sqlx.DB connection to the SQLite registry catalog.
type Store struct {
	db *sqlx.DB
}

// Open constructs a Store backed by the SQLite database at the provided
// path. The schema is migrated on first use.
func Open(path string) (*Store, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		cfg.Path = trimmed
	}
	return OpenWithConfig(cfg)
}

// OpenWithConfig constructs a Store using the provided configuration.
func OpenWithConfig(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("catalog path required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}
	busy := int(cfg.BusyTimeout / time.Millisecond)
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", abs, busy)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingTimeout := cfg.BusyTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying sqlx.DB for advanced callers.
func (s *Store) DB() *sqlx.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) ensureReady() error {
	if s == nil || s.db == nil {
		return errNilStore
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	// Journal mode cannot change inside a transaction, so pragmas run
	// on the bare connection before the schema transaction begins.
	for i, stmt := range pragmaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute pragma %d: %w", i+1, err)
		}
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

var pragmaStatements = []string{
	`PRAGMA journal_mode = WAL;`,
	`PRAGMA foreign_keys = ON;`,
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS collections (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                slug TEXT NOT NULL UNIQUE,
                name TEXT NOT NULL,
                repo_url TEXT NOT NULL,
                ref TEXT NOT NULL DEFAULT 'main',
                is_active INTEGER NOT NULL DEFAULT 1,
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
	`CREATE TABLE IF NOT EXISTS raw_files (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                collection_id INTEGER NOT NULL,
                path TEXT NOT NULL,
                content TEXT NOT NULL,
                file_kind TEXT NOT NULL DEFAULT 'other',
                processed INTEGER NOT NULL DEFAULT 0,
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                FOREIGN KEY(collection_id) REFERENCES collections(id) ON DELETE CASCADE,
                UNIQUE(collection_id, path)
        );`,
	`CREATE TABLE IF NOT EXISTS codebundles (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                collection_id INTEGER NOT NULL,
                slug TEXT NOT NULL,
                display_name TEXT NOT NULL,
                description TEXT NOT NULL DEFAULT '',
                doc_text TEXT NOT NULL DEFAULT '',
                readme_text TEXT NOT NULL DEFAULT '',
                author TEXT NOT NULL DEFAULT '',
                tags TEXT NOT NULL DEFAULT '[]',
                support_tags TEXT NOT NULL DEFAULT '[]',
                tasks TEXT NOT NULL DEFAULT '[]',
                imports TEXT NOT NULL DEFAULT '[]',
                user_variables TEXT NOT NULL DEFAULT '[]',
                discovery TEXT,
                enhanced_description TEXT NOT NULL DEFAULT '',
                access_level TEXT NOT NULL DEFAULT '',
                iam_requirements TEXT NOT NULL DEFAULT '[]',
                enhancement_status TEXT NOT NULL DEFAULT 'none',
                is_active INTEGER NOT NULL DEFAULT 1,
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                FOREIGN KEY(collection_id) REFERENCES collections(id) ON DELETE CASCADE,
                UNIQUE(collection_id, slug)
        );`,
	`CREATE TABLE IF NOT EXISTS enhancements (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                codebundle_id INTEGER NOT NULL,
                status TEXT NOT NULL,
                prompt TEXT NOT NULL DEFAULT '',
                raw_response TEXT NOT NULL DEFAULT '',
                enhanced_description TEXT NOT NULL DEFAULT '',
                access_level TEXT NOT NULL DEFAULT '',
                iam_requirements TEXT NOT NULL DEFAULT '[]',
                model_used TEXT NOT NULL DEFAULT '',
                processing_ms INTEGER NOT NULL DEFAULT 0,
                error_text TEXT NOT NULL DEFAULT '',
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                FOREIGN KEY(codebundle_id) REFERENCES codebundles(id) ON DELETE CASCADE
        );`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
                run_id TEXT PRIMARY KEY,
                task_name TEXT NOT NULL,
                task_kind TEXT NOT NULL,
                status TEXT NOT NULL DEFAULT 'pending',
                step_index INTEGER NOT NULL DEFAULT 0,
                step_total INTEGER NOT NULL DEFAULT 0,
                step_message TEXT NOT NULL DEFAULT '',
                result TEXT NOT NULL DEFAULT '',
                error_text TEXT NOT NULL DEFAULT '',
                triggered_by TEXT NOT NULL DEFAULT '',
                parameters TEXT NOT NULL DEFAULT '{}',
                started_at DATETIME,
                completed_at DATETIME,
                duration_ms INTEGER,
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
	`CREATE INDEX IF NOT EXISTS idx_raw_files_collection ON raw_files(collection_id, processed);`,
	`CREATE INDEX IF NOT EXISTS idx_codebundles_collection ON codebundles(collection_id, is_active);`,
	`CREATE INDEX IF NOT EXISTS idx_codebundles_status ON codebundles(enhancement_status);`,
	`CREATE INDEX IF NOT EXISTS idx_enhancements_bundle ON enhancements(codebundle_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_runs_created ON pipeline_runs(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status, completed_at);`,
}
