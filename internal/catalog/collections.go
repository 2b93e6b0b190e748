// File path: internal/catalog/collections.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ErrCollectionNotFound reports a lookup for a collection slug with no row.
var ErrCollectionNotFound = errors.New("collection not found")

// UpsertCollection creates or refreshes a collection row keyed by slug and
// returns the stored row.
func (s *Store) UpsertCollection(ctx context.Context, slug, name, repoURL, ref string) (Collection, error) {
	if err := s.ensureReady(); err != nil {
		return Collection{}, err
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return Collection{}, fmt.Errorf("collection slug required")
	}
	if strings.TrimSpace(ref) == "" {
		ref = "main"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO collections(slug, name, repo_url, ref, is_active)
                VALUES (?, ?, ?, ?, 1)
                ON CONFLICT(slug) DO UPDATE SET
                        name = excluded.name,
                        repo_url = excluded.repo_url,
                        ref = excluded.ref,
                        is_active = 1,
                        updated_at = CURRENT_TIMESTAMP`,
		slug, name, repoURL, ref)
	if err != nil {
		return Collection{}, fmt.Errorf("upsert collection %s: %w", slug, err)
	}
	return s.CollectionBySlug(ctx, slug)
}

// CollectionBySlug fetches one collection.
func (s *Store) CollectionBySlug(ctx context.Context, slug string) (Collection, error) {
	if err := s.ensureReady(); err != nil {
		return Collection{}, err
	}
	var col Collection
	if err := s.db.GetContext(ctx, &col, `SELECT * FROM collections WHERE slug = ?`, strings.TrimSpace(slug)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Collection{}, fmt.Errorf("collection %s: %w", slug, ErrCollectionNotFound)
		}
		return Collection{}, fmt.Errorf("select collection: %w", err)
	}
	return col, nil
}

// ListCollections returns all collections ordered by slug.
func (s *Store) ListCollections(ctx context.Context, onlyActive bool) ([]Collection, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := `SELECT * FROM collections ORDER BY slug`
	if onlyActive {
		query = `SELECT * FROM collections WHERE is_active = 1 ORDER BY slug`
	}
	cols := []Collection{}
	if err := s.db.SelectContext(ctx, &cols, query); err != nil {
		return nil, fmt.Errorf("select collections: %w", err)
	}
	return cols, nil
}

// ReplaceRawFiles overwrites raw file rows for the paths present in the
// snapshot and resets their processed flag. Rows for paths absent from the
// snapshot are left alone; callers reconcile explicitly so a partial fetch
// never destroys history.
func (s *Store) ReplaceRawFiles(ctx context.Context, collectionID int64, files []RawFile) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin raw file write: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO raw_files(collection_id, path, content, file_kind, processed)
                VALUES (?, ?, ?, ?, 0)
                ON CONFLICT(collection_id, path) DO UPDATE SET
                        content = excluded.content,
                        file_kind = excluded.file_kind,
                        processed = 0,
                        updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare raw file upsert: %w", err)
	}
	for _, file := range files {
		if _, err := stmt.ExecContext(ctx, collectionID, file.Path, file.Content, file.FileKind); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("upsert raw file %s: %w", file.Path, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit raw file write: %w", err)
	}
	return nil
}

// ReconcileRawFiles deletes rows whose path is not in keepPaths. Called only
// after a fully successful snapshot so mid-failure fetches keep history.
func (s *Store) ReconcileRawFiles(ctx context.Context, collectionID int64, keepPaths []string) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	if len(keepPaths) == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM raw_files WHERE collection_id = ?`, collectionID)
		if err != nil {
			return 0, fmt.Errorf("reconcile raw files: %w", err)
		}
		return res.RowsAffected()
	}
	query, args, err := sqlx.In(`DELETE FROM raw_files WHERE collection_id = ? AND path NOT IN (?)`, collectionID, keepPaths)
	if err != nil {
		return 0, fmt.Errorf("build reconcile query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("reconcile raw files: %w", err)
	}
	return res.RowsAffected()
}

// RawFilesForCollection returns raw files, optionally only unprocessed ones.
func (s *Store) RawFilesForCollection(ctx context.Context, collectionID int64, onlyUnprocessed bool) ([]RawFile, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := `SELECT * FROM raw_files WHERE collection_id = ? ORDER BY path`
	if onlyUnprocessed {
		query = `SELECT * FROM raw_files WHERE collection_id = ? AND processed = 0 ORDER BY path`
	}
	files := []RawFile{}
	if err := s.db.SelectContext(ctx, &files, query, collectionID); err != nil {
		return nil, fmt.Errorf("select raw files: %w", err)
	}
	return files, nil
}

// MarkRawFilesProcessed flips the processed flag for the given paths. A
// failed parse leaves its file unprocessed so a retry reattempts it.
func (s *Store) MarkRawFilesProcessed(ctx context.Context, collectionID int64, paths []string, processed bool) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}
	flag := 0
	if processed {
		flag = 1
	}
	query, args, err := sqlx.In(`UPDATE raw_files SET processed = ?, updated_at = CURRENT_TIMESTAMP
                WHERE collection_id = ? AND path IN (?)`, flag, collectionID, paths)
	if err != nil {
		return fmt.Errorf("build processed update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark raw files processed: %w", err)
	}
	return nil
}
