// File path: internal/catalog/bundles.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/opsforge/bundleindex/internal/bundle"
)

// ErrBundleNotFound is returned when a codebundle lookup misses.
var ErrBundleNotFound = errors.New("codebundle not found")

// UpsertBundle creates or updates a codebundle keyed by (collection_id,
// slug). Enhancement fields are owned by the enhancement stage and are never
// touched here, so re-parsing cannot clobber a completed enhancement.
func (s *Store) UpsertBundle(ctx context.Context, b bundle.Bundle) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(b.Slug) == "" {
		return 0, fmt.Errorf("bundle slug required")
	}
	if b.CollectionID == 0 {
		return 0, fmt.Errorf("bundle collection id required")
	}
	row, err := rowFromBundle(b)
	if err != nil {
		return 0, err
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO codebundles(
                        collection_id, slug, display_name, description, doc_text, readme_text, author,
                        tags, support_tags, tasks, imports, user_variables, discovery, is_active)
                VALUES (:collection_id, :slug, :display_name, :description, :doc_text, :readme_text, :author,
                        :tags, :support_tags, :tasks, :imports, :user_variables, :discovery, :is_active)
                ON CONFLICT(collection_id, slug) DO UPDATE SET
                        display_name = excluded.display_name,
                        description = excluded.description,
                        doc_text = excluded.doc_text,
                        readme_text = excluded.readme_text,
                        author = excluded.author,
                        tags = excluded.tags,
                        support_tags = excluded.support_tags,
                        tasks = excluded.tasks,
                        imports = excluded.imports,
                        user_variables = excluded.user_variables,
                        discovery = excluded.discovery,
                        is_active = excluded.is_active,
                        updated_at = CURRENT_TIMESTAMP`, row)
	if err != nil {
		return 0, fmt.Errorf("upsert bundle %s: %w", b.Slug, err)
	}
	var id int64
	if err := s.db.GetContext(ctx, &id, `SELECT id FROM codebundles WHERE collection_id = ? AND slug = ?`, b.CollectionID, b.Slug); err != nil {
		return 0, fmt.Errorf("select bundle id: %w", err)
	}
	return id, nil
}

// BundleBySlug fetches a codebundle by collection and slug.
func (s *Store) BundleBySlug(ctx context.Context, collectionID int64, slug string) (bundle.Bundle, error) {
	if err := s.ensureReady(); err != nil {
		return bundle.Bundle{}, err
	}
	var row bundleRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM codebundles WHERE collection_id = ? AND slug = ?`, collectionID, strings.TrimSpace(slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bundle.Bundle{}, ErrBundleNotFound
		}
		return bundle.Bundle{}, fmt.Errorf("select bundle: %w", err)
	}
	slugOfCollection, err := s.collectionSlug(ctx, row.CollectionID)
	if err != nil {
		return bundle.Bundle{}, err
	}
	return bundleFromRow(row, slugOfCollection), nil
}

// BundleByID fetches a codebundle by primary key.
func (s *Store) BundleByID(ctx context.Context, id int64) (bundle.Bundle, error) {
	if err := s.ensureReady(); err != nil {
		return bundle.Bundle{}, err
	}
	var row bundleRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM codebundles WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bundle.Bundle{}, ErrBundleNotFound
		}
		return bundle.Bundle{}, fmt.Errorf("select bundle: %w", err)
	}
	slug, err := s.collectionSlug(ctx, row.CollectionID)
	if err != nil {
		return bundle.Bundle{}, err
	}
	return bundleFromRow(row, slug), nil
}

// ListBundles returns bundles, optionally active-only, joined with their
// collection slug.
func (s *Store) ListBundles(ctx context.Context, onlyActive bool) ([]bundle.Bundle, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := `SELECT cb.*, c.slug AS collection_slug FROM codebundles cb
                INNER JOIN collections c ON c.id = cb.collection_id ORDER BY c.slug, cb.slug`
	if onlyActive {
		query = `SELECT cb.*, c.slug AS collection_slug FROM codebundles cb
                INNER JOIN collections c ON c.id = cb.collection_id
                WHERE cb.is_active = 1 ORDER BY c.slug, cb.slug`
	}
	type joinedRow struct {
		bundleRow
		CollectionSlug string `db:"collection_slug"`
	}
	rows := []joinedRow{}
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("select bundles: %w", err)
	}
	bundles := make([]bundle.Bundle, 0, len(rows))
	for _, row := range rows {
		bundles = append(bundles, bundleFromRow(row.bundleRow, row.CollectionSlug))
	}
	return bundles, nil
}

// BundlesByStatus returns active bundles with a given enhancement status.
func (s *Store) BundlesByStatus(ctx context.Context, statuses ...bundle.EnhancementStatus) ([]bundle.Bundle, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return s.ListBundles(ctx, true)
	}
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	query, args, err := sqlx.In(`SELECT cb.*, c.slug AS collection_slug FROM codebundles cb
                INNER JOIN collections c ON c.id = cb.collection_id
                WHERE cb.is_active = 1 AND cb.enhancement_status IN (?)
                ORDER BY c.slug, cb.slug`, values)
	if err != nil {
		return nil, fmt.Errorf("build status query: %w", err)
	}
	type joinedRow struct {
		bundleRow
		CollectionSlug string `db:"collection_slug"`
	}
	rows := []joinedRow{}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select bundles by status: %w", err)
	}
	bundles := make([]bundle.Bundle, 0, len(rows))
	for _, row := range rows {
		bundles = append(bundles, bundleFromRow(row.bundleRow, row.CollectionSlug))
	}
	return bundles, nil
}

// DeactivateMissingBundles soft-deletes bundles whose source directory
// disappeared from the collection. Returns the number of rows deactivated.
func (s *Store) DeactivateMissingBundles(ctx context.Context, collectionID int64, activeSlugs []string) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	if len(activeSlugs) == 0 {
		res, err := s.db.ExecContext(ctx, `UPDATE codebundles SET is_active = 0, updated_at = CURRENT_TIMESTAMP
                        WHERE collection_id = ? AND is_active = 1`, collectionID)
		if err != nil {
			return 0, fmt.Errorf("deactivate bundles: %w", err)
		}
		return res.RowsAffected()
	}
	query, args, err := sqlx.In(`UPDATE codebundles SET is_active = 0, updated_at = CURRENT_TIMESTAMP
                WHERE collection_id = ? AND is_active = 1 AND slug NOT IN (?)`, collectionID, activeSlugs)
	if err != nil {
		return 0, fmt.Errorf("build deactivate query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deactivate bundles: %w", err)
	}
	return res.RowsAffected()
}

// UpdateEnhancementStatus moves a bundle's status without touching the
// denormalized enhancement fields.
func (s *Store) UpdateEnhancementStatus(ctx context.Context, bundleID int64, status bundle.EnhancementStatus) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE codebundles SET enhancement_status = ?, updated_at = CURRENT_TIMESTAMP
                WHERE id = ?`, string(status), bundleID)
	if err != nil {
		return fmt.Errorf("update enhancement status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrBundleNotFound
	}
	return nil
}

// ApplyEnhancement overwrites the denormalized enhancement fields and marks
// the bundle completed. Called only on a successful enhancement; failures
// leave prior data intact.
func (s *Store) ApplyEnhancement(ctx context.Context, bundleID int64, result bundle.Enhancement) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	iam, err := encodeJSON(result.IAMRequirements)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE codebundles SET
                        enhanced_description = ?,
                        access_level = ?,
                        iam_requirements = ?,
                        enhancement_status = ?,
                        updated_at = CURRENT_TIMESTAMP
                WHERE id = ?`,
		result.EnhancedDescription, result.AccessLevel, iam, string(bundle.EnhancementCompleted), bundleID)
	if err != nil {
		return fmt.Errorf("apply enhancement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrBundleNotFound
	}
	return nil
}

// InsertEnhancementRecord appends one audit row for an enhancement attempt.
func (s *Store) InsertEnhancementRecord(ctx context.Context, rec EnhancementRecord) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if rec.CodeBundleID == 0 {
		return fmt.Errorf("enhancement record requires codebundle id")
	}
	if rec.IAMRequirements == "" {
		rec.IAMRequirements = "[]"
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO enhancements(
                        codebundle_id, status, prompt, raw_response, enhanced_description,
                        access_level, iam_requirements, model_used, processing_ms, error_text)
                VALUES (:codebundle_id, :status, :prompt, :raw_response, :enhanced_description,
                        :access_level, :iam_requirements, :model_used, :processing_ms, :error_text)`, rec)
	if err != nil {
		return fmt.Errorf("insert enhancement record: %w", err)
	}
	return nil
}

// EnhancementRecords returns the audit trail for a bundle, newest first.
func (s *Store) EnhancementRecords(ctx context.Context, bundleID int64) ([]EnhancementRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	records := []EnhancementRecord{}
	if err := s.db.SelectContext(ctx, &records, `SELECT * FROM enhancements
                WHERE codebundle_id = ? ORDER BY created_at DESC, id DESC`, bundleID); err != nil {
		return nil, fmt.Errorf("select enhancement records: %w", err)
	}
	return records, nil
}

func (s *Store) collectionSlug(ctx context.Context, collectionID int64) (string, error) {
	var slug string
	if err := s.db.GetContext(ctx, &slug, `SELECT slug FROM collections WHERE id = ?`, collectionID); err != nil {
		return "", fmt.Errorf("select collection slug: %w", err)
	}
	return slug, nil
}
