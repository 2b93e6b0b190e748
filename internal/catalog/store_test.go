// File path: internal/catalog/store_test.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opsforge/bundleindex/internal/bundle"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenAppliesConnectionPragmas(t *testing.T) {
	store := openTestStore(t)

	var mode string
	if err := store.DB().QueryRowContext(context.Background(), `PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("query journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal mode, got %q", mode)
	}
}

func TestUpsertCollectionIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertCollection(ctx, "k8s-bundles", "Kubernetes Bundles", "https://example.com/one.git", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.Ref != "main" {
		t.Fatalf("expected default ref main, got %q", first.Ref)
	}

	second, err := store.UpsertCollection(ctx, "k8s-bundles", "Kubernetes Bundles", "https://example.com/two.git", "release")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert created a new row: %d vs %d", second.ID, first.ID)
	}
	if second.RepoURL != "https://example.com/two.git" || second.Ref != "release" {
		t.Fatalf("upsert did not refresh fields: %+v", second)
	}

	cols, err := store.ListCollections(ctx, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cols) != 1 {
		t.Fatalf("expected 1 collection, got %d", len(cols))
	}
}

func TestCollectionBySlugMissing(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.CollectionBySlug(context.Background(), "ghost"); !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
}

func TestUpsertBundlePersistsReadme(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	col, err := store.UpsertCollection(ctx, "k8s-bundles", "Kubernetes Bundles", "https://example.com/repo.git", "main")
	if err != nil {
		t.Fatalf("upsert collection: %v", err)
	}

	id, err := store.UpsertBundle(ctx, bundle.Bundle{
		CollectionID: col.ID,
		Slug:         "pod-restart-check",
		DisplayName:  "Pod Restart Check",
		ReadmeText:   "Inspects pod restart counts and reports crashloops.",
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("upsert bundle: %v", err)
	}

	got, err := store.BundleByID(ctx, id)
	if err != nil {
		t.Fatalf("reload bundle: %v", err)
	}
	if got.ReadmeText != "Inspects pod restart counts and reports crashloops." {
		t.Fatalf("readme not persisted: %q", got.ReadmeText)
	}
	if !strings.Contains(got.DocumentText(), "Inspects pod restart counts") {
		t.Fatalf("reloaded document text lost the readme: %q", got.DocumentText())
	}
}

func TestUpsertBundleUpdatesInPlace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	col, err := store.UpsertCollection(ctx, "k8s-bundles", "Kubernetes Bundles", "https://example.com/repo.git", "main")
	if err != nil {
		t.Fatalf("upsert collection: %v", err)
	}

	b := bundle.Bundle{
		CollectionID: col.ID,
		Slug:         "pod-restart-check",
		DisplayName:  "Pod Restart Check",
		Description:  "Checks pods for restart loops.",
		Tags:         []string{"kubernetes", "pods"},
		Tasks:        []bundle.TaskRef{{Name: "Check Pod Restarts"}},
		IsActive:     true,
	}
	firstID, err := store.UpsertBundle(ctx, b)
	if err != nil {
		t.Fatalf("upsert bundle: %v", err)
	}

	// A completed enhancement must survive a re-parse of the same directory.
	if err := store.ApplyEnhancement(ctx, firstID, bundle.Enhancement{
		EnhancedDescription: "Detects crashlooping pods and summarizes restart causes.",
		AccessLevel:         "read-only",
		IAMRequirements:     []string{"pods/get", "pods/list"},
	}); err != nil {
		t.Fatalf("apply enhancement: %v", err)
	}

	b.Description = "Checks pods for restart loops and crashloops."
	secondID, err := store.UpsertBundle(ctx, b)
	if err != nil {
		t.Fatalf("reparse upsert: %v", err)
	}
	if secondID != firstID {
		t.Fatalf("reparse duplicated the bundle: %d vs %d", secondID, firstID)
	}

	got, err := store.BundleByID(ctx, firstID)
	if err != nil {
		t.Fatalf("bundle by id: %v", err)
	}
	if got.Description != "Checks pods for restart loops and crashloops." {
		t.Fatalf("parse fields not refreshed: %q", got.Description)
	}
	if got.Status != bundle.EnhancementCompleted {
		t.Fatalf("reparse clobbered enhancement status: %s", got.Status)
	}
	if got.Enhancement == nil || got.Enhancement.EnhancedDescription == "" {
		t.Fatalf("reparse clobbered enhancement data: %+v", got.Enhancement)
	}
	if len(got.Enhancement.IAMRequirements) != 2 {
		t.Fatalf("iam requirements not round-tripped: %+v", got.Enhancement.IAMRequirements)
	}
	if got.CollectionSlug != "k8s-bundles" {
		t.Fatalf("collection slug not resolved: %q", got.CollectionSlug)
	}
}

func TestDeactivateMissingBundles(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	col, err := store.UpsertCollection(ctx, "k8s-bundles", "Kubernetes Bundles", "https://example.com/repo.git", "main")
	if err != nil {
		t.Fatalf("upsert collection: %v", err)
	}
	for _, slug := range []string{"pod-restart-check", "node-health", "ingress-audit"} {
		if _, err := store.UpsertBundle(ctx, bundle.Bundle{
			CollectionID: col.ID,
			Slug:         slug,
			DisplayName:  slug,
			IsActive:     true,
		}); err != nil {
			t.Fatalf("upsert %s: %v", slug, err)
		}
	}

	removed, err := store.DeactivateMissingBundles(ctx, col.ID, []string{"pod-restart-check"})
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 deactivated, got %d", removed)
	}
	active, err := store.ListBundles(ctx, true)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].Slug != "pod-restart-check" {
		t.Fatalf("unexpected survivors: %+v", active)
	}
	all, err := store.ListBundles(ctx, false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("soft delete removed rows: %d", len(all))
	}
}

func TestRawFileLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	col, err := store.UpsertCollection(ctx, "k8s-bundles", "Kubernetes Bundles", "https://example.com/repo.git", "main")
	if err != nil {
		t.Fatalf("upsert collection: %v", err)
	}

	files := []RawFile{
		{CollectionID: col.ID, Path: "pod-restart-check/runbook.robot", Content: "*** Tasks ***", FileKind: "task"},
		{CollectionID: col.ID, Path: "pod-restart-check/README.md", Content: "# Pod Restart Check", FileKind: "readme"},
	}
	if err := store.ReplaceRawFiles(ctx, col.ID, files); err != nil {
		t.Fatalf("replace: %v", err)
	}

	unprocessed, err := store.RawFilesForCollection(ctx, col.ID, true)
	if err != nil {
		t.Fatalf("list unprocessed: %v", err)
	}
	if len(unprocessed) != 2 {
		t.Fatalf("expected 2 unprocessed files, got %d", len(unprocessed))
	}

	if err := store.MarkRawFilesProcessed(ctx, col.ID, []string{"pod-restart-check/runbook.robot"}, true); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	unprocessed, err = store.RawFilesForCollection(ctx, col.ID, true)
	if err != nil {
		t.Fatalf("list unprocessed: %v", err)
	}
	if len(unprocessed) != 1 || unprocessed[0].Path != "pod-restart-check/README.md" {
		t.Fatalf("processed flag not applied: %+v", unprocessed)
	}

	// A fresh snapshot rewrite resets the processed flag.
	if err := store.ReplaceRawFiles(ctx, col.ID, files[:1]); err != nil {
		t.Fatalf("second replace: %v", err)
	}
	unprocessed, err = store.RawFilesForCollection(ctx, col.ID, true)
	if err != nil {
		t.Fatalf("list unprocessed: %v", err)
	}
	if len(unprocessed) != 2 {
		t.Fatalf("replace should reset processed, got %d unprocessed", len(unprocessed))
	}

	removed, err := store.ReconcileRawFiles(ctx, col.ID, []string{"pod-restart-check/runbook.robot"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 reconciled row, got %d", removed)
	}
	remaining, err := store.RawFilesForCollection(ctx, col.ID, false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Path != "pod-restart-check/runbook.robot" {
		t.Fatalf("unexpected rows after reconcile: %+v", remaining)
	}
}

func TestEnhancementRecordsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	col, err := store.UpsertCollection(ctx, "k8s-bundles", "Kubernetes Bundles", "https://example.com/repo.git", "main")
	if err != nil {
		t.Fatalf("upsert collection: %v", err)
	}
	bundleID, err := store.UpsertBundle(ctx, bundle.Bundle{
		CollectionID: col.ID,
		Slug:         "pod-restart-check",
		DisplayName:  "Pod Restart Check",
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("upsert bundle: %v", err)
	}

	for _, status := range []string{"failed", "completed"} {
		if err := store.InsertEnhancementRecord(ctx, EnhancementRecord{
			CodeBundleID: bundleID,
			Status:       status,
			Prompt:       "prompt",
			ModelUsed:    "test-model",
		}); err != nil {
			t.Fatalf("insert %s record: %v", status, err)
		}
	}

	records, err := store.EnhancementRecords(ctx, bundleID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Status != "completed" {
		t.Fatalf("expected newest first, got %s", records[0].Status)
	}
	if records[0].IAMRequirements != "[]" {
		t.Fatalf("empty iam requirements should default to [], got %q", records[0].IAMRequirements)
	}
}

func TestRunRowLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	row := RunRow{
		RunID:       "run-1",
		TaskName:    "sync",
		TaskKind:    "stage",
		Status:      "pending",
		TriggeredBy: "tester",
		StartedAt:   sql.NullTime{Time: started, Valid: true},
	}
	if err := store.InsertRun(ctx, row); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	row.Status = "success"
	row.CompletedAt = sql.NullTime{Time: started.Add(2 * time.Second), Valid: true}
	row.DurationMS = sql.NullInt64{Int64: 2000, Valid: true}
	row.Result = `{"files":3}`
	if err := store.UpdateRun(ctx, row); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, err := store.RunByID(ctx, "run-1")
	if err != nil {
		t.Fatalf("run by id: %v", err)
	}
	if got.Status != "success" || got.Result != `{"files":3}` || !got.DurationMS.Valid {
		t.Fatalf("unexpected run row: %+v", got)
	}
	if got.Parameters != "{}" {
		t.Fatalf("parameters should default to {}, got %q", got.Parameters)
	}

	if _, err := store.RunByID(ctx, "run-missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := store.UpdateRun(ctx, RunRow{RunID: "run-missing", Status: "failure"}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound on update, got %v", err)
	}

	recent, err := store.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].RunID != "run-1" {
		t.Fatalf("unexpected recent runs: %+v", recent)
	}
}

func TestDeleteExpiredRunsSparesActiveRuns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := store.InsertRun(ctx, RunRow{
		RunID:       "run-old",
		TaskName:    "sync",
		TaskKind:    "stage",
		Status:      "success",
		CompletedAt: sql.NullTime{Time: old, Valid: true},
	}); err != nil {
		t.Fatalf("insert old run: %v", err)
	}
	if err := store.InsertRun(ctx, RunRow{
		RunID:    "run-live",
		TaskName: "workflow",
		TaskKind: "workflow",
		Status:   "started",
	}); err != nil {
		t.Fatalf("insert live run: %v", err)
	}

	removed, err := store.DeleteExpiredRuns(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired run removed, got %d", removed)
	}
	if _, err := store.RunByID(ctx, "run-live"); err != nil {
		t.Fatalf("live run should survive: %v", err)
	}
}
