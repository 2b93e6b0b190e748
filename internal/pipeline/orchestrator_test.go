// File path: internal/pipeline/orchestrator_test.go
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/opsforge/bundleindex/internal/bundle"
	"github.com/opsforge/bundleindex/internal/catalog"
	"github.com/opsforge/bundleindex/internal/enhance"
	"github.com/opsforge/bundleindex/internal/fetcher"
	"github.com/opsforge/bundleindex/internal/index"
	"github.com/opsforge/bundleindex/internal/llm/providers"
	"github.com/opsforge/bundleindex/internal/search"
	"github.com/opsforge/bundleindex/internal/vector"
)

type stubVectorStore struct {
	upsertErr   error
	collections map[string][]vector.Record
}

func newStubVectorStore() *stubVectorStore {
	return &stubVectorStore{collections: make(map[string][]vector.Record)}
}

func (s *stubVectorStore) Available() bool { return true }

func (s *stubVectorStore) Upsert(_ context.Context, collection string, records []vector.Record) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.collections[collection] = append(s.collections[collection], records...)
	return nil
}

func (s *stubVectorStore) Query(_ context.Context, collection string, _ []float32, limit int, _ map[string]interface{}) ([]vector.Match, error) {
	var matches []vector.Match
	for _, record := range s.collections[collection] {
		matches = append(matches, vector.Match{ID: record.ID, Document: record.Text})
		if limit > 0 && len(matches) >= limit {
			break
		}
	}
	return matches, nil
}

func (s *stubVectorStore) Clear(_ context.Context, collection string) error {
	delete(s.collections, collection)
	return nil
}

func (s *stubVectorStore) Count(_ context.Context, collection string) (int, error) {
	return len(s.collections[collection]), nil
}

func newOrchestrator(t *testing.T, store *catalog.Store, vstore vector.Store) *Orchestrator {
	t.Helper()
	provider := providers.NewLocalProvider()
	return NewOrchestrator(Deps{
		Store:        store,
		Fetcher:      fetcher.New(fetcher.Config{Workdir: t.TempDir()}),
		Enhancer:     enhance.New(store, provider),
		Indexer:      index.New(vstore, provider, 8),
		Lexical:      search.NewLexical(),
		VectorConfig: vector.Config{CollectionPrefix: "bundleindex"},
	})
}

func waitForTerminal(t *testing.T, o *Orchestrator, runID string) Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := o.Tracker().Get(context.Background(), runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status.IsTerminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish in time", runID)
	return Run{}
}

func seedParsedBundle(collectionID int64) bundle.Bundle {
	return bundle.Bundle{
		CollectionID:   collectionID,
		CollectionSlug: "k8s-bundles",
		Slug:           "pod-restart-check",
		DisplayName:    "Pod Restart Check",
		Description:    "Checks pods for restart loops.",
		Tags:           []string{"kubernetes", "pods"},
		Imports:        []string{"RW.Core", "RW.CLI"},
		Status:         bundle.EnhancementNone,
		IsActive:       true,
	}
}

func TestTriggerStageRejectsUnknownStage(t *testing.T) {
	o := newOrchestrator(t, newTestStore(t), newStubVectorStore())
	if _, err := o.TriggerStage(context.Background(), "compile", "tester", nil); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}

func TestWorkflowWithEmptyCatalogSucceeds(t *testing.T) {
	o := newOrchestrator(t, newTestStore(t), newStubVectorStore())

	run, err := o.TriggerWorkflow(context.Background(), "tester", nil)
	if err != nil {
		t.Fatalf("trigger workflow: %v", err)
	}
	final := waitForTerminal(t, o, run.ID)
	if final.Status != StatusSuccess {
		t.Fatalf("expected success envelope, got %s (%s)", final.Status, final.Error)
	}
	var outcomes map[string]StageOutcome
	if err := json.Unmarshal(final.Result, &outcomes); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if len(outcomes) != workflowSteps {
		t.Fatalf("expected %d step outcomes, got %d", workflowSteps, len(outcomes))
	}
	for _, key := range []string{"1_sync", "2_parse", "3_enhance", "4_embed"} {
		outcome, present := outcomes[key]
		if !present {
			t.Fatalf("missing step key %s in %v", key, outcomes)
		}
		if outcome.Status != StatusSuccess {
			t.Fatalf("step %s failed: %s", key, outcome.Error)
		}
	}
}

func TestWorkflowIsolatesStageFailure(t *testing.T) {
	store := newTestStore(t)
	vstore := newStubVectorStore()
	vstore.upsertErr = errors.New("vector backend down")
	o := newOrchestrator(t, store, vstore)

	// Seed one bundle so the embed stage has something to upsert.
	ctx := context.Background()
	col, err := store.UpsertCollection(ctx, "k8s-bundles", "Kubernetes Bundles", t.TempDir()+"/missing-repo.git", "main")
	if err != nil {
		t.Fatalf("upsert collection: %v", err)
	}
	if _, err := store.UpsertBundle(ctx, seedParsedBundle(col.ID)); err != nil {
		t.Fatalf("upsert bundle: %v", err)
	}

	run, err := o.TriggerWorkflow(ctx, "tester", nil)
	if err != nil {
		t.Fatalf("trigger workflow: %v", err)
	}
	final := waitForTerminal(t, o, run.ID)
	if final.Status != StatusSuccess {
		t.Fatalf("envelope must succeed when a stage fails, got %s", final.Status)
	}
	var outcomes map[string]StageOutcome
	if err := json.Unmarshal(final.Result, &outcomes); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	embed := outcomes["4_embed"]
	if embed.Status != StatusFailure || embed.Error == "" {
		t.Fatalf("embed stage failure not isolated: %+v", embed)
	}
	// Sync fails per collection because the repo URL is unreachable, but the
	// stage itself still reports an envelope.
	if outcomes["1_sync"].Status != StatusSuccess {
		t.Fatalf("sync stage should survive per-repo failures: %+v", outcomes["1_sync"])
	}
}

func TestEnhanceStageRevisitsFailedAndSkippedBundles(t *testing.T) {
	store := newTestStore(t)
	o := newOrchestrator(t, store, newStubVectorStore())

	ctx := context.Background()
	col, err := store.UpsertCollection(ctx, "k8s-bundles", "Kubernetes Bundles", "https://example.com/repo.git", "main")
	if err != nil {
		t.Fatalf("upsert collection: %v", err)
	}
	failed := seedParsedBundle(col.ID)
	failedID, err := store.UpsertBundle(ctx, failed)
	if err != nil {
		t.Fatalf("upsert failed bundle: %v", err)
	}
	skipped := seedParsedBundle(col.ID)
	skipped.Slug = "node-health-check"
	skipped.DisplayName = "Node Health Check"
	skippedID, err := store.UpsertBundle(ctx, skipped)
	if err != nil {
		t.Fatalf("upsert skipped bundle: %v", err)
	}
	if err := store.UpdateEnhancementStatus(ctx, failedID, bundle.EnhancementFailed); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.UpdateEnhancementStatus(ctx, skippedID, bundle.EnhancementSkipped); err != nil {
		t.Fatalf("mark skipped: %v", err)
	}

	run, err := o.TriggerStage(ctx, StageEnhance, "tester", nil)
	if err != nil {
		t.Fatalf("trigger stage: %v", err)
	}
	final := waitForTerminal(t, o, run.ID)
	if final.Status != StatusSuccess {
		t.Fatalf("enhance stage failed: %s (%s)", final.Status, final.Error)
	}
	// The provider is the local stub, so both bundles come back skipped.
	// What matters is that the stage visited them at all instead of
	// leaving failed and skipped rows stranded.
	var summary enhance.Summary
	if err := json.Unmarshal(final.Result, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Skipped != 2 {
		t.Fatalf("expected both bundles to be re-selected, got %+v", summary)
	}
}

func TestTriggerSingleStage(t *testing.T) {
	store := newTestStore(t)
	o := newOrchestrator(t, store, newStubVectorStore())

	run, err := o.TriggerStage(context.Background(), StageEnhance, "tester", map[string]string{"reason": "manual"})
	if err != nil {
		t.Fatalf("trigger stage: %v", err)
	}
	if run.TaskName != StageEnhance || run.Kind != KindStage {
		t.Fatalf("unexpected run identity %+v", run)
	}
	final := waitForTerminal(t, o, run.ID)
	if final.Status != StatusSuccess {
		t.Fatalf("enhance stage over empty catalog should succeed, got %s (%s)", final.Status, final.Error)
	}
	if final.Parameters["reason"] != "manual" {
		t.Fatalf("parameters not preserved: %+v", final.Parameters)
	}
}
