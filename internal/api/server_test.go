// File path: internal/api/server_test.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opsforge/bundleindex/internal/bundle"
	"github.com/opsforge/bundleindex/internal/catalog"
	"github.com/opsforge/bundleindex/internal/enhance"
	"github.com/opsforge/bundleindex/internal/fetcher"
	"github.com/opsforge/bundleindex/internal/index"
	"github.com/opsforge/bundleindex/internal/llm/providers"
	"github.com/opsforge/bundleindex/internal/pipeline"
	"github.com/opsforge/bundleindex/internal/search"
	"github.com/opsforge/bundleindex/internal/vector"
)

type noopVectorStore struct{}

func (noopVectorStore) Available() bool { return true }
func (noopVectorStore) Upsert(context.Context, string, []vector.Record) error {
	return nil
}
func (noopVectorStore) Query(context.Context, string, []float32, int, map[string]interface{}) ([]vector.Match, error) {
	return nil, nil
}
func (noopVectorStore) Clear(context.Context, string) error { return nil }
func (noopVectorStore) Count(context.Context, string) (int, error) {
	return 0, nil
}

type testHarness struct {
	server  *Server
	store   *catalog.Store
	lexical *search.Lexical
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := catalog.Open(t.TempDir() + "/catalog.db")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	provider := providers.NewLocalProvider()
	lexical := search.NewLexical()
	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Store:        store,
		Fetcher:      fetcher.New(fetcher.Config{Workdir: t.TempDir()}),
		Enhancer:     enhance.New(store, provider),
		Indexer:      index.New(noopVectorStore{}, provider, 8),
		Lexical:      lexical,
		VectorConfig: vector.Config{CollectionPrefix: "bundleindex"},
	})
	searchSvc := search.New(nil, provider, vector.Config{CollectionPrefix: "bundleindex"}, lexical)
	server, err := NewServer(store, orch, searchSvc)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testHarness{server: server, store: store, lexical: lexical}
}

func (h *testHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (h *testHarness) waitForRun(t *testing.T, runID string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := h.do(t, http.MethodGet, "/api/runs/"+runID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("get run status %d: %s", rec.Code, rec.Body.String())
		}
		var run map[string]interface{}
		decodeBody(t, rec, &run)
		switch run["status"] {
		case "success", "failure", "revoked":
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish in time", runID)
	return nil
}

func TestTriggerStageEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/pipeline/enhance", map[string]interface{}{
		"triggered_by": "tester",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RunID string `json:"run_id"`
		Task  string `json:"task"`
	}
	decodeBody(t, rec, &resp)
	if resp.RunID == "" || resp.Task != "enhance" {
		t.Fatalf("unexpected trigger response %+v", resp)
	}

	run := h.waitForRun(t, resp.RunID)
	if run["status"] != "success" {
		t.Fatalf("enhance run over empty catalog should succeed: %+v", run)
	}

	listRec := h.do(t, http.MethodGet, "/api/runs?limit=10", nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list runs status %d", listRec.Code)
	}
	var listResp struct {
		Runs []map[string]interface{} `json:"runs"`
	}
	decodeBody(t, listRec, &listResp)
	if len(listResp.Runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(listResp.Runs))
	}
}

func TestTriggerUnknownStageRejected(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/pipeline/compile", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRevokeUnknownRunReturnsNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/runs/no-such-run/revoke", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSearchEndpointFallsBackToLexical(t *testing.T) {
	h := newHarness(t)
	h.lexical.Refresh([]bundle.Document{bundle.Bundle{
		CollectionSlug: "k8s-bundles",
		Slug:           "pod-restart-check",
		DisplayName:    "Pod Restart Check",
		Description:    "Checks pods for restart loops.",
		IsActive:       true,
	}})

	rec := h.do(t, http.MethodPost, "/api/search", map[string]interface{}{
		"query": "pod restart",
		"kinds": []string{"codebundles"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results map[string][]struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	decodeBody(t, rec, &resp)
	hits := resp.Results["codebundles"]
	if len(hits) == 0 || hits[0].ID != "k8s-bundles/pod-restart-check" {
		t.Fatalf("unexpected search hits: %s", rec.Body.String())
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/search", map[string]interface{}{"query": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, http.MethodPost, "/api/search", map[string]interface{}{
		"query": "pods",
		"kinds": []string{"snippets"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCollectionAndBundleEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.do(t, http.MethodPost, "/api/collections", map[string]interface{}{
		"slug":     "k8s-bundles",
		"name":     "Kubernetes Bundles",
		"repo_url": "https://example.com/k8s-bundles.git",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	listRec := h.do(t, http.MethodGet, "/api/collections", nil)
	var listResp struct {
		Collections []catalog.Collection `json:"collections"`
	}
	decodeBody(t, listRec, &listResp)
	if len(listResp.Collections) != 1 || listResp.Collections[0].Slug != "k8s-bundles" {
		t.Fatalf("unexpected collections: %s", listRec.Body.String())
	}

	missing := h.do(t, http.MethodGet, "/api/bundles/pod-restart-check?collection=k8s-bundles", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unparsed bundle, got %d", missing.Code)
	}

	col := listResp.Collections[0]
	if _, err := h.store.UpsertBundle(ctx, bundle.Bundle{
		CollectionID:   col.ID,
		CollectionSlug: col.Slug,
		Slug:           "pod-restart-check",
		DisplayName:    "Pod Restart Check",
		Status:         bundle.EnhancementNone,
		IsActive:       true,
	}); err != nil {
		t.Fatalf("upsert bundle: %v", err)
	}

	found := h.do(t, http.MethodGet, "/api/bundles/pod-restart-check?collection=k8s-bundles", nil)
	if found.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", found.Code, found.Body.String())
	}
	var got bundle.Bundle
	decodeBody(t, found, &got)
	if got.Slug != "pod-restart-check" || got.DisplayName != "Pod Restart Check" {
		t.Fatalf("unexpected bundle payload: %s", found.Body.String())
	}

	history := h.do(t, http.MethodGet, "/api/bundles/pod-restart-check/enhancements?collection=k8s-bundles", nil)
	if history.Code != http.StatusOK {
		t.Fatalf("expected 200 history, got %d: %s", history.Code, history.Body.String())
	}
}

func TestHealthAndLogsEndpoints(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	rec := h.do(t, http.MethodGet, "/api/logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs status %d", rec.Code)
	}
	var resp struct {
		Entries []map[string]interface{} `json:"entries"`
	}
	decodeBody(t, rec, &resp)
}
