// File path: internal/enhance/enhancer_test.go
package enhance

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/opsforge/bundleindex/internal/bundle"
	"github.com/opsforge/bundleindex/internal/catalog"
	"github.com/opsforge/bundleindex/internal/llm/providers"
)

type scriptedProvider struct {
	response string
	err      error
}

func (s *scriptedProvider) Chat(_ context.Context, _ []providers.Message) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func (s *scriptedProvider) Embed(_ context.Context, input []string) ([][]float32, error) {
	out := make([][]float32, len(input))
	for i := range input {
		out[i] = []float32{0}
	}
	return out, nil
}

func (s *scriptedProvider) ChatModel() string { return "test-model" }

func (s *scriptedProvider) Name() string { return "scripted" }

func seedBundle(t *testing.T) (*catalog.Store, bundle.Bundle) {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	col, err := store.UpsertCollection(ctx, "k8s-bundles", "Kubernetes Bundles", "https://example.com/repo.git", "main")
	if err != nil {
		t.Fatalf("upsert collection: %v", err)
	}
	b := bundle.Bundle{
		CollectionID: col.ID,
		Slug:         "pod-restart-check",
		DisplayName:  "Pod Restart Check",
		Description:  "investigate pod restart loops",
		IsActive:     true,
	}
	id, err := store.UpsertBundle(ctx, b)
	if err != nil {
		t.Fatalf("upsert bundle: %v", err)
	}
	b.ID = id
	return store, b
}

func TestEnhanceSkippedWithoutProvider(t *testing.T) {
	store, b := seedBundle(t)
	enhancer := New(store, providers.NewLocalProvider())

	result := enhancer.Enhance(context.Background(), b)
	if result.Status != bundle.EnhancementSkipped {
		t.Fatalf("expected skipped, got %s (err %v)", result.Status, result.Err)
	}
	stored, err := store.BundleByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("reload bundle: %v", err)
	}
	if stored.Status != bundle.EnhancementSkipped {
		t.Fatalf("bundle status should be skipped, got %s", stored.Status)
	}
	records, err := store.EnhancementRecords(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("load audit records: %v", err)
	}
	if len(records) != 1 || records[0].Status != string(bundle.EnhancementSkipped) {
		t.Fatalf("expected one skipped audit row, got %+v", records)
	}
}

func TestEnhanceSuccess(t *testing.T) {
	store, b := seedBundle(t)
	provider := &scriptedProvider{response: "```json\n{\"enhanced_description\": \"Watches pods for restart loops and reports the offending containers.\", \"access_level\": \"Read-Only\", \"iam_requirements\": [\"pods/get\", \"pods/list\"]}\n```"}
	enhancer := New(store, provider)

	result := enhancer.Enhance(context.Background(), b)
	if result.Status != bundle.EnhancementCompleted {
		t.Fatalf("expected completed, got %s (err %v)", result.Status, result.Err)
	}
	stored, err := store.BundleByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("reload bundle: %v", err)
	}
	if stored.Enhancement == nil {
		t.Fatalf("enhancement fields were not applied")
	}
	if stored.Enhancement.AccessLevel != "read-only" {
		t.Fatalf("access level should be normalized, got %q", stored.Enhancement.AccessLevel)
	}
	if len(stored.Enhancement.IAMRequirements) != 2 {
		t.Fatalf("unexpected iam requirements %v", stored.Enhancement.IAMRequirements)
	}
	records, err := store.EnhancementRecords(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("load audit records: %v", err)
	}
	if len(records) != 1 || records[0].Status != string(bundle.EnhancementCompleted) {
		t.Fatalf("expected one completed audit row, got %+v", records)
	}
	if records[0].ModelUsed != "test-model" || records[0].Prompt == "" {
		t.Fatalf("audit row missing prompt or model: %+v", records[0])
	}
}

func TestEnhanceMalformedResponsePreservesPriorData(t *testing.T) {
	store, b := seedBundle(t)
	ctx := context.Background()

	good := &scriptedProvider{response: `{"enhanced_description": "Original good description.", "access_level": "read-only", "iam_requirements": []}`}
	if result := New(store, good).Enhance(ctx, b); result.Status != bundle.EnhancementCompleted {
		t.Fatalf("seed enhancement failed: %s (%v)", result.Status, result.Err)
	}

	bad := &scriptedProvider{response: "Sorry, I cannot help with that."}
	result := New(store, bad).Enhance(ctx, b)
	if result.Status != bundle.EnhancementFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	stored, err := store.BundleByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("reload bundle: %v", err)
	}
	if stored.Status != bundle.EnhancementFailed {
		t.Fatalf("bundle status should be failed, got %s", stored.Status)
	}
	if stored.Enhancement == nil || stored.Enhancement.EnhancedDescription != "Original good description." {
		t.Fatalf("failed attempt must not clobber prior enhancement: %+v", stored.Enhancement)
	}
	records, err := store.EnhancementRecords(ctx, b.ID)
	if err != nil {
		t.Fatalf("load audit records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(records))
	}
	if records[0].Status != string(bundle.EnhancementFailed) {
		t.Fatalf("newest audit row should be the failure, got %+v", records[0])
	}
	if records[0].RawResponse == "" {
		t.Fatalf("failed audit row must keep the raw response")
	}
}

func TestEnhanceBatchMixedOutcomes(t *testing.T) {
	store, b := seedBundle(t)
	ctx := context.Background()
	second := bundle.Bundle{CollectionID: b.CollectionID, Slug: "node-health", DisplayName: "Node Health", IsActive: true}
	id, err := store.UpsertBundle(ctx, second)
	if err != nil {
		t.Fatalf("upsert second bundle: %v", err)
	}
	second.ID = id

	provider := &scriptedProvider{response: `{"enhanced_description": "Valid description.", "access_level": "read-only", "iam_requirements": []}`}
	enhancer := New(store, provider, WithWorkers(2))
	summary, results := enhancer.EnhanceBatch(ctx, []bundle.Bundle{b, second})
	if summary.Completed != 2 || summary.Failed != 0 || summary.Skipped != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestParseEnhancement(t *testing.T) {
	if _, err := parseEnhancement(""); err == nil {
		t.Fatalf("empty response must fail")
	}
	if _, err := parseEnhancement("no json here"); err == nil {
		t.Fatalf("non-JSON response must fail")
	}
	if _, err := parseEnhancement(`{"access_level": "read-only"}`); err == nil {
		t.Fatalf("missing enhanced_description must fail")
	}
	payload, err := parseEnhancement("Here you go:\n```json\n{\"enhanced_description\": \"ok\", \"access_level\": \"ADMIN\"}\n```\nAnything else?")
	if err != nil {
		t.Fatalf("fenced response should parse: %v", err)
	}
	if payload.AccessLevel != "admin" {
		t.Fatalf("unexpected access level %q", payload.AccessLevel)
	}
}

func TestNormalizeAccessLevel(t *testing.T) {
	cases := map[string]string{
		"Read-Only":   "read-only",
		"readonly":    "read-only",
		"read-write":  "write",
		"read/write":  "write",
		"WRITE":       "write",
		"Admin":       "admin",
		"super-user":  "",
		"":            "",
		" read only ": "read-only",
	}
	for input, want := range cases {
		if got := normalizeAccessLevel(input); got != want {
			t.Fatalf("normalizeAccessLevel(%q) = %q, want %q", input, got, want)
		}
	}
}
