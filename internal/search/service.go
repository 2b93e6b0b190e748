// File path: internal/search/service.go
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opsforge/bundleindex/internal/bundle"
	"github.com/opsforge/bundleindex/internal/common"
	"github.com/opsforge/bundleindex/internal/common/telemetry"
	"github.com/opsforge/bundleindex/internal/vector"
)

// ErrEmbedderUnavailable reports that the query could not be embedded. Vector
// search fails fast on it rather than silently degrading result quality.
var ErrEmbedderUnavailable = errors.New("embedding provider unavailable")

const defaultSearchLimit = 5

// Embedder turns texts into vectors; the search service only ever embeds the
// query itself.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Result is one scored search hit. Score is 1/(1+distance) rounded to four
// decimal places, so identical vectors score 1.0.
type Result struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Document string            `json:"document,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Service answers semantic queries against the per-kind vector collections,
// with a lexical fallback when the vector store is down.
type Service struct {
	store    vector.Store
	embedder Embedder
	cfg      vector.Config
	lexical  *Lexical
}

func New(store vector.Store, embedder Embedder, cfg vector.Config, lexical *Lexical) *Service {
	if strings.TrimSpace(cfg.CollectionPrefix) == "" {
		cfg.CollectionPrefix = "bundleindex"
	}
	return &Service{store: store, embedder: embedder, cfg: cfg, lexical: lexical}
}

// Search queries one document kind. Filters are exact-match conjunctions over
// document metadata.
func (s *Service) Search(ctx context.Context, kind bundle.Kind, query string, limit int, filters map[string]string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query cannot be empty")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	collection := s.cfg.CollectionName(string(kind))
	if s.store == nil || !s.store.Available() {
		if s.lexical == nil {
			return nil, errors.New("no search backend available")
		}
		common.Logger().Warn("search: vector store unavailable, using lexical fallback", "kind", kind)
		results := s.lexical.Search(query, limit, withKindFilter(filters, kind))
		return results, nil
	}

	vec, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, collection, vec, limit, filters)
}

func (s *Service) query(ctx context.Context, collection string, vec []float32, limit int, filters map[string]string) ([]Result, error) {
	start := time.Now()
	matches, err := s.store.Query(ctx, collection, vec, limit, toWhere(filters))
	telemetry.RecordVectorSearch(collection, err == nil, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", collection, err)
	}
	results := make([]Result, 0, len(matches))
	for _, match := range matches {
		results = append(results, Result{
			ID:       match.ID,
			Score:    roundScore(1.0 / (1.0 + match.Distance)),
			Document: match.Document,
			Metadata: stringMetadata(match.Metadata),
		})
	}
	return results, nil
}

// SearchAll fans the query out across every document kind and returns a map
// keyed by kind. A kind whose query fails is reported with an empty slice so
// the other kinds still answer; embedding failures abort the whole call since
// no kind could succeed without a query vector.
func (s *Service) SearchAll(ctx context.Context, query string, limit int, filters map[string]string) (map[string][]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query cannot be empty")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	out := make(map[string][]Result, len(bundle.AllKinds()))
	if s.store == nil || !s.store.Available() {
		if s.lexical == nil {
			return nil, errors.New("no search backend available")
		}
		for _, kind := range bundle.AllKinds() {
			out[string(kind)] = s.lexical.Search(query, limit, withKindFilter(filters, kind))
		}
		return out, nil
	}
	vec, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	for _, kind := range bundle.AllKinds() {
		results, err := s.query(ctx, s.cfg.CollectionName(string(kind)), vec, limit, filters)
		if err != nil {
			common.Logger().Warn("search: kind query failed", "kind", kind, "error", err)
			out[string(kind)] = []Result{}
			continue
		}
		out[string(kind)] = results
	}
	return out, nil
}

func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if s.embedder == nil {
		return nil, ErrEmbedderUnavailable
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, ErrEmbedderUnavailable
	}
	return vectors[0], nil
}

func toWhere(filters map[string]string) map[string]interface{} {
	if len(filters) == 0 {
		return nil
	}
	where := make(map[string]interface{}, len(filters))
	for key, value := range filters {
		where[key] = value
	}
	return where
}

func withKindFilter(filters map[string]string, kind bundle.Kind) map[string]string {
	merged := make(map[string]string, len(filters)+1)
	for key, value := range filters {
		merged[key] = value
	}
	merged["kind"] = string(kind)
	return merged
}

func stringMetadata(meta map[string]interface{}) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for key, value := range meta {
		out[key] = fmt.Sprint(value)
	}
	return out
}

func roundScore(score float64) float64 {
	return math.Round(score*10000) / 10000
}
