// File path: internal/api/search_handler.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/opsforge/bundleindex/internal/bundle"
	"github.com/opsforge/bundleindex/internal/search"
)

type searchRequest struct {
	Query   string            `json:"query"`
	Kinds   []string          `json:"kinds,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

type searchResponse struct {
	Query   string                     `json:"query"`
	Results map[string][]search.Result `json:"results"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("query is required"))
		return
	}
	kinds, err := resolveKinds(req.Kinds)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var results map[string][]search.Result
	if len(kinds) == 0 {
		results, err = s.search.SearchAll(r.Context(), query, req.Limit, req.Filters)
	} else {
		results = make(map[string][]search.Result, len(kinds))
		for _, kind := range kinds {
			var hits []search.Result
			hits, err = s.search.Search(r.Context(), kind, query, req.Limit, req.Filters)
			if err != nil {
				break
			}
			results[string(kind)] = hits
		}
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, search.ErrEmbedderUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: query, Results: results})
}

func resolveKinds(names []string) ([]bundle.Kind, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known := make(map[bundle.Kind]struct{}, len(bundle.AllKinds()))
	for _, kind := range bundle.AllKinds() {
		known[kind] = struct{}{}
	}
	kinds := make([]bundle.Kind, 0, len(names))
	seen := make(map[bundle.Kind]struct{}, len(names))
	for _, name := range names {
		kind := bundle.Kind(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := known[kind]; !ok {
			return nil, fmt.Errorf("unknown kind %q", name)
		}
		if _, dup := seen[kind]; dup {
			continue
		}
		seen[kind] = struct{}{}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
