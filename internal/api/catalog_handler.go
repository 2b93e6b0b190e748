// File path: internal/api/catalog_handler.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	chi "github.com/go-chi/chi/v5"

	"github.com/opsforge/bundleindex/internal/catalog"
)

type registerCollectionRequest struct {
	Slug    string `json:"slug"`
	Name    string `json:"name,omitempty"`
	RepoURL string `json:"repo_url"`
	Ref     string `json:"ref,omitempty"`
}

func (s *Server) handleCollectionRegister(w http.ResponseWriter, r *http.Request) {
	var req registerCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	slug := strings.TrimSpace(req.Slug)
	repoURL := strings.TrimSpace(req.RepoURL)
	if slug == "" || repoURL == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("slug and repo_url are required"))
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = slug
	}
	col, err := s.store.UpsertCollection(r.Context(), slug, name, repoURL, req.Ref)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, col)
}

func (s *Server) handleCollectionList(w http.ResponseWriter, r *http.Request) {
	onlyActive := r.URL.Query().Get("all") == ""
	cols, err := s.store.ListCollections(r.Context(), onlyActive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"collections": cols})
}

func (s *Server) handleBundleList(w http.ResponseWriter, r *http.Request) {
	onlyActive := r.URL.Query().Get("all") == ""
	bundles, err := s.store.ListBundles(r.Context(), onlyActive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if collection := strings.TrimSpace(r.URL.Query().Get("collection")); collection != "" {
		filtered := bundles[:0]
		for _, b := range bundles {
			if b.CollectionSlug == collection {
				filtered = append(filtered, b)
			}
		}
		bundles = filtered
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bundles": bundles})
}

// bundleFromRequest resolves the (collection, slug) pair identifying a
// codebundle from the route and query string.
func (s *Server) bundleFromRequest(r *http.Request) (int64, string, error) {
	slug := strings.TrimSpace(chi.URLParam(r, "slug"))
	collectionSlug := strings.TrimSpace(r.URL.Query().Get("collection"))
	if collectionSlug == "" {
		return 0, "", fmt.Errorf("collection query parameter required")
	}
	col, err := s.store.CollectionBySlug(r.Context(), collectionSlug)
	if err != nil {
		return 0, "", err
	}
	return col.ID, slug, nil
}

func (s *Server) handleBundleGet(w http.ResponseWriter, r *http.Request) {
	collectionID, slug, err := s.bundleFromRequest(r)
	if err != nil {
		writeError(w, catalogErrorStatus(err), err)
		return
	}
	b, err := s.store.BundleBySlug(r.Context(), collectionID, slug)
	if err != nil {
		writeError(w, catalogErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleEnhancementHistory(w http.ResponseWriter, r *http.Request) {
	collectionID, slug, err := s.bundleFromRequest(r)
	if err != nil {
		writeError(w, catalogErrorStatus(err), err)
		return
	}
	b, err := s.store.BundleBySlug(r.Context(), collectionID, slug)
	if err != nil {
		writeError(w, catalogErrorStatus(err), err)
		return
	}
	records, err := s.store.EnhancementRecords(r.Context(), b.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func catalogErrorStatus(err error) int {
	switch {
	case errors.Is(err, catalog.ErrBundleNotFound), errors.Is(err, catalog.ErrCollectionNotFound):
		return http.StatusNotFound
	case strings.Contains(err.Error(), "required"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
