// File path: internal/api/server.go
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsforge/bundleindex/internal/catalog"
	"github.com/opsforge/bundleindex/internal/common"
	"github.com/opsforge/bundleindex/internal/pipeline"
	"github.com/opsforge/bundleindex/internal/search"
)

type Server struct {
	router chi.Router
	store  *catalog.Store
	orch   *pipeline.Orchestrator
	search *search.Service
}

func NewServer(store *catalog.Store, orch *pipeline.Orchestrator, searchSvc *search.Service) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("catalog store required")
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator required")
	}
	if searchSvc == nil {
		return nil, fmt.Errorf("search service required")
	}
	srv := &Server{
		router: chi.NewRouter(),
		store:  store,
		orch:   orch,
		search: searchSvc,
	}
	srv.routes()
	common.Logger().Info("api: server ready")
	return srv, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	logger := common.Logger()
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Post("/api/pipeline/{stage}", s.handleTriggerStage)
	s.router.Get("/api/runs", s.handleRunList)
	s.router.Get("/api/runs/{id}", s.handleRunGet)
	s.router.Post("/api/runs/{id}/revoke", s.handleRunRevoke)

	s.router.Post("/api/search", s.handleSearch)

	s.router.Post("/api/collections", s.handleCollectionRegister)
	s.router.Get("/api/collections", s.handleCollectionList)
	s.router.Get("/api/bundles", s.handleBundleList)
	s.router.Get("/api/bundles/{slug}", s.handleBundleGet)
	s.router.Get("/api/bundles/{slug}/enhancements", s.handleEnhancementHistory)

	s.router.Get("/api/logs", s.handleLogs)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": common.LogEntries()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger := common.Logger()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
