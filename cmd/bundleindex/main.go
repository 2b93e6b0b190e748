// File path: cmd/bundleindex/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opsforge/bundleindex/internal/api"
	"github.com/opsforge/bundleindex/internal/catalog"
	"github.com/opsforge/bundleindex/internal/common"
	"github.com/opsforge/bundleindex/internal/enhance"
	"github.com/opsforge/bundleindex/internal/fetcher"
	"github.com/opsforge/bundleindex/internal/index"
	"github.com/opsforge/bundleindex/internal/llm"
	"github.com/opsforge/bundleindex/internal/pipeline"
	"github.com/opsforge/bundleindex/internal/search"
	"github.com/opsforge/bundleindex/internal/vector"
)

func main() {
	logger := common.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Load(); err != nil {
		logger.Warn("bundleindex: .env file not loaded", "error", err)
	} else {
		logger.Info("bundleindex: environment loaded from .env")
	}

	addr := flag.String("addr", ":8080", "listen address")
	catalogPath := flag.String("catalog", "", "path to the SQLite catalog database")
	workdir := flag.String("workdir", "", "directory for repository clones")
	repos := flag.String("repos", strings.TrimSpace(os.Getenv("REGISTRY_REPOS")), "collection seeds as slug=url@ref, comma separated")
	retention := flag.Duration("run-retention", 7*24*time.Hour, "age past which terminal pipeline runs are deleted")
	cleanupInterval := flag.Duration("cleanup-interval", time.Hour, "interval between run retention sweeps")
	syncOnStart := flag.Bool("sync-on-start", false, "trigger a full pipeline workflow after startup")

	autoStartDefault := false
	if env := strings.TrimSpace(os.Getenv("BUNDLEINDEX_AUTOSTART")); env != "" {
		if parsed, err := strconv.ParseBool(env); err == nil {
			autoStartDefault = parsed
		}
	}
	autoStartChroma := flag.Bool("auto-start-chroma", autoStartDefault, "launch the bundled ChromaDB helper")

	flag.Parse()

	logger.Info("bundleindex: startup initiated", "addr", *addr)

	if *autoStartChroma {
		service, serviceErr := startChromaService(ctx, logger)
		if serviceErr != nil {
			logger.Error("bundleindex: failed to launch chromadb helper", "error", serviceErr)
			fmt.Println("chromadb startup error:", serviceErr)
			os.Exit(1)
		}
		defer stopChromaService(context.Background(), service, logger)
	}

	catalogCfg, err := catalog.LoadConfig()
	if err != nil {
		logger.Error("bundleindex: catalog config load failed", "error", err)
		fmt.Println("catalog config error:", err)
		os.Exit(1)
	}
	if trimmed := strings.TrimSpace(*catalogPath); trimmed != "" {
		catalogCfg.Path = trimmed
	}
	store, err := catalog.OpenWithConfig(catalogCfg)
	if err != nil {
		logger.Error("bundleindex: catalog open failed", "error", err)
		fmt.Println("catalog error:", err)
		os.Exit(1)
	}
	defer store.Close()

	fetchCfg, err := fetcher.LoadConfig()
	if err != nil {
		logger.Error("bundleindex: fetcher config load failed", "error", err)
		fmt.Println("fetcher config error:", err)
		os.Exit(1)
	}
	if trimmed := strings.TrimSpace(*workdir); trimmed != "" {
		fetchCfg.Workdir = trimmed
	}

	vectorClient, err := vector.NewFromEnv(ctx)
	if err != nil {
		logger.Error("bundleindex: vector client init failed", "error", err)
		fmt.Println("vector client error:", err)
		os.Exit(1)
	}
	defer vectorClient.Close()
	if vectorClient.Available() {
		logger.Info("bundleindex: chromadb available")
	} else {
		logger.Warn("bundleindex: chromadb unreachable, lexical search fallback active")
	}

	provider := llm.NewProvider()
	logger.Info("bundleindex: llm provider ready", "provider", provider.Name())

	// An unconfigured provider stays out of the embedding path entirely:
	// indexing then writes placeholder vectors and search reports
	// ErrEmbedderUnavailable instead of querying with stub vectors.
	var searchEmbedder search.Embedder
	var indexEmbedder index.Embedder
	if llm.Configured(provider) {
		searchEmbedder = provider
		indexEmbedder = provider
	}

	vectorCfg, err := vector.LoadConfig()
	if err != nil {
		logger.Error("bundleindex: vector config load failed", "error", err)
		fmt.Println("vector config error:", err)
		os.Exit(1)
	}

	lexical := search.NewLexical()
	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Store:        store,
		Fetcher:      fetcher.New(fetchCfg),
		Enhancer:     enhance.New(store, provider),
		Indexer:      index.New(vectorClient, indexEmbedder, 0),
		Lexical:      lexical,
		VectorConfig: vectorCfg,
		Retention:    *retention,
	})
	searchSvc := search.New(vectorClient, searchEmbedder, vectorCfg, lexical)

	if err := seedCollections(ctx, store, *repos); err != nil {
		logger.Error("bundleindex: collection seeding failed", "error", err)
		fmt.Println("collection seed error:", err)
		os.Exit(1)
	}

	server, err := api.NewServer(store, orch, searchSvc)
	if err != nil {
		logger.Error("bundleindex: server construction failed", "error", err)
		fmt.Println("server error:", err)
		os.Exit(1)
	}

	go runCleanupLoop(ctx, orch, *cleanupInterval)

	if *syncOnStart {
		run, err := orch.TriggerWorkflow(ctx, "startup", nil)
		if err != nil {
			logger.Warn("bundleindex: startup workflow trigger failed", "error", err)
		} else {
			logger.Info("bundleindex: startup workflow triggered", "run_id", run.ID)
		}
	}

	logger.Info("bundleindex: server listening", "addr", *addr, "health", "/healthz")
	fmt.Printf("Serving on %s\n", *addr)
	if err := http.ListenAndServe(*addr, server); err != nil {
		logger.Error("bundleindex: server stopped", "error", err)
		fmt.Println("server stopped:", err)
	}
}

// seedCollections registers the collections named in the -repos flag. Each
// entry is slug=url@ref; the ref defaults to main.
func seedCollections(ctx context.Context, store *catalog.Store, specs string) error {
	trimmed := strings.TrimSpace(specs)
	if trimmed == "" {
		return nil
	}
	logger := common.Logger()
	for _, entry := range strings.Split(trimmed, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		slug, remainder, found := strings.Cut(entry, "=")
		if !found {
			return fmt.Errorf("invalid repo spec %q, want slug=url[@ref]", entry)
		}
		url := remainder
		ref := ""
		if at := strings.LastIndex(remainder, "@"); at > strings.LastIndex(remainder, "/") {
			url = remainder[:at]
			ref = remainder[at+1:]
		}
		slug = strings.TrimSpace(slug)
		url = strings.TrimSpace(url)
		if slug == "" || url == "" {
			return fmt.Errorf("invalid repo spec %q, want slug=url[@ref]", entry)
		}
		col, err := store.UpsertCollection(ctx, slug, slug, url, ref)
		if err != nil {
			return err
		}
		logger.Info("bundleindex: collection registered", "slug", col.Slug, "repo", col.RepoURL, "ref", col.Ref)
	}
	return nil
}

func runCleanupLoop(ctx context.Context, orch *pipeline.Orchestrator, interval time.Duration) {
	if interval <= 0 {
		return
	}
	logger := common.Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := orch.CleanupExpired(ctx)
			if err != nil {
				logger.Warn("bundleindex: run cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("bundleindex: expired runs removed", "count", removed)
			}
		}
	}
}
