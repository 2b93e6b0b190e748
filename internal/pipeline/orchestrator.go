// File path: internal/pipeline/orchestrator.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsforge/bundleindex/internal/bundle"
	"github.com/opsforge/bundleindex/internal/catalog"
	"github.com/opsforge/bundleindex/internal/common"
	"github.com/opsforge/bundleindex/internal/enhance"
	"github.com/opsforge/bundleindex/internal/fetcher"
	"github.com/opsforge/bundleindex/internal/index"
	"github.com/opsforge/bundleindex/internal/parser"
	"github.com/opsforge/bundleindex/internal/search"
	"github.com/opsforge/bundleindex/internal/vector"
)

// ErrUnknownStage rejects trigger requests for stages that do not exist.
var ErrUnknownStage = errors.New("unknown pipeline stage")

const defaultRetention = 7 * 24 * time.Hour

// Deps wires the orchestrator to the rest of the system.
type Deps struct {
	Store        *catalog.Store
	Fetcher      *fetcher.Fetcher
	Enhancer     *enhance.Enhancer
	Indexer      *index.Indexer
	Lexical      *search.Lexical
	VectorConfig vector.Config
	Retention    time.Duration
}

// Orchestrator executes pipeline stages and the composite workflow under
// tracked runs.
type Orchestrator struct {
	store     *catalog.Store
	fetch     *fetcher.Fetcher
	enhancer  *enhance.Enhancer
	indexer   *index.Indexer
	lexical   *search.Lexical
	vcfg      vector.Config
	tracker   *Tracker
	retention time.Duration
}

func NewOrchestrator(deps Deps) *Orchestrator {
	retention := deps.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Orchestrator{
		store:     deps.Store,
		fetch:     deps.Fetcher,
		enhancer:  deps.Enhancer,
		indexer:   deps.Indexer,
		lexical:   deps.Lexical,
		vcfg:      deps.VectorConfig,
		tracker:   NewTracker(deps.Store),
		retention: retention,
	}
}

func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// TriggerStage starts a single stage asynchronously and returns the pending
// run immediately.
func (o *Orchestrator) TriggerStage(ctx context.Context, stage, triggeredBy string, params map[string]string) (Run, error) {
	if !ValidStage(stage) {
		return Run{}, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	run, runCtx, err := o.tracker.Begin(ctx, stage, KindStage, triggeredBy, params)
	if err != nil {
		return Run{}, err
	}
	go o.executeStage(runCtx, run.ID, stage)
	return run, nil
}

// TriggerWorkflow starts the full sync -> parse -> enhance -> embed pipeline
// asynchronously.
func (o *Orchestrator) TriggerWorkflow(ctx context.Context, triggeredBy string, params map[string]string) (Run, error) {
	run, runCtx, err := o.tracker.Begin(ctx, TaskWorkflow, KindWorkflow, triggeredBy, params)
	if err != nil {
		return Run{}, err
	}
	go o.executeWorkflow(runCtx, run.ID)
	return run, nil
}

// CleanupExpired applies the run retention window once. Callers schedule it.
func (o *Orchestrator) CleanupExpired(ctx context.Context) (int64, error) {
	return o.tracker.Cleanup(ctx, o.retention)
}

func (o *Orchestrator) executeStage(ctx context.Context, runID, stage string) {
	// Persistence must survive the run context being canceled by a revoke.
	persistCtx := context.Background()
	if err := o.tracker.Start(persistCtx, runID); err != nil {
		common.Logger().Warn("pipeline: start transition failed", "run", runID, "error", err)
		return
	}
	detail, err := o.runStage(ctx, runID, stage)
	switch {
	case ctx.Err() != nil:
		o.finishRevoked(persistCtx, runID)
	case err != nil:
		if ferr := o.tracker.Fail(persistCtx, runID, err); ferr != nil {
			common.Logger().Warn("pipeline: fail transition failed", "run", runID, "error", ferr)
		}
	default:
		if cerr := o.tracker.Complete(persistCtx, runID, detail); cerr != nil {
			common.Logger().Warn("pipeline: complete transition failed", "run", runID, "error", cerr)
		}
	}
}

func (o *Orchestrator) executeWorkflow(ctx context.Context, runID string) {
	persistCtx := context.Background()
	if err := o.tracker.Start(persistCtx, runID); err != nil {
		common.Logger().Warn("pipeline: start transition failed", "run", runID, "error", err)
		return
	}
	stages := StageNames()
	outcomes := make(map[string]StageOutcome, len(stages))
	for i, stage := range stages {
		if ctx.Err() != nil {
			o.finishRevoked(persistCtx, runID)
			return
		}
		key := stepKey(i+1, stage)
		if err := o.tracker.Progress(persistCtx, runID, i+1, workflowSteps, "running "+stage); err != nil {
			common.Logger().Warn("pipeline: progress update failed", "run", runID, "error", err)
		}
		detail, err := o.runStage(ctx, runID, stage)
		if ctx.Err() != nil {
			o.finishRevoked(persistCtx, runID)
			return
		}
		outcome := StageOutcome{Stage: stage, Status: StatusSuccess, Detail: detail}
		if err != nil {
			outcome.Status = StatusFailure
			outcome.Error = err.Error()
			common.Logger().Warn("pipeline: workflow stage failed", "run", runID, "stage", stage, "error", err)
		}
		outcomes[key] = outcome
	}
	// The envelope succeeds when the orchestrator survives; individual stage
	// failures stay isolated under their step keys.
	if err := o.tracker.Complete(persistCtx, runID, outcomes); err != nil {
		common.Logger().Warn("pipeline: complete transition failed", "run", runID, "error", err)
	}
}

func (o *Orchestrator) finishRevoked(ctx context.Context, runID string) {
	if err := o.tracker.MarkRevoked(ctx, runID); err != nil && !errors.Is(err, ErrRunFinished) {
		common.Logger().Warn("pipeline: revoke transition failed", "run", runID, "error", err)
	}
}

func (o *Orchestrator) runStage(ctx context.Context, runID, stage string) (any, error) {
	switch stage {
	case StageSync:
		return o.syncStage(ctx)
	case StageParse:
		return o.parseStage(ctx)
	case StageEnhance:
		return o.enhanceStage(ctx)
	case StageEmbed:
		return o.embedStage(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
}

// SyncSummary reports the outcome of one sync stage.
type SyncSummary struct {
	Collections int               `json:"collections"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Files       int               `json:"files"`
	Errors      map[string]string `json:"errors,omitempty"`
}

func (o *Orchestrator) syncStage(ctx context.Context) (any, error) {
	collections, err := o.store.ListCollections(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	if len(collections) == 0 {
		return SyncSummary{}, nil
	}
	summary := SyncSummary{Collections: len(collections), Errors: make(map[string]string)}
	for _, col := range collections {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		snapshot, err := o.fetch.Fetch(ctx, fetcher.Repo{Slug: col.Slug, Name: col.Name, URL: col.RepoURL, Ref: col.Ref})
		if err != nil {
			summary.Failed++
			summary.Errors[col.Slug] = err.Error()
			continue
		}
		files := make([]catalog.RawFile, 0, len(snapshot.Files))
		keep := make([]string, 0, len(snapshot.Files))
		for _, file := range snapshot.Files {
			files = append(files, catalog.RawFile{
				CollectionID: col.ID,
				Path:         file.Path,
				Content:      file.Content,
				FileKind:     file.Kind,
			})
			keep = append(keep, file.Path)
		}
		if err := o.store.ReplaceRawFiles(ctx, col.ID, files); err != nil {
			summary.Failed++
			summary.Errors[col.Slug] = err.Error()
			continue
		}
		if _, err := o.store.ReconcileRawFiles(ctx, col.ID, keep); err != nil {
			summary.Failed++
			summary.Errors[col.Slug] = err.Error()
			continue
		}
		summary.Succeeded++
		summary.Files += len(files)
	}
	if len(summary.Errors) == 0 {
		summary.Errors = nil
	}
	return summary, nil
}

// ParseSummary reports the outcome of one parse stage.
type ParseSummary struct {
	Collections int `json:"collections"`
	Bundles     int `json:"bundles"`
	Deactivated int `json:"deactivated"`
	Failures    int `json:"failures"`
}

func (o *Orchestrator) parseStage(ctx context.Context) (any, error) {
	collections, err := o.store.ListCollections(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	summary := ParseSummary{Collections: len(collections)}
	logger := common.Logger()
	for _, col := range collections {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		files, err := o.store.RawFilesForCollection(ctx, col.ID, false)
		if err != nil {
			return summary, fmt.Errorf("load raw files for %s: %w", col.Slug, err)
		}
		grouped := make(map[string][]parser.SourceFile)
		paths := make(map[string][]string)
		for _, file := range files {
			dir := fetcher.BundleDir(file.Path)
			if dir == "" {
				continue
			}
			grouped[dir] = append(grouped[dir], parser.SourceFile{Path: file.Path, Kind: file.FileKind, Content: file.Content})
			paths[dir] = append(paths[dir], file.Path)
		}
		activeSlugs := make([]string, 0, len(grouped))
		for dir, sources := range grouped {
			parsed, err := parser.AssembleBundle(dir, sources)
			if err != nil {
				summary.Failures++
				logger.Warn("pipeline: bundle parse failed", "collection", col.Slug, "dir", dir, "error", err)
				continue
			}
			parsed.CollectionID = col.ID
			if _, err := o.store.UpsertBundle(ctx, parsed); err != nil {
				summary.Failures++
				logger.Warn("pipeline: bundle upsert failed", "collection", col.Slug, "slug", parsed.Slug, "error", err)
				continue
			}
			if err := o.store.MarkRawFilesProcessed(ctx, col.ID, paths[dir], true); err != nil {
				logger.Warn("pipeline: mark processed failed", "collection", col.Slug, "dir", dir, "error", err)
			}
			activeSlugs = append(activeSlugs, parsed.Slug)
			summary.Bundles++
		}
		deactivated, err := o.store.DeactivateMissingBundles(ctx, col.ID, activeSlugs)
		if err != nil {
			logger.Warn("pipeline: deactivate missing bundles failed", "collection", col.Slug, "error", err)
			continue
		}
		summary.Deactivated += int(deactivated)
	}
	return summary, nil
}

func (o *Orchestrator) enhanceStage(ctx context.Context) (any, error) {
	// Failed and skipped bundles stay eligible so re-running the stage
	// retries transient provider errors and picks up bundles that were
	// skipped before a provider was configured.
	bundles, err := o.store.BundlesByStatus(ctx,
		bundle.EnhancementNone, bundle.EnhancementPending,
		bundle.EnhancementFailed, bundle.EnhancementSkipped)
	if err != nil {
		return nil, fmt.Errorf("select bundles for enhancement: %w", err)
	}
	summary, _ := o.enhancer.EnhanceBatch(ctx, bundles)
	return summary, nil
}

// EmbedSummary maps each document kind to its indexing stats.
type EmbedSummary map[string]index.Stats

func (o *Orchestrator) embedStage(ctx context.Context) (any, error) {
	bundles, err := o.store.ListBundles(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	collections, err := o.store.ListCollections(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}

	perKind := make(map[bundle.Kind][]bundle.Document)
	for _, b := range bundles {
		perKind[bundle.KindCodeBundle] = append(perKind[bundle.KindCodeBundle], b)
	}
	bundlesPerCollection := make(map[int64][]bundle.Bundle)
	for _, b := range bundles {
		bundlesPerCollection[b.CollectionID] = append(bundlesPerCollection[b.CollectionID], b)
	}
	for _, col := range collections {
		members := bundlesPerCollection[col.ID]
		perKind[bundle.KindCollection] = append(perKind[bundle.KindCollection], index.CollectionDoc{
			Slug:        col.Slug,
			Name:        col.Name,
			RepoURL:     col.RepoURL,
			BundleCount: len(members),
			Platforms:   platformSet(members),
		})
	}
	for _, doc := range index.LibraryDocs(bundles) {
		perKind[bundle.KindLibrary] = append(perKind[bundle.KindLibrary], doc)
	}
	docPages, err := o.collectDocPages(ctx, collections)
	if err != nil {
		return nil, err
	}
	perKind[bundle.KindDocumentation] = docPages

	summary := make(EmbedSummary, len(perKind))
	var all []bundle.Document
	for _, kind := range bundle.AllKinds() {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		docs := perKind[kind]
		stats, err := o.indexer.Index(ctx, o.vcfg.CollectionName(string(kind)), docs, true)
		if err != nil {
			return summary, fmt.Errorf("index %s: %w", kind, err)
		}
		summary[string(kind)] = stats
		all = append(all, docs...)
	}
	if o.lexical != nil {
		o.lexical.Refresh(all)
	}
	return summary, nil
}

func (o *Orchestrator) collectDocPages(ctx context.Context, collections []catalog.Collection) ([]bundle.Document, error) {
	var pages []bundle.Document
	for _, col := range collections {
		files, err := o.store.RawFilesForCollection(ctx, col.ID, false)
		if err != nil {
			return nil, fmt.Errorf("load raw files for %s: %w", col.Slug, err)
		}
		for _, file := range files {
			if file.FileKind != fetcher.KindReadme && file.FileKind != fetcher.KindDoc {
				continue
			}
			page := index.DocPage{
				CollectionSlug: col.Slug,
				Path:           file.Path,
				Content:        file.Content,
			}
			if dir := fetcher.BundleDir(file.Path); dir != "" {
				page.BundleSlug = parser.Slug(dir)
			}
			pages = append(pages, page)
		}
	}
	return pages, nil
}

func platformSet(bundles []bundle.Bundle) []string {
	seen := make(map[string]struct{})
	var platforms []string
	for _, b := range bundles {
		platform := b.Platform()
		if platform == "" {
			continue
		}
		if _, dup := seen[platform]; dup {
			continue
		}
		seen[platform] = struct{}{}
		platforms = append(platforms, platform)
	}
	return platforms
}
