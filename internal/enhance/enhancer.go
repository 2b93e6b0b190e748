// File path: internal/enhance/enhancer.go
package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opsforge/bundleindex/internal/bundle"
	"github.com/opsforge/bundleindex/internal/catalog"
	"github.com/opsforge/bundleindex/internal/common"
	"github.com/opsforge/bundleindex/internal/llm"
	"github.com/opsforge/bundleindex/internal/llm/providers"
)

const (
	defaultWorkers     = 4
	defaultChatTimeout = 30 * time.Second
)

// Result is the outcome of enhancing a single bundle.
type Result struct {
	BundleID int64
	Slug     string
	Status   bundle.EnhancementStatus
	Err      error
}

// Summary aggregates a batch run.
type Summary struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Enhancer generates enriched descriptions for codebundles and records every
// attempt in the catalog's audit trail.
type Enhancer struct {
	store    *catalog.Store
	provider providers.Provider
	workers  int
	timeout  time.Duration
}

type Option func(*Enhancer)

func WithWorkers(n int) Option {
	return func(e *Enhancer) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(e *Enhancer) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func New(store *catalog.Store, provider providers.Provider, opts ...Option) *Enhancer {
	e := &Enhancer{store: store, provider: provider, workers: defaultWorkers, timeout: defaultChatTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Enhance processes one bundle. An unconfigured provider yields a skipped
// result, not a failure. Every attempt, including skips and failures, leaves
// an audit row; only success touches the bundle's denormalized enhancement
// fields, so a failed retry never clobbers previously good data.
func (e *Enhancer) Enhance(ctx context.Context, b bundle.Bundle) Result {
	result := Result{BundleID: b.ID, Slug: b.Slug}
	logger := common.Logger()

	if !llm.Configured(e.provider) {
		result.Status = bundle.EnhancementSkipped
		e.record(ctx, catalog.EnhancementRecord{
			CodeBundleID: b.ID,
			Status:       string(bundle.EnhancementSkipped),
			ErrorText:    "no text generation provider configured",
		})
		if err := e.store.UpdateEnhancementStatus(ctx, b.ID, bundle.EnhancementSkipped); err != nil {
			result.Err = err
		}
		return result
	}

	if err := e.store.UpdateEnhancementStatus(ctx, b.ID, bundle.EnhancementProcessing); err != nil {
		result.Status = bundle.EnhancementFailed
		result.Err = fmt.Errorf("mark processing: %w", err)
		return result
	}

	messages := buildMessages(b)
	prompt := renderPrompt(messages)
	chatCtx, cancel := context.WithTimeout(ctx, e.timeout)
	started := time.Now()
	raw, err := e.provider.Chat(chatCtx, messages)
	cancel()
	elapsed := time.Since(started)

	if err != nil {
		logger.Warn("enhance: chat request failed", "bundle", b.Slug, "error", err)
		return e.fail(ctx, b, prompt, raw, elapsed, fmt.Errorf("chat request: %w", err))
	}

	payload, parseErr := parseEnhancement(raw)
	if parseErr != nil {
		logger.Warn("enhance: response rejected", "bundle", b.Slug, "error", parseErr)
		return e.fail(ctx, b, prompt, raw, elapsed, parseErr)
	}

	enhancement := bundle.Enhancement{
		EnhancedDescription: payload.EnhancedDescription,
		AccessLevel:         payload.AccessLevel,
		IAMRequirements:     payload.IAMRequirements,
	}
	if err := e.store.ApplyEnhancement(ctx, b.ID, enhancement); err != nil {
		return e.fail(ctx, b, prompt, raw, elapsed, fmt.Errorf("persist enhancement: %w", err))
	}
	e.record(ctx, catalog.EnhancementRecord{
		CodeBundleID:    b.ID,
		Status:          string(bundle.EnhancementCompleted),
		Prompt:          prompt,
		RawResponse:     raw,
		EnhancedDesc:    payload.EnhancedDescription,
		AccessLevel:     payload.AccessLevel,
		IAMRequirements: strings.Join(payload.IAMRequirements, "\n"),
		ModelUsed:       e.provider.ChatModel(),
		ProcessingMS:    elapsed.Milliseconds(),
	})
	result.Status = bundle.EnhancementCompleted
	return result
}

func (e *Enhancer) fail(ctx context.Context, b bundle.Bundle, prompt, raw string, elapsed time.Duration, cause error) Result {
	e.record(ctx, catalog.EnhancementRecord{
		CodeBundleID: b.ID,
		Status:       string(bundle.EnhancementFailed),
		Prompt:       prompt,
		RawResponse:  raw,
		ModelUsed:    e.provider.ChatModel(),
		ProcessingMS: elapsed.Milliseconds(),
		ErrorText:    cause.Error(),
	})
	if err := e.store.UpdateEnhancementStatus(ctx, b.ID, bundle.EnhancementFailed); err != nil {
		common.Logger().Warn("enhance: failed to mark bundle failed", "bundle", b.Slug, "error", err)
	}
	return Result{BundleID: b.ID, Slug: b.Slug, Status: bundle.EnhancementFailed, Err: cause}
}

func (e *Enhancer) record(ctx context.Context, rec catalog.EnhancementRecord) {
	if err := e.store.InsertEnhancementRecord(ctx, rec); err != nil {
		common.Logger().Warn("enhance: audit record insert failed", "bundle_id", rec.CodeBundleID, "error", err)
	}
}

// EnhanceBatch runs the bundles through a bounded worker pool. Each bundle
// commits individually, so one failure never rolls back its neighbors.
func (e *Enhancer) EnhanceBatch(ctx context.Context, bundles []bundle.Bundle) (Summary, []Result) {
	summary := Summary{}
	if len(bundles) == 0 {
		return summary, nil
	}
	workerCount := e.workers
	if workerCount > len(bundles) {
		workerCount = len(bundles)
	}
	jobCh := make(chan bundle.Bundle)
	resultCh := make(chan Result, len(bundles))
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				select {
				case <-ctx.Done():
					resultCh <- Result{BundleID: job.ID, Slug: job.Slug, Status: bundle.EnhancementFailed, Err: ctx.Err()}
					continue
				default:
				}
				resultCh <- e.Enhance(ctx, job)
			}
		}()
	}
	go func() {
		for _, b := range bundles {
			jobCh <- b
		}
		close(jobCh)
		wg.Wait()
		close(resultCh)
	}()
	results := make([]Result, 0, len(bundles))
	for res := range resultCh {
		results = append(results, res)
		switch res.Status {
		case bundle.EnhancementCompleted:
			summary.Completed++
		case bundle.EnhancementSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}
	common.Logger().Info("enhance: batch finished",
		"completed", summary.Completed, "failed", summary.Failed, "skipped", summary.Skipped)
	return summary, results
}

type enhancementPayload struct {
	EnhancedDescription string   `json:"enhanced_description"`
	AccessLevel         string   `json:"access_level"`
	IAMRequirements     []string `json:"iam_requirements"`
}

// parseEnhancement extracts the JSON object from a model response, tolerating
// code fences and surrounding prose.
func parseEnhancement(raw string) (enhancementPayload, error) {
	var payload enhancementPayload
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return payload, errors.New("empty response")
	}
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return payload, errors.New("response contains no JSON object")
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &payload); err != nil {
		return payload, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(payload.EnhancedDescription) == "" {
		return payload, errors.New("response missing enhanced_description")
	}
	payload.EnhancedDescription = strings.TrimSpace(payload.EnhancedDescription)
	payload.AccessLevel = normalizeAccessLevel(payload.AccessLevel)
	return payload, nil
}

// normalizeAccessLevel coerces model output onto the catalog vocabulary of
// "read-only", "write" and "admin". Anything else is dropped rather than
// stored verbatim.
func normalizeAccessLevel(level string) string {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "read-only", "readonly", "read only", "read":
		return "read-only"
	case "write", "read-write", "readwrite", "read/write":
		return "write"
	case "admin", "administrator":
		return "admin"
	default:
		return ""
	}
}
