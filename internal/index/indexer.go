// File path: internal/index/indexer.go
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsforge/bundleindex/internal/bundle"
	"github.com/opsforge/bundleindex/internal/common"
	"github.com/opsforge/bundleindex/internal/common/telemetry"
	"github.com/opsforge/bundleindex/internal/vector"
)

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

const defaultBatchSize = 32

// Indexer embeds documents in fixed-size batches and writes them to the
// vector store.
type Indexer struct {
	store     vector.Store
	embedder  Embedder
	batchSize int
}

// Stats summarizes one indexing pass. Placeholders counts documents written
// with an empty vector because their embedding batch failed.
type Stats struct {
	Indexed      int `json:"indexed"`
	Placeholders int `json:"placeholders"`
}

func New(store vector.Store, embedder Embedder, batchSize int) *Indexer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Indexer{store: store, embedder: embedder, batchSize: batchSize}
}

// Index writes the documents into the named collection. With clearExisting
// the collection is dropped first so the pass is a full rebuild. A failed
// embedding batch does not abort the pass: its documents are stored with
// empty vectors so the row count still matches the input count, and the
// failure is counted in the returned stats.
func (ix *Indexer) Index(ctx context.Context, collection string, docs []bundle.Document, clearExisting bool) (Stats, error) {
	if ix == nil || ix.store == nil {
		return Stats{}, errors.New("indexer not configured")
	}
	stats := Stats{}
	if clearExisting {
		if err := ix.store.Clear(ctx, collection); err != nil {
			return stats, fmt.Errorf("clear collection %s: %w", collection, err)
		}
	}
	if len(docs) == 0 {
		return stats, nil
	}

	ids := dedupeIDs(docs)
	logger := common.Logger()
	expectedDim := 0
	for start := 0; start < len(docs); start += ix.batchSize {
		end := start + ix.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]
		texts := make([]string, len(batch))
		for i, doc := range batch {
			texts[i] = doc.DocumentText()
		}
		vectors, err := ix.embed(ctx, texts)
		if err == nil {
			// Every vector in the collection must share one dimension or
			// the store rejects the upsert half way through a rebuild.
			if dim := vector.VectorDimension(vectors); dim > 0 {
				switch {
				case expectedDim == 0:
					expectedDim = dim
				case dim != expectedDim:
					err = fmt.Errorf("embedding dimension changed from %d to %d", expectedDim, dim)
				}
			}
		}
		if err != nil {
			telemetry.RecordEmbedBatchFailure()
			logger.Warn("index: embedding batch failed, storing placeholders",
				"collection", collection, "batch_start", start, "error", err)
			vectors = make([][]float32, len(batch))
			stats.Placeholders += len(batch)
		}
		records := make([]vector.Record, len(batch))
		for i, doc := range batch {
			records[i] = vector.Record{
				ID:       ids[start+i],
				Text:     doc.DocumentText(),
				Vector:   vectors[i],
				Metadata: toMetadata(doc.DocumentMetadata()),
			}
		}
		if err := ix.store.Upsert(ctx, collection, records); err != nil {
			return stats, fmt.Errorf("upsert batch into %s: %w", collection, err)
		}
		stats.Indexed += len(batch)
	}
	telemetry.RecordIngestBatch("vector", stats.Indexed)
	logger.Info("index: collection indexed",
		"collection", collection, "documents", stats.Indexed, "placeholders", stats.Placeholders)
	return stats, nil
}

func (ix *Indexer) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if ix.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

func toMetadata(meta map[string]string) map[string]interface{} {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
