// File path: internal/vector/client.go
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/opsforge/bundleindex/internal/common"
)

// Store is the vector database surface the indexer and search service depend
// on. Collections are addressed by name; the client resolves and caches their
// backend identifiers.
type Store interface {
	Available() bool
	Upsert(ctx context.Context, collection string, records []Record) error
	Query(ctx context.Context, collection string, vector []float32, limit int, where map[string]interface{}) ([]Match, error)
	Clear(ctx context.Context, collection string) error
	Count(ctx context.Context, collection string) (int, error)
}

// Record is one embedded document bound for a collection.
type Record struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata map[string]interface{}
}

// Match is one query hit. Distance is the raw backend distance; callers
// derive scores from it.
type Match struct {
	ID       string
	Distance float64
	Document string
	Metadata map[string]interface{}
}

type Client struct {
	httpClient *http.Client
	transport  *http.Transport

	baseURL   string
	apiKey    string
	available bool

	cfg Config

	mu            sync.RWMutex
	collectionIDs map[string]string
}

var (
	errNotFound = errors.New("resource not found")
	errConflict = errors.New("resource conflict")
)

func NewFromEnv(ctx context.Context) (*Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// New constructs a client using the provided configuration. A backend that is
// unreachable at construction time does not fail the call; the client reports
// unavailable and retries readiness on the next operation.
func New(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()
	baseURL := fmt.Sprintf("%s://%s:%s/api/v1", cfg.Scheme, cfg.Host, cfg.Port)
	logger := common.Logger()
	logger.Info(
		"vector: initializing chromadb client",
		"host", cfg.Host,
		"port", cfg.Port,
		"prefix", cfg.CollectionPrefix,
		"timeout", cfg.Timeout,
	)

	transport := &http.Transport{
		MaxIdleConns:        cfg.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: cfg.HTTPMaxIdlePerHost,
		MaxConnsPerHost:     cfg.HTTPMaxConnsPerHost,
		IdleConnTimeout:     cfg.HTTPIdleConnTimeout,
	}

	client := &Client{
		httpClient:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		transport:     transport,
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        cfg.APIKey,
		cfg:           cfg,
		collectionIDs: make(map[string]string),
	}

	if err := client.ensureReady(ctx); err != nil {
		logger.Warn("vector: chromadb initialization failed", "error", err)
		return client, nil
	}
	logger.Info("vector: chromadb connection established")
	return client, nil
}

func (c *Client) Available() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

func (c *Client) ensureReady(ctx context.Context) error {
	if c == nil {
		return errors.New("chromadb client not configured")
	}
	if c.Available() {
		return nil
	}
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = c.health(ctx)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 250 * time.Millisecond):
		}
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.available = true
	c.mu.Unlock()
	return nil
}

// collectionID resolves a collection name to its backend identifier, creating
// the collection on first use.
func (c *Client) collectionID(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("collection name cannot be empty")
	}
	c.mu.RLock()
	id, cached := c.collectionIDs[name]
	c.mu.RUnlock()
	if cached {
		return id, nil
	}
	id, err := c.findCollection(ctx, name)
	if err != nil {
		return "", err
	}
	if id == "" {
		id, err = c.createCollection(ctx, name)
		if err != nil {
			return "", err
		}
	}
	if id == "" {
		return "", fmt.Errorf("collection %s could not be resolved", name)
	}
	c.mu.Lock()
	c.collectionIDs[name] = id
	c.mu.Unlock()
	return id, nil
}

func (c *Client) findCollection(ctx context.Context, name string) (string, error) {
	endpoint := fmt.Sprintf("%s/collections?name=%s", c.baseURL, url.QueryEscape(name))
	var resp struct {
		Collections []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"collections"`
	}
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		if errors.Is(err, errNotFound) {
			return "", nil
		}
		// Fallback to enumeration when the name filter is unsupported.
		endpoint = fmt.Sprintf("%s/collections", c.baseURL)
		if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
			return "", err
		}
	}
	for _, col := range resp.Collections {
		if strings.EqualFold(col.Name, name) {
			return col.ID, nil
		}
	}
	return "", nil
}

func (c *Client) createCollection(ctx context.Context, name string) (string, error) {
	payload := map[string]interface{}{"name": name, "get_or_create": true}
	endpoint := fmt.Sprintf("%s/collections", c.baseURL)
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doRequest(ctx, http.MethodPost, endpoint, payload, &resp); err != nil {
		if errors.Is(err, errConflict) {
			return c.findCollection(ctx, name)
		}
		return "", err
	}
	return resp.ID, nil
}

// Upsert writes records into the named collection. Records missing a vector
// are sent with a nil embedding so the backend keeps the slot addressable;
// length parity between callers' inputs and stored rows is preserved.
func (c *Client) Upsert(ctx context.Context, collection string, records []Record) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(records))
	embeddings := make([][]float32, 0, len(records))
	documents := make([]string, 0, len(records))
	metadatas := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
		embeddings = append(embeddings, record.Vector)
		documents = append(documents, record.Text)
		metadatas = append(metadatas, record.Metadata)
	}
	payload := map[string]interface{}{
		"ids":        ids,
		"documents":  documents,
		"metadatas":  metadatas,
		"embeddings": embeddings,
	}
	endpoint := fmt.Sprintf("%s/collections/%s/upsert", c.baseURL, url.PathEscape(id))
	if err := c.doRequest(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
		if errors.Is(err, errNotFound) {
			fallback := fmt.Sprintf("%s/collections/%s/add", c.baseURL, url.PathEscape(id))
			return c.doRequest(ctx, http.MethodPost, fallback, payload, nil)
		}
		return err
	}
	return nil
}

// Query runs a nearest-neighbor search over the named collection. The where
// map is passed through as an exact-match metadata filter; a nil or empty map
// applies no filter.
func (c *Client) Query(ctx context.Context, collection string, vector []float32, limit int, where map[string]interface{}) ([]Match, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	body := map[string]interface{}{
		"query_embeddings": [][]float32{vector},
		"n_results":        limit,
		"include":          []string{"metadatas", "documents", "distances"},
	}
	if len(where) > 0 {
		body["where"] = where
	}
	endpoint := fmt.Sprintf("%s/collections/%s/query", c.baseURL, url.PathEscape(id))
	var resp struct {
		IDs       [][]string                 `json:"ids"`
		Distances [][]float64                `json:"distances"`
		Metadatas [][]map[string]interface{} `json:"metadatas"`
		Documents [][]string                 `json:"documents"`
	}
	if err := c.doRequest(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.IDs) == 0 {
		return nil, nil
	}
	matches := make([]Match, 0, len(resp.IDs[0]))
	for idx, matchID := range resp.IDs[0] {
		match := Match{ID: matchID}
		if len(resp.Distances) > 0 && idx < len(resp.Distances[0]) {
			match.Distance = resp.Distances[0][idx]
		}
		if len(resp.Documents) > 0 && idx < len(resp.Documents[0]) {
			match.Document = resp.Documents[0][idx]
		}
		if len(resp.Metadatas) > 0 && idx < len(resp.Metadatas[0]) {
			match.Metadata = resp.Metadatas[0][idx]
		}
		matches = append(matches, match)
	}
	return matches, nil
}

// Clear drops the named collection so a full reindex starts from an empty
// table. A collection that does not exist yet is not an error.
func (c *Client) Clear(ctx context.Context, collection string) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/collections/%s", c.baseURL, url.PathEscape(strings.TrimSpace(collection)))
	err := c.doRequest(ctx, http.MethodDelete, endpoint, nil, nil)
	if err != nil && !errors.Is(err, errNotFound) {
		return err
	}
	c.mu.Lock()
	delete(c.collectionIDs, strings.TrimSpace(collection))
	c.mu.Unlock()
	return nil
}

// Count reports the number of records stored in the named collection.
func (c *Client) Count(ctx context.Context, collection string) (int, error) {
	if err := c.ensureReady(ctx); err != nil {
		return 0, err
	}
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return 0, err
	}
	endpoint := fmt.Sprintf("%s/collections/%s/count", c.baseURL, url.PathEscape(id))
	var count int
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *Client) health(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/heartbeat", c.baseURL)
	return c.doRequest(ctx, http.MethodGet, endpoint, nil, nil)
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	if c == nil {
		return errors.New("chromadb client not configured")
	}
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode == http.StatusConflict {
		return errConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chromadb %s %s failed: %s", method, endpoint, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	return decoder.Decode(out)
}

// Close releases pooled resources associated with the client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	return nil
}

var _ Store = (*Client)(nil)

// VectorDimension reports the first non-empty vector length in a batch.
func VectorDimension(v [][]float32) int {
	for _, vec := range v {
		if len(vec) > 0 {
			return len(vec)
		}
	}
	return 0
}
