// File path: internal/vector/client_test.go
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

type fakeChroma struct {
	mu          sync.Mutex
	collections map[string]string            // name -> id
	records     map[string]map[string]Record // collection id -> record id -> record
	lastQuery   map[string]interface{}
	nextID      int
}

func newFakeChroma() *fakeChroma {
	return &fakeChroma{
		collections: make(map[string]string),
		records:     make(map[string]map[string]Record),
	}
}

func (f *fakeChroma) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"nanosecond heartbeat": 1}`)
	})
	mux.HandleFunc("/api/v1/collections", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			name := r.URL.Query().Get("name")
			type col struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			}
			var cols []col
			for n, id := range f.collections {
				if name == "" || n == name {
					cols = append(cols, col{ID: id, Name: n})
				}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"collections": cols})
		case http.MethodPost:
			var payload struct {
				Name string `json:"name"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			id, exists := f.collections[payload.Name]
			if !exists {
				f.nextID++
				id = fmt.Sprintf("col-%d", f.nextID)
				f.collections[payload.Name] = id
				f.records[id] = make(map[string]Record)
			}
			json.NewEncoder(w).Encode(map[string]string{"id": id, "name": payload.Name})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/collections/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/collections/")
		parts := strings.SplitN(rest, "/", 2)
		key, _ := url.PathUnescape(parts[0])
		if len(parts) == 1 {
			if r.Method == http.MethodDelete {
				id, ok := f.collections[key]
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				delete(f.collections, key)
				delete(f.records, id)
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
			return
		}
		store, ok := f.records[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch parts[1] {
		case "upsert", "add":
			var payload struct {
				IDs        []string                 `json:"ids"`
				Documents  []string                 `json:"documents"`
				Metadatas  []map[string]interface{} `json:"metadatas"`
				Embeddings [][]float32              `json:"embeddings"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			for i, id := range payload.IDs {
				rec := Record{ID: id}
				if i < len(payload.Documents) {
					rec.Text = payload.Documents[i]
				}
				if i < len(payload.Metadatas) {
					rec.Metadata = payload.Metadatas[i]
				}
				if i < len(payload.Embeddings) {
					rec.Vector = payload.Embeddings[i]
				}
				store[id] = rec
			}
			w.WriteHeader(http.StatusOK)
		case "count":
			json.NewEncoder(w).Encode(len(store))
		case "query":
			var payload map[string]interface{}
			json.NewDecoder(r.Body).Decode(&payload)
			f.lastQuery = payload
			ids := []string{}
			docs := []string{}
			metas := []map[string]interface{}{}
			dists := []float64{}
			for id, rec := range store {
				ids = append(ids, id)
				docs = append(docs, rec.Text)
				metas = append(metas, rec.Metadata)
				dists = append(dists, 0.25)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"ids":       [][]string{ids},
				"documents": [][]string{docs},
				"metadatas": [][]map[string]interface{}{metas},
				"distances": [][]float64{dists},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeChroma) {
	t.Helper()
	fake := newFakeChroma()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)
	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	client, err := New(context.Background(), Config{
		Host:   parsed.Hostname(),
		Port:   parsed.Port(),
		Scheme: "http",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if !client.Available() {
		t.Fatalf("client should be available against the fake backend")
	}
	return client, fake
}

func TestUpsertAndQuery(t *testing.T) {
	client, fake := newTestClient(t)
	ctx := context.Background()

	records := []Record{
		{ID: "k8s/pod-restart-check", Text: "restart investigation", Vector: []float32{0.1, 0.2}, Metadata: map[string]interface{}{"platform": "Kubernetes"}},
		{ID: "aws/elb-health", Text: "load balancer health", Vector: []float32{0.3, 0.4}, Metadata: map[string]interface{}{"platform": "AWS"}},
	}
	if err := client.Upsert(ctx, "bundleindex_codebundles", records); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	count, err := client.Count(ctx, "bundleindex_codebundles")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 records, got %d", count)
	}

	matches, err := client.Query(ctx, "bundleindex_codebundles", []float32{0.1, 0.2}, 5, map[string]interface{}{"platform": "AWS"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected fake to echo 2 matches, got %d", len(matches))
	}
	for _, m := range matches {
		if m.Distance != 0.25 {
			t.Fatalf("unexpected distance %v", m.Distance)
		}
	}
	where, ok := fake.lastQuery["where"].(map[string]interface{})
	if !ok {
		t.Fatalf("where filter was not forwarded: %v", fake.lastQuery)
	}
	if where["platform"] != "AWS" {
		t.Fatalf("unexpected where filter %v", where)
	}
}

func TestQueryWithoutFilterOmitsWhere(t *testing.T) {
	client, fake := newTestClient(t)
	ctx := context.Background()
	if err := client.Upsert(ctx, "bundleindex_collections", []Record{{ID: "a", Vector: []float32{1}}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := client.Query(ctx, "bundleindex_collections", []float32{1}, 3, nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	if _, present := fake.lastQuery["where"]; present {
		t.Fatalf("empty filter must not be forwarded")
	}
}

func TestClearDropsCollection(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	if err := client.Upsert(ctx, "bundleindex_codebundles", []Record{{ID: "a", Vector: []float32{1}}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := client.Clear(ctx, "bundleindex_codebundles"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	count, err := client.Count(ctx, "bundleindex_codebundles")
	if err != nil {
		t.Fatalf("count after clear: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty collection after clear, got %d records", count)
	}
}

func TestClearMissingCollectionIsNotAnError(t *testing.T) {
	client, _ := newTestClient(t)
	if err := client.Clear(context.Background(), "never-created"); err != nil {
		t.Fatalf("clear of missing collection: %v", err)
	}
}

func TestVectorDimension(t *testing.T) {
	if dim := VectorDimension([][]float32{nil, {}, {0.1, 0.2, 0.3}}); dim != 3 {
		t.Fatalf("expected dimension 3, got %d", dim)
	}
	if dim := VectorDimension(nil); dim != 0 {
		t.Fatalf("expected dimension 0 for empty input, got %d", dim)
	}
}
