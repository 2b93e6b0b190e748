// File path: internal/search/lexical.go
package search

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/opsforge/bundleindex/internal/bundle"
)

// Lexical is a TF-IDF cosine index over document text. It backs search when
// the vector store is unreachable so the API stays answerable, at reduced
// quality.
type Lexical struct {
	mu      sync.RWMutex
	docs    []lexicalDoc
	vectors map[string]map[string]float64
	norms   map[string]float64
	df      map[string]int
	total   int
}

type lexicalDoc struct {
	id       string
	text     string
	metadata map[string]string
}

func NewLexical() *Lexical {
	return &Lexical{
		vectors: make(map[string]map[string]float64),
		norms:   make(map[string]float64),
		df:      make(map[string]int),
	}
}

// Refresh replaces the indexed corpus.
func (l *Lexical) Refresh(docs []bundle.Document) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.docs = l.docs[:0]
	l.vectors = make(map[string]map[string]float64, len(docs))
	l.norms = make(map[string]float64, len(docs))
	l.df = make(map[string]int)
	l.total = len(docs)
	for _, doc := range docs {
		entry := lexicalDoc{id: doc.DocumentID(), text: doc.DocumentText(), metadata: doc.DocumentMetadata()}
		l.docs = append(l.docs, entry)
		tf := make(map[string]float64)
		for _, term := range tokenize(entry.text) {
			tf[term]++
		}
		for term := range tf {
			l.df[term]++
		}
		l.vectors[entry.id] = tf
	}
	for id, tf := range l.vectors {
		var norm float64
		for term, freq := range tf {
			weight := l.tfidfWeight(term, freq)
			tf[term] = weight
			norm += weight * weight
		}
		l.norms[id] = math.Sqrt(norm)
	}
}

// Search scores the corpus against the query and returns the top matches.
// Filters are exact-match conjunctions over document metadata.
func (l *Lexical) Search(query string, limit int, filters map[string]string) []Result {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}
	qtf := make(map[string]float64)
	for _, term := range terms {
		qtf[term]++
	}
	var qnorm float64
	for term, freq := range qtf {
		weight := l.tfidfWeight(term, freq)
		qtf[term] = weight
		qnorm += weight * weight
	}
	qnorm = math.Sqrt(qnorm)
	if qnorm == 0 {
		return nil
	}
	results := make([]Result, 0, len(l.docs))
	for _, doc := range l.docs {
		if !matchesFilters(doc.metadata, filters) {
			continue
		}
		dv := l.vectors[doc.id]
		if len(dv) == 0 {
			continue
		}
		var dot float64
		for term, weight := range qtf {
			dot += weight * dv[term]
		}
		denom := qnorm * l.norms[doc.id]
		if denom == 0 {
			continue
		}
		score := dot / denom
		if score <= 0 {
			continue
		}
		results = append(results, Result{
			ID:       doc.id,
			Score:    roundScore(score),
			Document: doc.text,
			Metadata: doc.metadata,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (l *Lexical) tfidfWeight(term string, freq float64) float64 {
	df := float64(l.df[term])
	if df == 0 {
		return 0
	}
	idf := math.Log((float64(l.total)+1)/(df+1)) + 1
	return freq * idf
}

func matchesFilters(metadata map[string]string, filters map[string]string) bool {
	for key, want := range filters {
		if metadata[key] != want {
			return false
		}
	}
	return true
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	replacer := strings.NewReplacer(
		".", " ",
		",", " ",
		"\n", " ",
		"\t", " ",
		":", " ",
		";", " ",
		"-", " ",
		"_", " ",
		"(", " ",
		")", " ",
		"'", " ",
		"\"", " ",
		"/", " ",
	)
	cleaned := replacer.Replace(text)
	return strings.Fields(cleaned)
}
