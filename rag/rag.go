// Package rag provides an in-memory knowledge base behind the core's
// Retriever contract: documents are embedded once at load time and matched
// against queries by cosine similarity.
package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/concordhq/agentcore/tools"
)

// Document is one indexed knowledge fragment.
type Document struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	Embedding []float64 `json:"embedding,omitempty"`
}

// Embedder turns text into a vector. Implementations wrap a model backend.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

type scored struct {
	doc   Document
	score float64
}

// MemoryStore holds embedded documents and serves nearest-neighbor lookups.
// Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]Document{}}
}

// Add indexes the documents, replacing any with the same id. Every document
// must carry an embedding.
func (s *MemoryStore) Add(_ context.Context, docs []Document) error {
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("rag: document without id")
		}
		if len(d.Embedding) == 0 {
			return fmt.Errorf("rag: document %q has no embedding", d.ID)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.docs, id)
	}
}

func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Search returns the k documents closest to the query vector, best first.
func (s *MemoryStore) Search(_ context.Context, query []float64, k int) ([]Document, []float64, error) {
	if k < 1 {
		k = 1
	}
	s.mu.RLock()
	ranked := make([]scored, 0, len(s.docs))
	for _, d := range s.docs {
		ranked = append(ranked, scored{doc: d, score: cosine(query, d.Embedding)})
	}
	s.mu.RUnlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].doc.ID < ranked[j].doc.ID
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	docs := make([]Document, len(ranked))
	scores := make([]float64, len(ranked))
	for i, r := range ranked {
		docs[i] = r.doc
		scores[i] = r.score
	}
	return docs, scores, nil
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Retriever embeds the query and searches the store. It satisfies the core's
// retrieve_knowledge contract.
type Retriever struct {
	Embedder Embedder
	Store    *MemoryStore
}

func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]tools.Hit, error) {
	vec, err := r.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	docs, scores, err := r.Store.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	hits := make([]tools.Hit, len(docs))
	for i, d := range docs {
		hits[i] = tools.Hit{Content: d.Content, Score: scores[i], Source: d.Source}
	}
	return hits, nil
}
