// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// =============================================================================
// Documents
// =============================================================================

// Document kinds. The index holds both collections; queries filter on kind.
const (
	KindConsultation = "consultation"
	KindKnowledge    = "knowledge"
)

// Document is one indexed item. Vector must be the embedding of Text.
type Document struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind"`
	Text   string            `json:"text"`
	Meta   map[string]string `json:"meta,omitempty"`
	Vector []float32         `json:"vector"`
}

// Result is a query hit. Score is cosine similarity in [-1, 1].
type Result struct {
	Document
	Score float64
}

// UIScale maps a cosine score onto [0, 1] for display.
func UIScale(score float64) float64 {
	scaled := (score + 1) / 2
	return math.Min(1, math.Max(0, scaled))
}

// =============================================================================
// Index
// =============================================================================

// indexFileVersion guards the persisted format. Bump on layout changes; an
// old file is simply rebuilt from the journal.
const indexFileVersion = 1

// Index is an in-process dense vector index with cosine similarity.
//
// Exhaustive scan per query. The corpus is one practitioner's consultations
// plus a small knowledge base, thousands of vectors at most, so brute force
// beats the operational cost of an external vector store.
//
// # Thread Safety
//
// All methods are safe for concurrent use (RWMutex).
type Index struct {
	mu   sync.RWMutex
	docs map[string]Document
	dim  int
}

// NewIndex returns an empty index. Dimension is fixed by the first upsert.
func NewIndex() *Index {
	return &Index{docs: make(map[string]Document)}
}

// Upsert inserts or replaces a document. The vector is L2-normalised in
// place so queries reduce to a dot product.
func (ix *Index) Upsert(doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("index: empty document id")
	}
	if len(doc.Vector) == 0 {
		return fmt.Errorf("index: document %s has no vector", doc.ID)
	}

	normalize(doc.Vector)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.dim == 0 {
		ix.dim = len(doc.Vector)
	} else if len(doc.Vector) != ix.dim {
		return fmt.Errorf("index: dimension mismatch, got %d want %d", len(doc.Vector), ix.dim)
	}

	ix.docs[doc.ID] = doc
	return nil
}

// Query returns the k most similar documents of the given kind, best first.
// An empty kind matches everything.
func (ix *Index) Query(vec []float32, k int, kind string) []Result {
	if k <= 0 || len(vec) == 0 {
		return nil
	}

	query := make([]float32, len(vec))
	copy(query, vec)
	normalize(query)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.dim != 0 && len(query) != ix.dim {
		return nil
	}

	results := make([]Result, 0, len(ix.docs))
	for _, doc := range ix.docs {
		if kind != "" && doc.Kind != kind {
			continue
		}
		results = append(results, Result{Document: doc, Score: dot(query, doc.Vector)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		// Deterministic order for equal scores.
		return results[i].ID < results[j].ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Count returns the number of documents of the given kind ("" for all).
func (ix *Index) Count(kind string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if kind == "" {
		return len(ix.docs)
	}
	n := 0
	for _, doc := range ix.docs {
		if doc.Kind == kind {
			n++
		}
	}
	return n
}

// snapshotKind copies out every document of the given kind ("" for all).
func (ix *Index) snapshotKind(kind string) []Document {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var docs []Document
	for _, doc := range ix.docs {
		if kind == "" || doc.Kind == kind {
			docs = append(docs, doc)
		}
	}
	return docs
}

// Clear removes every document.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs = make(map[string]Document)
	ix.dim = 0
}

// =============================================================================
// Persistence
// =============================================================================

type indexFile struct {
	Version int        `json:"version"`
	Dim     int        `json:"dim"`
	Docs    []Document `json:"docs"`
}

// Save persists the index atomically: write to a scratch file in the same
// directory, then rename over the destination. Readers never observe a
// half-written cache.
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	file := indexFile{Version: indexFileVersion, Dim: ix.dim, Docs: make([]Document, 0, len(ix.docs))}
	for _, doc := range ix.docs {
		file.Docs = append(file.Docs, doc)
	}
	ix.mu.RUnlock()

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	scratch := filepath.Join(filepath.Dir(path), ".index.json.tmp")
	if err := os.WriteFile(scratch, data, 0o600); err != nil {
		return fmt.Errorf("write index scratch: %w", err)
	}
	if err := os.Rename(scratch, path); err != nil {
		return fmt.Errorf("swap index: %w", err)
	}
	return nil
}

// LoadIndex reads a persisted index. Any validation failure (wrong version,
// dimension drift, non-finite vectors, damaged JSON) returns ok=false so the
// caller falls back to a journal rebuild. The cache is disposable; a broken
// one is never an error.
func LoadIndex(path string) (*Index, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, false
	}
	if file.Version != indexFileVersion || file.Dim <= 0 {
		return nil, false
	}

	ix := NewIndex()
	ix.dim = file.Dim
	for _, doc := range file.Docs {
		if doc.ID == "" || len(doc.Vector) != file.Dim || !finite(doc.Vector) {
			return nil, false
		}
		ix.docs[doc.ID] = doc
	}
	return ix, true
}

// =============================================================================
// Vector math
// =============================================================================

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func finite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
