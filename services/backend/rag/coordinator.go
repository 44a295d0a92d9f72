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
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/DentalAssistant/pkg/logging"
	"github.com/AleutianAI/DentalAssistant/services/backend/audit"
)

// =============================================================================
// Ports
// =============================================================================

// Embedder turns text into vectors. The concrete implementation routes
// through the inference scheduler's embed queue so rebuilds never starve
// interactive requests.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// =============================================================================
// Results
// =============================================================================

// ConsultationHit is one search result, scored for display.
type ConsultationHit struct {
	ID               string  `json:"id"`
	SmartNote        string  `json:"smartnote"`
	Transcription    string  `json:"transcription,omitempty"`
	PatientID        string  `json:"patient_id,omitempty"`
	DentistName      string  `json:"dentist_name,omitempty"`
	ConsultationType string  `json:"consultation_type,omitempty"`
	CreatedAt        int64   `json:"created_at"`
	DateDisplay      string  `json:"date_display"`
	Score            float64 `json:"score"`
}

// Status summarises store state for the /rag/status endpoint.
type Status struct {
	ConsultationsCount int  `json:"consultations_count"`
	KnowledgeCount     int  `json:"knowledge_count"`
	Ready              bool `json:"ready"`
}

// =============================================================================
// Coordinator
// =============================================================================

const (
	// retrieveTopK is how many knowledge chunks feed a RAG prompt.
	retrieveTopK = 4

	rebuildBatchSize  = 16
	rebuildRetryDelay = 30 * time.Second
)

// Coordinator ties the journal, the vector index and the embedder together.
//
// Durability contract: SaveConsultation returns success once the journal
// line is fsync'd. Index updates are best effort; a missed update is
// repaired by the next startup rebuild because the journal is authoritative.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The index is swapped atomically
// during rebuilds, readers keep using the old snapshot.
type Coordinator struct {
	journal  *Journal
	embedder Embedder
	trail    *audit.Trail
	logger   *logging.Logger

	indexPath string

	index atomic.Pointer[Index]
	ready atomic.Bool
}

// NewCoordinator wires the store. Call Start to load or rebuild the index.
func NewCoordinator(journal *Journal, embedder Embedder, trail *audit.Trail, indexPath string, logger *logging.Logger) *Coordinator {
	c := &Coordinator{
		journal:   journal,
		embedder:  embedder,
		trail:     trail,
		logger:    logger,
		indexPath: indexPath,
	}
	c.index.Store(NewIndex())
	return c
}

// Start loads the persisted index or rebuilds it from the journal in the
// background. Returns immediately; Ready flips once the store is usable.
// Rebuild failures (typically the embedding service still booting) retry
// until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		for {
			if err := c.initialize(ctx); err == nil {
				return
			} else if ctx.Err() != nil {
				return
			} else {
				c.logger.Warn("rag initialization failed, will retry",
					"delay", rebuildRetryDelay.String(), "error", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(rebuildRetryDelay):
			}
		}
	}()
}

func (c *Coordinator) initialize(ctx context.Context) error {
	journalCount, err := c.journal.Count()
	if err != nil {
		return fmt.Errorf("count journal: %w", err)
	}

	if ix, ok := LoadIndex(c.indexPath); ok && ix.Count(KindConsultation) >= journalCount {
		c.index.Store(ix)
		c.logger.Info("rag index loaded",
			"consultations", ix.Count(KindConsultation),
			"knowledge", ix.Count(KindKnowledge))
	} else {
		if err := c.rebuild(ctx); err != nil {
			return err
		}
	}

	if c.index.Load().Count(KindKnowledge) == 0 {
		if err := c.seedKnowledge(ctx); err != nil {
			return err
		}
	}

	c.ready.Store(true)
	return nil
}

// rebuild streams the journal, re-embeds every consultation in batches and
// atomically swaps in the fresh index.
func (c *Coordinator) rebuild(ctx context.Context) error {
	started := time.Now()

	var records []Record
	if err := c.journal.Scan(func(rec Record) bool {
		records = append(records, rec)
		return true
	}); err != nil {
		return fmt.Errorf("scan journal: %w", err)
	}

	fresh := NewIndex()
	// The old index may still answer queries while this runs.
	old := c.index.Load()
	for _, doc := range old.snapshotKind(KindKnowledge) {
		if err := fresh.Upsert(doc); err != nil {
			return err
		}
	}

	for start := 0; start < len(records); start += rebuildBatchSize {
		end := start + rebuildBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		texts := make([]string, len(batch))
		for i, rec := range batch {
			texts[i] = consultationText(rec)
		}

		vectors, err := c.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed rebuild batch: %w", err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embed rebuild batch: got %d vectors for %d records", len(vectors), len(batch))
		}

		for i, rec := range batch {
			if err := fresh.Upsert(consultationDoc(rec, vectors[i])); err != nil {
				return err
			}
		}
	}

	if err := fresh.Save(c.indexPath); err != nil {
		c.logger.Warn("rag index persist failed after rebuild", "error", err)
	}
	c.index.Store(fresh)
	c.logger.Info("rag index rebuilt",
		"consultations", len(records),
		"elapsed", time.Since(started).String())
	return nil
}

func (c *Coordinator) seedKnowledge(ctx context.Context) error {
	n, err := c.IngestKnowledge(ctx, SeedKnowledge())
	if err != nil {
		return fmt.Errorf("seed knowledge: %w", err)
	}
	c.logger.Info("seed knowledge indexed", "chunks", n)
	return nil
}

// =============================================================================
// Operations
// =============================================================================

// SaveConsultation journals the record, then updates the index.
//
// The journal append is the point of no return: after it succeeds this
// method never returns an error. An index failure is retried once, then
// deferred to the next rebuild and audited as a failure so the deferral is
// visible in the trail.
func (c *Coordinator) SaveConsultation(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UTC().UnixMilli()
	}
	rec.Digest = NoteDigest(rec.SmartNote)

	if err := c.journal.Append(rec); err != nil {
		return Record{}, err
	}

	if err := c.indexConsultation(ctx, rec); err != nil {
		// One retry covers transient embed hiccups.
		if err = c.indexConsultation(ctx, rec); err != nil {
			c.logger.Error("consultation index update deferred to rebuild",
				"id", rec.ID, "error", err)
			c.trail.Log(audit.Entry{
				Action:    audit.ActionConsultationSave,
				Resource:  rec.ID,
				Outcome:   audit.OutcomeFailure,
				Detail:    "index update deferred to rebuild: " + err.Error(),
				RequestID: requestIDFrom(ctx),
			})
			return rec, nil
		}
	}

	if err := c.index.Load().Save(c.indexPath); err != nil {
		c.logger.Warn("rag index persist failed", "error", err)
	}
	return rec, nil
}

func (c *Coordinator) indexConsultation(ctx context.Context, rec Record) error {
	vec, err := c.embedder.Embed(ctx, consultationText(rec))
	if err != nil {
		return err
	}
	return c.index.Load().Upsert(consultationDoc(rec, vec))
}

// SearchConsultations runs semantic search over past consultations.
// Equal scores rank newer records first, then by id, so repeated searches
// are stable.
func (c *Coordinator) SearchConsultations(ctx context.Context, query string, k int) ([]ConsultationHit, error) {
	if k <= 0 {
		k = 10
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	// Over-fetch so the recency tie-break sees the whole tie group.
	results := c.index.Load().Query(vec, k*2, KindConsultation)

	hits := make([]ConsultationHit, 0, len(results))
	for _, r := range results {
		createdAt, _ := strconv.ParseInt(r.Meta["created_at"], 10, 64)
		hits = append(hits, ConsultationHit{
			ID:               r.ID,
			SmartNote:        r.Meta["smartnote"],
			Transcription:    r.Meta["transcription"],
			PatientID:        r.Meta["patient_id"],
			DentistName:      r.Meta["dentist_name"],
			ConsultationType: r.Meta["consultation_type"],
			CreatedAt:        createdAt,
			DateDisplay:      r.Meta["date_display"],
			Score:            UIScale(r.Score),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].CreatedAt != hits[j].CreatedAt {
			return hits[i].CreatedAt > hits[j].CreatedAt
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// RetrieveContext returns formatted knowledge chunks relevant to the
// transcription, ready for prompt injection. Empty string (no error) when
// the store is not ready or nothing relevant exists; the caller degrades to
// a plain summary.
func (c *Coordinator) RetrieveContext(ctx context.Context, transcription string) (string, error) {
	if !c.ready.Load() || c.index.Load().Count(KindKnowledge) == 0 {
		return "", nil
	}

	vec, err := c.embedder.Embed(ctx, transcription)
	if err != nil {
		return "", err
	}

	results := c.index.Load().Query(vec, retrieveTopK, KindKnowledge)
	if len(results) == 0 {
		return "", nil
	}

	parts := make([]string, 0, len(results))
	for _, r := range results {
		source := r.Meta["source"]
		if source == "" {
			source = "Reference"
		}
		prefix := "[" + source + "]"
		if category := r.Meta["category"]; category != "" {
			prefix = "[" + source + " - " + category + "]"
		}
		parts = append(parts, prefix+"\n"+r.Text)
	}
	return strings.Join(parts, "\n\n"), nil
}

// IngestKnowledge chunks, embeds and indexes knowledge documents, returning
// the number of chunks written.
func (c *Coordinator) IngestKnowledge(ctx context.Context, docs []KnowledgeDoc) (int, error) {
	var texts []string
	var metas []map[string]string
	for _, doc := range docs {
		for _, chunk := range ChunkText(doc.Content) {
			texts = append(texts, chunk)
			metas = append(metas, map[string]string{
				"source":   doc.Source,
				"category": doc.Category,
			})
		}
	}
	if len(texts) == 0 {
		return 0, nil
	}

	written := 0
	ix := c.index.Load()
	for start := 0; start < len(texts); start += rebuildBatchSize {
		end := start + rebuildBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := c.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return written, err
		}
		if len(vectors) != end-start {
			return written, fmt.Errorf("embed knowledge: got %d vectors for %d chunks", len(vectors), end-start)
		}

		for i := start; i < end; i++ {
			err := ix.Upsert(Document{
				ID:     uuid.NewString(),
				Kind:   KindKnowledge,
				Text:   texts[i],
				Meta:   metas[i],
				Vector: vectors[i-start],
			})
			if err != nil {
				return written, err
			}
			written++
		}
	}

	if err := ix.Save(c.indexPath); err != nil {
		c.logger.Warn("rag index persist failed", "error", err)
	}
	return written, nil
}

// Ready reports whether the store can answer queries.
func (c *Coordinator) Ready() bool { return c.ready.Load() }

// Journal exposes the underlying journal for export and counting.
func (c *Coordinator) Journal() *Journal { return c.journal }

// GetStatus returns store counters for the status endpoint.
func (c *Coordinator) GetStatus() Status {
	ix := c.index.Load()
	return Status{
		ConsultationsCount: ix.Count(KindConsultation),
		KnowledgeCount:     ix.Count(KindKnowledge),
		Ready:              c.ready.Load(),
	}
}

// =============================================================================
// Helpers
// =============================================================================

// consultationText combines note and transcription for richer semantic
// matches, mirroring what the search results carry.
func consultationText(rec Record) string {
	if rec.Transcription == "" {
		return rec.SmartNote
	}
	return rec.SmartNote + "\n\n---\nTranscription:\n" + rec.Transcription
}

func consultationDoc(rec Record, vec []float32) Document {
	created := time.UnixMilli(rec.CreatedAt).UTC()
	return Document{
		ID:   rec.ID,
		Kind: KindConsultation,
		Text: consultationText(rec),
		Meta: map[string]string{
			"smartnote":         rec.SmartNote,
			"transcription":     rec.Transcription,
			"patient_id":        rec.PatientID,
			"dentist_name":      rec.DentistName,
			"consultation_type": rec.ConsultationType,
			"created_at":        strconv.FormatInt(rec.CreatedAt, 10),
			"date_display":      created.Format("02/01/2006 15:04"),
		},
		Vector: vec,
	}
}

type requestIDKey struct{}

// WithRequestID stashes the correlation id for audit entries written below
// the handler layer.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
