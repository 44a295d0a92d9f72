// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline implements the SmartNote flows: speech to text, text to
// structured note, with or without retrieved dental references.
//
// The pipeline owns sanitisation, prompt construction, scheduler admission
// and RAG degradation. Handlers stay thin: parse, call, translate errors.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/pkg/logging"
	"github.com/AleutianAI/DentalAssistant/pkg/sanitize"
	"github.com/AleutianAI/DentalAssistant/services/backend/rag"
	"github.com/AleutianAI/DentalAssistant/services/backend/scheduler"
	"github.com/AleutianAI/DentalAssistant/services/llm"
)

// =============================================================================
// Audio validation
// =============================================================================

// allowedAudioExts are the upload formats the desktop shell records in.
var allowedAudioExts = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".ogg":  true,
	".webm": true,
	".mp4":  true,
}

// ValidateAudioFilename checks an upload's filename before any bytes are
// written to disk.
func ValidateAudioFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.New(apperrors.InputFilenameMissing)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedAudioExts[ext] {
		return apperrors.Newf(apperrors.InputExtension,
			"got %q, allowed: wav, mp3, m4a, ogg, webm, mp4", ext)
	}
	return nil
}

// =============================================================================
// Pipeline
// =============================================================================

// ModelGate reports whether the required model artifacts are on disk.
// Satisfied by *config.Settings; stubbed in tests.
type ModelGate interface {
	LLMModelReady() bool
	WhisperModelReady() bool
}

// Pipeline wires sanitisation, prompts, scheduler and RAG into the SmartNote
// operations.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Pipeline struct {
	gate     ModelGate
	deadline time.Duration
	sched    *scheduler.Scheduler
	speech   llm.SpeechClient
	model    llm.LLMClient
	store    *rag.Coordinator
	logger   *logging.Logger

	// transcribeGroup collapses identical concurrent transcriptions (same
	// audio bytes, same language) into one model call. The shell retries
	// on slow networks-of-one; re-running whisper for the retry would
	// double the queue load for the same answer.
	transcribeGroup singleflight.Group
}

// New creates a Pipeline. gate is normally *config.Settings;
// generateDeadline bounds a single non-streaming generation.
func New(gate ModelGate, generateDeadline time.Duration, sched *scheduler.Scheduler,
	speech llm.SpeechClient, model llm.LLMClient, store *rag.Coordinator,
	logger *logging.Logger) *Pipeline {
	return &Pipeline{
		gate:     gate,
		deadline: generateDeadline,
		sched:    sched,
		speech:   speech,
		model:    model,
		store:    store,
		logger:   logger,
	}
}

// tracer spans the model-bound operations so a TRACE_STDOUT run shows where
// a slow request spent its time.
var tracer = otel.Tracer("dental/pipeline")

// =============================================================================
// Transcription
// =============================================================================

// Transcribe converts a saved audio file to text through the speech queue.
// language may be empty for auto detection.
func (p *Pipeline) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	ctx, span := tracer.Start(ctx, "pipeline.transcribe",
		trace.WithAttributes(attribute.String("language", language)))
	defer span.End()

	if !p.gate.WhisperModelReady() {
		return "", apperrors.New(apperrors.ModelNotReady)
	}

	key, err := audioKey(audioPath, language)
	if err != nil {
		return "", fmt.Errorf("hash audio: %w", err)
	}

	result, err, shared := p.transcribeGroup.Do(key, func() (any, error) {
		var text string
		submitErr := p.sched.Submit(ctx, scheduler.QueueSpeech, func(ctx context.Context) error {
			var inner error
			text, inner = p.speech.Transcribe(ctx, audioPath, language)
			return inner
		})
		return text, submitErr
	})
	if err != nil {
		return "", err
	}
	if shared {
		p.logger.Debug("transcription deduplicated", "key", key[:12])
	}
	return result.(string), nil
}

func audioKey(audioPath, language string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	h.Write([]byte{0})
	h.Write([]byte(language))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// =============================================================================
// Summarisation
// =============================================================================

// prepare sanitizes input and checks model availability, shared by all
// summarise variants.
func (p *Pipeline) prepare(text string) (string, error) {
	if !p.gate.LLMModelReady() {
		return "", apperrors.New(apperrors.ModelNotReady)
	}
	cleaned := sanitize.Text(text)
	if cleaned == "" {
		return "", apperrors.New(apperrors.InputEmpty)
	}
	return cleaned, nil
}

// Summarize generates a complete SmartNote.
func (p *Pipeline) Summarize(ctx context.Context, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "pipeline.summarize")
	defer span.End()

	cleaned, err := p.prepare(text)
	if err != nil {
		return "", err
	}
	return p.generate(ctx, smartNotePrompt(cleaned))
}

// SummarizeRAG generates a SmartNote grounded in retrieved dental
// references. When retrieval yields nothing (store not ready, empty
// knowledge base, embed failure) it degrades to the plain prompt and
// reports ragEnhanced=false; RAG failures never fail the note.
func (p *Pipeline) SummarizeRAG(ctx context.Context, text string) (summary string, ragEnhanced bool, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.summarize_rag")
	defer span.End()

	cleaned, err := p.prepare(text)
	if err != nil {
		return "", false, err
	}

	ragContext := p.retrieveContext(ctx, cleaned)
	span.SetAttributes(attribute.Bool("rag_enhanced", ragContext != ""))
	summary, err = p.generate(ctx, ragSmartNotePrompt(cleaned, ragContext))
	return summary, ragContext != "", err
}

func (p *Pipeline) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	var summary string
	err := p.sched.Submit(ctx, scheduler.QueueGenerate, func(ctx context.Context) error {
		var inner error
		summary, inner = p.model.Generate(ctx, prompt, llm.GenerationParams{})
		return inner
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}

// SummarizeStream streams a plain SmartNote through the callback.
func (p *Pipeline) SummarizeStream(ctx context.Context, text string, callback llm.StreamCallback) error {
	cleaned, err := p.prepare(text)
	if err != nil {
		return err
	}
	return p.generateStream(ctx, smartNotePrompt(cleaned), callback)
}

// SummarizeRAGStream streams a RAG SmartNote. onStart is invoked exactly
// once, before any token, with the retrieval outcome so the transport can
// emit its rag_enhanced preamble.
func (p *Pipeline) SummarizeRAGStream(ctx context.Context, text string,
	onStart func(ragEnhanced bool) error, callback llm.StreamCallback) error {

	cleaned, err := p.prepare(text)
	if err != nil {
		return err
	}

	ragContext := p.retrieveContext(ctx, cleaned)
	if err := onStart(ragContext != ""); err != nil {
		return err
	}
	return p.generateStream(ctx, ragSmartNotePrompt(cleaned, ragContext), callback)
}

func (p *Pipeline) generateStream(ctx context.Context, prompt string, callback llm.StreamCallback) error {
	return p.sched.Submit(ctx, scheduler.QueueGenerate, func(ctx context.Context) error {
		return p.model.GenerateStream(ctx, prompt, llm.GenerationParams{}, callback)
	})
}

func (p *Pipeline) retrieveContext(ctx context.Context, text string) string {
	ragContext, err := p.store.RetrieveContext(ctx, text)
	if err != nil {
		p.logger.Warn("rag retrieval failed, degrading to plain summary", "error", err)
		return ""
	}
	return ragContext
}

// =============================================================================
// Scheduled embedder
// =============================================================================

var _ rag.Embedder = (*ScheduledEmbedder)(nil)

// ScheduledEmbedder routes embedding calls through the scheduler's embed
// queue so index rebuilds and RAG retrieval share the same admission
// control as everything else touching the model runtime.
type ScheduledEmbedder struct {
	sched  *scheduler.Scheduler
	client llm.EmbeddingClient
}

// NewScheduledEmbedder wraps an embedding client with queue admission.
func NewScheduledEmbedder(sched *scheduler.Scheduler, client llm.EmbeddingClient) *ScheduledEmbedder {
	return &ScheduledEmbedder{sched: sched, client: client}
}

// Embed implements rag.Embedder.
func (e *ScheduledEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := e.sched.Submit(ctx, scheduler.QueueEmbed, func(ctx context.Context) error {
		var inner error
		vec, inner = e.client.Embed(ctx, text)
		return inner
	})
	return vec, err
}

// EmbedBatch implements rag.Embedder. One submission per batch keeps the
// queue from starving interactive retrieval during rebuilds.
func (e *ScheduledEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := e.sched.Submit(ctx, scheduler.QueueEmbed, func(ctx context.Context) error {
		var inner error
		vecs, inner = e.client.EmbedBatch(ctx, texts)
		return inner
	})
	return vecs, err
}
