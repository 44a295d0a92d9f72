// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and response bodies of the HTTP API.
// Validation rules live in the binding tags; handlers translate binding
// failures into the standard error envelope.
package datatypes

import (
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/DentalAssistant/services/backend/config"
	"github.com/AleutianAI/DentalAssistant/services/backend/rag"
	"github.com/AleutianAI/DentalAssistant/services/backend/scheduler"
)

func init() {
	// "required" accepts a string of spaces; clinical text fields need more.
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	}
}

// =============================================================================
// Summarisation
// =============================================================================

// SummaryRequest is the request body for POST /summarize and its RAG and
// streaming variants.
type SummaryRequest struct {
	// Text is the consultation transcription to summarise. Required.
	Text string `json:"text" binding:"required,notblank"`
}

// SummaryResponse is the response for POST /summarize.
type SummaryResponse struct {
	// Summary is the generated SmartNote.
	Summary string `json:"summary"`
}

// RAGSummaryResponse is the response for POST /summarize-rag.
type RAGSummaryResponse struct {
	// Summary is the generated SmartNote.
	Summary string `json:"summary"`

	// RAGEnhanced reports whether retrieved references reached the prompt.
	// False means the note was generated without references (store not
	// ready, empty knowledge base, or retrieval failure).
	RAGEnhanced bool `json:"rag_enhanced"`
}

// =============================================================================
// Transcription
// =============================================================================

// TranscriptionResponse is the response for POST /transcribe.
type TranscriptionResponse struct {
	// Text is the transcribed speech.
	Text string `json:"text"`

	// Language is the language hint that was applied, if any.
	Language string `json:"language,omitempty"`
}

// =============================================================================
// Consultations
// =============================================================================

// SaveConsultationRequest is the request body for POST /consultations/save.
// The desktop shell sends the note the practitioner actually accepted, which
// may differ from what the model generated.
type SaveConsultationRequest struct {
	// Smartnote is the final structured note. Required.
	Smartnote string `json:"smartnote" binding:"required,notblank"`

	// Transcription is the raw transcription the note was generated from.
	Transcription string `json:"transcription"`

	// PatientID is an opaque practice-side patient reference.
	PatientID string `json:"patient_id"`

	// DentistName identifies the treating practitioner.
	DentistName string `json:"dentist_name"`

	// ConsultationType is a free-form category (controle, urgence, ...).
	ConsultationType string `json:"consultation_type"`
}

// SaveConsultationResponse is the response for POST /consultations/save.
type SaveConsultationResponse struct {
	// ID is the stored consultation's identifier.
	ID string `json:"id"`

	// CreatedAt is the storage timestamp in Unix milliseconds UTC.
	CreatedAt int64 `json:"created_at"`
}

// SearchRequest is the request body for POST /consultations/search.
type SearchRequest struct {
	// Query is the semantic search text. Required.
	Query string `json:"query" binding:"required,notblank"`

	// TopK bounds the result count. Non-positive means the default (10);
	// values above 50 are clipped, never rejected.
	TopK int `json:"top_k"`
}

// SearchResponse is the response for POST /consultations/search.
type SearchResponse struct {
	// Results are the matching consultations, best first.
	Results []rag.ConsultationHit `json:"results"`

	// Count is len(Results), kept explicit for the shell.
	Count int `json:"count"`
}

// =============================================================================
// Status surfaces
// =============================================================================

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	// Status is "ok" whenever the process is serving.
	Status string `json:"status"`

	// Version is the build version string.
	Version string `json:"version"`

	// Hardware describes the detected profile.
	Hardware config.HardwareInfo `json:"hardware"`

	// Uptime is seconds since process start.
	Uptime float64 `json:"uptime_seconds"`
}

// LLMStatusResponse is the response for GET /llm/status.
type LLMStatusResponse struct {
	// LLMModelReady reports whether the gguf weights are on disk and valid.
	LLMModelReady bool `json:"llm_model_ready"`

	// WhisperModelReady reports whether the speech model is on disk.
	WhisperModelReady bool `json:"whisper_model_ready"`

	// LLMRuntimeUp reports whether the llama.cpp server answered a ping.
	LLMRuntimeUp bool `json:"llm_runtime_up"`

	// WhisperRuntimeUp reports whether the whisper server answered a ping.
	WhisperRuntimeUp bool `json:"whisper_runtime_up"`

	// Profile is the active hardware profile.
	Profile string `json:"profile"`

	// ModelFilename is the gguf file selected for the profile.
	ModelFilename string `json:"model_filename"`
}

// WorkersStatusResponse is the response for GET /workers/status.
type WorkersStatusResponse struct {
	// Queues maps queue name to its snapshot.
	Queues map[scheduler.Queue]scheduler.QueueStatus `json:"queues"`
}

// RAGStatusResponse is the response for GET /rag/status.
type RAGStatusResponse struct {
	// Status is the coordinator snapshot.
	rag.Status
}

// =============================================================================
// Setup & downloads
// =============================================================================

// CheckModelsResponse is the response for GET /setup/check-models.
type CheckModelsResponse struct {
	// Profile is the detected hardware profile.
	Profile string `json:"profile"`

	// LLMModel is the gguf filename the profile requires.
	LLMModel string `json:"llm_model"`

	// LLMModelReady reports file presence and size validity.
	LLMModelReady bool `json:"llm_model_ready"`

	// WhisperModelReady reports speech model presence.
	WhisperModelReady bool `json:"whisper_model_ready"`

	// DownloadRequired is true when any model is missing.
	DownloadRequired bool `json:"download_required"`
}

// DownloadStartResponse is the response for POST /setup/download.
type DownloadStartResponse struct {
	// Status is "started".
	Status string `json:"status"`

	// Filename is the model file being fetched.
	Filename string `json:"filename"`

	// TotalBytes is the expected size, 0 when the server did not say.
	TotalBytes int64 `json:"total_bytes"`
}

// =============================================================================
// Error reports
// =============================================================================

// PendingErrorsResponse is the response for GET /errors/pending.
type PendingErrorsResponse struct {
	// Errors are captured failures awaiting practitioner triage.
	Errors []ErrorReport `json:"errors"`
}

// ErrorReport is one captured failure in the bug-report surface.
type ErrorReport struct {
	// ID identifies the report for /errors/:id/report and /errors/:id/dismiss.
	ID string `json:"id"`

	// Timestamp is when the failure occurred, Unix milliseconds UTC.
	Timestamp int64 `json:"timestamp"`

	// ErrorCode is the error kind, e.g. "inference/runtime".
	ErrorCode string `json:"error_code"`

	// Endpoint is the request path that failed.
	Endpoint string `json:"endpoint"`

	// Message is the client-safe error message.
	Message string `json:"message"`

	// Status is the report lifecycle state: pending, reported or dismissed.
	Status string `json:"status"`
}

// =============================================================================
// Audit
// =============================================================================

// AuditRecentResponse is the response for GET /audit/recent.
type AuditRecentResponse struct {
	// Entries are the newest audit records, newest first.
	Entries []AuditEntryView `json:"entries"`

	// Count is len(Entries).
	Count int `json:"count"`
}

// AuditEntryView is the wire shape of one audit record.
type AuditEntryView struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Resource  string `json:"resource,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}
