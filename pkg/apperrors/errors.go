// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apperrors defines the error taxonomy shared by every layer of the
// dental assistant backend.
//
// Every error a caller can observe maps to a stable machine-readable kind
// (for example "auth/missing" or "inference/busy"). Lower layers return
// *Error values carrying the kind plus a human message and optional detail;
// the HTTP layer translates them into the JSON envelope
//
//	{"error_code": "...", "message": "...", "detail": "...", "request_id": "..."}
//
// and the matching HTTP status. Nothing outside this package hardcodes a
// status code for a domain failure.
//
// # Kinds
//
//   - auth/*      credential validation
//   - input/*     body validation and sanitization
//   - model/*     backend prerequisites (weights, runtime)
//   - inference/* scheduler admission and backend execution
//   - storage/*   journal or audit persistence
//   - download/*  model acquisition
//   - system/*    server-level conditions
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Definitions
// =============================================================================

// Def is an immutable error definition. The Legacy field preserves the
// DOMAIN_NNN identifiers of the first backend generation; clients key off
// Kind, Legacy only appears in logs.
type Def struct {
	Kind    string
	Legacy  string
	Status  int
	Message string
}

var (
	// Authentication.
	AuthMissing = Def{"auth/missing", "AUTH_001", http.StatusForbidden, "API key header is missing."}
	AuthInvalid = Def{"auth/invalid", "AUTH_002", http.StatusForbidden, "Invalid API key."}
	AuthMisconfigured = Def{"auth/misconfigured", "AUTH_003", http.StatusInternalServerError,
		"API key must be configured in production mode. Set APP_API_KEY."}

	// Input validation.
	InputEmpty           = Def{"input/empty", "INPUT_001", http.StatusBadRequest, "Text input is empty or invalid after sanitization."}
	InputFilenameMissing = Def{"input/filename_missing", "INPUT_002", http.StatusBadRequest, "Uploaded file is missing a filename."}
	InputExtension       = Def{"input/extension", "INPUT_003", http.StatusBadRequest, "Unsupported file extension."}
	InputTooLarge        = Def{"input/too_large", "INPUT_004", http.StatusRequestEntityTooLarge, "Request entity too large."}
	InputHeader          = Def{"input/header", "INPUT_005", http.StatusBadRequest, "Malformed request header or parameter."}
	InputNotFound        = Def{"input/not_found", "INPUT_006", http.StatusNotFound, "Requested resource does not exist."}

	// Model availability.
	ModelNotReady = Def{"model/not_ready", "MODEL_001", http.StatusServiceUnavailable,
		"Model not downloaded. Please run setup first."}
	ModelDependencyMissing = Def{"model/dependency_missing", "MODEL_004", http.StatusServiceUnavailable,
		"Model runtime is not reachable. Start the local inference service."}

	// Inference.
	InferenceBusy = Def{"inference/busy", "INFERENCE_001", http.StatusServiceUnavailable,
		"Server is busy processing other requests. Please try again later."}
	InferenceCancelled = Def{"inference/cancelled", "INFERENCE_005", 499,
		"The operation was cancelled before it completed."}
	InferenceRuntime = Def{"inference/runtime", "INFERENCE_002", http.StatusInternalServerError,
		"Model returned an unexpected response."}
	InferenceStream = Def{"inference/stream", "INFERENCE_003", http.StatusInternalServerError,
		"An error occurred during streaming generation."}

	// Storage.
	StoragePersist = Def{"storage/persist", "STORAGE_001", http.StatusInternalServerError,
		"Failed to persist record to local storage."}

	// Download.
	DownloadInProgress = Def{"download/in_progress", "DOWNLOAD_001", http.StatusConflict,
		"A download is already in progress."}
	DownloadFailed = Def{"download/failed", "DOWNLOAD_002", http.StatusInternalServerError,
		"Model download failed."}

	// System.
	SystemNotReady = Def{"system/not_ready", "SYSTEM_001", http.StatusServiceUnavailable,
		"Backend is not ready yet."}
	SystemDisconnected = Def{"system/disconnected", "SYSTEM_002", 499,
		"Client closed the connection before processing completed."}
	SystemRateLimited = Def{"system/rate_limited", "SYSTEM_003", http.StatusTooManyRequests,
		"Too many requests. Please slow down."}
	SystemInternal = Def{"system/internal", "SYSTEM_004", http.StatusInternalServerError,
		"Internal server error."}
)

// =============================================================================
// Error type
// =============================================================================

// Error is a structured application error. It wraps an optional cause so
// errors.Is / errors.As keep working through the translation layers.
type Error struct {
	Def       Def
	Detail    string
	RequestID string
	cause     error
}

// New creates an Error from a definition.
func New(def Def) *Error {
	return &Error{Def: def}
}

// Newf creates an Error with a formatted detail string.
func Newf(def Def, format string, args ...any) *Error {
	return &Error{Def: def, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a definition. The cause is kept for logs and
// errors.Is chains; it is never sent to the client.
func Wrap(def Def, cause error) *Error {
	return &Error{Def: def, cause: cause}
}

// WithRequestID returns a copy carrying the request correlation id.
func (e *Error) WithRequestID(id string) *Error {
	clone := *e
	clone.RequestID = id
	return &clone
}

// WithDetail returns a copy carrying extra client-safe context.
func (e *Error) WithDetail(detail string) *Error {
	clone := *e
	clone.Detail = detail
	return &clone
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Def.Kind, e.Def.Message, e.Detail)
	}
	return fmt.Sprintf("[%s] %s", e.Def.Kind, e.Def.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two Errors by kind, so sentinel comparisons like
// errors.Is(err, apperrors.New(apperrors.InferenceBusy)) work.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Def.Kind == other.Def.Kind
	}
	return false
}

// =============================================================================
// Classification helpers
// =============================================================================

// KindOf returns the error kind, or "system/internal" for foreign errors.
func KindOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Def.Kind
	}
	return SystemInternal.Kind
}

// StatusOf returns the HTTP status for an error, defaulting to 500.
func StatusOf(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Def.Status
	}
	return http.StatusInternalServerError
}

// IsKind reports whether err carries the given definition's kind.
func IsKind(err error, def Def) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Def.Kind == def.Kind
	}
	return false
}

// =============================================================================
// HTTP envelope
// =============================================================================

// Envelope is the JSON body of every non-2xx response and of terminal SSE
// error events.
type Envelope struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id"`
}

// ToEnvelope converts any error into the wire envelope. Foreign errors are
// masked as system/internal so internal details never leak to the client.
func ToEnvelope(err error, requestID string) Envelope {
	var appErr *Error
	if errors.As(err, &appErr) {
		rid := appErr.RequestID
		if rid == "" {
			rid = requestID
		}
		return Envelope{
			ErrorCode: appErr.Def.Kind,
			Message:   appErr.Def.Message,
			Detail:    appErr.Detail,
			RequestID: rid,
		}
	}
	return Envelope{
		ErrorCode: SystemInternal.Kind,
		Message:   SystemInternal.Message,
		RequestID: requestID,
	}
}
