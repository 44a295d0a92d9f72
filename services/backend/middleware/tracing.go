// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the HTTP middleware chain for the backend.
//
// Order matters and is fixed in routes.Setup: tracing outermost (every
// request gets a correlation id and lands in metrics, even rejected ones),
// then rate limiting, then the body size cap, then CORS; API-key auth is
// applied per route group so /health stays reachable for liveness probes.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/DentalAssistant/pkg/logging"
	"github.com/AleutianAI/DentalAssistant/services/backend/observability"
	"github.com/AleutianAI/DentalAssistant/services/backend/rag"
)

// =============================================================================
// Context Keys
// =============================================================================

// requestIDKey is the gin context key for the correlation id.
const requestIDKey = "dental_request_id"

// errorKindKey lets handlers report the error kind of a failed request back
// to the tracing middleware for metrics labelling.
const errorKindKey = "dental_error_kind"

// RequestID returns the correlation id assigned to this request.
func RequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// SetErrorKind records the error kind for metrics. Handlers call this when
// they translate a failure into an envelope.
func SetErrorKind(c *gin.Context, kind string) {
	c.Set(errorKindKey, kind)
}

// =============================================================================
// Tracing Middleware
// =============================================================================

// Tracing assigns a correlation id, times the request, and records the
// outcome in both metric surfaces.
//
// The id comes from the client's X-Request-ID header when present (the
// desktop shell sends one per user action so its logs line up with ours),
// otherwise a fresh UUID. The id is echoed in the response header, stored
// for handlers, and threaded into the request context so downstream audit
// entries carry it.
func Tracing(logger *logging.Logger, collector *observability.Collector, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(rag.WithRequestID(c.Request.Context(), requestID))

		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		kind := c.GetString(errorKindKey)
		endpoint := c.FullPath()
		if endpoint == "" {
			// Unmatched routes collapse into one label to keep metric
			// cardinality bounded.
			endpoint = "unmatched"
		}

		collector.ObserveRequest(endpoint, status, kind, elapsed)
		metrics.ObserveRequest(endpoint, strconv.Itoa(status), elapsed.Seconds(), kind)

		if status >= 500 {
			logger.Error("request failed",
				"method", c.Request.Method, "path", c.Request.URL.Path,
				"status", status, "error_kind", kind,
				"duration_ms", elapsed.Milliseconds(), "request_id", requestID)
		} else {
			logger.Debug("request completed",
				"method", c.Request.Method, "path", c.Request.URL.Path,
				"status", status,
				"duration_ms", elapsed.Milliseconds(), "request_id", requestID)
		}
	}
}
