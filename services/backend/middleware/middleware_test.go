// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/pkg/logging"
	"github.com/AleutianAI/DentalAssistant/services/backend/audit"
	"github.com/AleutianAI/DentalAssistant/services/backend/config"
	"github.com/AleutianAI/DentalAssistant/services/backend/observability"
	"github.com/AleutianAI/DentalAssistant/services/backend/scheduler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func envelopeFrom(t *testing.T, w *httptest.ResponseRecorder) apperrors.Envelope {
	t.Helper()
	var env apperrors.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

// =============================================================================
// Auth
// =============================================================================

func authRouter(t *testing.T, key string) (*gin.Engine, *audit.Trail) {
	t.Helper()
	trail := audit.New(filepath.Join(t.TempDir(), "audit.jsonl"), logging.Default(), nil)
	r := gin.New()
	r.Use(RequireAPIKey(key, trail))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r, trail
}

func TestRequireAPIKey_Missing(t *testing.T) {
	r, trail := authRouter(t, "secret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "auth/missing", envelopeFrom(t, w).ErrorCode)

	// The rejection itself is a compliance event.
	entries, err := trail.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionAuthRejected, entries[0].Action)
	assert.Equal(t, audit.OutcomeFailure, entries[0].Outcome)
	assert.Equal(t, "auth/missing", entries[0].Detail)
	assert.Equal(t, "GET /ping", entries[0].Resource)
}

func TestRequireAPIKey_Invalid(t *testing.T) {
	r, trail := authRouter(t, "secret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-API-Key", "wrong")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "auth/invalid", envelopeFrom(t, w).ErrorCode)

	entries, err := trail.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "auth/invalid", entries[0].Detail)
}

func TestRequireAPIKey_Valid(t *testing.T) {
	r, trail := authRouter(t, "secret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-API-Key", "secret")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())

	entries, err := trail.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, entries, "accepted requests are audited by their handlers, not by auth")
}

// =============================================================================
// Tracing
// =============================================================================

func TestTracing_AssignsAndEchoesRequestID(t *testing.T) {
	collector := observability.NewCollector()
	r := gin.New()
	r.Use(Tracing(logging.Default(), collector, observability.NewMetrics()))
	r.GET("/x", func(c *gin.Context) {
		assert.NotEmpty(t, RequestID(c))
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestTracing_PreservesClientRequestID(t *testing.T) {
	collector := observability.NewCollector()
	r := gin.New()
	r.Use(Tracing(logging.Default(), collector, observability.NewMetrics()))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "shell-123")
	r.ServeHTTP(w, req)

	assert.Equal(t, "shell-123", w.Header().Get("X-Request-ID"))
}

func TestTracing_RecordsMetricsWithErrorKind(t *testing.T) {
	collector := observability.NewCollector()
	r := gin.New()
	r.Use(Tracing(logging.Default(), collector, observability.NewMetrics()))
	r.GET("/fail", func(c *gin.Context) {
		SetErrorKind(c, "inference/busy")
		c.JSON(http.StatusServiceUnavailable, gin.H{})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.Endpoints["/fail"].Errors)
	assert.Equal(t, int64(1), snap.ErrorsByKind["inference/busy"])
}

// =============================================================================
// Rate limiting
// =============================================================================

func limitedRouter(limits config.RateLimits, tier Tier) (*gin.Engine, *RateLimiter, *observability.Collector) {
	collector := observability.NewCollector()
	rl := NewRateLimiter(limits, collector, observability.NewMetrics())
	r := gin.New()
	r.GET("/x", rl.Middleware(tier), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r, rl, collector
}

func TestRateLimiter_AllowsBurstThenRejects(t *testing.T) {
	r, _, collector := limitedRouter(config.RateLimits{HeavyPerMinute: 3}, TierHeavy)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "127.0.0.1:5000"
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "request %d inside burst", i)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "system/rate_limited", envelopeFrom(t, w).ErrorCode)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, int64(1), collector.Snapshot().RateLimited)
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	r, _, _ := limitedRouter(config.RateLimits{HeavyPerMinute: 1}, TierHeavy)

	first := httptest.NewRecorder()
	reqA := httptest.NewRequest(http.MethodGet, "/x", nil)
	reqA.RemoteAddr = "10.0.0.1:1111"
	r.ServeHTTP(first, reqA)
	require.Equal(t, http.StatusOK, first.Code)

	// Same host again: empty bucket.
	second := httptest.NewRecorder()
	reqA2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	reqA2.RemoteAddr = "10.0.0.1:2222"
	r.ServeHTTP(second, reqA2)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// Different host: fresh bucket.
	third := httptest.NewRecorder()
	reqB := httptest.NewRequest(http.MethodGet, "/x", nil)
	reqB.RemoteAddr = "10.0.0.2:3333"
	r.ServeHTTP(third, reqB)
	assert.Equal(t, http.StatusOK, third.Code)
}

func TestRateLimiter_EvictsSingleOldestBucket(t *testing.T) {
	r, rl, _ := limitedRouter(config.RateLimits{HeavyPerMinute: 10, MaxClients: 4}, TierHeavy)

	for i := 0; i < 6; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = fmt.Sprintf("10.0.0.%d:1000", i)
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	// Cardinality never exceeds the cap; eviction is one-at-a-time, not a
	// flush.
	assert.Equal(t, 4, rl.size())
}

func TestRateLimiter_ZeroRateDisablesTier(t *testing.T) {
	r, _, _ := limitedRouter(config.RateLimits{}, TierLight)

	for i := 0; i < 20; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}

// =============================================================================
// Body size cap
// =============================================================================

func sizedRouter(limit int64) *gin.Engine {
	r := gin.New()
	r.POST("/x", MaxBodySize(limit), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestMaxBodySize_RejectsOversizedDeclaration(t *testing.T) {
	r := sizedRouter(100)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("ignored"))
	req.Header.Set("Content-Length", "1000")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "input/too_large", envelopeFrom(t, w).ErrorCode)
}

func TestMaxBodySize_RejectsMalformedHeader(t *testing.T) {
	r := sizedRouter(100)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("x"))
	req.Header.Set("Content-Length", "not-a-number")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "input/header", envelopeFrom(t, w).ErrorCode)
}

func TestMaxBodySize_AllowsSmallBody(t *testing.T) {
	r := sizedRouter(100)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("small"))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// CORS
// =============================================================================

func TestCORS_ShellOriginAllowed(t *testing.T) {
	r := gin.New()
	r.Use(CORS())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://localhost:1420")
	r.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:1420", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_UnknownOriginGetsNoHeaders(t *testing.T) {
	r := gin.New()
	r.Use(CORS())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	r.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	r := gin.New()
	r.Use(CORS())
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "tauri://localhost")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "tauri://localhost", w.Header().Get("Access-Control-Allow-Origin"))
}

// =============================================================================
// Load shedding
// =============================================================================

// stubLoad reports a fixed saturation answer per queue.
type stubLoad map[scheduler.Queue]bool

func (l stubLoad) Overloaded(queue scheduler.Queue) bool { return l[queue] }

func shedRouter(load QueueLoad) *gin.Engine {
	r := gin.New()
	r.POST("/x", ShedLoad(load, scheduler.QueueGenerate), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestShedLoad_RefusesWhenSaturated(t *testing.T) {
	r := shedRouter(stubLoad{scheduler.QueueGenerate: true})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "inference/busy", envelopeFrom(t, w).ErrorCode)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestShedLoad_PassesWhenIdle(t *testing.T) {
	r := shedRouter(stubLoad{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}
