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
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/services/backend/config"
	"github.com/AleutianAI/DentalAssistant/services/backend/observability"
)

// =============================================================================
// Tiers
// =============================================================================

// Tier groups endpoints by cost. Inference endpoints burn GPU seconds,
// storage endpoints touch disk, status endpoints are nearly free.
type Tier string

const (
	// TierHeavy covers inference endpoints (transcribe, summarize).
	TierHeavy Tier = "heavy"
	// TierModerate covers storage endpoints (save, search, export).
	TierModerate Tier = "moderate"
	// TierLight covers status and metadata endpoints.
	TierLight Tier = "light"
)

// =============================================================================
// RateLimiter
// =============================================================================

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client token buckets, one bucket per
// (client host, tier) pair.
//
// The client population is tiny (the desktop shell, maybe a curl), so the
// bucket map is a plain mutex-guarded map. When it still somehow reaches
// MaxClients, the single oldest idle bucket is evicted; a full flush would
// hand every abuser a fresh burst at once.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type RateLimiter struct {
	limits    config.RateLimits
	collector *observability.Collector
	metrics   *observability.Metrics

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates a RateLimiter from the configured per-tier rates.
// metrics may be nil; rejects are then only counted in the collector.
func NewRateLimiter(limits config.RateLimits, collector *observability.Collector,
	metrics *observability.Metrics) *RateLimiter {
	if limits.MaxClients <= 0 {
		limits.MaxClients = 1024
	}
	return &RateLimiter{
		limits:    limits,
		collector: collector,
		metrics:   metrics,
		buckets:   make(map[string]*bucket),
	}
}

// perMinute returns the tier's requests-per-minute budget.
func (rl *RateLimiter) perMinute(tier Tier) int {
	switch tier {
	case TierHeavy:
		return rl.limits.HeavyPerMinute
	case TierModerate:
		return rl.limits.ModeratePerMinute
	default:
		return rl.limits.LightPerMinute
	}
}

// Middleware returns the gin handler enforcing the tier's budget.
//
// # Outputs
//
//   - 429 system/rate_limited with Retry-After when the bucket is empty
//   - X-RateLimit-Limit / X-RateLimit-Remaining on every response
func (rl *RateLimiter) Middleware(tier Tier) gin.HandlerFunc {
	return func(c *gin.Context) {
		perMin := rl.perMinute(tier)
		if perMin <= 0 {
			c.Next()
			return
		}

		host := clientHost(c)
		lim := rl.bucketFor(host, tier, perMin)

		c.Header("X-RateLimit-Limit", strconv.Itoa(perMin))
		if !lim.Allow() {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(perMin)))
			rl.collector.RateLimited()
			if rl.metrics != nil {
				rl.metrics.RateLimitedTotal.Inc()
			}
			abortWith(c, apperrors.New(apperrors.SystemRateLimited))
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(int(lim.Tokens())))
		c.Next()
	}
}

// bucketFor returns the limiter for (host, tier), creating and evicting as
// needed.
func (rl *RateLimiter) bucketFor(host string, tier Tier, perMin int) *rate.Limiter {
	key := host + "|" + string(tier)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = time.Now()
		return b.limiter
	}

	if len(rl.buckets) >= rl.limits.MaxClients {
		rl.evictOldestLocked()
	}

	b := &bucket{
		limiter:  rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		lastSeen: time.Now(),
	}
	rl.buckets[key] = b
	return b.limiter
}

// evictOldestLocked drops the single least recently seen bucket.
func (rl *RateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, b := range rl.buckets {
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey = key
			oldest = b.lastSeen
		}
	}
	if oldestKey != "" {
		delete(rl.buckets, oldestKey)
	}
}

// size reports the bucket count, for tests.
func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func clientHost(c *gin.Context) string {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return host
}

// retryAfterSeconds estimates when one token will be available again.
func retryAfterSeconds(perMin int) int {
	s := 60 / perMin
	if s < 1 {
		s = 1
	}
	return s
}
