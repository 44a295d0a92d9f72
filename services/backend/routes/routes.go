// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes assembles the gin engine: middleware chain, route table,
// rate-limit tiers.
package routes

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/DentalAssistant/pkg/logging"
	"github.com/AleutianAI/DentalAssistant/services/backend/audit"
	"github.com/AleutianAI/DentalAssistant/services/backend/config"
	"github.com/AleutianAI/DentalAssistant/services/backend/handlers"
	"github.com/AleutianAI/DentalAssistant/services/backend/middleware"
	"github.com/AleutianAI/DentalAssistant/services/backend/observability"
	"github.com/AleutianAI/DentalAssistant/services/backend/scheduler"
)

// serviceName labels otel spans.
const serviceName = "dental-backend"

// Setup builds the full engine. Middleware order: tracing first so every
// request, including shed and oversized ones, lands in metrics with a
// correlation id; then rate limiting (per-tier, attached per group); then
// the body cap; then CORS. Auth guards everything except /health.
func Setup(router *gin.Engine, h *handlers.Handler, settings *config.Settings,
	sched *scheduler.Scheduler, trail *audit.Trail,
	collector *observability.Collector, metrics *observability.Metrics,
	logger *logging.Logger) {

	limiter := middleware.NewRateLimiter(settings.Rate, collector, metrics)

	router.Use(middleware.Tracing(logger, collector, metrics))
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.MaxBodySize(config.MaxRequestBytes))
	router.Use(middleware.CORS())

	// Liveness stays open so the shell can poll before it has a key.
	router.GET("/health", h.Health)

	auth := router.Group("/", middleware.RequireAPIKey(settings.APIKey, trail))

	// Heavy endpoints shed at the edge when their queue cannot admit them
	// anyway, before an audio upload or prompt build wastes any work.
	shedSpeech := middleware.ShedLoad(sched, scheduler.QueueSpeech)
	shedGenerate := middleware.ShedLoad(sched, scheduler.QueueGenerate)

	heavy := auth.Group("/", limiter.Middleware(middleware.TierHeavy))
	{
		heavy.POST("/transcribe", shedSpeech, h.Transcribe)
		heavy.POST("/summarize", shedGenerate, h.Summarize)
		heavy.POST("/summarize-stream", shedGenerate, h.SummarizeStream)
		heavy.POST("/summarize-rag", shedGenerate, h.SummarizeRAG)
		heavy.POST("/summarize-stream-rag", shedGenerate, h.SummarizeRAGStream)
	}

	moderate := auth.Group("/", limiter.Middleware(middleware.TierModerate))
	{
		moderate.POST("/consultations/save", h.SaveConsultation)
		moderate.POST("/consultations/search", h.SearchConsultations)
		moderate.GET("/consultations/export", h.ExportConsultations)
		moderate.POST("/setup/download", h.StartDownload)
	}

	light := auth.Group("/", limiter.Middleware(middleware.TierLight))
	{
		light.GET("/llm/status", h.LLMStatus)
		light.GET("/workers/status", h.WorkersStatus)
		light.GET("/rag/status", h.RAGStatus)
		light.GET("/metrics", h.MetricsJSON)
		light.GET("/metrics/prometheus", h.MetricsPrometheus())
		light.GET("/audit/recent", h.AuditRecent)
		light.GET("/setup/check-models", h.CheckModels)
		light.GET("/setup/progress", h.DownloadProgress)
		light.GET("/errors/pending", h.PendingErrors)
		light.POST("/errors/:id/report", h.ReportError)
		light.POST("/errors/:id/dismiss", h.DismissError)
	}
}
