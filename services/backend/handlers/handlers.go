// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP endpoints of the dental assistant
// backend. Handlers stay thin: bind, call the pipeline or store, translate
// errors into the standard envelope, write exactly one audit entry per
// audited request at exit.
package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/pkg/logging"
	"github.com/AleutianAI/DentalAssistant/services/backend/audit"
	"github.com/AleutianAI/DentalAssistant/services/backend/config"
	"github.com/AleutianAI/DentalAssistant/services/backend/middleware"
	"github.com/AleutianAI/DentalAssistant/services/backend/observability"
	"github.com/AleutianAI/DentalAssistant/services/backend/pipeline"
	"github.com/AleutianAI/DentalAssistant/services/backend/rag"
	"github.com/AleutianAI/DentalAssistant/services/backend/scheduler"
	"github.com/AleutianAI/DentalAssistant/services/backend/setup"
	"github.com/AleutianAI/DentalAssistant/services/llm"
)

// Handler carries the dependencies shared by every endpoint.
type Handler struct {
	settings   *config.Settings
	pipe       *pipeline.Pipeline
	store      *rag.Coordinator
	sched      *scheduler.Scheduler
	trail      *audit.Trail
	collector  *observability.Collector
	metrics    *observability.Metrics
	downloader *setup.Downloader
	model      llm.LLMClient
	speech     llm.SpeechClient
	logger     *logging.Logger
	version    string
	started    time.Time
}

// Deps bundles the constructor arguments.
type Deps struct {
	Settings   *config.Settings
	Pipeline   *pipeline.Pipeline
	Store      *rag.Coordinator
	Scheduler  *scheduler.Scheduler
	Trail      *audit.Trail
	Collector  *observability.Collector
	Metrics    *observability.Metrics
	Downloader *setup.Downloader
	Model      llm.LLMClient
	Speech     llm.SpeechClient
	Logger     *logging.Logger
	Version    string
}

// New creates the Handler.
func New(d Deps) *Handler {
	return &Handler{
		settings:   d.Settings,
		pipe:       d.Pipeline,
		store:      d.Store,
		sched:      d.Scheduler,
		trail:      d.Trail,
		collector:  d.Collector,
		metrics:    d.Metrics,
		downloader: d.Downloader,
		model:      d.Model,
		speech:     d.Speech,
		logger:     d.Logger,
		version:    d.Version,
		started:    time.Now(),
	}
}

// =============================================================================
// Error translation
// =============================================================================

// respondError writes the standard envelope for err and records the error
// kind for metrics. Server-side failures (5xx except the expected busy and
// not-ready conditions) are also filed into the bug-report ring.
func (h *Handler) respondError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	status := apperrors.StatusOf(err)
	middleware.SetErrorKind(c, kind)

	if status >= 500 && kind != apperrors.InferenceBusy.Kind &&
		kind != apperrors.ModelNotReady.Kind && kind != apperrors.SystemNotReady.Kind {
		env := apperrors.ToEnvelope(err, middleware.RequestID(c))
		h.collector.CaptureError(c.FullPath(), kind, env.Message)
	}

	c.JSON(status, apperrors.ToEnvelope(err, middleware.RequestID(c)))
}

// auditOutcome writes the single per-request audit entry.
func (h *Handler) auditOutcome(c *gin.Context, action, resource string, err error) {
	entry := audit.Entry{
		Action:    action,
		Resource:  resource,
		RequestID: middleware.RequestID(c),
		Outcome:   audit.OutcomeSuccess,
	}
	if err != nil {
		entry.Outcome = audit.OutcomeFailure
		entry.Detail = apperrors.KindOf(err)
		// A client hanging up is not a backend fault; the trail records
		// the plain word the shell's audit view filters on.
		if apperrors.IsKind(err, apperrors.InferenceCancelled) {
			entry.Detail = "cancelled"
		}
	}
	h.trail.Log(entry)
}
