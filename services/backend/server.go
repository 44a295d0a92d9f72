// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend wires the dental assistant service together: storage,
// scheduler, pipeline, observability and the HTTP surface.
//
// The backend is a localhost daemon started by the desktop shell. It binds
// to 127.0.0.1 only; the shell is the sole intended client.
//
// # Usage
//
//	settings, err := config.Load(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := backend.New(settings, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/DentalAssistant/pkg/logging"
	"github.com/AleutianAI/DentalAssistant/services/backend/audit"
	"github.com/AleutianAI/DentalAssistant/services/backend/config"
	"github.com/AleutianAI/DentalAssistant/services/backend/handlers"
	"github.com/AleutianAI/DentalAssistant/services/backend/observability"
	"github.com/AleutianAI/DentalAssistant/services/backend/pipeline"
	"github.com/AleutianAI/DentalAssistant/services/backend/rag"
	"github.com/AleutianAI/DentalAssistant/services/backend/routes"
	"github.com/AleutianAI/DentalAssistant/services/backend/scheduler"
	"github.com/AleutianAI/DentalAssistant/services/backend/setup"
	"github.com/AleutianAI/DentalAssistant/services/llm"
)

// Version is stamped at build time via -ldflags; "dev" for local builds.
var Version = "dev"

const (
	shutdownTimeout     = 15 * time.Second
	queueSampleInterval = 5 * time.Second
)

// =============================================================================
// Service
// =============================================================================

// Service is the assembled backend.
//
// # Thread Safety
//
// Safe for concurrent use after New returns. Run blocks and must be called
// at most once per instance.
type Service struct {
	settings  *config.Settings
	logger    *logging.Logger
	router    *gin.Engine
	sched     *scheduler.Scheduler
	store     *rag.Coordinator
	trail     *audit.Trail
	collector *observability.Collector
	metrics   *observability.Metrics

	tracerCleanup func(context.Context)
}

// New assembles the backend from resolved settings. Nothing touches the
// network yet; model runtimes may still be booting when this returns.
func New(settings *config.Settings, logger *logging.Logger) (*Service, error) {
	if settings.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	collector := observability.NewCollector()
	metrics := observability.NewMetrics()

	trail := audit.New(settings.AuditPath, logger, func() {
		collector.AuditFailure()
		metrics.AuditFailuresTotal.Inc()
	})
	journal := rag.NewJournal(settings.JournalPath, logger, func() {
		collector.JournalCorrupt()
		metrics.JournalCorruptTotal.Inc()
	})

	sched := scheduler.New(scheduler.Config{
		SpeechSlots:   settings.Pool.SpeechSlots,
		GenerateSlots: settings.Pool.GenerateSlots,
		EmbedSlots:    settings.Pool.EmbedSlots,
		WaitingCap:    settings.Pool.WaitingCap,
		WaitBudget:    settings.WaitBudget,
	}, logger)

	model := llm.NewLocalLlamaCppClient(settings.LLMBaseURL)
	speech := llm.NewWhisperClient(settings.WhisperBaseURL)
	embedClient := llm.NewLocalEmbeddingClient(settings.EmbeddingBaseURL)

	embedder := pipeline.NewScheduledEmbedder(sched, embedClient)
	store := rag.NewCoordinator(journal, embedder, trail, settings.IndexPath, logger)
	pipe := pipeline.New(settings, settings.GenerateDeadline, sched, speech, model, store, logger)

	downloader := setup.NewDownloader(settings.ModelsDir, logger,
		func(outcome, filename, detail string) {
			metrics.DownloadsTotal.WithLabelValues(outcome).Inc()
			trail.Log(audit.Entry{
				Action:   audit.ActionModelDownload,
				Resource: filename,
				Outcome:  outcome,
				Detail:   detail,
			})
		})

	tracerCleanup, err := initTracer(logger)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	h := handlers.New(handlers.Deps{
		Settings:   settings,
		Pipeline:   pipe,
		Store:      store,
		Scheduler:  sched,
		Trail:      trail,
		Collector:  collector,
		Metrics:    metrics,
		Downloader: downloader,
		Model:      model,
		Speech:     speech,
		Logger:     logger,
		Version:    Version,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	routes.Setup(router, h, settings, sched, trail, collector, metrics, logger)

	return &Service{
		settings:      settings,
		logger:        logger,
		router:        router,
		sched:         sched,
		store:         store,
		trail:         trail,
		collector:     collector,
		metrics:       metrics,
		tracerCleanup: tracerCleanup,
	}, nil
}

// Router exposes the engine for integration tests.
func (s *Service) Router() *gin.Engine { return s.router }

// Run starts the index loader and the HTTP server, then blocks until
// SIGINT/SIGTERM or a listen failure. Shutdown drains in-flight inference
// before returning.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.store.Start(ctx)
	go s.sampleQueues(ctx)

	srv := &http.Server{
		// Localhost only. Patient data never leaves the machine.
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.settings.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("backend listening",
		"addr", srv.Addr,
		"version", Version,
		"profile", string(s.settings.Hardware.Profile),
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutdown signal received")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := s.sched.Shutdown(shutdownCtx, true); err != nil {
		s.logger.Warn("scheduler drain incomplete", "error", err)
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}

	s.logger.Info("backend stopped")
	return nil
}

// sampleQueues mirrors scheduler occupancy into the Prometheus gauges.
func (s *Service) sampleQueues(ctx context.Context) {
	ticker := time.NewTicker(queueSampleInterval)
	defer ticker.Stop()

	for {
		for name, qs := range s.sched.Status() {
			s.metrics.QueueWaiting.WithLabelValues(string(name)).Set(float64(qs.Waiting))
			s.metrics.QueueRunning.WithLabelValues(string(name)).Set(float64(qs.Running))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Tracing
// =============================================================================

// initTracer installs a stdout span exporter when TRACE_STDOUT=1. There is
// no collector on a practitioner's machine, so spans go to the log the shell
// already captures; in normal runs the default no-op provider stays in place.
func initTracer(logger *logging.Logger) (func(context.Context), error) {
	if os.Getenv("TRACE_STDOUT") != "1" {
		return nil, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(attribute.String("service.name", "dental-backend"))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	logger.Info("stdout trace exporter enabled")

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("tracer shutdown incomplete", "error", err)
		}
	}, nil
}
