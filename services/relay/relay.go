// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay assembles the ephemeral message relay service.
//
// This package contains the service container that wires every component
// together: the two audit trails, the ephemeral store, the hybrid key
// manager, the metadata sanitizer and leak detector, the anomaly scorer (or
// consensus ensemble), the policy engine, the approval ledger, and the gin
// HTTP surface.
//
// # Component Graph
//
//	config ──► New
//	            │
//	            ├─ audit.Log (policy trail)  ◄── policy decisions, admin events
//	            ├─ audit.Log (forensic trail) ◄── storage lifecycle
//	            ├─ storage.Store ──────────────► forensic trail
//	            ├─ keymanager.Manager
//	            ├─ ml.Scorer | ml.Ensemble | nil
//	            ├─ privacy.LeakDetector ───────► scorer (vector risk probe)
//	            ├─ approval.Ledger ────────────► badger.DB
//	            ├─ policy.Engine ──────────────► policy trail, approval ledger
//	            ├─ extensions.AuditMirror ◄──── both trails (live copy)
//	            └─ gin.Engine via routes.SetupRoutes
//
// # Usage
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := relay.New(cfg, logger, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// A service is safe for concurrent use after New returns. Run must be called
// at most once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/approval"
	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/keymanager"
	"github.com/AleutianAI/AleutianRelay/services/relay/ml"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/policy"
	"github.com/AleutianAI/AleutianRelay/services/relay/privacy"
	"github.com/AleutianAI/AleutianRelay/services/relay/routes"
	"github.com/AleutianAI/AleutianRelay/services/relay/storage"
	"github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
)

// Version is reported by the root and /health endpoints and by the CLI.
const Version = "0.1.0"

// defaultServiceName names the relay in traces when the config leaves
// tracing.service_name empty.
const defaultServiceName = "relay-service"

// statsPollInterval paces the mirror of store and audit counters into
// Prometheus.
const statsPollInterval = 5 * time.Second

// mirrorBuffer is the subscription depth per audit trail for the extension
// mirror. Records beyond it are dropped, never blocked on.
const mirrorBuffer = 64

// shutdownGrace bounds how long in-flight requests may finish after the
// context is cancelled.
const shutdownGrace = 10 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the relay lifecycle contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and must be
// called at most once per instance.
type Service interface {
	// Run starts the HTTP server and the background loops, then blocks
	// until ctx is cancelled or a component fails. Shutdown is graceful:
	// in-flight requests drain, the wipe queue empties, the ledger and
	// audit trails flush.
	Run(ctx context.Context) error

	// Router exposes the configured gin engine for integration tests.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

// service is the production Service implementation. All fields are set by
// New and read-only afterwards.
type service struct {
	cfg    config.Config
	log    *logging.Logger
	opts   extensions.ServiceOptions
	router *gin.Engine

	policyAudit   *audit.Log
	forensicAudit *audit.Log
	store         *storage.Store
	keys          *keymanager.Manager
	engine        ml.Engine
	detector      *privacy.LeakDetector
	sanitizer     *privacy.Sanitizer
	pol           *policy.Engine
	ledgerDB      *badger.DB
	approvals     *approval.Ledger
	metrics       *observability.Metrics

	tracerCleanup func(context.Context)
}

// New wires the relay components from cfg.
//
// # Description
//
// Construction order follows the dependency graph: audit trails first (the
// store and the policy engine write into them), then store, key manager, and
// the scoring engine, then the approval ledger, then the policy engine that
// feeds both, and finally the router. A failure part-way through releases
// everything already built.
//
// # Inputs
//
//   - cfg: validated configuration, normally from config.Load.
//   - log: structured logger. Nil falls back to logging.Default.
//   - opts: extension points. Nil uses the open source no-op defaults.
//
// # Outputs
//
//   - Service ready for Run.
//   - error when a component cannot be built (unwritable audit path,
//     unopenable ledger directory, bad scorer settings, ...).
//
// # Limitations
//
//   - Metrics register on the process-global Prometheus registry; a second
//     container in the same process reuses the first registration.
func New(cfg config.Config, log *logging.Logger, opts *extensions.ServiceOptions) (Service, error) {
	if log == nil {
		log = logging.Default()
	}
	s := &service{cfg: cfg, log: log}

	// Apply extension options (use defaults if nil)
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}
	if s.opts.AuditMirror == nil {
		s.opts.AuditMirror = &extensions.NopAuditMirror{}
	}

	if cfg.Tracing.Enabled {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.metrics = observability.Default
	if s.metrics == nil {
		s.metrics = observability.Init()
	}

	policyAudit, err := audit.New(audit.Config{
		Path:            cfg.Audit.PolicyLogPath,
		MaxSize:         cfg.Audit.MaxSizeBytes,
		RotationCount:   cfg.Audit.RotationCount,
		TamperDetection: cfg.Audit.TamperDetection,
	}, log)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("open policy audit trail: %w", err)
	}
	s.policyAudit = policyAudit

	forensicAudit, err := audit.New(audit.Config{
		Path:            cfg.Audit.ForensicLogPath,
		MaxSize:         cfg.Audit.MaxSizeBytes,
		RotationCount:   cfg.Audit.RotationCount,
		TamperDetection: cfg.Audit.TamperDetection,
	}, log)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("open forensic audit trail: %w", err)
	}
	s.forensicAudit = forensicAudit

	storeCfg := storage.DefaultConfig()
	storeCfg.WipePasses = cfg.Store.WipePasses
	storeCfg.CleanupInterval = cfg.Store.CleanupInterval()
	storeCfg.MemoryProtection = cfg.Store.MemoryProtection
	s.store = storage.New(storeCfg, log, forensicAudit)

	s.keys, err = keymanager.New(keymanager.Config{
		RotationInterval: cfg.Keys.RotationInterval(),
		EnablePQC:        cfg.Keys.EnablePQC,
	}, log)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init key manager: %w", err)
	}

	if err := s.initEngine(); err != nil {
		s.cleanup()
		return nil, err
	}

	s.ledgerDB, err = badger.OpenDB(badger.Config{
		Path:              cfg.Approval.Path,
		InMemory:          cfg.Approval.InMemory,
		SyncWrites:        !cfg.Approval.InMemory,
		Logger:            log.Slog(),
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("open approval ledger db: %w", err)
	}

	s.approvals, err = approval.New(s.ledgerDB, log)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init approval ledger: %w", err)
	}

	s.pol, err = policy.New(policy.Config{
		AllowThreshold:  cfg.Policy.AllowThreshold,
		ReauthThreshold: cfg.Policy.ReauthThreshold,
		ShadowMode:      cfg.Policy.ShadowMode,
		CanaryFraction:  cfg.Policy.CanaryFraction,
		ExceptionQuota:  cfg.Policy.ExceptionQuota,
		ExceptionWindow: cfg.Policy.ExceptionWindow(),
		OverlayPath:     cfg.Policy.OverlayPath,
		ShadowLogPath:   cfg.Policy.ShadowLogPath,
	}, policyAudit, s.approvals, log)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init policy engine: %w", err)
	}

	s.sanitizer = privacy.NewSanitizer()
	s.detector = privacy.NewLeakDetector(s.engine)

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the background loops and the HTTP server, blocking until ctx
// is cancelled or a component fails.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	s.store.Start()
	s.keys.Start()
	s.pol.Start()
	if s.engine != nil {
		s.engine.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("relay listening",
			"port", s.cfg.Server.Port,
			"version", Version,
			"pqc", s.keys.HasPQC(),
			"ml_engine", s.cfg.ML.Engine)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down", "grace", shutdownGrace.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.pollStats(ctx)
		return nil
	})

	g.Go(func() error {
		s.mirrorAudit(ctx)
		return nil
	})

	return g.Wait()
}

// Router returns the configured gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initEngine builds the configured scoring engine. The disabled setting
// leaves s.engine a nil interface, which the pipeline and routes treat as
// scoring unavailable; a typed nil must never land here.
func (s *service) initEngine() error {
	mlCfg := ml.Config{
		MinTrainSamples: s.cfg.ML.MinTrainSamples,
		MaxBuffer:       s.cfg.ML.MaxBuffer,
		Contamination:   s.cfg.ML.Contamination,
		Seed:            s.cfg.ML.Seed,
		RetrainInterval: s.cfg.ML.RetrainInterval(),
		ModelPath:       s.cfg.ML.ModelPath,
		MirrorPath:      s.cfg.ML.MirrorPath,
	}

	switch s.cfg.ML.Engine {
	case config.MLEngineDisabled:
		s.log.Info("anomaly scoring disabled; submissions carry the fallback risk")
		return nil
	case config.MLEngineEnsemble:
		eng, err := ml.NewEnsemble(mlCfg, s.log)
		if err != nil {
			return fmt.Errorf("init ensemble: %w", err)
		}
		s.engine = eng
	default:
		eng, err := ml.NewScorer(mlCfg, s.log)
		if err != nil {
			return fmt.Errorf("init scorer: %w", err)
		}
		s.engine = eng
	}
	return nil
}

// initTracer sets up the OTLP gRPC trace exporter and installs the global
// tracer provider.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	endpoint := s.cfg.Tracing.OTLPEndpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("otlp grpc client: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.serviceName())))
	if err != nil {
		return nil, fmt.Errorf("otlp resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			s.log.Error("otlp exporter shutdown failed", "error", err)
		}
	}, nil
}

// initRouter builds the gin engine and mounts the full relay surface.
func (s *service) initRouter() {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.serviceName()))

	routes.SetupRoutes(router, routes.Config{
		ServiceName:    s.serviceName(),
		Version:        Version,
		AdminKeys:      s.cfg.Server.AdminKeys(),
		MLKeys:         s.cfg.Server.MLKeys(),
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		Engine:         s.engine,
		Detector:       s.detector,
		Sanitizer:      s.sanitizer,
		Policy:         s.pol,
		Store:          s.store,
		Keys:           s.keys,
		PolicyAudit:    s.policyAudit,
		ForensicAudit:  s.forensicAudit,
		Approvals:      s.approvals,
		Metrics:        s.metrics,
		Log:            s.log,
	})
	s.router = router
}

func (s *service) serviceName() string {
	if s.cfg.Tracing.ServiceName != "" {
		return s.cfg.Tracing.ServiceName
	}
	return defaultServiceName
}

// =============================================================================
// Background Loops
// =============================================================================

// pollStats mirrors store occupancy, wipe work, and audit volume into
// Prometheus until ctx is cancelled. The store and audit trails expose
// cumulative counters, so the poll keeps deltas.
func (s *service) pollStats(ctx context.Context) {
	ticker := time.NewTicker(statsPollInterval)
	defer ticker.Stop()

	var lastWiped, lastAudit int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.store.Stats()
			s.metrics.SetStoreEntries(int(stats["entries"]))

			if wiped := stats["buffers_wiped"]; wiped > lastWiped {
				passes := (wiped - lastWiped) * int64(s.cfg.Store.WipePasses)
				s.metrics.WipePassesTotal.Add(float64(passes))
				lastWiped = wiped
			}

			written := s.policyAudit.Written() + s.forensicAudit.Written()
			if written > lastAudit {
				s.metrics.AuditRecordsTotal.Add(float64(written - lastAudit))
				lastAudit = written
			}
		}
	}
}

// mirrorAudit forwards every record from both trails to the extension
// mirror until ctx is cancelled, then flushes it. Delivery failures are
// logged and never propagate; the local trails stay authoritative.
func (s *service) mirrorAudit(ctx context.Context) {
	policyCh, cancelPolicy := s.policyAudit.Subscribe(mirrorBuffer)
	defer cancelPolicy()
	forensicCh, cancelForensic := s.forensicAudit.Subscribe(mirrorBuffer)
	defer cancelForensic()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			if err := s.opts.AuditMirror.Flush(flushCtx); err != nil {
				s.log.Warn("audit mirror flush failed", "error", err)
			}
			cancel()
			return
		case rec := <-policyCh:
			s.mirrorRecord(ctx, rec)
		case rec := <-forensicCh:
			s.mirrorRecord(ctx, rec)
		}
	}
}

func (s *service) mirrorRecord(ctx context.Context, rec map[string]any) {
	if err := s.opts.AuditMirror.Mirror(ctx, rec); err != nil {
		s.log.Warn("audit mirror delivery failed",
			"error", err, "event_type", rec["event_type"])
	}
}

// =============================================================================
// Teardown
// =============================================================================

// cleanup releases every component New managed to build, in reverse
// dependency order. Stopping the store drains the wipe queue; closing the
// audit trails flushes them. Called both on a failed New and when Run
// returns.
func (s *service) cleanup() {
	if s.pol != nil {
		s.pol.Stop()
	}
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.keys != nil {
		s.keys.Stop()
	}
	if s.store != nil {
		s.store.Stop()
	}
	if s.ledgerDB != nil {
		if err := s.ledgerDB.Close(); err != nil {
			s.log.Error("approval ledger close failed", "error", err)
		}
	}
	if s.forensicAudit != nil {
		s.forensicAudit.Close()
	}
	if s.policyAudit != nil {
		s.policyAudit.Close()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
