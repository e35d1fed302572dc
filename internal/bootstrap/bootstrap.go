package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/vetlab/bloodwork-analyzer/internal/config"
	"github.com/vetlab/bloodwork-analyzer/internal/core/ports"
	"github.com/vetlab/bloodwork-analyzer/internal/core/usecase"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/llm/ollama"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/prompt"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/queue/nats"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/rasterizer"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/repository/postgres"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/resilience"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/scheduler"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/storage/localfs"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/storage/minio"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/vision/openai"
	"github.com/vetlab/bloodwork-analyzer/internal/observability/metrics"
)

const serviceName = "bloodwork-api"

type App struct {
	Config config.Config

	Patients    *postgres.PatientRepository
	Diagnostics *postgres.DiagnosticRepository

	SubmitUC  ports.AnalysisSubmitter
	PollUC    ports.AnalysisPoller
	QueryUC   ports.DiagnosticReader
	Tracker   *usecase.PendingTracker
	Scheduler *scheduler.Supervisor

	HTTPMetrics *metrics.HTTPServerMetrics

	closeFn func()
}

// OpenDatabase connects to Postgres and applies the schema.
func OpenDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := postgres.OpenDB(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

func ResilienceConfig(cfg config.Config) resilience.Config {
	return resilience.Config{
		RetryMaxAttempts:        cfg.RetryMaxAttempts,
		RetryInitialBackoff:     cfg.RetryInitialBackoff,
		RetryMaxBackoff:         cfg.RetryMaxBackoff,
		RetryMultiplier:         2.0,
		BreakerEnabled:          cfg.BreakerEnabled,
		BreakerMinRequests:      uint32(max(cfg.BreakerMinRequests, 0)),
		BreakerFailureRatio:     cfg.BreakerFailureRatio,
		BreakerOpenTimeout:      cfg.BreakerOpenTimeout,
		BreakerHalfOpenMaxCalls: uint32(max(cfg.BreakerHalfOpenMaxCalls, 0)),
	}
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	httpMetrics := metrics.NewHTTPServerMetrics(serviceName)
	analysisMetrics := metrics.NewAnalysisMetrics(serviceName, httpMetrics.Registry())
	exec := resilience.NewExecutor(ResilienceConfig(cfg)).WithStateListener(analysisMetrics.ObserveBreakerState)

	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closers := []func(){func() { _ = db.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	patients := postgres.NewPatientRepository(db)
	diagnostics := postgres.NewDiagnosticRepository(db)
	sequences := postgres.NewSequenceRepository(db)

	store, err := newObjectStore(ctx, cfg, exec)
	if err != nil {
		closeAll()
		return nil, err
	}

	systemPrompt, err := prompt.Load(cfg.DiagnosticPromptPath)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("load diagnostic prompt: %w", err)
	}
	vision, err := newVisionAnalyzer(cfg, systemPrompt, exec)
	if err != nil {
		closeAll()
		return nil, err
	}

	var publisher ports.EventPublisher
	if cfg.NATSURL != "" {
		bus, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{ResilienceExecutor: exec})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init event bus: %w", err)
		}
		closers = append(closers, bus.Close)
		publisher = bus
	} else {
		slog.Info("analysis_events_disabled")
	}

	tracker := usecase.NewPendingTracker(nil)
	supervisor := scheduler.New(cfg.SchedulerMaxConcurrent)

	processUC := usecase.NewProcessAnalysisUseCase(
		diagnostics,
		store,
		rasterizer.New(rasterizer.Options{DPI: cfg.RasterDPI, MaxPages: cfg.MaxPDFPages}),
		vision,
		tracker,
		usecase.ProcessOptions{
			AnalysisTimeout: cfg.AnalysisTimeout,
			Publisher:       publisher,
			Observer:        analysisMetrics,
		},
	)
	submitUC := usecase.NewSubmitAnalysisUseCase(
		patients,
		diagnostics,
		sequences,
		store,
		supervisor,
		processUC,
		tracker,
		usecase.SubmitOptions{
			MaxUploadBytes:   cfg.MaxUploadBytes,
			RejectDuplicates: cfg.RejectDuplicateSubmissions,
			Observer:         analysisMetrics,
		},
	)

	slog.Info("bootstrap_complete",
		"storage_backend", cfg.StorageBackend,
		"vision_provider", cfg.VisionProvider,
		"model_version", vision.ModelVersion(),
		"reject_duplicates", cfg.RejectDuplicateSubmissions,
	)

	return &App{
		Config:      cfg,
		Patients:    patients,
		Diagnostics: diagnostics,
		SubmitUC:    submitUC,
		PollUC:      usecase.NewPollAnalysisUseCase(diagnostics),
		QueryUC:     usecase.NewDiagnosticQueryUseCase(diagnostics, patients),
		Tracker:     tracker,
		Scheduler:   supervisor,
		HTTPMetrics: httpMetrics,
		closeFn:     closeAll,
	}, nil
}

func newObjectStore(ctx context.Context, cfg config.Config, exec *resilience.Executor) (ports.ObjectStore, error) {
	switch cfg.StorageBackend {
	case config.StorageMinIO:
		store, err := minio.New(ctx, minio.Options{
			Endpoint:  cfg.MinIOEndpoint,
			Region:    cfg.MinIORegion,
			Bucket:    cfg.MinIOBucket,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
		}, exec)
		if err != nil {
			return nil, fmt.Errorf("init minio storage: %w", err)
		}
		return store, nil
	default:
		store, err := localfs.New(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, nil
	}
}

func newVisionAnalyzer(cfg config.Config, systemPrompt string, exec *resilience.Executor) (ports.VisionAnalyzer, error) {
	switch cfg.VisionProvider {
	case config.VisionOllama:
		return ollama.New(ollama.Options{
			BaseURL:      cfg.OllamaURL,
			Model:        cfg.OllamaVisionModel,
			Temperature:  cfg.OpenAITemperature,
			SystemPrompt: systemPrompt,
			Timeout:      cfg.ModelHTTPTimeout,
		}, exec), nil
	default:
		analyzer, err := openai.New(openai.Options{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			Model:        cfg.OpenAIModel,
			Temperature:  float32(cfg.OpenAITemperature),
			SystemPrompt: systemPrompt,
			Timeout:      cfg.ModelHTTPTimeout,
		}, exec)
		if err != nil {
			return nil, fmt.Errorf("init openai analyzer: %w", err)
		}
		return analyzer, nil
	}
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
