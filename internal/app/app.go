// -----------------------------------------------------------------------
// Application Wiring - storage and pipeline services in dependency order
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/pipeline"
	"github.com/ternarybob/arca/internal/services/archive"
	"github.com/ternarybob/arca/internal/services/classifier"
	"github.com/ternarybob/arca/internal/services/dedup"
	"github.com/ternarybob/arca/internal/services/export"
	"github.com/ternarybob/arca/internal/services/extract"
	"github.com/ternarybob/arca/internal/services/index"
	"github.com/ternarybob/arca/internal/services/llm"
	"github.com/ternarybob/arca/internal/services/pdf"
	"github.com/ternarybob/arca/internal/services/similarity"
	"github.com/ternarybob/arca/internal/services/transform"
	"github.com/ternarybob/arca/internal/services/workflow"
	"github.com/ternarybob/arca/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Pipeline services
	Transform  interfaces.TransformService
	PDF        interfaces.PDFService
	PDFText    interfaces.PDFExtractor
	Extractor  interfaces.ExtractorService
	Similarity interfaces.SimilarityService
	Advisor    interfaces.AdvisorService
	Classifier interfaces.ClassifierService
	Workflows  interfaces.WorkflowRegistry
	Archiver   interfaces.ArchiveService
	Dedup      interfaces.DedupTracker
	Indexer    interfaces.IndexService
	Exporter   interfaces.ExportService

	// Orchestrator runs the per-item ingest state machine. Commands
	// that drive batches wrap it in a pipeline.Driver with their own
	// output writer.
	Orchestrator *pipeline.Orchestrator

	pdfService *pdf.Service
	auditLog   *llm.AuditLog
}

// New creates the application with storage opened and every service
// wired. Callers own Close.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Seed secrets from the keys directory, then resolve any {key-name}
	// references the config load could not see before storage opened.
	kv := a.StorageManager.KeyValueStorage()
	if _, err := storage.LoadKeysFromDir(context.Background(), kv, cfg.Keys.Dir, logger); err != nil {
		logger.Warn().Err(err).Str("dir", cfg.Keys.Dir).Msg("Failed to load keys directory")
	}
	cfg.ResolveKVReferences(context.Background(), kv)

	if err := a.initServices(); err != nil {
		if closeErr := a.StorageManager.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("Failed to close storage after init failure")
		}
		return nil, err
	}

	logger.Debug().
		Str("archive", cfg.Archive.BasePath).
		Str("badger", cfg.Storage.BadgerPath).
		Bool("llm", cfg.LLM.Enabled).
		Msg("Application initialized")

	return a, nil
}

// initStorage opens the Badger stores and the SQLite index database.
func (a *App) initStorage() error {
	manager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.StorageManager = manager
	return nil
}

// initServices constructs services in dependency order: leaves first
// (transform, pdf), then classification, then the orchestrator over
// the lot.
func (a *App) initServices() error {
	a.Transform = transform.NewService(a.Logger)

	a.pdfService = pdf.NewService(&a.Config.PDF, a.Logger)
	a.PDF = a.pdfService
	a.PDFText = pdf.NewExtractor(a.Logger)

	a.Extractor = extract.NewService(&a.Config.Security, a.Transform, a.Logger)

	workflows := a.StorageManager.WorkflowStorage()
	criteria := a.StorageManager.CriteriaStorage()

	a.Similarity = similarity.NewEngine(a.Config, criteria, a.Logger)

	provider, err := llm.NewProvider(&a.Config.LLM, a.StorageManager.KeyValueStorage(), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM provider: %w", err)
	}
	if provider != nil && a.Config.LLM.DatabaseURL != "" {
		audit, err := llm.OpenAuditLog(a.Config.LLM.DatabaseURL, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to open advisor audit log: %w", err)
		}
		a.auditLog = audit
	}
	advisor := llm.NewAdvisor(provider, a.auditLog, a.Logger)
	a.Advisor = advisor

	hybrid := classifier.NewHybrid(a.Config, a.Similarity, a.Advisor, workflows, criteria, a.Logger)
	a.Classifier = hybrid

	// Advisor verdicts feed the similarity training set through the
	// classifier's recorder.
	advisor.SetFeedbackFunc(hybrid.RecordDecisionFeedback)

	a.Workflows = workflow.NewRegistry(workflows, criteria, a.Logger)
	a.Archiver = archive.NewService(a.Config, a.PDF, a.Transform, a.Logger)
	a.Dedup = dedup.NewTracker(a.StorageManager.DedupStorage(), a.Logger)
	a.Indexer = index.NewService(a.Config, a.StorageManager.IndexStorage(), workflows, a.PDFText, a.Transform, a.Logger)
	a.Exporter = export.NewService(a.Config, a.StorageManager.KeyValueStorage(), a.Logger)

	a.Orchestrator = pipeline.NewOrchestrator(
		a.Config,
		a.Extractor,
		a.Dedup,
		a.Classifier,
		a.Advisor,
		workflows,
		a.Archiver,
		a.Indexer,
		a.Logger,
	)

	return nil
}

// Close releases resources in reverse dependency order. Storage errors
// are returned; everything else is logged and skipped.
func (a *App) Close() error {
	if a.pdfService != nil {
		if err := a.pdfService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close PDF renderer")
		}
	}

	if a.auditLog != nil {
		if err := a.auditLog.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close advisor audit log")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Debug().Msg("Storage closed")
	}

	return nil
}
