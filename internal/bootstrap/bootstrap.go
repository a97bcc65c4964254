package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kirillkom/docmatch-pipeline/internal/config"
	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
	"github.com/kirillkom/docmatch-pipeline/internal/core/usecase"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/chunking"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/extractor"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/extractor/xlsx"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/normalize"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/notify"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/repository/memory"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/storage/localfs"
)

type App struct {
	Config config.Config

	Queue         *nats.Queue
	Subscriptions ports.SubscriptionRepository

	IngestUC      *usecase.IngestUseCase
	UploadUC      *usecase.UploadUseCase
	DocumentsUC   *usecase.DocumentQueryUseCase
	SearchUC      *usecase.SearchUseCase
	ReindexUC     *usecase.ReindexUseCase
	NotifyUC      *usecase.NotifyUseCase
	MatchNotifyUC *usecase.MatchNotifyUseCase
	FailedJobsUC  *usecase.FailedJobUseCase

	closeFn func()
}

type stores struct {
	documents     ports.DocumentRepository
	chunks        ports.ChunkIndex
	subscriptions ports.SubscriptionRepository
	matches       ports.MatchRepository
	deliveries    ports.DeliveryRepository
	failedJobs    ports.FailedJobRepository
	db            *sql.DB
}

func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		store := memory.NewStore(cfg.EmbeddingDimension)
		return stores{
			documents:     store.Documents(),
			chunks:        store.Chunks(),
			subscriptions: store.Subscriptions(),
			matches:       store.Matches(),
			deliveries:    store.Deliveries(),
			failedJobs:    store.FailedJobs(),
		}, nil
	case config.StoreDriverPostgres:
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return stores{}, fmt.Errorf("open postgres: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, db, cfg.EmbeddingDimension); err != nil {
			_ = db.Close()
			return stores{}, fmt.Errorf("ensure schema: %w", err)
		}
		return stores{
			documents:     postgres.NewDocumentRepository(db),
			chunks:        postgres.NewChunkRepository(db, cfg.EmbeddingDimension),
			subscriptions: postgres.NewSubscriptionRepository(db),
			matches:       postgres.NewMatchRepository(db),
			deliveries:    postgres.NewDeliveryRepository(db),
			failedJobs:    postgres.NewFailedJobRepository(db),
			db:            db,
		}, nil
	default:
		return stores{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func resilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.ResilienceRetryMaxAttempts
	out.RetryInitialBackoff = cfg.ResilienceRetryInitialBackoff
	out.RetryMaxBackoff = cfg.ResilienceRetryMaxBackoff
	out.RetryMultiplier = cfg.ResilienceRetryMultiplier
	out.BreakerEnabled = cfg.ResilienceBreakerEnabled
	out.BreakerMinRequests = uint32(cfg.ResilienceBreakerMinRequests)
	out.BreakerFailureRatio = cfg.ResilienceBreakerFailureRatio
	out.BreakerOpenTimeout = cfg.ResilienceBreakerOpenTimeout
	out.BreakerHalfOpenMaxCalls = uint32(cfg.ResilienceBreakerHalfOpenMaxCalls)
	return out
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closeDB := func() {
		if st.db != nil {
			_ = st.db.Close()
		}
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		closeDB()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	// Each outbound dependency gets its own breaker.
	queue, err := nats.NewWithOptions(cfg.NATSURL, nats.Subjects{
		Ingest:   cfg.NATSIngestSubject,
		Revision: cfg.NATSRevisionSubject,
	}, nats.Options{ResilienceExecutor: resilience.NewExecutor(resilienceConfig(cfg))})
	if err != nil {
		closeDB()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	ollamaClient := ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
		Timeout:            cfg.OllamaTimeout,
		ResilienceExecutor: resilience.NewExecutor(resilienceConfig(cfg)),
	})
	embedder := ollama.NewEmbedder(ollamaClient, cfg.EmbeddingDimension, cfg.EmbedBatchSize)
	analyzer := ollama.NewAnalyzer(ollamaClient)

	normalizer := normalize.New()
	chunker := chunking.NewStructuredChunker(chunking.Options{
		Window:              cfg.ChunkWindow,
		Overlap:             cfg.ChunkOverlap,
		ArticleMaxRunes:     cfg.ArticleMaxRunes,
		BoilerplateMinRunes: cfg.BoilerplateMinRunes,
	})
	textExtractor := extractor.NewRouter(
		plaintext.NewExtractor(storage),
		pdf.NewExtractor(storage),
		xlsx.NewExtractor(storage),
	)

	ingestUC := usecase.NewIngestUseCase(
		st.documents, normalizer, chunker, embedder, st.chunks, queue, st.failedJobs,
		usecase.IngestConfig{Concurrency: cfg.IngestConcurrency},
	)
	uploadUC := usecase.NewUploadUseCase(storage, queue, textExtractor, ingestUC, st.failedJobs)
	reindexUC := usecase.NewReindexUseCase(st.documents, chunker, embedder, st.chunks, st.failedJobs, cfg.ReindexConcurrency)
	searchUC := usecase.NewSearchUseCase(embedder, st.chunks, analyzer, usecase.SearchDefaults{
		TopK:          cfg.SearchTopK,
		Threshold:     cfg.SearchThreshold,
		ThresholdMode: domain.ThresholdMode(cfg.SearchThresholdMode),
	})

	backoff := resilience.Backoff{
		Initial:    cfg.DeliveryBackoffInitial,
		Max:        cfg.DeliveryBackoffMax,
		Multiplier: 2,
	}
	notifiers := []ports.Notifier{
		notify.NewWebhookNotifier(cfg.WebhookTimeout, resilience.NewExecutor(resilienceConfig(cfg).SingleAttempt())),
		notify.NewNATSNotifier(queue, cfg.NATSNotifySubjectPrefix),
	}
	matchUC := usecase.NewMatchUseCase(st.documents, st.chunks, st.subscriptions, st.matches, cfg.MatchConcurrency)
	notifyUC := usecase.NewNotifyUseCase(st.documents, st.subscriptions, st.matches, st.deliveries, notifiers, usecase.NotifyConfig{
		MaxAttempts:    cfg.DeliveryMaxAttempts,
		BatchSize:      cfg.DeliveryBatchSize,
		AttemptTimeout: cfg.DeliveryAttemptTimeout,
		Backoff:        backoff.Delay,
	})
	matchNotifyUC := usecase.NewMatchNotifyUseCase(matchUC, notifyUC, st.failedJobs)
	failedJobsUC := usecase.NewFailedJobUseCase(st.failedJobs,
		usecase.PipelineReplayers(ingestUC, uploadUC, reindexUC, matchNotifyUC))

	return &App{
		Config:        cfg,
		Queue:         queue,
		Subscriptions: st.subscriptions,

		IngestUC:      ingestUC,
		UploadUC:      uploadUC,
		DocumentsUC:   usecase.NewDocumentQueryUseCase(st.documents, st.chunks),
		SearchUC:      searchUC,
		ReindexUC:     reindexUC,
		NotifyUC:      notifyUC,
		MatchNotifyUC: matchNotifyUC,
		FailedJobsUC:  failedJobsUC,

		closeFn: func() {
			queue.Close()
			closeDB()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
