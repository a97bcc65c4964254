package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/docmatch-pipeline/internal/bootstrap"
	"github.com/kirillkom/docmatch-pipeline/internal/config"
	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/observability/logging"
	"github.com/kirillkom/docmatch-pipeline/internal/observability/metrics"
)

const (
	serviceName    = "worker"
	ingestTimeout  = 5 * time.Minute
	matchTimeout   = 2 * time.Minute
	dispatchBudget = 2 * time.Minute
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger(serviceName, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("worker_metrics_listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		slog.Info("worker_subscribed", "subject", cfg.NATSIngestSubject)
		return app.Queue.SubscribeIngestJobs(gctx, func(handlerCtx context.Context, job domain.IngestJob) error {
			jobCtx, cancel := context.WithTimeout(handlerCtx, ingestTimeout)
			defer cancel()

			workerMetrics.StartJob()
			start := time.Now()
			result, err := app.UploadUC.ProcessJob(jobCtx, job)
			workerMetrics.FinishJob(serviceName, domain.JobIngestJob, time.Since(start), err)
			if err != nil {
				return err
			}
			workerMetrics.RecordIngest(serviceName, result)
			slog.Info("ingest_job_processed",
				"job_id", job.JobID,
				"document_id", result.DocumentID,
				"action", result.Action,
				"chunks", result.ChunkCount,
			)
			return nil
		})
	})

	g.Go(func() error {
		slog.Info("worker_subscribed", "subject", cfg.NATSRevisionSubject)
		return app.Queue.SubscribeRevisionIndexed(gctx, func(handlerCtx context.Context, ev domain.RevisionEvent) error {
			if !ev.IndexedAt.IsZero() {
				workerMetrics.ObserveQueueLag(serviceName, time.Since(ev.IndexedAt))
			}
			jobCtx, cancel := context.WithTimeout(handlerCtx, matchTimeout)
			defer cancel()

			workerMetrics.StartJob()
			start := time.Now()
			report, err := app.MatchNotifyUC.RunMatchNotify(jobCtx, ev.RevisionID)
			workerMetrics.FinishJob(serviceName, domain.JobMatchNotify, time.Since(start), err)
			if err != nil {
				return err
			}
			slog.Info("revision_notified",
				"revision_id", ev.RevisionID,
				"matches", report.Matches,
				"created", report.Created,
				"delivered", report.Delivered,
			)
			return nil
		})
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.DeliveryPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				pollDeliveries(gctx, app, workerMetrics)
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("worker error: %v", err)
	}
}

func pollDeliveries(ctx context.Context, app *bootstrap.App, workerMetrics *metrics.WorkerMetrics) {
	pollCtx, cancel := context.WithTimeout(ctx, dispatchBudget)
	defer cancel()

	recovered, err := app.NotifyUC.RecoverStale(pollCtx)
	if err != nil {
		slog.Error("delivery_recover_failed", "error", err)
	}
	workerMetrics.RecordDispatch(serviceName, recovered)

	report, err := app.NotifyUC.DispatchDue(pollCtx)
	if err != nil {
		slog.Error("delivery_dispatch_failed", "error", err)
	}
	workerMetrics.RecordDispatch(serviceName, report)
	if report.Claimed > 0 || recovered.Recovered > 0 {
		slog.Info("delivery_poll_done",
			"claimed", report.Claimed,
			"delivered", report.Delivered,
			"retrying", report.Retrying,
			"permanent", report.Permanent,
			"recovered", recovered.Recovered,
		)
	}
}
