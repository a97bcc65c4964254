package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/resilience"
	"github.com/nats-io/nats.go"
)

const workerQueueGroup = "docmatch-workers"

// Queue carries ingest jobs and revision-indexed events, and exposes raw
// publishing for the NATS notification channel.
type Queue struct {
	conn            *nats.Conn
	ingestSubject   string
	revisionSubject string
	executor        *resilience.Executor
}

type Subjects struct {
	Ingest   string
	Revision string
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url string, subjects Subjects) (*Queue, error) {
	return NewWithOptions(url, subjects, Options{})
}

func NewWithOptions(url string, subjects Subjects, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("docmatch-pipeline"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:            conn,
		ingestSubject:   subjects.Ingest,
		revisionSubject: subjects.Revision,
		executor:        options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// Publish sends a raw payload through the resilience executor.
func (q *Queue) Publish(ctx context.Context, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return resilience.WrapTemporary("nats publish", err, classifyNATSError)
}

func (q *Queue) PublishIngestJob(ctx context.Context, job domain.IngestJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal ingest job: %w", err)
	}
	return q.Publish(ctx, q.ingestSubject, payload)
}

func (q *Queue) PublishRevisionIndexed(ctx context.Context, ev domain.RevisionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal revision event: %w", err)
	}
	return q.Publish(ctx, q.revisionSubject, payload)
}

func (q *Queue) SubscribeIngestJobs(ctx context.Context, handler func(context.Context, domain.IngestJob) error) error {
	return q.subscribe(ctx, q.ingestSubject, func(ctx context.Context, data []byte) error {
		job, err := decodeIngestJob(data)
		if err != nil {
			return err
		}
		return handler(ctx, job)
	})
}

func (q *Queue) SubscribeRevisionIndexed(ctx context.Context, handler func(context.Context, domain.RevisionEvent) error) error {
	return q.subscribe(ctx, q.revisionSubject, func(ctx context.Context, data []byte) error {
		ev, err := decodeRevisionEvent(data)
		if err != nil {
			return err
		}
		return handler(ctx, ev)
	})
}

// subscribe blocks until ctx is done, then drains the subscription.
func (q *Queue) subscribe(ctx context.Context, subject string, handle func(context.Context, []byte) error) error {
	sub, err := q.conn.QueueSubscribe(subject, workerQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handle(handlerCtx, msg.Data); err != nil {
			slog.Error("nats_handler_failed", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func decodeIngestJob(data []byte) (domain.IngestJob, error) {
	var job domain.IngestJob
	if err := json.Unmarshal(data, &job); err != nil {
		return domain.IngestJob{}, domain.WrapError(domain.ErrInvalidInput, "decode ingest job", err)
	}
	if job.JobID == "" || job.StorageKey == "" || job.Source == "" {
		return domain.IngestJob{}, domain.WrapError(domain.ErrInvalidInput, "decode ingest job",
			fmt.Errorf("job_id, storage_key and source are required"))
	}
	return job, nil
}

func decodeRevisionEvent(data []byte) (domain.RevisionEvent, error) {
	var ev domain.RevisionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.RevisionEvent{}, domain.WrapError(domain.ErrInvalidInput, "decode revision event", err)
	}
	if ev.RevisionID == "" {
		return domain.RevisionEvent{}, domain.WrapError(domain.ErrInvalidInput, "decode revision event",
			fmt.Errorf("revision_id is required"))
	}
	return ev, nil
}
