package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

// Replayer re-runs one ledger job from its stored payload.
type Replayer func(ctx context.Context, payload json.RawMessage) error

type FailedJobUseCase struct {
	repo      ports.FailedJobRepository
	replayers map[string]Replayer
	now       func() time.Time
}

func NewFailedJobUseCase(repo ports.FailedJobRepository, replayers map[string]Replayer) *FailedJobUseCase {
	return &FailedJobUseCase{repo: repo, replayers: replayers, now: time.Now}
}

// PipelineReplayers wires every ledger job name to the stage that produced it.
func PipelineReplayers(
	ingest ports.DocumentIngestor,
	jobs ports.IngestJobProcessor,
	reindex *ReindexUseCase,
	matchNotify ports.MatchNotifier,
) map[string]Replayer {
	return map[string]Replayer{
		domain.JobIngest: func(ctx context.Context, payload json.RawMessage) error {
			var req domain.IngestRequest
			if err := decodePayload(payload, &req); err != nil {
				return err
			}
			_, err := ingest.Ingest(ctx, req)
			return err
		},
		domain.JobIngestJob: func(ctx context.Context, payload json.RawMessage) error {
			var job domain.IngestJob
			if err := decodePayload(payload, &job); err != nil {
				return err
			}
			_, err := jobs.ProcessJob(ctx, job)
			return err
		},
		domain.JobReindex: func(ctx context.Context, payload json.RawMessage) error {
			var p revisionPayload
			if err := decodePayload(payload, &p); err != nil {
				return err
			}
			_, err := reindex.ReindexRevision(ctx, p.RevisionID)
			return err
		},
		domain.JobMatchNotify: func(ctx context.Context, payload json.RawMessage) error {
			var p revisionPayload
			if err := decodePayload(payload, &p); err != nil {
				return err
			}
			_, err := matchNotify.RunMatchNotify(ctx, p.RevisionID)
			return err
		},
	}
}

func decodePayload(payload json.RawMessage, out any) error {
	if len(payload) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "decode failed job payload", fmt.Errorf("payload is empty"))
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode failed job payload", err)
	}
	return nil
}

func (uc *FailedJobUseCase) List(ctx context.Context, status domain.FailedJobStatus, limit int) ([]domain.FailedJob, error) {
	switch status {
	case "", domain.FailedJobOpen, domain.FailedJobResolved:
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "list failed jobs", fmt.Errorf("unknown status %q", status))
	}
	return uc.repo.List(ctx, status, limit)
}

// Replay re-runs an open job. The row is resolved only when the re-run
// succeeds; a failing re-run leaves it open and records nothing new.
func (uc *FailedJobUseCase) Replay(ctx context.Context, id string) (*domain.FailedJob, error) {
	job, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.FailedJobOpen {
		return nil, domain.WrapError(domain.ErrInvalidTransition, "replay failed job", fmt.Errorf("job %s is %s", id, job.Status))
	}
	replay, ok := uc.replayers[job.JobName]
	if !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "replay failed job", fmt.Errorf("no replayer for job %q", job.JobName))
	}

	start := uc.now()
	if err := replay(withReplay(ctx), job.Payload); err != nil {
		slog.Warn("failed_job_replay_failed",
			"failed_job_id", id,
			"job_name", job.JobName,
			"idempotency_key", job.IdempotencyKey,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, fmt.Errorf("replay %s: %w", job.JobName, err)
	}
	if err := uc.repo.Resolve(ctx, id, uc.now().UTC()); err != nil {
		return nil, err
	}
	slog.Info("failed_job_resolved",
		"failed_job_id", id,
		"job_name", job.JobName,
		"idempotency_key", job.IdempotencyKey,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return uc.repo.GetByID(ctx, id)
}
