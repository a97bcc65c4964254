package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/chunking"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/normalize"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/repository/memory"
)

const testDim = 4

// keywordEmbedder produces deterministic vectors from a few content features.
type keywordEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *keywordEmbedder) vector(text string) []float32 {
	lower := strings.ToLower(text)
	return []float32{
		1,
		float32(strings.Count(lower, "payment")),
		float32(strings.Count(lower, "term")),
		float32(len(lower)%7) / 7,
	}
}

func (e *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *keywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.vector(text), nil
}

func (e *keywordEmbedder) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

type eventsFake struct {
	mu        sync.Mutex
	published []domain.RevisionEvent
	err       error
}

func (f *eventsFake) PublishRevisionIndexed(_ context.Context, ev domain.RevisionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *eventsFake) SubscribeRevisionIndexed(context.Context, func(context.Context, domain.RevisionEvent) error) error {
	return errors.New("not implemented")
}

type notifierFake struct {
	mu   sync.Mutex
	sent []domain.Notification
	errs []error // returned in order, then nil
}

func (f *notifierFake) Channel() domain.DeliveryChannel { return domain.ChannelWebhook }

func (f *notifierFake) Send(_ context.Context, _ string, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *notifierFake) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type pipeline struct {
	store    *memory.Store
	embedder *keywordEmbedder
	events   *eventsFake
	notifier *notifierFake
	ingest   *IngestUseCase
	reindex  *ReindexUseCase
	match    *MatchUseCase
	notify   *NotifyUseCase
	run      *MatchNotifyUseCase
}

func newPipeline() *pipeline {
	store := memory.NewStore(testDim)
	p := &pipeline{
		store:    store,
		embedder: &keywordEmbedder{},
		events:   &eventsFake{},
		notifier: &notifierFake{},
	}
	chunker := chunking.NewStructuredChunker(chunking.Options{Window: 400, Overlap: 40})
	p.ingest = NewIngestUseCase(store.Documents(), normalize.New(), chunker, p.embedder, store.Chunks(),
		p.events, store.FailedJobs(), IngestConfig{Concurrency: 2})
	p.reindex = NewReindexUseCase(store.Documents(), chunker, p.embedder, store.Chunks(), store.FailedJobs(), 2)
	p.match = NewMatchUseCase(store.Documents(), store.Chunks(), store.Subscriptions(), store.Matches(), 2)
	p.notify = NewNotifyUseCase(store.Documents(), store.Subscriptions(), store.Matches(), store.Deliveries(),
		[]ports.Notifier{p.notifier}, NotifyConfig{MaxAttempts: 3})
	p.run = NewMatchNotifyUseCase(p.match, p.notify, store.FailedJobs())
	return p
}

func (p *pipeline) openFailedJobs(jobName string) []domain.FailedJob {
	jobs, _ := p.store.FailedJobs().List(context.Background(), domain.FailedJobOpen, 0)
	var out []domain.FailedJob
	for _, j := range jobs {
		if j.JobName == jobName {
			out = append(out, j)
		}
	}
	return out
}

const twoArticles = `Article 1 (Purpose)
This contract governs the supply of office equipment.

Article 2 (Term)
The term of this contract is one year.
`

const threeArticles = twoArticles + `
Article 3 (Payment)
Payment is due within thirty days of invoice.
`
