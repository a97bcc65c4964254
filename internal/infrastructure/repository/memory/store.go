// Package memory keeps the whole pipeline state in process memory. It backs
// STORE_DRIVER=memory and the end-to-end use case tests, and mirrors the
// Postgres semantics (versioning, ranking, conditional delivery transitions).
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

type Store struct {
	mu        sync.RWMutex
	dimension int
	newID     func() string

	documents     map[string]domain.Document
	bodies        map[string]domain.DocumentBody
	revisions     map[string]domain.IndexRevision
	chunks        map[string][]domain.Chunk // by revision id
	subscriptions map[string]domain.Subscription
	matches       map[string]domain.MatchResult // by subscription/revision
	deliveries    map[string]domain.DeliveryLog
	eventKeys     map[string]string
	failedJobs    map[string]domain.FailedJob
}

func NewStore(dimension int) *Store {
	return &Store{
		dimension:     dimension,
		newID:         uuid.NewString,
		documents:     map[string]domain.Document{},
		bodies:        map[string]domain.DocumentBody{},
		revisions:     map[string]domain.IndexRevision{},
		chunks:        map[string][]domain.Chunk{},
		subscriptions: map[string]domain.Subscription{},
		matches:       map[string]domain.MatchResult{},
		deliveries:    map[string]domain.DeliveryLog{},
		eventKeys:     map[string]string{},
		failedJobs:    map[string]domain.FailedJob{},
	}
}

func (s *Store) Documents() *DocumentRepository         { return &DocumentRepository{s: s} }
func (s *Store) Chunks() *ChunkIndex                    { return &ChunkIndex{s: s} }
func (s *Store) Subscriptions() *SubscriptionRepository { return &SubscriptionRepository{s: s} }
func (s *Store) Matches() *MatchRepository              { return &MatchRepository{s: s} }
func (s *Store) Deliveries() *DeliveryRepository        { return &DeliveryRepository{s: s} }
func (s *Store) FailedJobs() *FailedJobRepository       { return &FailedJobRepository{s: s} }

type DocumentRepository struct{ s *Store }

func (r *DocumentRepository) ResolveVersion(_ context.Context, in domain.VersionInput) (domain.VersionDecision, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var active, prior *domain.Document
	maxVersion := 0
	for _, d := range s.documents {
		if d.Source != in.Source || d.ExternalID != in.ExternalID {
			continue
		}
		if d.Status == domain.DocumentActive {
			active = &d
		}
		if d.ContentHash == in.ContentHash {
			prior = &d
		}
		maxVersion = max(maxVersion, d.Version)
	}

	if active != nil && active.ContentHash == in.ContentHash {
		rev, ok := s.latestRevisionLocked(active.ID)
		if !ok {
			return domain.VersionDecision{}, domain.WrapError(domain.ErrNotFound, "latest revision", fmt.Errorf("document_id=%s", active.ID))
		}
		return domain.VersionDecision{Action: domain.IngestUnchanged, Document: *active, Revision: rev}, nil
	}

	if active != nil {
		active.Status = domain.DocumentSuperseded
		s.documents[active.ID] = *active
	}
	if prior != nil {
		prior.Status = domain.DocumentActive
		s.documents[prior.ID] = *prior
		rev, _ := s.latestRevisionLocked(prior.ID)
		return domain.VersionDecision{Action: domain.IngestNewVersion, Document: *prior, Revision: rev, Superseded: active}, nil
	}

	now := in.Now.UTC()
	doc := domain.Document{
		ID:          s.newID(),
		Source:      in.Source,
		ExternalID:  in.ExternalID,
		Title:       in.Title,
		ContentHash: in.ContentHash,
		Version:     maxVersion + 1,
		Status:      domain.DocumentActive,
		Metadata:    in.Metadata,
		Empty:       in.Empty,
		CreatedAt:   now,
	}
	rev := domain.IndexRevision{
		ID:           s.newID(),
		DocumentID:   doc.ID,
		RevisionHash: in.ContentHash,
		Status:       domain.RevisionPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.documents[doc.ID] = doc
	s.bodies[doc.ID] = domain.DocumentBody{DocumentID: doc.ID, Text: in.Text, Mime: in.Mime, Language: in.Language}
	s.revisions[rev.ID] = rev

	action := domain.IngestCreated
	if maxVersion > 0 {
		action = domain.IngestNewVersion
	}
	return domain.VersionDecision{Action: action, Document: doc, Revision: rev, Superseded: active}, nil
}

func (s *Store) latestRevisionLocked(documentID string) (domain.IndexRevision, bool) {
	var (
		out   domain.IndexRevision
		found bool
	)
	for _, rev := range s.revisions {
		if rev.DocumentID != documentID {
			continue
		}
		if !found || rev.CreatedAt.After(out.CreatedAt) || rev.CreatedAt.Equal(out.CreatedAt) && rev.ID > out.ID {
			out, found = rev, true
		}
	}
	return out, found
}

func (r *DocumentRepository) GetByID(_ context.Context, id string) (*domain.Document, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	doc, ok := r.s.documents[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	return &doc, nil
}

func (r *DocumentRepository) GetBody(_ context.Context, documentID string) (*domain.DocumentBody, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	body, ok := r.s.bodies[documentID]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document body", fmt.Errorf("document_id=%s", documentID))
	}
	return &body, nil
}

func (r *DocumentRepository) GetRevision(_ context.Context, id string) (*domain.IndexRevision, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rev, ok := r.s.revisions[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get revision", fmt.Errorf("id=%s", id))
	}
	return &rev, nil
}

func (r *DocumentRepository) LatestRevision(_ context.Context, documentID string) (*domain.IndexRevision, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rev, ok := r.s.latestRevisionLocked(documentID)
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "latest revision", fmt.Errorf("document_id=%s", documentID))
	}
	return &rev, nil
}

func (r *DocumentRepository) UpdateRevisionStatus(_ context.Context, id string, status domain.RevisionStatus, chunkCount int, errMessage string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rev, ok := r.s.revisions[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "update revision status", fmt.Errorf("id=%s", id))
	}
	if rev.Status == domain.RevisionSuccess && status != domain.RevisionSuccess {
		return domain.WrapError(domain.ErrInvalidTransition, "update revision status",
			fmt.Errorf("revision %s is success, cannot become %s", id, status))
	}
	rev.Status = status
	rev.ChunkCount = chunkCount
	rev.Error = errMessage
	rev.UpdatedAt = time.Now().UTC()
	r.s.revisions[id] = rev
	return nil
}

func (r *DocumentRepository) ListRevisions(_ context.Context, scope domain.RevisionScope) ([]domain.RevisionRef, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.RevisionRef
	for _, rev := range r.s.revisions {
		if rev.Status != domain.RevisionSuccess {
			continue
		}
		doc := r.s.documents[rev.DocumentID]
		if scope.Source != "" && doc.Source != scope.Source {
			continue
		}
		out = append(out, domain.RevisionRef{Revision: rev, Document: doc})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Document, out[j].Document
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.ExternalID != b.ExternalID {
			return a.ExternalID < b.ExternalID
		}
		return a.Version < b.Version
	})
	return out, nil
}

func (r *DocumentRepository) ListVersions(_ context.Context, source, externalID string) ([]domain.Document, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Document
	for _, d := range r.s.documents {
		if d.Source == source && d.ExternalID == externalID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

type ChunkIndex struct{ s *Store }

func (r *ChunkIndex) ReplaceChunks(_ context.Context, revision domain.IndexRevision, chunks []domain.Chunk) (int, error) {
	for _, c := range chunks {
		if len(c.Embedding) != r.s.dimension {
			return 0, domain.WrapError(domain.ErrDimensionMismatch, "replace chunks",
				fmt.Errorf("chunk %d has %d dims, store expects %d", c.ChunkIndex, len(c.Embedding), r.s.dimension))
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	seen := map[string]bool{}
	next := make([]domain.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if seen[c.ChunkHash] {
			continue
		}
		seen[c.ChunkHash] = true
		c.Metadata = maps.Clone(c.Metadata)
		c.Embedding = slices.Clone(c.Embedding)
		next = append(next, c)
	}
	r.s.chunks[revision.ID] = next
	return len(next), nil
}

func (r *ChunkIndex) Search(_ context.Context, q domain.SearchQuery) ([]domain.ScoredChunk, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if len(q.Embedding) != r.s.dimension {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "search chunks",
			fmt.Errorf("query has %d dims, store expects %d", len(q.Embedding), r.s.dimension))
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var candidates []domain.Chunk
	for revID, chunks := range r.s.chunks {
		rev := r.s.revisions[revID]
		if q.Filter.RevisionID == "" && rev.Status != domain.RevisionSuccess {
			continue
		}
		doc := r.s.documents[rev.DocumentID]
		if !q.Filter.Keyed() && !q.Filter.IncludeSuperseded && doc.Status != domain.DocumentActive {
			continue
		}
		if len(q.Filter.Sources) > 0 && !slices.Contains(q.Filter.Sources, doc.Source) {
			continue
		}
		for _, c := range chunks {
			if q.Filter.Matches(c) {
				candidates = append(candidates, c)
			}
		}
	}
	return domain.Rank(q, candidates), nil
}

func (r *ChunkIndex) ListChunks(_ context.Context, revisionID string) ([]domain.Chunk, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := slices.Clone(r.s.chunks[revisionID])
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}
