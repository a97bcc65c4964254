package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/docmatch-pipeline/internal/config"
	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
	"github.com/kirillkom/docmatch-pipeline/internal/observability/metrics"
)

const serviceName = "api"

// Services are the inbound ports the API exposes. Nil services answer 501.
type Services struct {
	Ingestor   ports.DocumentIngestor
	Uploader   ports.DocumentUploader
	Documents  ports.DocumentReader
	Search     ports.SearchService
	Deliveries ports.DeliveryService
	FailedJobs ports.FailedJobService
}

type Router struct {
	cfg     config.Config
	svc     Services
	metrics *metrics.HTTPServerMetrics
}

func NewRouter(cfg config.Config, svc Services, httpMetrics *metrics.HTTPServerMetrics) *Router {
	return &Router{cfg: cfg, svc: svc, metrics: httpMetrics}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/ingest", rt.ingestBatch)
	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("GET /v1/documents", rt.listVersions)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocumentByID)
	mux.HandleFunc("GET /v1/documents/{id}/chunks", rt.listChunks)
	mux.HandleFunc("POST /v1/search", rt.search)
	mux.HandleFunc("POST /v1/analyze", rt.analyze)
	mux.HandleFunc("GET /v1/failed-jobs", rt.listFailedJobs)
	mux.HandleFunc("POST /v1/failed-jobs/{id}/replay", rt.replayFailedJob)
	mux.HandleFunc("GET /v1/revisions/{id}/deliveries", rt.listDeliveries)

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIQueueWait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ingestBatchRequest struct {
	Documents []domain.IngestRequest `json:"documents"`
}

func (rt *Router) ingestBatch(w http.ResponseWriter, r *http.Request) {
	if rt.svc.Ingestor == nil {
		writeError(w, r, http.StatusNotImplemented, "ingest is not configured")
		return
	}
	var req ingestBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, r, http.StatusBadRequest, "documents are required")
		return
	}

	results := make([]domain.IngestResult, len(req.Documents))
	accepted := make([]domain.IngestRequest, 0, len(req.Documents))
	positions := make([]int, 0, len(req.Documents))
	for i, doc := range req.Documents {
		if !rt.sourceAllowed(doc.Source) {
			results[i] = domain.IngestResult{
				Source:     doc.Source,
				ExternalID: doc.ExternalID,
				Error:      "source is not allowed",
			}
			continue
		}
		accepted = append(accepted, doc)
		positions = append(positions, i)
	}
	for i, res := range rt.svc.Ingestor.IngestBatch(r.Context(), accepted) {
		results[positions[i]] = res
	}

	for _, res := range results {
		outcome := string(res.Action)
		if res.Error != "" {
			outcome = "failed"
		}
		rt.recordIngestOutcome(outcome)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (rt *Router) sourceAllowed(source string) bool {
	if len(rt.cfg.APIAllowedSources) == 0 {
		return true
	}
	return slices.Contains(rt.cfg.APIAllowedSources, strings.TrimSpace(source))
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if rt.svc.Uploader == nil {
		writeError(w, r, http.StatusNotImplemented, "upload is not configured")
		return
	}
	if rt.cfg.APIMaxUploadBytes > 0 {
		if r.ContentLength > rt.cfg.APIMaxUploadBytes {
			writeError(w, r, http.StatusRequestEntityTooLarge, "file is too large")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.APIMaxUploadBytes)
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "file is too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	source := r.FormValue("source")
	if !rt.sourceAllowed(source) {
		writeError(w, r, http.StatusForbidden, "source is not allowed")
		return
	}
	var meta domain.DocumentMetadata
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			writeError(w, r, http.StatusBadRequest, "metadata must be a json object")
			return
		}
	}
	mime := r.FormValue("mime")
	if mime == "" {
		mime = fileHeader.Header.Get("Content-Type")
	}

	job, err := rt.svc.Uploader.Upload(r.Context(), domain.UploadRequest{
		Source:     source,
		ExternalID: r.FormValue("external_id"),
		Title:      r.FormValue("title"),
		Filename:   fileHeader.Filename,
		Mime:       mime,
		Language:   r.FormValue("language"),
		Metadata:   meta,
	}, file)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	rt.recordIngestOutcome("queued")
	writeJSON(w, http.StatusAccepted, job)
}

func (rt *Router) getDocumentByID(w http.ResponseWriter, r *http.Request) {
	if rt.svc.Documents == nil {
		writeError(w, r, http.StatusNotImplemented, "documents are not configured")
		return
	}
	doc, err := rt.svc.Documents.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) listChunks(w http.ResponseWriter, r *http.Request) {
	if rt.svc.Documents == nil {
		writeError(w, r, http.StatusNotImplemented, "documents are not configured")
		return
	}
	chunks, err := rt.svc.Documents.ListChunks(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (rt *Router) listVersions(w http.ResponseWriter, r *http.Request) {
	if rt.svc.Documents == nil {
		writeError(w, r, http.StatusNotImplemented, "documents are not configured")
		return
	}
	q := r.URL.Query()
	docs, err := rt.svc.Documents.ListVersions(r.Context(), q.Get("source"), q.Get("external_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	if rt.svc.Search == nil {
		writeError(w, r, http.StatusNotImplemented, "search is not configured")
		return
	}
	var req domain.SearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start := time.Now()
	results, err := rt.svc.Search.Search(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordSearch(serviceName, "search", req.Boost != nil, len(results), time.Since(start))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (rt *Router) analyze(w http.ResponseWriter, r *http.Request) {
	if rt.svc.Search == nil {
		writeError(w, r, http.StatusNotImplemented, "search is not configured")
		return
	}
	var req domain.AnalysisRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, r, http.StatusBadRequest, "question is required")
		return
	}
	start := time.Now()
	analysis, err := rt.svc.Search.Analyze(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordSearch(serviceName, "analyze", req.Boost != nil, len(analysis.Sources), time.Since(start))
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (rt *Router) listFailedJobs(w http.ResponseWriter, r *http.Request) {
	if rt.svc.FailedJobs == nil {
		writeError(w, r, http.StatusNotImplemented, "failed job ledger is not configured")
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	jobs, err := rt.svc.FailedJobs.List(r.Context(), domain.FailedJobStatus(q.Get("status")), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed_jobs": jobs})
}

func (rt *Router) replayFailedJob(w http.ResponseWriter, r *http.Request) {
	if rt.svc.FailedJobs == nil {
		writeError(w, r, http.StatusNotImplemented, "failed job ledger is not configured")
		return
	}
	job, err := rt.svc.FailedJobs.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) listDeliveries(w http.ResponseWriter, r *http.Request) {
	if rt.svc.Deliveries == nil {
		writeError(w, r, http.StatusNotImplemented, "deliveries are not configured")
		return
	}
	rows, err := rt.svc.Deliveries.ListDeliveries(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": rows})
}

func (rt *Router) recordIngestOutcome(outcome string) {
	if rt.metrics != nil {
		rt.metrics.RecordIngestOutcome(serviceName, outcome)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestIDFromContext(r.Context()),
	})
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("http_handler_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, r, status, err.Error())
}
