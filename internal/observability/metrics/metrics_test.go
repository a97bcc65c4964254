package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestHTTPMiddlewareNormalizesPaths(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	h := m.Middleware("api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/documents/abc/chunks", nil))
	m.RecordSearch("api", "search", true, 3, 10*time.Millisecond)

	out := scrape(t, m.Handler())
	if !strings.Contains(out, `path="/v1/documents/{document_id}/chunks"`) || !strings.Contains(out, `status="404"`) {
		t.Fatalf("missing normalized request metric:\n%s", out)
	}
	if !strings.Contains(out, `docmatch_search_requests_total{boosted="true",endpoint="search",service="api"} 1`) {
		t.Fatalf("missing search metric:\n%s", out)
	}
}

func TestWorkerMetricsRecordsPipelineOutcomes(t *testing.T) {
	m := NewWorkerMetrics("worker")
	m.StartJob()
	m.FinishJob("worker", domain.JobIngestJob, time.Second, io.EOF)
	m.RecordIngest("worker", domain.IngestResult{Action: domain.IngestCreated, Indexed: true, ChunkCount: 4})
	m.RecordDispatch("worker", domain.DispatchReport{Delivered: 2, Permanent: 1})

	out := scrape(t, m.Handler())
	for _, want := range []string{
		`docmatch_ledger_failed_jobs_total{job="ingest_job",service="worker"} 1`,
		`docmatch_ingest_actions_total{action="created",service="worker"} 1`,
		`docmatch_index_chunks_total{service="worker"} 4`,
		`docmatch_delivery_transitions_total{service="worker",status="delivered"} 2`,
		`docmatch_delivery_transitions_total{service="worker",status="failed_permanent"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in:\n%s", want, out)
		}
	}
}
