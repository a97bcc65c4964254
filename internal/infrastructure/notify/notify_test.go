package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/resilience"
)

func TestWebhookSendPostsNotification(t *testing.T) {
	var (
		got       domain.Notification
		eventKey  string
		attemptNo string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eventKey = r.Header.Get("X-Event-Key")
		attemptNo = r.Header.Get("X-Delivery-Attempt")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := NewWebhookNotifier(time.Second, nil)
	err := n.Send(context.Background(), server.URL, domain.Notification{
		EventKey: "ek-1", SubscriptionID: "sub-1", RevisionID: "rev-1", Score: 0.75, Attempt: 2,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.RevisionID != "rev-1" || got.Score != 0.75 {
		t.Fatalf("unexpected payload %+v", got)
	}
	if eventKey != "ek-1" || attemptNo != "2" {
		t.Fatalf("unexpected headers key=%q attempt=%q", eventKey, attemptNo)
	}
}

func TestWebhookStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusGone, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		err := NewWebhookNotifier(time.Second, nil).Send(context.Background(), server.URL, domain.Notification{})
		server.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := domain.IsKind(err, domain.ErrPermanent); got != tc.permanent {
			t.Fatalf("status %d: permanent = %v, want %v (%v)", tc.status, got, tc.permanent, err)
		}
		if !tc.permanent && !domain.IsKind(err, domain.ErrTemporary) {
			t.Fatalf("status %d: expected temporary, got %v", tc.status, err)
		}
	}
}

func TestWebhookRejectsNonHTTPTarget(t *testing.T) {
	err := NewWebhookNotifier(time.Second, nil).Send(context.Background(), "ftp://x", domain.Notification{})
	if !domain.IsKind(err, domain.ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", err)
	}
}

func TestWebhookBreakerIgnoresClientRejections(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:        1,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      time.Minute,
		BreakerHalfOpenMaxCalls: 1,
	})
	n := NewWebhookNotifier(time.Second, exec)
	for i := 0; i < 5; i++ {
		err := n.Send(context.Background(), server.URL, domain.Notification{})
		if resilience.IsCircuitOpen(err) {
			t.Fatalf("breaker opened on 4xx responses at call %d", i)
		}
	}
}

type fakePublisher struct {
	subject string
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, payload []byte) error {
	p.subject = subject
	p.payload = payload
	return p.err
}

func TestNATSNotifierPublishesUnderPrefix(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATSNotifier(pub, "docmatch.notify.")

	if err := n.Send(context.Background(), "team-a", domain.Notification{RevisionID: "rev-1"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if pub.subject != "docmatch.notify.team-a" {
		t.Fatalf("unexpected subject %q", pub.subject)
	}
	var got domain.Notification
	if err := json.Unmarshal(pub.payload, &got); err != nil || got.RevisionID != "rev-1" {
		t.Fatalf("unexpected payload %s (%v)", pub.payload, err)
	}
}

func TestNATSNotifierErrors(t *testing.T) {
	n := NewNATSNotifier(&fakePublisher{}, "p")
	if err := n.Send(context.Background(), "a.*", domain.Notification{}); !domain.IsKind(err, domain.ErrPermanent) {
		t.Fatalf("expected wildcard target to be permanent, got %v", err)
	}

	n = NewNATSNotifier(&fakePublisher{err: errors.New("connection closed")}, "p")
	if err := n.Send(context.Background(), "a", domain.Notification{}); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected publish failure to be temporary, got %v", err)
	}
}
