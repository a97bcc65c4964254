package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/infrastructure/resilience"
)

// StatusError is a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("webhook status: %s", e.Status)
	}
	return fmt.Sprintf("webhook status: %s: %s", e.Status, strings.TrimSpace(e.Body))
}

type WebhookNotifier struct {
	httpClient *http.Client
	executor   *resilience.Executor
}

func NewWebhookNotifier(timeout time.Duration, executor *resilience.Executor) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}
}

func (n *WebhookNotifier) Channel() domain.DeliveryChannel {
	return domain.ChannelWebhook
}

func (n *WebhookNotifier) Send(ctx context.Context, target string, msg domain.Notification) error {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return domain.WrapError(domain.ErrPermanent, "webhook send", fmt.Errorf("invalid target %q", target))
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return domain.WrapError(domain.ErrPermanent, "webhook send", fmt.Errorf("marshal notification: %w", err))
	}

	call := func(ctx context.Context) error {
		return n.post(ctx, target, body, msg)
	}
	if n.executor != nil {
		// Retries belong to the delivery loop; the classifier never retries.
		err = n.executor.Execute(ctx, "webhook.send", call, classifyWebhookError)
	} else {
		err = call(ctx)
	}
	return wrapWebhookError(err)
}

func (n *WebhookNotifier) post(ctx context.Context, target string, body []byte, msg domain.Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Key", msg.EventKey)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(msg.Attempt))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(respBody)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 300 && code < 500
}

func classifyWebhookError(err error) resilience.ErrorClassification {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && isPermanentStatus(statusErr.StatusCode) {
		// 4xx does not count against the breaker.
		return resilience.Rejected
	}
	if class, ok := resilience.ClassifyCommon(err); ok {
		class.Retryable = false
		return class
	}
	return resilience.Fatal
}

func wrapWebhookError(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && isPermanentStatus(statusErr.StatusCode) {
		return domain.WrapError(domain.ErrPermanent, "webhook send", err)
	}
	if domain.IsKind(err, domain.ErrPermanent) {
		return err
	}
	return domain.WrapError(domain.ErrTemporary, "webhook send", err)
}
