package resilience

import (
	"context"
	"errors"
	"net"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

var (
	// Transient failures are retried and count against the breaker.
	Transient = ErrorClassification{Retryable: true, RecordFailure: true}
	// Fatal failures count against the breaker but are returned at once.
	Fatal = ErrorClassification{Retryable: false, RecordFailure: true}
	// Rejected covers caller-side problems: bad input, cancellation.
	Rejected = ErrorClassification{}
)

// ClassifyCommon decides the cases every outbound client treats alike. ok is
// false when the client's own classifier has to look at the error.
func ClassifyCommon(err error) (class ErrorClassification, ok bool) {
	switch {
	case err == nil:
		return Rejected, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Rejected, true
	case IsCircuitOpen(err):
		return Transient, true
	case domain.IsKind(err, domain.ErrTemporary):
		return Transient, true
	case domain.IsKind(err, domain.ErrPermanent),
		domain.IsKind(err, domain.ErrInvalidInput),
		domain.IsKind(err, domain.ErrDimensionMismatch):
		return Rejected, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient, true
	}
	return ErrorClassification{}, false
}

// WrapTemporary tags retryable failures with domain.ErrTemporary so that use
// cases can tell an outage from a rejection.
func WrapTemporary(operation string, err error, classify ErrorClassifier) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classify == nil {
		classify = defaultClassifier
	}
	if classify(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

func defaultClassifier(err error) ErrorClassification {
	if class, ok := ClassifyCommon(err); ok {
		return class
	}
	return Fatal
}
