package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending         DeliveryStatus = "pending"
	DeliveryAttempted       DeliveryStatus = "attempted"
	DeliveryDelivered       DeliveryStatus = "delivered"
	DeliveryFailed          DeliveryStatus = "failed"
	DeliveryFailedPermanent DeliveryStatus = "failed_permanent"
)

func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailedPermanent
}

type StatusTransition struct {
	From    DeliveryStatus `json:"from"`
	To      DeliveryStatus `json:"to"`
	Attempt int            `json:"attempt"`
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

type DeliveryLog struct {
	ID             string             `json:"id"`
	EventKey       string             `json:"event_key"`
	SubscriptionID string             `json:"subscription_id"`
	RevisionID     string             `json:"revision_id"`
	Channel        DeliveryChannel    `json:"channel"`
	Target         string             `json:"target"`
	Status         DeliveryStatus     `json:"delivery_status"`
	AttemptCount   int                `json:"attempt_count"`
	MaxAttempts    int                `json:"max_attempts"`
	NextRetryAt    *time.Time         `json:"next_retry_at,omitempty"`
	ErrorMessage   string             `json:"error_message,omitempty"`
	Payload        json.RawMessage    `json:"payload"`
	StatusHistory  []StatusTransition `json:"status_history"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Notification is the message handed to a delivery channel.
type Notification struct {
	EventKey       string          `json:"event_key"`
	SubscriptionID string          `json:"subscription_id"`
	RevisionID     string          `json:"revision_id"`
	DocumentID     string          `json:"document_id"`
	Title          string          `json:"title,omitempty"`
	Source         string          `json:"source"`
	ExternalID     string          `json:"external_id"`
	Score          float64         `json:"score"`
	Explanation    string          `json:"explanation"`
	Evidence       []MatchEvidence `json:"evidence,omitempty"`
	Attempt        int             `json:"attempt"`
}

// EventKey is the dedup key for one (subscription, revision) pairing.
func EventKey(subscriptionID, revisionID string) string {
	sum := sha256.Sum256([]byte(subscriptionID + "\x00" + revisionID))
	return hex.EncodeToString(sum[:])
}

func NewDeliveryLog(id string, sub Subscription, payload Notification, maxAttempts int, now time.Time) (DeliveryLog, error) {
	if maxAttempts <= 0 {
		return DeliveryLog{}, WrapError(ErrInvalidInput, "new delivery", fmt.Errorf("max_attempts must be > 0"))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return DeliveryLog{}, fmt.Errorf("marshal notification payload: %w", err)
	}
	return DeliveryLog{
		ID:             id,
		EventKey:       EventKey(sub.ID, payload.RevisionID),
		SubscriptionID: sub.ID,
		RevisionID:     payload.RevisionID,
		Channel:        sub.Channel,
		Target:         sub.Target,
		Status:         DeliveryPending,
		MaxAttempts:    maxAttempts,
		Payload:        raw,
		StatusHistory: []StatusTransition{{
			From: "", To: DeliveryPending, At: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Due reports whether the dispatcher may claim the row at now.
func (d DeliveryLog) Due(now time.Time) bool {
	if d.AttemptCount >= d.MaxAttempts {
		return false
	}
	switch d.Status {
	case DeliveryPending:
		return true
	case DeliveryFailed:
		return d.NextRetryAt == nil || !d.NextRetryAt.After(now)
	default:
		return false
	}
}

// BeginAttempt moves a due row to attempted and counts the attempt.
func (d *DeliveryLog) BeginAttempt(now time.Time) (StatusTransition, error) {
	if !d.Due(now) {
		return StatusTransition{}, WrapError(ErrInvalidTransition, "begin attempt",
			fmt.Errorf("delivery %s is %s with %d/%d attempts", d.ID, d.Status, d.AttemptCount, d.MaxAttempts))
	}
	d.AttemptCount++
	d.NextRetryAt = nil
	return d.transition(DeliveryAttempted, "", now), nil
}

func (d *DeliveryLog) MarkDelivered(now time.Time) (StatusTransition, error) {
	if d.Status != DeliveryAttempted {
		return StatusTransition{}, WrapError(ErrInvalidTransition, "mark delivered",
			fmt.Errorf("delivery %s is %s", d.ID, d.Status))
	}
	d.ErrorMessage = ""
	return d.transition(DeliveryDelivered, "", now), nil
}

// MarkFailed records a failed attempt. Retryable failures stay in failed with a
// next retry time until attempts run out; everything else is permanent.
func (d *DeliveryLog) MarkFailed(cause error, retryable bool, backoff time.Duration, now time.Time) (StatusTransition, error) {
	if d.Status != DeliveryAttempted {
		return StatusTransition{}, WrapError(ErrInvalidTransition, "mark failed",
			fmt.Errorf("delivery %s is %s", d.ID, d.Status))
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	d.ErrorMessage = msg
	if !retryable || d.AttemptCount >= d.MaxAttempts {
		d.NextRetryAt = nil
		return d.transition(DeliveryFailedPermanent, msg, now), nil
	}
	next := now.Add(backoff)
	d.NextRetryAt = &next
	return d.transition(DeliveryFailed, msg, now), nil
}

func (d *DeliveryLog) transition(to DeliveryStatus, errMsg string, now time.Time) StatusTransition {
	t := StatusTransition{
		From:    d.Status,
		To:      to,
		Attempt: d.AttemptCount,
		Error:   errMsg,
		At:      now,
	}
	d.Status = to
	d.UpdatedAt = now
	d.StatusHistory = append(d.StatusHistory, t)
	return t
}

func (d DeliveryLog) Notification() (Notification, error) {
	var n Notification
	if err := json.Unmarshal(d.Payload, &n); err != nil {
		return Notification{}, fmt.Errorf("decode delivery payload: %w", err)
	}
	n.Attempt = d.AttemptCount
	return n, nil
}

type NotifyReport struct {
	RevisionID string `json:"revision_id"`
	Matches    int    `json:"matches"`
	Created    int    `json:"created"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
}

type DispatchReport struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retrying  int `json:"retrying"`
	Permanent int `json:"permanent"`
	Recovered int `json:"recovered"`
}

func (r *DispatchReport) Add(o DispatchReport) {
	r.Claimed += o.Claimed
	r.Delivered += o.Delivered
	r.Retrying += o.Retrying
	r.Permanent += o.Permanent
	r.Recovered += o.Recovered
}
