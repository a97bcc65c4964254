package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

// Publisher is the slice of the NATS queue the channel needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// NATSNotifier publishes notifications to <prefix>.<target>.
type NATSNotifier struct {
	publisher Publisher
	prefix    string
}

func NewNATSNotifier(publisher Publisher, prefix string) *NATSNotifier {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "docmatch.notify"
	}
	return &NATSNotifier{publisher: publisher, prefix: prefix}
}

func (n *NATSNotifier) Channel() domain.DeliveryChannel {
	return domain.ChannelNATS
}

func (n *NATSNotifier) Send(ctx context.Context, target string, msg domain.Notification) error {
	subject, err := n.subject(target)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return domain.WrapError(domain.ErrPermanent, "nats notify", fmt.Errorf("marshal notification: %w", err))
	}
	if err := n.publisher.Publish(ctx, subject, payload); err != nil {
		if domain.IsKind(err, domain.ErrTemporary) {
			return err
		}
		return domain.WrapError(domain.ErrTemporary, "nats notify", err)
	}
	return nil
}

func (n *NATSNotifier) subject(target string) (string, error) {
	target = strings.Trim(strings.TrimSpace(target), ".")
	if target == "" || strings.ContainsAny(target, " \t*>") {
		return "", domain.WrapError(domain.ErrPermanent, "nats notify", fmt.Errorf("invalid subject target %q", target))
	}
	return n.prefix + "." + target, nil
}
