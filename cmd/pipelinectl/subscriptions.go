package main

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

type subscriptionFile struct {
	Subscriptions []subscriptionEntry `yaml:"subscriptions"`
}

// subscriptionEntry mirrors domain.Subscription; Active defaults to true.
type subscriptionEntry struct {
	ID       string                 `yaml:"id"`
	OwnerID  string                 `yaml:"owner_id"`
	Name     string                 `yaml:"name"`
	Criteria []domain.Criterion     `yaml:"criteria"`
	Channel  domain.DeliveryChannel `yaml:"channel"`
	Target   string                 `yaml:"target"`
	MinScore float64                `yaml:"min_score"`
	Active   *bool                  `yaml:"active"`
}

func parseSubscriptions(r io.Reader) ([]domain.Subscription, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file subscriptionFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "parse subscriptions", fmt.Errorf("file is empty"))
		}
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse subscriptions", err)
	}
	if len(file.Subscriptions) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse subscriptions", fmt.Errorf("no subscriptions defined"))
	}

	out := make([]domain.Subscription, 0, len(file.Subscriptions))
	var errs []error
	for i, e := range file.Subscriptions {
		sub := domain.Subscription{
			ID:       e.ID,
			OwnerID:  e.OwnerID,
			Name:     e.Name,
			Criteria: e.Criteria,
			Channel:  e.Channel,
			Target:   e.Target,
			MinScore: e.MinScore,
			Active:   e.Active == nil || *e.Active,
		}
		if err := sub.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("subscription %d (%s): %w", i, e.Name, err))
			continue
		}
		out = append(out, sub)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
