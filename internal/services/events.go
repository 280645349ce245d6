// Package services – events
//
// Best-effort publishing of pipeline events. Publish failures are logged and
// never change a run's outcome.
package services

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

// EventPublisher delivers pipeline events to downstream consumers.
// Delivery is best effort; failures never affect the run.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Event routing keys.
const (
	EventReviewAnalyzed = "review.analyzed"
	EventRunFinished    = "run.finished"
)

// ReviewAnalyzedEvent is published after a review's insight is stored.
type ReviewAnalyzedEvent struct {
	RunID      string `json:"run_id"`
	ReviewID   string `json:"review_id"`
	ResourceID string `json:"resource_id"`
	Sentiment  string `json:"sentiment"`
	Tags       int    `json:"tags"`
	Drafted    bool   `json:"drafted"`
}

func publish(ctx context.Context, p EventPublisher, key string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("event", key).Msg("encode event")
		return
	}
	if err := p.Publish(ctx, key, body); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("event", key).Msg("publish event failed")
	}
}
