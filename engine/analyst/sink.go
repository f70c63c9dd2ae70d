package analyst

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/sentinelai/sentinel/engine/checkpoint"
	"github.com/sentinelai/sentinel/engine/domain"
	"github.com/sentinelai/sentinel/pkg/natsutil"
)

// AlertSubject carries emitted alerts for downstream consumers.
const AlertSubject = "engine.alerts"

// FeedSink persists alerts to the checkpoint store and publishes them on
// NATS. Persistence is the source of truth; a publish failure is logged and
// the alert stays readable from the feed.
type FeedSink struct {
	store *checkpoint.Store
	nc    *nats.Conn
	log   *slog.Logger
}

// NewFeedSink creates a FeedSink. nc may be nil for feed-only operation.
func NewFeedSink(store *checkpoint.Store, nc *nats.Conn, log *slog.Logger) *FeedSink {
	if log == nil {
		log = slog.Default()
	}
	return &FeedSink{store: store, nc: nc, log: log}
}

// Emit records the alert, then broadcasts it.
func (s *FeedSink) Emit(ctx context.Context, alert domain.Alert) error {
	if err := s.store.AppendAlert(ctx, alert); err != nil {
		return err
	}
	if s.nc != nil {
		if err := natsutil.Publish(ctx, s.nc, AlertSubject, alert); err != nil {
			s.log.Warn("alert publish failed", "alert_id", alert.ID, "error", err)
		}
	}
	return nil
}
