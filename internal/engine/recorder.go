package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/plturrell/procflow/internal/store"
	"github.com/plturrell/procflow/internal/streaming"
)

// Recorder fans execution events out to the run's append-only log and the
// streaming hub. Recording is best-effort: a store outage degrades the log but
// never interrupts a run in flight, which keeps store failures from being
// attributed to the run itself.
type Recorder struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewRecorder creates a Recorder. hub may be nil when streaming is disabled.
func NewRecorder(s store.Store, hub streaming.EventHub, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, hub: hub, logger: logger}
}

// Event appends a log entry for the run and publishes the event to the hub.
func (r *Recorder) Event(ctx context.Context, runID, stepID, eventType string, payload any) {
	var data json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			data = b
		}
	}

	entry := &store.LogEntry{
		RunID:   runID,
		Message: eventType,
		Data:    data,
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		r.logger.WarnContext(ctx, "append run log failed",
			slog.String("run_id", runID),
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}

	if r.hub != nil {
		_ = r.hub.Publish(ctx, streaming.RunEvent{
			RunID:     runID,
			StepID:    stepID,
			EventType: eventType,
			Payload:   payload,
		})
	}
}
