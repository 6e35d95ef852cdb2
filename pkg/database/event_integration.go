package database

import (
	"context"
	"errors"

	"luxmap/internal/utils"
	"luxmap/pkg/events"
)

// EventDatabaseObserver persists agent events as they are emitted.
type EventDatabaseObserver struct {
	db     Database
	logger utils.ExtendedLogger
}

// NewEventDatabaseObserver creates a new database observer
func NewEventDatabaseObserver(db Database, logger utils.ExtendedLogger) *EventDatabaseObserver {
	return &EventDatabaseObserver{db: db, logger: logger}
}

// Emit implements events.Emitter. Storage failures are logged, never
// propagated into the agent run.
func (e *EventDatabaseObserver) Emit(ctx context.Context, event *events.AgentEvent) {
	if event == nil || event.SessionID == "" {
		return
	}
	// Persist even when the run's context is cancelled (stop requests).
	if err := e.db.StoreEvent(context.WithoutCancel(ctx), event); err != nil {
		if errors.Is(err, ErrNotFound) {
			e.logger.Debugf("Skipping event %s for unknown session %s", event.Type, event.SessionID)
			return
		}
		e.logger.Warnf("⚠️ Failed to store event %s: %v", event.Type, err)
	}
}
