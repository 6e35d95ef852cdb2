package database

import (
	"context"

	"luxmap/pkg/events"
)

// Database stores research sessions, their event stream and final reports.
type Database interface {
	// Session management
	CreateSession(ctx context.Context, req *CreateSessionRequest) (*ResearchSession, error)
	GetSession(ctx context.Context, sessionID string) (*ResearchSession, error)
	UpdateSession(ctx context.Context, sessionID string, req *UpdateSessionRequest) (*ResearchSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, limit, offset int) ([]SessionSummary, int, error)

	// Event storage
	StoreEvent(ctx context.Context, event *events.AgentEvent) error
	GetEvents(ctx context.Context, query *EventQuery) ([]Event, error)

	// Reports
	SaveReport(ctx context.Context, report *Report) error
	GetReport(ctx context.Context, sessionID string) (*Report, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
