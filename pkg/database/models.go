package database

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a session or report does not exist.
var ErrNotFound = errors.New("not found")

// ErrSessionExists is returned when a session_id is already taken.
var ErrSessionExists = errors.New("session already exists")

// Session status constants
const (
	SessionStatusActive    = "active"    // planning, waiting for the user
	SessionStatusRunning   = "running"   // research pipeline in progress
	SessionStatusCompleted = "completed" // report produced
	SessionStatusFailed    = "failed"
	SessionStatusStopped   = "stopped"
)

// ResearchSession represents a research conversation in the database
type ResearchSession struct {
	ID           string          `json:"id" db:"id"`
	SessionID    string          `json:"session_id" db:"session_id"`
	Title        string          `json:"title" db:"title"`
	Status       string          `json:"status" db:"status"`
	ResearchPlan string          `json:"research_plan,omitempty" db:"research_plan"`
	State        json.RawMessage `json:"state,omitempty" db:"state"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	LastActivity *time.Time      `json:"last_activity,omitempty" db:"last_activity"`
}

// SessionSummary is a list view of a session
type SessionSummary struct {
	SessionID    string     `json:"session_id"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	TotalEvents  int        `json:"total_events"`
	HasReport    bool       `json:"has_report"`
}

// Event represents a stored event in the database
type Event struct {
	ID        string          `json:"id" db:"id"`
	SessionID string          `json:"session_id" db:"session_id"`
	EventType string          `json:"event_type" db:"event_type"`
	Component string          `json:"component" db:"component"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	EventData json.RawMessage `json:"event_data" db:"event_data"`
}

// Report is the final cited report of a session
type Report struct {
	SessionID   string          `json:"session_id" db:"session_id"`
	Markdown    string          `json:"markdown" db:"markdown"`
	RawMarkdown string          `json:"raw_markdown,omitempty" db:"raw_markdown"`
	Sources     json.RawMessage `json:"sources" db:"sources"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// CreateSessionRequest represents a request to create a new session
type CreateSessionRequest struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title,omitempty"`
}

// UpdateSessionRequest carries the fields to change; nil fields are kept.
type UpdateSessionRequest struct {
	Title        *string         `json:"title,omitempty"`
	Status       *string         `json:"status,omitempty"`
	ResearchPlan *string         `json:"research_plan,omitempty"`
	State        json.RawMessage `json:"state,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// EventQuery filters stored events.
type EventQuery struct {
	SessionID string `json:"session_id"`
	EventType string `json:"event_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}
