package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"luxmap/internal/utils"
	"luxmap/pkg/events"
)

// SQLiteDB implements the Database interface using SQLite
type SQLiteDB struct {
	db     *sql.DB
	logger utils.ExtendedLogger
}

// NewSQLiteDB opens (creating when needed) the database at dbPath and applies
// pending migrations.
func NewSQLiteDB(dbPath string, logger utils.ExtendedLogger) (*SQLiteDB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps the pragmas in effect.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := NewMigrationRunner(db, logger).RunMigrations(migrationFiles); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infof("🗄️ SQLite database ready at %s", dbPath)
	return &SQLiteDB{db: db, logger: logger}, nil
}

const sessionColumns = `id, session_id, title, status, research_plan, state, created_at, completed_at, last_activity`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*ResearchSession, error) {
	var session ResearchSession
	var state string
	err := row.Scan(&session.ID, &session.SessionID, &session.Title, &session.Status, &session.ResearchPlan,
		&state, &session.CreatedAt, &session.CompletedAt, &session.LastActivity)
	if err != nil {
		return nil, err
	}
	session.State = json.RawMessage(state)
	return &session, nil
}

// CreateSession creates a new research session
func (s *SQLiteDB) CreateSession(ctx context.Context, req *CreateSessionRequest) (*ResearchSession, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("failed to create session: session_id is required")
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO research_sessions (id, session_id, title, status, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), req.SessionID, req.Title, SessionStatusActive, now, now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, fmt.Errorf("session %s: %w", req.SessionID, ErrSessionExists)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s.GetSession(ctx, req.SessionID)
}

// GetSession retrieves a session by session ID
func (s *SQLiteDB) GetSession(ctx context.Context, sessionID string) (*ResearchSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM research_sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// UpdateSession updates the non-nil fields of a session and touches last_activity
func (s *SQLiteDB) UpdateSession(ctx context.Context, sessionID string, req *UpdateSessionRequest) (*ResearchSession, error) {
	var state any
	if len(req.State) > 0 {
		state = string(req.State)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE research_sessions
		SET title = COALESCE(?, title),
		    status = COALESCE(?, status),
		    research_plan = COALESCE(?, research_plan),
		    state = COALESCE(?, state),
		    completed_at = COALESCE(?, completed_at),
		    last_activity = ?
		WHERE session_id = ?
	`, req.Title, req.Status, req.ResearchPlan, state, req.CompletedAt, time.Now().UTC(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return s.GetSession(ctx, sessionID)
}

// DeleteSession deletes a session together with its events and report
func (s *SQLiteDB) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM research_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// ListSessions returns sessions newest first with the total count
func (s *SQLiteDB) ListSessions(ctx context.Context, limit, offset int) ([]SessionSummary, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM research_sessions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rs.session_id, rs.title, rs.status, rs.created_at, rs.completed_at, rs.last_activity,
		       (SELECT COUNT(*) FROM events e WHERE e.session_id = rs.session_id) AS total_events,
		       EXISTS (SELECT 1 FROM reports r WHERE r.session_id = rs.session_id) AS has_report
		FROM research_sessions rs
		ORDER BY rs.created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	summaries := make([]SessionSummary, 0)
	for rows.Next() {
		var summary SessionSummary
		if err := rows.Scan(&summary.SessionID, &summary.Title, &summary.Status, &summary.CreatedAt,
			&summary.CompletedAt, &summary.LastActivity, &summary.TotalEvents, &summary.HasReport); err != nil {
			return nil, 0, fmt.Errorf("failed to scan session summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, total, rows.Err()
}

// StoreEvent stores an event for its session
func (s *SQLiteDB) StoreEvent(ctx context.Context, event *events.AgentEvent) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM research_sessions WHERE session_id = ?`, event.SessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", event.SessionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, event_type, component, timestamp, event_data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.ID, event.SessionID, string(event.Type), event.Component, event.Timestamp.UTC(), string(eventData))
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// GetEvents returns the events of a session in the order they were stored
func (s *SQLiteDB) GetEvents(ctx context.Context, query *EventQuery) ([]Event, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 1000
	}

	sqlQuery := `SELECT id, session_id, event_type, component, timestamp, event_data FROM events WHERE session_id = ?`
	args := []any{query.SessionID}
	if query.EventType != "" {
		sqlQuery += ` AND event_type = ?`
		args = append(args, query.EventType)
	}
	sqlQuery += ` ORDER BY seq ASC LIMIT ? OFFSET ?`
	args = append(args, limit, query.Offset)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	result := make([]Event, 0)
	for rows.Next() {
		var event Event
		var eventData string
		if err := rows.Scan(&event.ID, &event.SessionID, &event.EventType, &event.Component, &event.Timestamp, &eventData); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.EventData = json.RawMessage(eventData)
		result = append(result, event)
	}
	return result, rows.Err()
}

// SaveReport inserts or replaces the report of a session
func (s *SQLiteDB) SaveReport(ctx context.Context, report *Report) error {
	sources := string(report.Sources)
	if sources == "" {
		sources = "{}"
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (session_id, markdown, raw_markdown, sources, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			markdown = excluded.markdown,
			raw_markdown = excluded.raw_markdown,
			sources = excluded.sources,
			updated_at = excluded.updated_at
	`, report.SessionID, report.Markdown, report.RawMarkdown, sources, now, now)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// GetReport returns the report of a session
func (s *SQLiteDB) GetReport(ctx context.Context, sessionID string) (*Report, error) {
	var report Report
	var sources string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, markdown, raw_markdown, sources, created_at, updated_at
		FROM reports WHERE session_id = ?
	`, sessionID).Scan(&report.SessionID, &report.Markdown, &report.RawMarkdown, &sources, &report.CreatedAt, &report.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("report for session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	report.Sources = json.RawMessage(sources)
	return &report, nil
}

// Ping tests the database connection
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
