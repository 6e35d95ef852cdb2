package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"luxmap/pkg/agents"
	"luxmap/pkg/database"
	unifiedevents "luxmap/pkg/events"
	"luxmap/pkg/research"
)

// CreateSessionRequest creates a research session.
type CreateSessionRequest struct {
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=128"`
	Title     string `json:"title,omitempty" validate:"max=200"`
}

// SendMessageRequest is one user turn.
type SendMessageRequest struct {
	Message string `json:"message" validate:"required,max=20000"`
}

// SessionResponse is a stored session plus its live run state.
type SessionResponse struct {
	*database.ResearchSession
	Running bool `json:"running"`
}

// decodeBody decodes and validates a JSON body. An empty body is allowed
// when allowEmpty is set.
func (api *ResearchAPI) decodeBody(r *http.Request, v interface{}, allowEmpty bool) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return err
		}
	}
	return api.validate.Struct(v)
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func (api *ResearchAPI) isRunning(sessionID string) bool {
	api.cancelMux.Lock()
	defer api.cancelMux.Unlock()
	_, ok := api.cancelFuncs[sessionID]
	return ok
}

func (api *ResearchAPI) publish(ctx context.Context, sessionID string, data unifiedevents.EventData) {
	api.emitter.Emit(ctx, unifiedevents.NewAgentEvent(sessionID, data))
}

func (api *ResearchAPI) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := api.decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	session, err := api.db.CreateSession(r.Context(), &database.CreateSessionRequest{SessionID: req.SessionID, Title: req.Title})
	if errors.Is(err, database.ErrSessionExists) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	api.publish(r.Context(), session.SessionID, &unifiedevents.SessionStartEvent{Title: session.Title})
	api.logger.Infof("🆕 Created research session %s", session.SessionID)
	writeJSON(w, http.StatusCreated, SessionResponse{ResearchSession: session})
}

func (api *ResearchAPI) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	sessions, total, err := api.db.ListSessions(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// getSession loads the stored session or writes the error response.
func (api *ResearchAPI) getSession(w http.ResponseWriter, r *http.Request) (*database.ResearchSession, bool) {
	sessionID := mux.Vars(r)["session_id"]
	session, err := api.db.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return session, true
}

func (api *ResearchAPI) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := api.getSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{ResearchSession: session, Running: api.isRunning(session.SessionID)})
}

func (api *ResearchAPI) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	api.cancelTurn(sessionID)

	if err := api.db.DeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	api.sessionMux.Lock()
	delete(api.sessions, sessionID)
	api.sessionMux.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted successfully"})
}

func (api *ResearchAPI) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	record, ok := api.getSession(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := api.decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	session, err := api.liveSession(record)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	api.cancelMux.Lock()
	if _, busy := api.cancelFuncs[record.SessionID]; busy {
		api.cancelMux.Unlock()
		cancel()
		writeError(w, http.StatusConflict, "A turn is already running for this session")
		return
	}
	api.cancelFuncs[record.SessionID] = cancel
	api.running.Add(1)
	api.cancelMux.Unlock()

	status := database.SessionStatusRunning
	if _, err := api.db.UpdateSession(r.Context(), record.SessionID, &database.UpdateSessionRequest{Status: &status}); err != nil {
		api.logger.Warnf("⚠️ Failed to mark session %s running: %v", record.SessionID, err)
	}

	go api.runTurn(ctx, session, req.Message)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": record.SessionID,
		"status":     status,
	})
}

func (api *ResearchAPI) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	stopped := api.cancelTurn(sessionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"stopped":    stopped,
	})
}

func (api *ResearchAPI) handleGetReport(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	report, err := api.db.GetReport(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Report not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (api *ResearchAPI) handleGetSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	stored, err := api.db.GetEvents(r.Context(), &database.EventQuery{
		SessionID: sessionID,
		EventType: r.URL.Query().Get("type"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": stored,
		"total":  len(stored),
		"limit":  limit,
		"offset": offset,
	})
}

// liveSession returns the in-memory session, restoring its state from the
// database after a restart.
func (api *ResearchAPI) liveSession(record *database.ResearchSession) (*agents.Session, error) {
	api.sessionMux.Lock()
	defer api.sessionMux.Unlock()

	if session, ok := api.sessions[record.SessionID]; ok {
		return session, nil
	}

	session := agents.NewSession(record.SessionID)
	if len(record.State) > 0 {
		if err := session.State.UnmarshalJSON(record.State); err != nil {
			return nil, err
		}
	}
	api.sessions[record.SessionID] = session
	return session, nil
}

// cancelTurn cancels the running turn of a session, if any.
func (api *ResearchAPI) cancelTurn(sessionID string) bool {
	api.cancelMux.Lock()
	defer api.cancelMux.Unlock()
	cancel, ok := api.cancelFuncs[sessionID]
	if ok {
		cancel()
		api.logger.Infof("⏹️ Cancelled running turn of session %s", sessionID)
	}
	return ok
}

func (api *ResearchAPI) runTurn(ctx context.Context, session *agents.Session, message string) {
	defer api.running.Done()
	defer func() {
		api.cancelMux.Lock()
		if cancel, ok := api.cancelFuncs[session.ID]; ok {
			cancel()
			delete(api.cancelFuncs, session.ID)
		}
		api.cancelMux.Unlock()
	}()

	start := time.Now()
	runner := agents.NewRunner(api.agent, api.emitter, api.logger)
	_, err := runner.Run(ctx, session, message)

	persistCtx := context.WithoutCancel(ctx)
	status := api.persistTurn(persistCtx, session, err)

	end := &unifiedevents.SessionEndEvent{Status: status}
	if err != nil {
		end.Error = err.Error()
		api.logger.Errorf("❌ Turn of session %s ended with %s after %v: %v", session.ID, status, time.Since(start), err)
	} else {
		api.logger.Infof("✅ Turn of session %s ended with %s after %v", session.ID, status, time.Since(start))
	}
	api.publish(persistCtx, session.ID, end)
}

// persistTurn stores the session state, plan and report and returns the new
// session status.
func (api *ResearchAPI) persistTurn(ctx context.Context, session *agents.Session, runErr error) string {
	turn := research.LastTurn(session.State)

	status := database.SessionStatusActive
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		status = database.SessionStatusStopped
	case runErr != nil:
		status = database.SessionStatusFailed
	case turn.Action == research.ActionExecute && turn.Report != "":
		status = database.SessionStatusCompleted
	}

	update := &database.UpdateSessionRequest{Status: &status}
	if turn.Plan != "" {
		update.ResearchPlan = &turn.Plan
	}
	if state, err := json.Marshal(session.State); err == nil {
		update.State = state
	} else {
		api.logger.Warnf("⚠️ Failed to encode state of session %s: %v", session.ID, err)
	}

	if status == database.SessionStatusCompleted {
		now := time.Now().UTC()
		update.CompletedAt = &now

		sources, err := research.SourcesFromState(session.State)
		if err != nil {
			api.logger.Warnf("⚠️ Failed to read sources of session %s: %v", session.ID, err)
		}
		rawSources, _ := json.Marshal(sources)
		report := &database.Report{
			SessionID:   session.ID,
			Markdown:    turn.Report,
			RawMarkdown: session.State.GetString(research.StateFinalCitedReport),
			Sources:     rawSources,
		}
		if err := api.db.SaveReport(ctx, report); err != nil {
			api.logger.Errorf("❌ Failed to save report of session %s: %v", session.ID, err)
		}
	}

	if _, err := api.db.UpdateSession(ctx, session.ID, update); err != nil {
		api.logger.Warnf("⚠️ Failed to persist session %s: %v", session.ID, err)
	}
	return status
}
