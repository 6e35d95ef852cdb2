package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luxmap/pkg/agents"
	"luxmap/pkg/config"
	"luxmap/pkg/database"
	"luxmap/pkg/events"
	"luxmap/pkg/logger"
	"luxmap/pkg/research"
)

// travelAgent mimics the planner: any message proposes a plan, "go" writes
// a report, "block" waits for cancellation and "boom" fails.
type travelAgent struct{}

func (travelAgent) Name() string        { return research.PlannerName }
func (travelAgent) Description() string { return "test planner" }

func (travelAgent) Run(ctx context.Context, inv *agents.Invocation) error {
	state := inv.State()
	switch inv.UserContent {
	case "block":
		<-ctx.Done()
		return ctx.Err()
	case "boom":
		return errors.New("model unavailable")
	case "go":
		if state.GetString(research.StateResearchPlan) == "" {
			return research.ErrNoPlan
		}
		state.Apply(map[string]any{
			research.StateLastAction:          research.ActionExecute,
			research.StateFinalCitedReport:    `Louvre <cite source="src-1" />`,
			research.StateReportWithCitations: "Louvre [louvre.fr](https://louvre.fr)",
			research.StateSources: map[string]research.Source{
				"src-1": {ShortID: "src-1", Title: "louvre.fr", URL: "https://louvre.fr", Domain: "louvre.fr"},
			},
		})
		inv.Publish(ctx, &events.ReportReadyEvent{Length: 38})
		return nil
	default:
		plan := "* [RESEARCH] " + inv.UserContent
		state.Apply(map[string]any{
			research.StateLastAction:   research.ActionPlan,
			research.StateResearchPlan: plan,
		})
		inv.Publish(ctx, &events.PlanProposedEvent{Plan: plan})
		return nil
	}
}

func newTestAPI(t *testing.T, db database.Database) *ResearchAPI {
	t.Helper()
	if db == nil {
		sqlite, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "luxmap.db"), logger.CreateDiscardLogger())
		require.NoError(t, err)
		t.Cleanup(func() { sqlite.Close() })
		db = sqlite
	}
	api := NewResearchAPI(config.ServerConfiguration{Port: "0", CORSOrigins: []string{"*"}, MaxEvents: 100}, travelAgent{}, db, logger.CreateDiscardLogger())
	t.Cleanup(api.Shutdown)
	return api
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, nil)
	code, body := do(t, api.Router(), "GET", "/api/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["database"])
	assert.EqualValues(t, 0, body["running_turns"])
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t, nil)
	req := httptest.NewRequest("OPTIONS", "/api/sessions", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSessionPlanThenExecute(t *testing.T) {
	api := newTestAPI(t, nil)
	h := api.Router()

	code, created := do(t, h, "POST", "/api/sessions", CreateSessionRequest{SessionID: "paris", Title: "Paris in spring"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "paris", created["session_id"])
	assert.Equal(t, database.SessionStatusActive, created["status"])

	code, _ = do(t, h, "GET", "/api/sessions/paris/report", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, sent := do(t, h, "POST", "/api/sessions/paris/messages", SendMessageRequest{Message: "Paris in April"})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, database.SessionStatusRunning, sent["status"])
	api.Wait()

	code, session := do(t, h, "GET", "/api/sessions/paris", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, database.SessionStatusActive, session["status"])
	assert.Equal(t, "* [RESEARCH] Paris in April", session["research_plan"])
	assert.Equal(t, false, session["running"])

	code, _ = do(t, h, "POST", "/api/sessions/paris/messages", SendMessageRequest{Message: "go"})
	require.Equal(t, http.StatusAccepted, code)
	api.Wait()

	_, session = do(t, h, "GET", "/api/sessions/paris", nil)
	assert.Equal(t, database.SessionStatusCompleted, session["status"])
	assert.NotNil(t, session["completed_at"])

	code, report := do(t, h, "GET", "/api/sessions/paris/report", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Louvre [louvre.fr](https://louvre.fr)", report["markdown"])
	assert.Equal(t, `Louvre <cite source="src-1" />`, report["raw_markdown"])
	sources, ok := report["sources"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, sources, "src-1")

	code, list := do(t, h, "GET", "/api/sessions?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, list["total"])

	code, stored := do(t, h, "GET", "/api/sessions/paris/events?type=session_end", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, stored["total"])

	_, stored = do(t, h, "GET", "/api/sessions/paris/events", nil)
	var types []string
	for _, e := range stored["events"].([]interface{}) {
		types = append(types, e.(map[string]interface{})["event_type"].(string))
	}
	assert.Contains(t, types, string(events.SessionStart))
	assert.Contains(t, types, string(events.UserMessage))
	assert.Contains(t, types, string(events.PlanProposed))
	assert.Contains(t, types, string(events.ReportReady))

	code, _ = do(t, h, "DELETE", "/api/sessions/paris", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, "GET", "/api/sessions/paris", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateSessionGeneratesID(t *testing.T) {
	api := newTestAPI(t, nil)
	code, created := do(t, api.Router(), "POST", "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, created["session_id"])
}

func TestSendMessageErrors(t *testing.T) {
	api := newTestAPI(t, nil)
	h := api.Router()

	code, _ := do(t, h, "POST", "/api/sessions/missing/messages", SendMessageRequest{Message: "hi"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, h, "POST", "/api/sessions", CreateSessionRequest{SessionID: "s1"})
	require.Equal(t, http.StatusCreated, code)

	code, body := do(t, h, "POST", "/api/sessions/s1/messages", SendMessageRequest{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "Message")

	code, body = do(t, h, "POST", "/api/sessions", CreateSessionRequest{SessionID: "s1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "already exists")
}

func TestStopRunningTurn(t *testing.T) {
	api := newTestAPI(t, nil)
	h := api.Router()

	code, _ := do(t, h, "POST", "/api/sessions", CreateSessionRequest{SessionID: "s1"})
	require.Equal(t, http.StatusCreated, code)

	code, _ = do(t, h, "POST", "/api/sessions/s1/messages", SendMessageRequest{Message: "block"})
	require.Equal(t, http.StatusAccepted, code)

	code, _ = do(t, h, "POST", "/api/sessions/s1/messages", SendMessageRequest{Message: "again"})
	assert.Equal(t, http.StatusConflict, code)

	_, session := do(t, h, "GET", "/api/sessions/s1", nil)
	assert.Equal(t, true, session["running"])
	assert.Equal(t, database.SessionStatusRunning, session["status"])

	code, stopped := do(t, h, "POST", "/api/sessions/s1/stop", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, stopped["stopped"])
	api.Wait()

	_, session = do(t, h, "GET", "/api/sessions/s1", nil)
	assert.Equal(t, database.SessionStatusStopped, session["status"])
	assert.Equal(t, false, session["running"])

	_, stopped = do(t, h, "POST", "/api/sessions/s1/stop", nil)
	assert.Equal(t, false, stopped["stopped"])
}

func TestFailedTurn(t *testing.T) {
	api := newTestAPI(t, nil)
	h := api.Router()

	do(t, h, "POST", "/api/sessions", CreateSessionRequest{SessionID: "s1"})
	code, _ := do(t, h, "POST", "/api/sessions/s1/messages", SendMessageRequest{Message: "boom"})
	require.Equal(t, http.StatusAccepted, code)
	api.Wait()

	_, session := do(t, h, "GET", "/api/sessions/s1", nil)
	assert.Equal(t, database.SessionStatusFailed, session["status"])

	_, stored := do(t, h, "GET", "/api/sessions/s1/events?type=session_end", nil)
	require.EqualValues(t, 1, stored["total"])
	end := stored["events"].([]interface{})[0].(map[string]interface{})
	data := end["event_data"].(map[string]interface{})
	assert.Contains(t, data["data"].(map[string]interface{})["error"], "model unavailable")
}

func TestSessionStateSurvivesRestart(t *testing.T) {
	db, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "luxmap.db"), logger.CreateDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	first := newTestAPI(t, db)
	do(t, first.Router(), "POST", "/api/sessions", CreateSessionRequest{SessionID: "rome"})
	do(t, first.Router(), "POST", "/api/sessions/rome/messages", SendMessageRequest{Message: "Rome for a weekend"})
	first.Wait()

	second := newTestAPI(t, db)
	code, _ := do(t, second.Router(), "POST", "/api/sessions/rome/messages", SendMessageRequest{Message: "go"})
	require.Equal(t, http.StatusAccepted, code)
	second.Wait()

	_, session := do(t, second.Router(), "GET", "/api/sessions/rome", nil)
	assert.Equal(t, database.SessionStatusCompleted, session["status"])
}

func TestObserverPolling(t *testing.T) {
	api := newTestAPI(t, nil)
	h := api.Router()

	code, _ := do(t, h, "POST", "/api/observer/register", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	do(t, h, "POST", "/api/sessions", CreateSessionRequest{SessionID: "s1"})
	code, reg := do(t, h, "POST", "/api/observer/register", RegisterObserverRequest{SessionID: "s1"})
	require.Equal(t, http.StatusOK, code)
	observerID := reg["observer_id"].(string)
	require.NotEmpty(t, observerID)

	code, polled := do(t, h, "GET", "/api/observer/"+observerID+"/events", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, polled["has_more"])
	assert.Empty(t, polled["events"])

	do(t, h, "POST", "/api/sessions/s1/messages", SendMessageRequest{Message: "Lisbon"})
	api.Wait()

	_, polled = do(t, h, "GET", "/api/observer/"+observerID+"/events", nil)
	evts := polled["events"].([]interface{})
	require.NotEmpty(t, evts)
	assert.Equal(t, true, polled["has_more"])
	first := evts[0].(map[string]interface{})
	assert.EqualValues(t, 0, first["index"])
	assert.Equal(t, string(events.UserMessage), first["type"])
	last := evts[len(evts)-1].(map[string]interface{})
	assert.Equal(t, string(events.SessionEnd), last["type"])
	assert.EqualValues(t, len(evts)-1, polled["last_event_index"])

	code, polled = do(t, h, "GET", "/api/observer/"+observerID+"/events?since=1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, polled["events"], len(evts)-2)

	code, _ = do(t, h, "GET", "/api/observer/"+observerID+"/events?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, status := do(t, h, "GET", "/api/observer/"+observerID+"/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, len(evts), status["total_events"])
	assert.Equal(t, "s1", status["session_id"])

	code, _ = do(t, h, "DELETE", "/api/observer/"+observerID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, "GET", "/api/observer/"+observerID+"/events", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestObserverPollingFromReturnedIndex(t *testing.T) {
	api := newTestAPI(t, nil)
	h := api.Router()

	do(t, h, "POST", "/api/sessions", CreateSessionRequest{SessionID: "s1"})
	_, reg := do(t, h, "POST", "/api/observer/register", RegisterObserverRequest{SessionID: "s1"})
	observerID := reg["observer_id"].(string)

	_, polled := do(t, h, "GET", "/api/observer/"+observerID+"/events", nil)
	assert.EqualValues(t, -1, polled["last_event_index"])

	do(t, h, "POST", "/api/sessions/s1/messages", SendMessageRequest{Message: "Seville"})
	api.Wait()

	since := strconv.Itoa(int(polled["last_event_index"].(float64)))
	code, polled := do(t, h, "GET", "/api/observer/"+observerID+"/events?since="+since, nil)
	require.Equal(t, http.StatusOK, code)
	evts := polled["events"].([]interface{})
	require.NotEmpty(t, evts)
	first := evts[0].(map[string]interface{})
	assert.EqualValues(t, 0, first["index"])
	assert.Equal(t, string(events.UserMessage), first["type"])
}
