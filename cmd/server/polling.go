package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"luxmap/internal/events"
)

// --- POLLING API TYPES ---

// RegisterObserverRequest represents a request to register a new observer
type RegisterObserverRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// RegisterObserverResponse represents the response for observer registration
type RegisterObserverResponse struct {
	ObserverID string `json:"observer_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// GetEventsResponse represents the response for event polling
type GetEventsResponse struct {
	Events         []events.Event `json:"events"`
	LastEventIndex int            `json:"last_event_index"`
	HasMore        bool           `json:"has_more"`
	ObserverID     string         `json:"observer_id"`
}

// ObserverStatusResponse represents the response for observer status
type ObserverStatusResponse struct {
	ObserverID   string    `json:"observer_id"`
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	TotalEvents  int       `json:"total_events"`
}

// --- POLLING API HANDLERS ---

// handleRegisterObserver handles observer registration
func (api *ResearchAPI) handleRegisterObserver(w http.ResponseWriter, r *http.Request) {
	var req RegisterObserverRequest
	if err := api.decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	observer := api.observerManager.RegisterObserver(req.SessionID)

	writeJSON(w, http.StatusOK, RegisterObserverResponse{
		ObserverID: observer.ID,
		Status:     "created",
		Message:    "Observer registered successfully",
	})
}

// handleGetEvents returns the events after ?since=<index>. Without since the
// observer reads from its first event.
func (api *ResearchAPI) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	observerID := mux.Vars(r)["observer_id"]

	sinceIndex := -1
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		since, err := strconv.Atoi(sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		sinceIndex = since
	}

	// Touch the observer so it survives cleanup
	if _, ok := api.observerManager.GetObserver(observerID); !ok {
		writeError(w, http.StatusNotFound, "Observer not found")
		return
	}

	evts, lastIndex, exists := api.eventStore.GetEvents(observerID, sinceIndex)
	if !exists {
		writeError(w, http.StatusNotFound, "Observer not found")
		return
	}

	writeJSON(w, http.StatusOK, GetEventsResponse{
		Events:         evts,
		LastEventIndex: lastIndex,
		HasMore:        len(evts) > 0,
		ObserverID:     observerID,
	})
}

// handleGetObserverStatus handles observer status requests
func (api *ResearchAPI) handleGetObserverStatus(w http.ResponseWriter, r *http.Request) {
	observerID := mux.Vars(r)["observer_id"]

	observer, exists := api.observerManager.GetObserver(observerID)
	if !exists {
		writeError(w, http.StatusNotFound, "Observer not found")
		return
	}

	totalEvents, _ := api.eventStore.GetObserverStatus(observerID)

	writeJSON(w, http.StatusOK, ObserverStatusResponse{
		ObserverID:   observer.ID,
		SessionID:    observer.SessionID,
		Status:       observer.Status,
		CreatedAt:    observer.CreatedAt,
		LastActivity: observer.LastActivity,
		TotalEvents:  totalEvents,
	})
}

// handleRemoveObserver handles observer removal
func (api *ResearchAPI) handleRemoveObserver(w http.ResponseWriter, r *http.Request) {
	observerID := mux.Vars(r)["observer_id"]

	if !api.observerManager.RemoveObserver(observerID) {
		writeError(w, http.StatusNotFound, "Observer not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "deleted",
		"message": "Observer removed successfully",
	})
}
