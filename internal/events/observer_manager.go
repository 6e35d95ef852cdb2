package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"luxmap/internal/utils"
	"luxmap/pkg/events"
)

// Observer is a polling client following one research session.
type Observer struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Status       string    `json:"status"`
	SessionID    string    `json:"session_id,omitempty"`
}

// ObserverManager manages observer lifecycle and routes session events to
// every observer registered for that session.
type ObserverManager struct {
	observers map[string]*Observer
	store     *EventStore
	logger    utils.ExtendedLogger
	mu        sync.RWMutex
}

// NewObserverManager creates a new observer manager
func NewObserverManager(store *EventStore, logger utils.ExtendedLogger) *ObserverManager {
	return &ObserverManager{
		observers: make(map[string]*Observer),
		store:     store,
		logger:    logger,
	}
}

// RegisterObserver creates a new observer for a session
func (om *ObserverManager) RegisterObserver(sessionID string) *Observer {
	om.mu.Lock()
	defer om.mu.Unlock()

	now := time.Now()
	observer := &Observer{
		ID:           "observer_" + uuid.NewString(),
		CreatedAt:    now,
		LastActivity: now,
		Status:       "active",
		SessionID:    sessionID,
	}
	om.observers[observer.ID] = observer
	om.store.InitializeObserver(observer.ID)

	om.logger.Infof("👀 Registered observer %s for session %s", observer.ID, sessionID)
	return observer
}

// GetObserver retrieves an observer by ID and marks it active
func (om *ObserverManager) GetObserver(observerID string) (*Observer, bool) {
	om.mu.Lock()
	defer om.mu.Unlock()

	observer, exists := om.observers[observerID]
	if !exists {
		return nil, false
	}
	observer.LastActivity = time.Now()
	copied := *observer
	return &copied, true
}

// RemoveObserver removes an observer and its events
func (om *ObserverManager) RemoveObserver(observerID string) bool {
	om.mu.Lock()
	defer om.mu.Unlock()

	if _, exists := om.observers[observerID]; !exists {
		return false
	}
	delete(om.observers, observerID)
	om.store.RemoveObserver(observerID)
	return true
}

// Publish stores an event for every observer following its session.
func (om *ObserverManager) Publish(event *events.AgentEvent) int {
	om.mu.RLock()
	var targets []string
	for id, observer := range om.observers {
		if observer.SessionID == event.SessionID {
			targets = append(targets, id)
		}
	}
	om.mu.RUnlock()

	for _, id := range targets {
		om.store.AddEvent(id, event)
	}
	return len(targets)
}

// Emit implements events.Emitter.
func (om *ObserverManager) Emit(_ context.Context, event *events.AgentEvent) {
	om.Publish(event)
}

// CleanupInactiveObservers removes observers that haven't polled recently
func (om *ObserverManager) CleanupInactiveObservers(maxInactiveTime time.Duration) int {
	om.mu.Lock()
	defer om.mu.Unlock()

	cutoff := time.Now().Add(-maxInactiveTime)
	removedCount := 0
	for observerID, observer := range om.observers {
		if observer.LastActivity.Before(cutoff) {
			delete(om.observers, observerID)
			om.store.RemoveObserver(observerID)
			removedCount++
		}
	}
	if removedCount > 0 {
		om.logger.Infof("🧹 Removed %d inactive observers", removedCount)
	}
	return removedCount
}

// GetObserverStats returns statistics about observers
func (om *ObserverManager) GetObserverStats() map[string]interface{} {
	om.mu.RLock()
	defer om.mu.RUnlock()

	sessions := make(map[string]struct{})
	for _, observer := range om.observers {
		sessions[observer.SessionID] = struct{}{}
	}

	return map[string]interface{}{
		"total_observers": len(om.observers),
		"sessions":        len(sessions),
	}
}
