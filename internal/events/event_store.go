package events

import (
	"encoding/json"
	"sync"
	"time"

	"luxmap/pkg/events"
)

// Event is what an observer polls: the agent event plus its position in the
// observer's stream.
type Event struct {
	ID        string             `json:"id"`
	Index     int                `json:"index"`
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	SessionID string             `json:"session_id,omitempty"`
	Data      *events.AgentEvent `json:"data,omitempty"`
}

// MarshalJSON flattens the event for the polling client.
func (e Event) MarshalJSON() ([]byte, error) {
	result := map[string]interface{}{
		"id":         e.ID,
		"index":      e.Index,
		"type":       e.Type,
		"timestamp":  e.Timestamp,
		"session_id": e.SessionID,
	}
	if e.Data != nil {
		result["data"] = e.Data
	}
	return json.Marshal(result)
}

type observerBuffer struct {
	events  []Event
	dropped int // events trimmed from the front to honour maxEvents
}

// EventStore keeps a bounded event buffer per observer.
type EventStore struct {
	buffers       map[string]*observerBuffer
	mu            sync.RWMutex
	maxEvents     int
	cleanupTicker *time.Ticker
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewEventStore creates a new event store with configurable limits
func NewEventStore(maxEvents int) *EventStore {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	store := &EventStore{
		buffers:       make(map[string]*observerBuffer),
		maxEvents:     maxEvents,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		stopCh:        make(chan struct{}),
	}

	go store.cleanupRoutine()

	return store
}

// InitializeObserver creates an empty buffer for an observer
func (es *EventStore) InitializeObserver(observerID string) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if _, exists := es.buffers[observerID]; !exists {
		es.buffers[observerID] = &observerBuffer{}
	}
}

// AddEvent appends an agent event to an observer's buffer. The stored event's
// Index is its absolute position in the observer's stream; it keeps growing
// after old events are trimmed.
func (es *EventStore) AddEvent(observerID string, event *events.AgentEvent) {
	es.mu.Lock()
	defer es.mu.Unlock()

	buf, exists := es.buffers[observerID]
	if !exists {
		buf = &observerBuffer{}
		es.buffers[observerID] = buf
	}

	buf.events = append(buf.events, Event{
		ID:        event.ID,
		Index:     buf.dropped + len(buf.events),
		Type:      string(event.Type),
		Timestamp: event.Timestamp,
		SessionID: event.SessionID,
		Data:      event,
	})

	if over := len(buf.events) - es.maxEvents; over > 0 {
		buf.events = buf.events[over:]
		buf.dropped += over
	}
}

// GetEvents returns the events strictly after sinceIndex together with the
// index of the last event (-1 when there is none). Pass -1 to read from the
// beginning.
func (es *EventStore) GetEvents(observerID string, sinceIndex int) ([]Event, int, bool) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	buf, exists := es.buffers[observerID]
	if !exists {
		return []Event{}, -1, false
	}

	lastIndex := buf.dropped + len(buf.events) - 1

	next := sinceIndex + 1 - buf.dropped
	if next < 0 {
		next = 0
	}
	if next >= len(buf.events) {
		return []Event{}, lastIndex, true
	}

	out := make([]Event, len(buf.events)-next)
	copy(out, buf.events[next:])
	return out, lastIndex, true
}

// GetObserverStatus returns the number of events seen by an observer
func (es *EventStore) GetObserverStatus(observerID string) (int, bool) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	buf, exists := es.buffers[observerID]
	if !exists {
		return 0, false
	}
	return buf.dropped + len(buf.events), true
}

// RemoveObserver removes an observer and its events
func (es *EventStore) RemoveObserver(observerID string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	delete(es.buffers, observerID)
}

func (es *EventStore) cleanupRoutine() {
	for {
		select {
		case <-es.cleanupTicker.C:
			es.cleanupEmptyObservers()
		case <-es.stopCh:
			es.cleanupTicker.Stop()
			return
		}
	}
}

// cleanupEmptyObservers drops buffers that never received an event.
func (es *EventStore) cleanupEmptyObservers() {
	es.mu.Lock()
	defer es.mu.Unlock()

	for observerID, buf := range es.buffers {
		if buf.dropped == 0 && len(buf.events) == 0 {
			delete(es.buffers, observerID)
		}
	}
}

// Stop stops the cleanup routine. Safe to call more than once.
func (es *EventStore) Stop() {
	es.stopOnce.Do(func() { close(es.stopCh) })
}

// GetStats returns statistics about the event store
func (es *EventStore) GetStats() map[string]interface{} {
	es.mu.RLock()
	defer es.mu.RUnlock()

	totalEvents := 0
	for _, buf := range es.buffers {
		totalEvents += len(buf.events)
	}

	return map[string]interface{}{
		"total_observers": len(es.buffers),
		"total_events":    totalEvents,
		"max_events":      es.maxEvents,
	}
}
