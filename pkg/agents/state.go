package agents

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// State is the key/value store shared by every agent of a session.
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState returns an empty state.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the value under key when it is a string, "" otherwise.
func (s *State) GetString(key string) string {
	v, _ := s.Get(key)
	str, _ := v.(string)
	return str
}

// Set stores value under key.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes key.
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Apply merges a state delta.
func (s *State) Apply(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta {
		s.values[k] = v
	}
}

// Keys returns the stored keys in sorted order.
func (s *State) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a shallow copy of the values.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Decode converts the value under key into out through its JSON form, so
// typed values and values restored from JSON decode the same way. It returns
// false when the key is absent.
func (s *State) Decode(key string, out any) (bool, error) {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return false, nil
	}
	if str, isString := v.(string); isString {
		if err := json.Unmarshal([]byte(str), out); err == nil {
			return true, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return true, fmt.Errorf("encode state key %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode state key %s: %w", key, err)
	}
	return true, nil
}

// MarshalJSON implements json.Marshaler.
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// UnmarshalJSON replaces the state with the decoded object.
func (s *State) UnmarshalJSON(data []byte) error {
	values := make(map[string]any)
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = values
	return nil
}

// Session is one conversation: its shared state and the events produced so far.
type Session struct {
	ID    string
	State *State

	mu     sync.RWMutex
	events []*Event
}

// NewSession returns an empty session.
func NewSession(id string) *Session {
	return &Session{ID: id, State: NewState()}
}

// NewSessionWithState returns a session that shares state with another one.
func NewSessionWithState(id string, state *State) *Session {
	return &Session{ID: id, State: state}
}

// AppendEvent adds an event to the history.
func (s *Session) AppendEvent(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of the history.
func (s *Session) Events() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}
