// Package llmtest provides a scripted llmtypes.Model for tests.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"luxmap/internal/llmtypes"
)

// Call records one GenerateContent invocation.
type Call struct {
	Messages []llmtypes.MessageContent
	Options  *llmtypes.CallOptions
}

// System returns the concatenated system messages of the call.
func (c Call) System() string {
	var parts []string
	for _, m := range c.Messages {
		if m.Role == llmtypes.ChatMessageTypeSystem {
			parts = append(parts, m.Text())
		}
	}
	return strings.Join(parts, "\n")
}

// Responder produces the reply for a call. Returning a nil response and nil
// error falls through to the next responder.
type Responder func(call Call) (*llmtypes.ContentChoice, error)

// ScriptedModel answers calls from a queue of replies, or from responders
// matched against the call when the queue is empty.
type ScriptedModel struct {
	mu         sync.Mutex
	replies    []reply
	responders []Responder
	calls      []Call
}

type reply struct {
	choice *llmtypes.ContentChoice
	err    error
}

// NewScriptedModel returns an empty model. Calls fail until replies are queued.
func NewScriptedModel() *ScriptedModel {
	return &ScriptedModel{}
}

// Reply queues a plain text answer.
func (m *ScriptedModel) Reply(content string) *ScriptedModel {
	return m.ReplyChoice(&llmtypes.ContentChoice{Content: content, StopReason: "STOP"})
}

// ReplyChoice queues a full choice, e.g. one carrying grounding metadata.
func (m *ScriptedModel) ReplyChoice(choice *llmtypes.ContentChoice) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, reply{choice: choice})
	return m
}

// Fail queues an error.
func (m *ScriptedModel) Fail(err error) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, reply{err: err})
	return m
}

// On registers a responder consulted once the queue is drained.
func (m *ScriptedModel) On(r Responder) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responders = append(m.responders, r)
	return m
}

// WhenSystemContains answers with content whenever the system prompt
// contains marker.
func (m *ScriptedModel) WhenSystemContains(marker, content string) *ScriptedModel {
	return m.On(func(call Call) (*llmtypes.ContentChoice, error) {
		if strings.Contains(call.System(), marker) {
			return &llmtypes.ContentChoice{Content: content, StopReason: "STOP"}, nil
		}
		return nil, nil
	})
}

// GenerateContent implements llmtypes.Model.
func (m *ScriptedModel) GenerateContent(ctx context.Context, messages []llmtypes.MessageContent, options ...llmtypes.CallOption) (*llmtypes.ContentResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	call := Call{Messages: messages, Options: llmtypes.ApplyOptions(options...)}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	var next *reply
	if len(m.replies) > 0 {
		next = &m.replies[0]
		m.replies = m.replies[1:]
	}
	responders := append([]Responder(nil), m.responders...)
	m.mu.Unlock()

	if next != nil {
		if next.err != nil {
			return nil, next.err
		}
		return &llmtypes.ContentResponse{Choices: []*llmtypes.ContentChoice{next.choice}}, nil
	}

	for _, r := range responders {
		choice, err := r(call)
		if err != nil {
			return nil, err
		}
		if choice != nil {
			return &llmtypes.ContentResponse{Choices: []*llmtypes.ContentChoice{choice}}, nil
		}
	}
	return nil, fmt.Errorf("llmtest: no scripted reply for call %d", len(m.Calls()))
}

// Calls returns the recorded calls.
func (m *ScriptedModel) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}
