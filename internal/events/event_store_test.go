package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luxmap/pkg/events"
	"luxmap/pkg/logger"
)

func plan(sessionID, text string) *events.AgentEvent {
	return events.NewAgentEvent(sessionID, &events.PlanProposedEvent{Plan: text})
}

func TestGetEventsSinceIndex(t *testing.T) {
	store := NewEventStore(10)
	defer store.Stop()
	store.InitializeObserver("o1")

	got, last, ok := store.GetEvents("o1", -1)
	require.True(t, ok)
	assert.Empty(t, got)
	assert.Equal(t, -1, last)

	for _, p := range []string{"a", "b", "c"} {
		store.AddEvent("o1", plan("s", p))
	}

	got, last, ok = store.GetEvents("o1", -1)
	require.True(t, ok)
	assert.Len(t, got, 3)
	assert.Equal(t, 2, last)

	got, last, _ = store.GetEvents("o1", 0)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, 2, last)

	got, last, _ = store.GetEvents("o1", 2)
	assert.Empty(t, got)
	assert.Equal(t, 2, last)

	_, _, ok = store.GetEvents("missing", 0)
	assert.False(t, ok)
}

func TestFirstEventAfterEmptyPoll(t *testing.T) {
	store := NewEventStore(10)
	defer store.Stop()
	store.InitializeObserver("o1")

	_, last, ok := store.GetEvents("o1", -1)
	require.True(t, ok)

	store.AddEvent("o1", plan("s", "first"))

	got, last, _ := store.GetEvents("o1", last)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 0, last)
}

func TestEventStoreTrimsKeepingAbsoluteIndexes(t *testing.T) {
	store := NewEventStore(2)
	defer store.Stop()

	for _, p := range []string{"a", "b", "c", "d"} {
		store.AddEvent("o1", plan("s", p))
	}

	got, last, ok := store.GetEvents("o1", -1)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Index)
	assert.Equal(t, 3, got[1].Index)
	assert.Equal(t, 3, last)

	got, _, _ = store.GetEvents("o1", 2)
	require.Len(t, got, 1)
	assert.Equal(t, "d", got[0].Data.Data.(*events.PlanProposedEvent).Plan)

	count, ok := store.GetObserverStatus("o1")
	require.True(t, ok)
	assert.Equal(t, 4, count)
}

func TestEventMarshalJSONFlattens(t *testing.T) {
	store := NewEventStore(5)
	defer store.Stop()
	store.AddEvent("o1", plan("s1", "x"))
	got, _, _ := store.GetEvents("o1", -1)

	raw, err := json.Marshal(got[0])
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "plan_proposed", decoded["type"])
	assert.Equal(t, "s1", decoded["session_id"])
	assert.Contains(t, decoded, "data")
}

func TestObserverManagerRoutesBySession(t *testing.T) {
	store := NewEventStore(10)
	defer store.Stop()
	om := NewObserverManager(store, logger.CreateDiscardLogger())

	a := om.RegisterObserver("s1")
	b := om.RegisterObserver("s2")

	om.Emit(context.Background(), plan("s1", "for a"))
	assert.Equal(t, 0, om.Publish(plan("s3", "nobody")))

	gotA, _, _ := store.GetEvents(a.ID, -1)
	gotB, _, _ := store.GetEvents(b.ID, -1)
	assert.Len(t, gotA, 1)
	assert.Empty(t, gotB)

	assert.True(t, om.RemoveObserver(a.ID))
	assert.False(t, om.RemoveObserver(a.ID))
	_, ok := om.GetObserver(a.ID)
	assert.False(t, ok)
}

func TestCleanupInactiveObservers(t *testing.T) {
	store := NewEventStore(10)
	defer store.Stop()
	om := NewObserverManager(store, logger.CreateDiscardLogger())
	obs := om.RegisterObserver("s1")

	assert.Equal(t, 0, om.CleanupInactiveObservers(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, om.CleanupInactiveObservers(time.Millisecond))

	_, ok := om.GetObserver(obs.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, om.GetObserverStats()["total_observers"])
}
