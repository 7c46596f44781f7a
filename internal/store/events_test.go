package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

func TestAppendEvent_OrderAndCursor(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	for _, et := range []EventType{EventThought, EventToolCall, EventObservation} {
		_, err := s.AppendEvent(&AgentEvent{ProjectID: p.ID, EventType: et, Content: string(et)})
		require.NoError(t, err)
	}

	all, err := s.ListEvents(p.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventThought, all[0].EventType)
	assert.Equal(t, EventObservation, all[2].EventType)
	assert.Less(t, all[0].Seq, all[1].Seq)
	assert.Less(t, all[1].Seq, all[2].Seq)

	after, err := s.ListEventsAfter(p.ID, all[0].Seq)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, all[1].ID, after[0].ID)
}

func TestAppendEvent_ConfidenceDeltaAppliedOnce(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)
	slices, err := s.CreateSlices(p.ID, []SliceInput{{Name: "auth", Priority: 1}})
	require.NoError(t, err)

	ev := &AgentEvent{
		ID:              "evt-1",
		ProjectID:       p.ID,
		SliceID:         slices[0].ID,
		EventType:       EventConfidenceUpdate,
		ConfidenceDelta: floatPtr(0.3),
	}
	_, err = s.AppendEvent(ev)
	require.NoError(t, err)

	// Duplicate delivery of the same event id: delta must not apply twice.
	_, err = s.AppendEvent(&AgentEvent{
		ID:              "evt-1",
		ProjectID:       p.ID,
		SliceID:         slices[0].ID,
		EventType:       EventConfidenceUpdate,
		ConfidenceDelta: floatPtr(0.3),
	})
	require.NoError(t, err)

	proj, _ := s.GetProject(p.ID)
	assert.InDelta(t, 0.3, proj.ConfidenceScore, 1e-9)
	sl, _ := s.GetSlice(slices[0].ID)
	assert.InDelta(t, 0.3, sl.ConfidenceScore, 1e-9)

	all, _ := s.ListEvents(p.ID)
	assert.Len(t, all, 1, "duplicate append must not create a second event")
}

func TestAppendEvent_ConfidenceClamped(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	_, err := s.AppendEvent(&AgentEvent{ProjectID: p.ID, EventType: EventConfidenceUpdate, ConfidenceDelta: floatPtr(1.7)})
	require.NoError(t, err)
	proj, _ := s.GetProject(p.ID)
	assert.Equal(t, 1.0, proj.ConfidenceScore)

	_, err = s.AppendEvent(&AgentEvent{ProjectID: p.ID, EventType: EventConfidenceUpdate, ConfidenceDelta: floatPtr(-5)})
	require.NoError(t, err)
	proj, _ = s.GetProject(p.ID)
	assert.Equal(t, 0.0, proj.ConfidenceScore)
}

func TestAppendEvent_Validation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendEvent(&AgentEvent{EventType: EventThought})
	assert.Error(t, err)
}

func TestLatestEventOfType(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	_, err := s.AppendEvent(&AgentEvent{ProjectID: p.ID, EventType: EventSelfHeal, Content: "first diagnosis"})
	require.NoError(t, err)
	_, err = s.AppendEvent(&AgentEvent{ProjectID: p.ID, EventType: EventTestResult, Content: "fail"})
	require.NoError(t, err)
	_, err = s.AppendEvent(&AgentEvent{ProjectID: p.ID, EventType: EventSelfHeal, Content: "second diagnosis"})
	require.NoError(t, err)

	ev, err := s.LatestEventOfType(p.ID, EventSelfHeal)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "second diagnosis", ev.Content)

	none, err := s.LatestEventOfType(p.ID, EventScreenshot)
	require.NoError(t, err)
	assert.Nil(t, none)
}
