package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_LogFillsDefaults(t *testing.T) {
	r := NewRing(10)
	e := &Event{Action: ActionGenerate, Resource: ResourceKey, KeyVersion: 1, Status: StatusSuccess}
	require.NoError(t, r.Log(e))

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, SeverityInfo, e.Severity)
	assert.Equal(t, int64(1), r.GetEventCount())
}

func TestRing_Wraps(t *testing.T) {
	r := NewRing(3)
	for v := uint32(1); v <= 5; v++ {
		require.NoError(t, r.Log(NewEvent(ActionRotate, ResourceKey, v)))
	}

	events := r.GetEvents(nil)
	require.Len(t, events, 3)
	assert.Equal(t, []uint32{3, 4, 5}, versions(events))

	recent := r.GetRecentEvents(2)
	assert.Equal(t, []uint32{5, 4}, versions(recent))

	assert.Len(t, r.GetRecentEvents(10), 3)

	r.Clear()
	assert.Zero(t, r.GetEventCount())
	assert.Empty(t, r.GetEvents(nil))
}

func TestRing_Filter(t *testing.T) {
	r := NewRing(20)
	require.NoError(t, r.Log(NewEvent(ActionGenerate, ResourceKey, 1)))
	require.NoError(t, r.Log(NewEvent(ActionRevoke, ResourceKey, 1)))
	require.NoError(t, r.Log(NewFailedEvent(ActionOpen, ResourceEnvelope, 2, errors.New("bad tag"))))
	require.NoError(t, r.Log(NewEvent(ActionSeal, ResourceEnvelope, 2)))

	tests := []struct {
		name   string
		filter *Filter
		want   int
	}{
		{"nil", nil, 4},
		{"action", &Filter{Action: ActionRevoke}, 1},
		{"resource", &Filter{Resource: ResourceEnvelope}, 2},
		{"version", &Filter{KeyVersion: 1}, 2},
		{"status", &Filter{Status: StatusFailure}, 1},
		{"combined", &Filter{Resource: ResourceEnvelope, Status: StatusSuccess}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, r.GetEvents(tt.filter), tt.want)
		})
	}

	future := time.Now().Add(time.Hour)
	assert.Empty(t, r.GetEvents(&Filter{StartTime: &future}))
}

func TestNewEventSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, NewEvent(ActionRevoke, ResourceKey, 1).Severity)
	assert.Equal(t, SeverityInfo, NewEvent(ActionGenerate, ResourceKey, 1).Severity)

	failed := NewFailedEvent(ActionRotate, ResourceKey, 3, errors.New("disk full"))
	assert.Equal(t, StatusFailure, failed.Status)
	assert.Equal(t, SeverityWarning, failed.Severity)
	assert.Equal(t, "disk full", failed.Error)
	assert.Contains(t, failed.String(), "rotate key v3 failure")
}

func versions(events []*Event) []uint32 {
	out := make([]uint32, len(events))
	for i, e := range events {
		out[i] = e.KeyVersion
	}
	return out
}
