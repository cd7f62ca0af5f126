package sync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
	"github.com/zenith-engineer/rolloutd/core/pkg/store"
)

func newState(t *testing.T) *store.State {
	t.Helper()
	s := store.NewState(nil)
	s.SetFlag(model.FlagDefinition{Key: "DARK_MODE", Enabled: true})
	require.NoError(t, s.SetExperiment(model.ExperimentDefinition{
		ID:       "checkout",
		Status:   model.StatusRunning,
		Variants: []model.Variant{{Name: "control", Weight: 1}},
	}))
	return s
}

func TestNewMux_RendersSnapshot(t *testing.T) {
	s := newState(t)
	m, err := NewMux(s, nil)
	require.NoError(t, err)

	payload := m.Snapshot()
	assert.Equal(t, s.Version(), payload.Version)

	var doc struct {
		Flags       map[string]model.FlagDefinition       `json:"flags"`
		Experiments map[string]model.ExperimentDefinition `json:"experiments"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload.Config), &doc))
	assert.True(t, doc.Flags["DARK_MODE"].Enabled)
	assert.Equal(t, model.StatusRunning, doc.Experiments["checkout"].Status)
}

func TestPublish_PushesToSubscribers(t *testing.T) {
	s := newState(t)
	m, err := NewMux(s, nil)
	require.NoError(t, err)

	ch := make(chan Payload, 1)
	initial := m.Register("sub-1", ch)
	assert.Equal(t, s.Version(), initial.Version)

	s.DisableFlag("DARK_MODE")
	require.NoError(t, m.Publish())

	got := <-ch
	assert.Equal(t, s.Version(), got.Version)
	assert.Contains(t, got.Config, `"enabled":false`)
}

func TestPublish_BusySubscriber_DoesNotBlock(t *testing.T) {
	s := newState(t)
	m, err := NewMux(s, nil)
	require.NoError(t, err)

	ch := make(chan Payload)
	m.Register("busy", ch)

	require.NoError(t, m.Publish())
	assert.Equal(t, 1, m.Subscribers())
}

func TestPublish_UnconsumedPayload_ReplacedByLatest(t *testing.T) {
	s := newState(t)
	m, err := NewMux(s, nil)
	require.NoError(t, err)

	ch := make(chan Payload, 1)
	m.Register("slow", ch)

	s.DisableFlag("DARK_MODE")
	require.NoError(t, m.Publish())
	s.EnableFlag("DARK_MODE")
	require.NoError(t, m.Publish())

	require.Len(t, ch, 1)
	got := <-ch
	assert.Equal(t, m.Snapshot(), got)
	assert.Equal(t, s.Version(), got.Version)
	assert.Contains(t, got.Config, `"enabled":true`)
}

func TestUnregister_StopsDelivery(t *testing.T) {
	s := newState(t)
	m, err := NewMux(s, nil)
	require.NoError(t, err)

	ch := make(chan Payload, 1)
	m.Register("sub-1", ch)
	m.Unregister("sub-1")
	assert.Zero(t, m.Subscribers())

	require.NoError(t, m.Publish())
	assert.Empty(t, ch)
}
