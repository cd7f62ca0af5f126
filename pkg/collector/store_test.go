package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
)

func exposure(id, experiment string) model.TrackedEvent {
	return model.TrackedEvent{
		EventID:      id,
		ExperimentID: experiment,
		AllocationID: "alloc-" + id,
		EventType:    model.EventExposure,
	}
}

func TestMemoryStore_Append_DeduplicatesByEventID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n, err := s.Append(ctx, []model.TrackedEvent{exposure("e1", "checkout"), exposure("e2", "checkout")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Append(ctx, []model.TrackedEvent{exposure("e2", "checkout"), exposure("e3", "checkout")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := s.Events(ctx, "checkout")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestMemoryStore_Events_FilteredByExperiment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, []model.TrackedEvent{exposure("e1", "checkout"), exposure("e2", "pricing")})
	require.NoError(t, err)

	events, err := s.Events(ctx, "pricing")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].EventID)

	events, err = s.Events(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryStore_Events_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.Append(ctx, []model.TrackedEvent{exposure("e1", "checkout")})

	events, _ := s.Events(ctx, "checkout")
	events[0].EventID = "mutated"

	again, _ := s.Events(ctx, "checkout")
	assert.Equal(t, "e1", again[0].EventID)
}

func TestCollector_Ingest_RejectsMalformedBatch(t *testing.T) {
	s := NewMemoryStore()
	c := New(s, nil)

	bad := exposure("e2", "checkout")
	bad.AllocationID = ""

	_, err := c.Ingest(context.Background(), model.EventBatch{Events: []model.TrackedEvent{exposure("e1", "checkout"), bad}})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	events, _ := s.Events(context.Background(), "checkout")
	assert.Empty(t, events)
}

func TestCollector_Ingest_RejectsUnknownEventType(t *testing.T) {
	c := New(NewMemoryStore(), nil)
	e := exposure("e1", "checkout")
	e.EventType = "click"

	_, err := c.Ingest(context.Background(), model.EventBatch{Events: []model.TrackedEvent{e}})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestCollector_Ingest_RetriedBatch_StoredOnce(t *testing.T) {
	s := NewMemoryStore()
	c := New(s, nil)
	batch := model.EventBatch{Events: []model.TrackedEvent{exposure("e1", "checkout"), exposure("e2", "checkout")}}

	n, err := c.Ingest(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Ingest(context.Background(), batch)
	require.NoError(t, err)
	assert.Zero(t, n)

	events, _ := c.Events(context.Background(), "checkout")
	assert.Len(t, events, 2)
}

type failingStore struct{}

func (failingStore) Append(context.Context, []model.TrackedEvent) (int, error) {
	return 0, errors.New("disk full")
}

func (failingStore) Events(context.Context, string) ([]model.TrackedEvent, error) {
	return nil, errors.New("disk full")
}

func TestCollector_Ingest_StoreError_Wrapped(t *testing.T) {
	c := New(failingStore{}, nil)
	_, err := c.Ingest(context.Background(), model.EventBatch{Events: []model.TrackedEvent{exposure("e1", "checkout")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
