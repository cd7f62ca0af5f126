package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith-engineer/rolloutd/core/pkg/bucket"
	"github.com/zenith-engineer/rolloutd/core/pkg/model"
	"github.com/zenith-engineer/rolloutd/core/pkg/store"
	"github.com/zenith-engineer/rolloutd/pkg/eval"
	"github.com/zenith-engineer/rolloutd/pkg/experiment"
)

type recordingTracker struct {
	mu     sync.Mutex
	events []model.TrackedEvent
}

func (r *recordingTracker) Track(e model.TrackedEvent) {
	r.TrackBatch([]model.TrackedEvent{e})
}

func (r *recordingTracker) TrackBatch(events []model.TrackedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func newDeps(t *testing.T) (Deps, *store.State, *recordingTracker) {
	t.Helper()
	s := store.NewState(nil)
	s.SetFlag(model.FlagDefinition{Key: "DARK_MODE", Enabled: true})
	require.NoError(t, s.SetExperiment(model.ExperimentDefinition{
		ID:     "checkout",
		Status: model.StatusRunning,
		Variants: []model.Variant{
			{Name: "control", Weight: 50, Control: true, Configuration: map[string]interface{}{"button": "blue"}},
			{Name: "variantB", Weight: 50, Configuration: map[string]interface{}{"button": "green"}},
		},
	}))
	require.NoError(t, s.SetExperiment(model.ExperimentDefinition{
		ID:       "draft",
		Status:   model.StatusDraft,
		Variants: []model.Variant{{Name: "control", Weight: 1}},
	}))

	tr := &recordingTracker{}
	return Deps{
		Store:     s,
		Flags:     eval.NewFlagEvaluator(s, "production", bucket.Hasher{}, nil),
		Allocator: experiment.NewAllocator(s, store.NewAllocations()),
		Tracker:   tr,
		Cache:     NewCache(100, time.Hour),
	}, s, tr
}

func TestNew_AnonymousUser_GetsSessionID(t *testing.T) {
	deps, _, _ := newDeps(t)

	a := New(model.User{}, deps)
	b := New(model.User{}, deps)

	assert.NotEmpty(t, a.User().SessionID)
	assert.NotEqual(t, model.AnonymousSubject, a.User().SubjectKey())
	assert.NotEqual(t, a.User().SubjectKey(), b.User().SubjectKey())
}

func TestNew_IdentifiedUser_Unchanged(t *testing.T) {
	deps, _, _ := newDeps(t)
	s := New(model.User{ID: "user-1"}, deps)
	assert.Empty(t, s.User().SessionID)
	assert.Equal(t, "user-1", s.User().SubjectKey())
}

func TestSession_Flags(t *testing.T) {
	deps, _, _ := newDeps(t)
	s := New(model.User{Email: "any@x.com"}, deps)

	assert.True(t, s.IsFeatureEnabled("DARK_MODE"))
	assert.False(t, s.IsFeatureEnabled("MISSING"))
	assert.Equal(t, []string{"DARK_MODE"}, s.EnabledFeatures())
}

func TestSession_Enroll_CachesVariantAndConfiguration(t *testing.T) {
	deps, _, _ := newDeps(t)
	s := New(model.User{ID: "user-1"}, deps)

	assert.False(t, s.InExperiment("checkout"))
	_, ok := s.Variant("checkout")
	assert.False(t, ok)

	alloc := s.Enroll(context.Background(), "checkout", "")
	require.True(t, alloc.Included)

	assert.True(t, s.InExperiment("checkout"))
	variant, ok := s.Variant("checkout")
	require.True(t, ok)
	assert.Equal(t, alloc.VariantName, variant)

	cfg, ok := s.Configuration("checkout")
	require.True(t, ok)
	assert.Contains(t, []interface{}{"blue", "green"}, cfg["button"])
}

func TestSession_Configuration_MutationDoesNotLeak(t *testing.T) {
	deps, _, _ := newDeps(t)
	s := New(model.User{ID: "user-1"}, deps)
	require.True(t, s.Enroll(context.Background(), "checkout", "").Included)

	cfg, ok := s.Configuration("checkout")
	require.True(t, ok)
	original := cfg["button"]
	cfg["button"] = "red"

	again, ok := s.Configuration("checkout")
	require.True(t, ok)
	assert.Equal(t, original, again["button"])
}

func TestSession_Enroll_Repeated_SameAllocation(t *testing.T) {
	deps, _, _ := newDeps(t)
	s := New(model.User{ID: "user-1"}, deps)

	first := s.Enroll(context.Background(), "checkout", "")
	second := s.Enroll(context.Background(), "checkout", "")
	assert.Equal(t, first, second)
}

func TestSession_Enroll_ForcedVariant(t *testing.T) {
	deps, _, _ := newDeps(t)
	s := New(model.User{ID: "user-1"}, deps)

	s.Enroll(context.Background(), "checkout", "variantB")
	variant, _ := s.Variant("checkout")
	assert.Equal(t, "variantB", variant)

	cfg, _ := s.Configuration("checkout")
	assert.Equal(t, "green", cfg["button"])
}

func TestSession_Enroll_NotRunning_NotCached(t *testing.T) {
	deps, _, _ := newDeps(t)
	s := New(model.User{ID: "user-1"}, deps)

	alloc := s.Enroll(context.Background(), "draft", "")
	assert.False(t, alloc.Included)
	assert.False(t, s.InExperiment("draft"))

	_, ok := s.Configuration("draft")
	assert.False(t, ok)
}

func TestSession_Enroll_ExcludedAfterStop_ClearsCache(t *testing.T) {
	deps, st, _ := newDeps(t)
	s := New(model.User{ID: "user-1"}, deps)

	s.Enroll(context.Background(), "checkout", "")
	require.True(t, s.InExperiment("checkout"))

	require.NoError(t, st.SetExperimentStatus("checkout", model.StatusStopped))
	s.Enroll(context.Background(), "checkout", "")
	assert.False(t, s.InExperiment("checkout"))
}

func TestSession_TrackEvent_BindsAllocation(t *testing.T) {
	deps, _, tr := newDeps(t)
	s := New(model.User{ID: "user-1"}, deps)
	alloc := s.Enroll(context.Background(), "checkout", "")

	value := 42.0
	s.TrackEvent("checkout", model.EventConversion, &value, map[string]interface{}{"metric": "purchase"})

	require.Len(t, tr.events, 1)
	e := tr.events[0]
	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, alloc.AllocationID, e.AllocationID)
	assert.Equal(t, "checkout", e.ExperimentID)
	assert.Equal(t, model.EventConversion, e.EventType)
	assert.Equal(t, &value, e.EventValue)
	assert.False(t, e.Timestamp.IsZero())
}

func TestSession_TrackEvent_NotEnrolled_NoOp(t *testing.T) {
	deps, _, tr := newDeps(t)
	s := New(model.User{ID: "user-1"}, deps)

	s.TrackEvent("checkout", model.EventExposure, nil, nil)
	assert.Empty(t, tr.events)
}

func TestSession_TrackEvents_SkipsUnenrolled(t *testing.T) {
	deps, _, tr := newDeps(t)
	s := New(model.User{ID: "user-1"}, deps)
	s.Enroll(context.Background(), "checkout", "")

	s.TrackEvents([]Event{
		{ExperimentID: "checkout", EventType: model.EventExposure},
		{ExperimentID: "other", EventType: model.EventExposure},
		{ExperimentID: "checkout", EventType: model.EventConversion},
	})

	require.Len(t, tr.events, 2)
	assert.Equal(t, model.EventExposure, tr.events[0].EventType)
	assert.Equal(t, model.EventConversion, tr.events[1].EventType)
}

func TestSession_SharedCache_IsolatesSubjects(t *testing.T) {
	deps, _, _ := newDeps(t)
	a := New(model.User{ID: "user-a"}, deps)
	b := New(model.User{ID: "user-b"}, deps)

	a.Enroll(context.Background(), "checkout", "")
	assert.True(t, a.InExperiment("checkout"))
	assert.False(t, b.InExperiment("checkout"))
}

func TestSession_CacheExpiry_ForgetsAllocation(t *testing.T) {
	deps, _, _ := newDeps(t)
	deps.Cache = NewCache(10, 50*time.Millisecond)
	s := New(model.User{ID: "user-1"}, deps)

	s.Enroll(context.Background(), "checkout", "")
	require.True(t, s.InExperiment("checkout"))

	assert.Eventually(t, func() bool { return !s.InExperiment("checkout") }, time.Second, 10*time.Millisecond)
}
