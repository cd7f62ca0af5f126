package analytics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
	"github.com/zenith-engineer/rolloutd/core/pkg/store"
)

type fakeSource struct {
	events      []model.TrackedEvent
	allocations []model.Allocation
	err         error
}

func (f *fakeSource) Events(_ context.Context, _ string) ([]model.TrackedEvent, error) {
	return f.events, f.err
}

func (f *fakeSource) Allocations(_ context.Context, _ string) ([]model.Allocation, error) {
	return f.allocations, f.err
}

func pricingExperiment() model.ExperimentDefinition {
	return model.ExperimentDefinition{
		ID:            "pricing",
		Status:        model.StatusRunning,
		PrimaryMetric: "purchase",
		Variants: []model.Variant{
			{Name: "control", Weight: 50, Control: true},
			{Name: "discount", Weight: 50},
		},
	}
}

// populate adds n exposed participants to variant, of which converted convert.
func populate(src *fakeSource, variant string, n, converted int) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", variant, i)
		src.allocations = append(src.allocations, model.Allocation{
			AllocationID: id,
			SubjectKey:   id,
			EntityID:     "pricing",
			Included:     true,
			VariantName:  variant,
		})
		src.events = append(src.events, model.TrackedEvent{
			EventID:      id + "-exp",
			ExperimentID: "pricing",
			AllocationID: id,
			EventType:    model.EventExposure,
		})
		if i < converted {
			src.events = append(src.events, model.TrackedEvent{
				EventID:      id + "-conv",
				ExperimentID: "pricing",
				AllocationID: id,
				EventType:    model.EventConversion,
				EventData:    map[string]interface{}{"metric": "purchase"},
			})
		}
	}
}

func newAggregator(t *testing.T, src *fakeSource) *Aggregator {
	t.Helper()
	s := store.NewState(nil)
	require.NoError(t, s.SetExperiment(pricingExperiment()))
	return NewAggregator(s, src, src, 0, nil)
}

func TestComputeMetrics_CountsParticipantsAndConversions(t *testing.T) {
	src := &fakeSource{}
	populate(src, "control", 100, 10)
	populate(src, "discount", 100, 20)

	m, err := newAggregator(t, src).ComputeMetrics(context.Background(), "pricing")
	require.NoError(t, err)
	require.Len(t, m.Variants, 2)

	assert.Equal(t, "control", m.Variants[0].Name)
	assert.True(t, m.Variants[0].Control)
	assert.Equal(t, 100, m.Variants[0].Participants)
	assert.Equal(t, 10, m.Variants[0].Conversions)
	assert.InDelta(t, 0.10, m.Variants[0].ConversionRate, 1e-12)
	assert.Nil(t, m.Variants[0].Lift)

	require.NotNil(t, m.Variants[1].Lift)
	assert.InDelta(t, 1.0, *m.Variants[1].Lift, 1e-12)
	require.NotNil(t, m.Lift)
	assert.InDelta(t, 1.0, *m.Lift, 1e-12)
	require.NotNil(t, m.Confidence)
}

func TestComputeMetrics_DuplicateEvents_CountedOnce(t *testing.T) {
	src := &fakeSource{}
	populate(src, "control", 10, 5)
	src.events = append(src.events, src.events...)

	m, err := newAggregator(t, src).ComputeMetrics(context.Background(), "pricing")
	require.NoError(t, err)
	assert.Equal(t, 10, m.Variants[0].Participants)
	assert.Equal(t, 5, m.Variants[0].Conversions)
}

func TestComputeMetrics_ConversionWithoutExposure_Ignored(t *testing.T) {
	src := &fakeSource{
		allocations: []model.Allocation{{AllocationID: "a1", EntityID: "pricing", Included: true, VariantName: "control"}},
		events: []model.TrackedEvent{{
			ExperimentID: "pricing", AllocationID: "a1", EventType: model.EventConversion,
		}},
	}

	m, err := newAggregator(t, src).ComputeMetrics(context.Background(), "pricing")
	require.NoError(t, err)
	assert.Zero(t, m.Variants[0].Participants)
	assert.Zero(t, m.Variants[0].Conversions)
}

func TestComputeMetrics_OtherMetricConversions_Ignored(t *testing.T) {
	src := &fakeSource{}
	populate(src, "control", 10, 0)
	src.events = append(src.events, model.TrackedEvent{
		ExperimentID: "pricing",
		AllocationID: "control-0",
		EventType:    model.EventConversion,
		EventData:    map[string]interface{}{"metric": "signup"},
	})

	m, err := newAggregator(t, src).ComputeMetrics(context.Background(), "pricing")
	require.NoError(t, err)
	assert.Zero(t, m.Variants[0].Conversions)
}

func TestComputeMetrics_UnknownAllocation_Ignored(t *testing.T) {
	src := &fakeSource{}
	populate(src, "control", 10, 1)
	src.events = append(src.events, model.TrackedEvent{
		ExperimentID: "pricing", AllocationID: "forged", EventType: model.EventExposure,
	})

	m, err := newAggregator(t, src).ComputeMetrics(context.Background(), "pricing")
	require.NoError(t, err)
	assert.Equal(t, 10, m.Variants[0].Participants)
}

func TestComputeMetrics_NoData_NoDivideByZero(t *testing.T) {
	m, err := newAggregator(t, &fakeSource{}).ComputeMetrics(context.Background(), "pricing")
	require.NoError(t, err)

	for _, v := range m.Variants {
		assert.Zero(t, v.ConversionRate)
	}
	assert.Nil(t, m.Lift)
	require.NotNil(t, m.Confidence)
	assert.Zero(t, *m.Confidence)
	assert.Empty(t, m.WinningVariant)
}

func TestComputeMetrics_ZeroControlRate_LiftUndefined(t *testing.T) {
	src := &fakeSource{}
	populate(src, "control", 100, 0)
	populate(src, "discount", 100, 30)

	m, err := newAggregator(t, src).ComputeMetrics(context.Background(), "pricing")
	require.NoError(t, err)
	assert.Nil(t, m.Lift)
	assert.Empty(t, m.WinningVariant)
}

func TestComputeMetrics_SignificantImprovement_DeclaresWinner(t *testing.T) {
	src := &fakeSource{}
	populate(src, "control", 1000, 100)
	populate(src, "discount", 1000, 150)

	m, err := newAggregator(t, src).ComputeMetrics(context.Background(), "pricing")
	require.NoError(t, err)
	assert.Greater(t, *m.Confidence, DefaultWinnerThreshold)
	assert.Equal(t, "discount", m.WinningVariant)
}

func TestComputeMetrics_SignificantRegression_NoWinner(t *testing.T) {
	src := &fakeSource{}
	populate(src, "control", 1000, 150)
	populate(src, "discount", 1000, 100)

	m, err := newAggregator(t, src).ComputeMetrics(context.Background(), "pricing")
	require.NoError(t, err)
	assert.Greater(t, *m.Confidence, DefaultWinnerThreshold)
	assert.Negative(t, *m.Lift)
	assert.Empty(t, m.WinningVariant)
}

func TestComputeMetrics_SmallSample_NoWinner(t *testing.T) {
	src := &fakeSource{}
	populate(src, "control", 20, 2)
	populate(src, "discount", 20, 3)

	m, err := newAggregator(t, src).ComputeMetrics(context.Background(), "pricing")
	require.NoError(t, err)
	assert.Positive(t, *m.Lift)
	assert.Less(t, *m.Confidence, DefaultWinnerThreshold)
	assert.Empty(t, m.WinningVariant)
}

func TestComputeMetrics_MoreDataSameRates_ConfidenceDoesNotDrop(t *testing.T) {
	prev := -1.0
	for _, n := range []int{50, 100, 200, 400} {
		src := &fakeSource{}
		populate(src, "control", n, n/10)
		populate(src, "discount", n, n*13/100)

		m, err := newAggregator(t, src).ComputeMetrics(context.Background(), "pricing")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, *m.Confidence, prev)
		prev = *m.Confidence
	}
}

func TestComputeMetrics_UnknownExperiment(t *testing.T) {
	_, err := newAggregator(t, &fakeSource{}).ComputeMetrics(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrExperimentNotFound)
}

func TestComputeMetrics_SourceError_Propagated(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := newAggregator(t, &fakeSource{err: boom}).ComputeMetrics(context.Background(), "pricing")
	assert.ErrorIs(t, err, boom)
}

func TestNewAggregator_InvalidThreshold_UsesDefault(t *testing.T) {
	a := NewAggregator(store.NewState(nil), &fakeSource{}, &fakeSource{}, 1.5, nil)
	assert.Equal(t, DefaultWinnerThreshold, a.threshold)
}
