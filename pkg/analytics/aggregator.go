// Package analytics summarizes experiment events into per-variant conversion
// metrics and decides whether a variant beats control.
package analytics

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
	"github.com/zenith-engineer/rolloutd/core/pkg/store"
)

const DefaultWinnerThreshold = 0.95

// IEventSource reads stored events of one experiment.
type IEventSource interface {
	Events(ctx context.Context, experimentID string) ([]model.TrackedEvent, error)
}

// IAllocationSource reads issued allocations of one experiment.
type IAllocationSource interface {
	Allocations(ctx context.Context, experimentID string) ([]model.Allocation, error)
}

type VariantMetrics struct {
	Name           string   `json:"name"`
	Control        bool     `json:"control"`
	Participants   int      `json:"participants"`
	Conversions    int      `json:"conversions"`
	ConversionRate float64  `json:"conversionRate"`
	Lift           *float64 `json:"lift"`
	Confidence     *float64 `json:"confidence"`
}

type ExperimentMetrics struct {
	ExperimentID   string           `json:"experimentId"`
	PrimaryMetric  string           `json:"primaryMetric,omitempty"`
	Variants       []VariantMetrics `json:"variants"`
	Lift           *float64         `json:"lift"`
	Confidence     *float64         `json:"confidence"`
	WinningVariant string           `json:"winningVariant,omitempty"`
}

type Aggregator struct {
	store       store.IStore
	events      IEventSource
	allocations IAllocationSource
	threshold   float64
	logger      *log.Entry
}

func NewAggregator(s store.IStore, events IEventSource, allocations IAllocationSource, threshold float64, logger *log.Entry) *Aggregator {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultWinnerThreshold
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Aggregator{
		store:       s,
		events:      events,
		allocations: allocations,
		threshold:   threshold,
		logger:      logger.WithField("component", "aggregator"),
	}
}

func (a *Aggregator) ComputeMetrics(ctx context.Context, experimentID string) (*ExperimentMetrics, error) {
	exp, ok := a.store.Experiment(experimentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrExperimentNotFound, experimentID)
	}

	allocations, err := a.allocations.Allocations(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("unable to read allocations: %w", err)
	}
	events, err := a.events.Events(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("unable to read events: %w", err)
	}

	m, orphans := Summarize(*exp, allocations, events, a.threshold)
	if orphans > 0 {
		a.logger.Warnf("experiment %s: ignored %d events with unknown allocation ids", experimentID, orphans)
	}
	return m, nil
}

// Summarize builds metrics from raw allocations and events. A participant is
// an allocation with at least one exposure; a conversion is a participant
// with at least one conversion event for the primary metric. It also returns
// the number of events whose allocation id was not found.
func Summarize(exp model.ExperimentDefinition, allocations []model.Allocation, events []model.TrackedEvent, threshold float64) (*ExperimentMetrics, int) {
	variantOf := make(map[string]string, len(allocations))
	for _, alloc := range allocations {
		if alloc.Included && alloc.EntityID == exp.ID {
			variantOf[alloc.AllocationID] = alloc.VariantName
		}
	}

	exposed := map[string]bool{}
	converted := map[string]bool{}
	orphans := 0
	for _, e := range events {
		if e.ExperimentID != exp.ID {
			continue
		}
		if _, ok := variantOf[e.AllocationID]; !ok {
			orphans++
			continue
		}
		switch e.EventType {
		case model.EventExposure:
			exposed[e.AllocationID] = true
		case model.EventConversion:
			if countsFor(exp.PrimaryMetric, e) {
				converted[e.AllocationID] = true
			}
		}
	}

	participants := map[string]int{}
	conversions := map[string]int{}
	for id := range exposed {
		participants[variantOf[id]]++
		if converted[id] {
			conversions[variantOf[id]]++
		}
	}

	control, _ := exp.Control()
	m := &ExperimentMetrics{
		ExperimentID:  exp.ID,
		PrimaryMetric: exp.PrimaryMetric,
		Variants:      make([]VariantMetrics, 0, len(exp.Variants)),
	}
	for _, v := range exp.Variants {
		vm := VariantMetrics{
			Name:         v.Name,
			Control:      v.Name == control.Name,
			Participants: participants[v.Name],
			Conversions:  conversions[v.Name],
		}
		if vm.Participants > 0 {
			vm.ConversionRate = float64(vm.Conversions) / float64(vm.Participants)
		}
		m.Variants = append(m.Variants, vm)
	}

	var baseline VariantMetrics
	for _, vm := range m.Variants {
		if vm.Control {
			baseline = vm
		}
	}

	var leader *VariantMetrics
	bestWinnerLift := 0.0
	for i := range m.Variants {
		vm := &m.Variants[i]
		if vm.Control {
			continue
		}
		if lift, ok := Lift(baseline.ConversionRate, vm.ConversionRate); ok {
			vm.Lift = &lift
		}
		_, confidence := TwoProportionZTest(baseline.Conversions, baseline.Participants, vm.Conversions, vm.Participants)
		vm.Confidence = &confidence

		if leader == nil || liftOf(vm) > liftOf(leader) {
			leader = vm
		}
		if vm.Lift != nil && *vm.Lift > 0 && confidence > threshold && *vm.Lift > bestWinnerLift {
			bestWinnerLift = *vm.Lift
			m.WinningVariant = vm.Name
		}
	}
	if leader != nil {
		m.Lift = leader.Lift
		m.Confidence = leader.Confidence
	}
	return m, orphans
}

// countsFor reports whether a conversion event counts toward metric. Events
// that name no metric count toward any.
func countsFor(metric string, e model.TrackedEvent) bool {
	if metric == "" {
		return true
	}
	name, ok := e.EventData["metric"].(string)
	return !ok || name == metric
}

func liftOf(vm *VariantMetrics) float64 {
	if vm.Lift == nil {
		return -1
	}
	return *vm.Lift
}
