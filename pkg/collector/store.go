// Package collector stores tracked experiment events delivered by trackers.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
)

var (
	ErrInvalidEvent = errors.New("invalid event")

	eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rolloutd_collector_events_total",
		Help: "Events received by the collector by outcome",
	}, []string{"outcome"})
)

// IEventStore persists events idempotently by event id.
type IEventStore interface {
	// Append stores events and returns how many were new.
	Append(ctx context.Context, events []model.TrackedEvent) (int, error)
	Events(ctx context.Context, experimentID string) ([]model.TrackedEvent, error)
}

// Collector validates incoming batches before handing them to a store.
type Collector struct {
	store  IEventStore
	logger *log.Entry
}

func New(store IEventStore, logger *log.Entry) *Collector {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Collector{store: store, logger: logger.WithField("component", "collector")}
}

// Ingest stores a batch. The whole batch is rejected if any event is
// malformed, so a tracker retry never half-applies.
func (c *Collector) Ingest(ctx context.Context, batch model.EventBatch) (int, error) {
	for i, e := range batch.Events {
		if err := validate(e); err != nil {
			eventsIngested.WithLabelValues("rejected").Add(float64(len(batch.Events)))
			return 0, fmt.Errorf("event %d: %w", i, err)
		}
	}

	stored, err := c.store.Append(ctx, batch.Events)
	if err != nil {
		eventsIngested.WithLabelValues("error").Add(float64(len(batch.Events)))
		return 0, fmt.Errorf("unable to store events: %w", err)
	}
	eventsIngested.WithLabelValues("stored").Add(float64(stored))
	eventsIngested.WithLabelValues("duplicate").Add(float64(len(batch.Events) - stored))
	c.logger.Debugf("stored %d of %d events", stored, len(batch.Events))
	return stored, nil
}

func (c *Collector) Events(ctx context.Context, experimentID string) ([]model.TrackedEvent, error) {
	return c.store.Events(ctx, experimentID)
}

func validate(e model.TrackedEvent) error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: missing eventId", ErrInvalidEvent)
	case e.ExperimentID == "":
		return fmt.Errorf("%w: missing experimentId", ErrInvalidEvent)
	case e.AllocationID == "":
		return fmt.Errorf("%w: missing allocationId", ErrInvalidEvent)
	}
	switch e.EventType {
	case model.EventExposure, model.EventConversion, model.EventCustom:
		return nil
	default:
		return fmt.Errorf("%w: unknown eventType %q", ErrInvalidEvent, e.EventType)
	}
}

// MemoryStore keeps events in process memory.
type MemoryStore struct {
	mu           sync.RWMutex
	seen         map[string]bool
	byExperiment map[string][]model.TrackedEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:         map[string]bool{},
		byExperiment: map[string][]model.TrackedEvent{},
	}
}

func (m *MemoryStore) Append(_ context.Context, events []model.TrackedEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := 0
	for _, e := range events {
		if m.seen[e.EventID] {
			continue
		}
		m.seen[e.EventID] = true
		m.byExperiment[e.ExperimentID] = append(m.byExperiment[e.ExperimentID], e)
		stored++
	}
	return stored, nil
}

func (m *MemoryStore) Events(_ context.Context, experimentID string) ([]model.TrackedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.TrackedEvent(nil), m.byExperiment[experimentID]...), nil
}
