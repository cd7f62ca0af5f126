// Package session is the per-visitor handle through which consumers read
// flags, enroll in experiments and track events.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
	"github.com/zenith-engineer/rolloutd/core/pkg/store"
	"github.com/zenith-engineer/rolloutd/pkg/eval"
	"github.com/zenith-engineer/rolloutd/pkg/experiment"
)

const (
	DefaultCacheSize = 10000
	DefaultCacheTTL  = 24 * time.Hour
)

// IEventTracker queues events for delivery. *tracker.Tracker satisfies it.
type IEventTracker interface {
	Track(event model.TrackedEvent)
	TrackBatch(events []model.TrackedEvent)
}

// Cache holds allocations by subject and experiment. One cache is shared by
// all sessions of a process.
type Cache = expirable.LRU[string, model.Allocation]

func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return expirable.NewLRU[string, model.Allocation](size, nil, ttl)
}

type Deps struct {
	Store     store.IStore
	Flags     eval.IEvaluator
	Allocator experiment.IAllocator
	Tracker   IEventTracker
	Cache     *Cache
	Logger    *log.Entry
}

// Event is a consumer-side event before it is bound to an allocation.
type Event struct {
	ExperimentID string
	EventType    model.EventType
	EventValue   *float64
	EventData    map[string]interface{}
}

type Session struct {
	user   model.User
	deps   Deps
	now    func() time.Time
	logger *log.Entry
}

// New creates a session for user. A user without any identity gets a random
// session id so its anonymous traffic buckets independently of others.
func New(user model.User, deps Deps) *Session {
	if user.SubjectKey() == model.AnonymousSubject {
		user.SessionID = uuid.NewString()
	}
	if deps.Cache == nil {
		deps.Cache = NewCache(0, 0)
	}
	if deps.Logger == nil {
		deps.Logger = log.NewEntry(log.StandardLogger())
	}
	return &Session{
		user:   user,
		deps:   deps,
		now:    time.Now,
		logger: deps.Logger.WithFields(log.Fields{"component": "session", "subject": user.SubjectKey()}),
	}
}

func (s *Session) User() model.User {
	return s.user
}

func (s *Session) IsFeatureEnabled(flagKey string) bool {
	return s.deps.Flags.IsFeatureEnabled(flagKey, s.user)
}

func (s *Session) EnabledFeatures() []string {
	return s.deps.Flags.EnabledFeatures(s.user)
}

// Enroll allocates the session to experimentID and caches the result. An
// excluded allocation clears any cached one.
func (s *Session) Enroll(ctx context.Context, experimentID, forceVariant string) model.Allocation {
	alloc := s.deps.Allocator.Allocate(ctx, experimentID, s.user, forceVariant)
	key := s.cacheKey(experimentID)
	if alloc.Included {
		s.deps.Cache.Add(key, alloc)
	} else {
		s.deps.Cache.Remove(key)
	}
	return alloc
}

// Allocation returns the cached allocation for experimentID.
func (s *Session) Allocation(experimentID string) (model.Allocation, bool) {
	return s.deps.Cache.Get(s.cacheKey(experimentID))
}

func (s *Session) InExperiment(experimentID string) bool {
	_, ok := s.Allocation(experimentID)
	return ok
}

func (s *Session) Variant(experimentID string) (string, bool) {
	alloc, ok := s.Allocation(experimentID)
	if !ok {
		return "", false
	}
	return alloc.VariantName, true
}

// Configuration returns the payload of the session's variant.
func (s *Session) Configuration(experimentID string) (map[string]interface{}, bool) {
	name, ok := s.Variant(experimentID)
	if !ok {
		return nil, false
	}
	exp, ok := s.deps.Store.Experiment(experimentID)
	if !ok {
		return nil, false
	}
	variant, ok := exp.Variant(name)
	if !ok {
		return nil, false
	}
	return variant.Configuration, true
}

// TrackEvent queues one event. Tracking an experiment the session is not
// enrolled in is logged and ignored.
func (s *Session) TrackEvent(experimentID string, eventType model.EventType, value *float64, data map[string]interface{}) {
	if e, ok := s.bind(Event{ExperimentID: experimentID, EventType: eventType, EventValue: value, EventData: data}); ok {
		s.deps.Tracker.Track(e)
	}
}

func (s *Session) TrackEvents(events []Event) {
	batch := make([]model.TrackedEvent, 0, len(events))
	for _, e := range events {
		if bound, ok := s.bind(e); ok {
			batch = append(batch, bound)
		}
	}
	if len(batch) > 0 {
		s.deps.Tracker.TrackBatch(batch)
	}
}

func (s *Session) bind(e Event) (model.TrackedEvent, bool) {
	alloc, ok := s.Allocation(e.ExperimentID)
	if !ok {
		s.logger.Warnf("not enrolled in experiment %s, dropping %s event", e.ExperimentID, e.EventType)
		return model.TrackedEvent{}, false
	}
	return model.TrackedEvent{
		EventID:      uuid.NewString(),
		ExperimentID: e.ExperimentID,
		AllocationID: alloc.AllocationID,
		EventType:    e.EventType,
		EventValue:   e.EventValue,
		EventData:    e.EventData,
		Timestamp:    s.now().UTC(),
	}, true
}

func (s *Session) cacheKey(experimentID string) string {
	return s.user.SubjectKey() + "/" + experimentID
}
