// Package experiment assigns subjects to experiment variants.
package experiment

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/zenith-engineer/rolloutd/core/pkg/bucket"
	"github.com/zenith-engineer/rolloutd/core/pkg/model"
	"github.com/zenith-engineer/rolloutd/core/pkg/store"
)

var allocationsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rolloutd_experiment_allocations_total",
	Help: "Experiment allocation decisions by experiment, variant and reason",
}, []string{"experiment", "variant", "reason"})

// ids that resolve to nothing share one series
const unknownLabel = "_unknown"

// IAllocator assigns subjects to experiment variants.
type IAllocator interface {
	Allocate(ctx context.Context, experimentID string, user model.User, forceVariant string) model.Allocation
}

// IRecorder persists newly issued allocations.
type IRecorder interface {
	RecordAllocation(ctx context.Context, alloc model.Allocation) error
}

type Allocator struct {
	store       store.IStore
	allocations *store.Allocations
	hasher      bucket.Hasher
	recorder    IRecorder
	now         func() time.Time
	logger      *log.Entry
}

type Option func(*Allocator)

// WithRecorder persists every new allocation through r. Failures are logged, not returned.
func WithRecorder(r IRecorder) Option {
	return func(a *Allocator) {
		a.recorder = r
	}
}

func WithHasher(h bucket.Hasher) Option {
	return func(a *Allocator) {
		a.hasher = h
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Allocator) {
		a.now = now
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

func NewAllocator(s store.IStore, allocations *store.Allocations, opts ...Option) *Allocator {
	a := &Allocator{
		store:       s,
		allocations: allocations,
		now:         time.Now,
		logger:      log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithField("component", "allocator")
	return a
}

// Allocate returns the subject's allocation for experimentID. A subject that
// already holds an allocation gets the same one back. Non-running, unknown
// or out-of-window experiments yield an excluded allocation, never an error.
func (a *Allocator) Allocate(ctx context.Context, experimentID string, user model.User, forceVariant string) model.Allocation {
	subject := user.SubjectKey()
	version := a.store.Version()

	exp, ok := a.store.Experiment(experimentID)
	if !ok {
		return a.exclude(subject, experimentID, model.UnknownReason, version)
	}

	switch exp.Status {
	case model.StatusRunning:
	case model.StatusPaused:
		if prev, ok := a.allocations.Find(subject, experimentID); ok {
			return prev
		}
		return a.exclude(subject, experimentID, model.NotRunningReason, version)
	default:
		return a.exclude(subject, experimentID, model.NotRunningReason, version)
	}

	if !exp.InWindow(a.now()) {
		return a.exclude(subject, experimentID, model.OutsideWindowReason, version)
	}

	if forceVariant != "" {
		if _, ok := exp.Variant(forceVariant); ok {
			alloc := a.issue(subject, exp.ID, forceVariant, model.ForcedReason, version)
			a.allocations.Record(alloc)
			a.persist(ctx, alloc)
			return alloc
		}
		a.logger.Debugf("ignoring unknown forced variant %q for experiment %s", forceVariant, experimentID)
	}

	if prev, ok := a.allocations.Find(subject, experimentID); ok {
		return prev
	}

	if a.hasher.Bucket(subject, bucket.TrafficSalt(exp.ID))*100 >= exp.Traffic() {
		return a.exclude(subject, experimentID, model.TrafficReason, version)
	}

	variant, ok := SelectVariant(exp.Variants, a.hasher.Bucket(subject, bucket.VariantSalt(exp.ID)))
	if !ok {
		return a.exclude(subject, experimentID, model.NoVariantsReason, version)
	}

	alloc, created := a.allocations.RecordIfAbsent(a.issue(subject, exp.ID, variant, model.SplitReason, version))
	if created {
		a.persist(ctx, alloc)
	}
	return alloc
}

// Lookup returns a previously issued allocation by id, superseded ones
// included.
func (a *Allocator) Lookup(allocationID string) (model.Allocation, bool) {
	return a.allocations.Get(allocationID)
}

// Allocations lists every allocation issued for experimentID.
func (a *Allocator) Allocations(_ context.Context, experimentID string) ([]model.Allocation, error) {
	return a.allocations.ForExperiment(experimentID), nil
}

// SelectVariant picks the first variant whose cumulative normalized weight
// exceeds v. A v landing exactly on a boundary goes to the later variant.
// It reports false when no variant carries positive weight.
func SelectVariant(variants []model.Variant, v float64) (string, bool) {
	total := 0.0
	for _, variant := range variants {
		if variant.Weight > 0 {
			total += variant.Weight
		}
	}
	if total <= 0 {
		return "", false
	}

	cumulative := 0.0
	last := ""
	for _, variant := range variants {
		if variant.Weight <= 0 {
			continue
		}
		cumulative += variant.Weight / total
		last = variant.Name
		if v < cumulative {
			return variant.Name, true
		}
	}
	// floating point shortfall below 1.0
	return last, true
}

func (a *Allocator) issue(subject, experimentID, variant, reason string, version uint64) model.Allocation {
	allocationsIssued.WithLabelValues(experimentID, variant, reason).Inc()
	return model.Allocation{
		AllocationID:  xid.New().String(),
		SubjectKey:    subject,
		EntityID:      experimentID,
		Included:      true,
		VariantName:   variant,
		Reason:        reason,
		ConfigVersion: version,
		AllocatedAt:   a.now().UTC(),
	}
}

func (a *Allocator) exclude(subject, experimentID, reason string, version uint64) model.Allocation {
	label := experimentID
	if reason == model.UnknownReason {
		label = unknownLabel
	}
	allocationsIssued.WithLabelValues(label, "", reason).Inc()
	return model.Excluded(subject, experimentID, reason, version)
}

func (a *Allocator) persist(ctx context.Context, alloc model.Allocation) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.RecordAllocation(ctx, alloc); err != nil {
		a.logger.Warnf("unable to persist allocation %s: %v", alloc.AllocationID, err)
	}
}
