// Package tracker buffers experiment events and ships them to a collector in batches.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron"
	log "github.com/sirupsen/logrus"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
)

const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxQueueSize  = 1000
)

var (
	eventsTracked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rolloutd_tracker_events_total",
		Help: "Events accepted into the tracker queue",
	})
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rolloutd_tracker_events_dropped_total",
		Help: "Events discarded because the queue exceeded its cap",
	})
	flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rolloutd_tracker_flushes_total",
		Help: "Batch flushes by outcome",
	}, []string{"outcome"})
)

var ErrNotStarted = errors.New("tracker not started")

// ISender delivers one batch. A nil error means the collector acknowledged it.
type ISender interface {
	Send(ctx context.Context, events []model.TrackedEvent) error
}

type Config struct {
	// BatchSize is the queue length that triggers a flush.
	BatchSize int
	// FlushInterval is the period of the background flush. Sub-second values round up to one second.
	FlushInterval time.Duration
	// MaxQueueSize caps buffered events; the oldest are dropped beyond it.
	MaxQueueSize int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MaxQueueSize < c.BatchSize {
		c.MaxQueueSize = c.BatchSize
	}
	return c
}

// Tracker is an append-only event queue flushed on size, on a timer, or on
// demand. A failed batch is put back in front of newer events and retried on
// the next flush, so delivery is at-least-once up to the queue cap.
type Tracker struct {
	sender ISender
	cfg    Config
	logger *log.Entry

	mu    sync.Mutex
	queue []model.TrackedEvent

	// held for the whole swap-send-requeue cycle so batches keep their order
	sendMu sync.Mutex

	flushCh   chan struct{}
	scheduler *cron.Cron
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(sender ISender, cfg Config, logger *log.Entry) *Tracker {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Tracker{
		sender:  sender,
		cfg:     cfg.withDefaults(),
		logger:  logger.WithField("component", "tracker"),
		flushCh: make(chan struct{}, 1),
	}
}

// Start launches the interval schedule and the size-triggered flush loop.
func (t *Tracker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.scheduler = cron.New()
	if err := t.scheduler.AddFunc("@every "+t.cfg.FlushInterval.String(), t.requestFlush); err != nil {
		cancel()
		return fmt.Errorf("unable to schedule flush: %w", err)
	}
	t.scheduler.Start()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.flushCh:
				if err := t.Flush(ctx); err != nil {
					t.logger.Warn(err)
				}
			}
		}
	}()
	return nil
}

// Stop halts background flushing and makes a final attempt to deliver the queue.
func (t *Tracker) Stop(ctx context.Context) error {
	if t.cancel == nil {
		return ErrNotStarted
	}
	t.scheduler.Stop()
	t.cancel()
	t.wg.Wait()
	return t.Flush(ctx)
}

// Track enqueues one event. Events without an allocation id are dropped.
func (t *Tracker) Track(event model.TrackedEvent) {
	t.TrackBatch([]model.TrackedEvent{event})
}

func (t *Tracker) TrackBatch(events []model.TrackedEvent) {
	accepted := make([]model.TrackedEvent, 0, len(events))
	for _, e := range events {
		if e.AllocationID == "" {
			t.logger.Warnf("dropping %s event for experiment %s: no allocation", e.EventType, e.ExperimentID)
			continue
		}
		if e.EventID == "" {
			e.EventID = uuid.NewString()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
		accepted = append(accepted, e)
	}
	if len(accepted) == 0 {
		return
	}

	t.mu.Lock()
	t.queue = append(t.queue, accepted...)
	t.trim()
	full := len(t.queue) >= t.cfg.BatchSize
	t.mu.Unlock()

	eventsTracked.Add(float64(len(accepted)))
	if full {
		t.requestFlush()
	}
}

// Flush sends the whole queue as one batch.
func (t *Tracker) Flush(ctx context.Context) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	batch := t.queue
	t.queue = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := t.sender.Send(ctx, batch); err != nil {
		t.mu.Lock()
		t.queue = append(batch, t.queue...)
		t.trim()
		t.mu.Unlock()
		flushes.WithLabelValues("failure").Inc()
		return fmt.Errorf("unable to deliver %d events, requeued: %w", len(batch), err)
	}

	flushes.WithLabelValues("success").Inc()
	t.logger.Debugf("delivered %d events", len(batch))
	return nil
}

// Pending returns the number of buffered events.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *Tracker) requestFlush() {
	select {
	case t.flushCh <- struct{}{}:
	default:
	}
}

// trim drops the oldest events beyond the cap. Callers hold t.mu.
func (t *Tracker) trim() {
	over := len(t.queue) - t.cfg.MaxQueueSize
	if over <= 0 {
		return
	}
	t.queue = append([]model.TrackedEvent(nil), t.queue[over:]...)
	eventsDropped.Add(float64(over))
	t.logger.Warnf("event queue over capacity, dropped %d oldest events", over)
}
