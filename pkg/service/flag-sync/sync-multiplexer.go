package sync

import (
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
	"github.com/zenith-engineer/rolloutd/core/pkg/store"
)

// Payload is one rendered configuration snapshot.
type Payload struct {
	Version uint64
	Config  string
}

// Multiplexer keeps a pre-rendered snapshot of the store and fans it out to
// subscribers whenever the configuration changes.
type Multiplexer struct {
	store  store.IStore
	logger *log.Entry

	subs    map[interface{}]chan Payload
	current Payload

	mu sync.RWMutex
}

type snapshot struct {
	Version     uint64                                `json:"version"`
	Flags       map[string]*model.FlagDefinition       `json:"flags"`
	Experiments map[string]*model.ExperimentDefinition `json:"experiments"`
}

// NewMux creates a new sync multiplexer
func NewMux(s store.IStore, logger *log.Entry) (*Multiplexer, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	m := &Multiplexer{
		store:  s,
		logger: logger.WithField("component", "sync"),
		subs:   map[interface{}]chan Payload{},
	}
	return m, m.reFill()
}

// Register a subscription and return the current snapshot.
func (r *Multiplexer) Register(id interface{}, con chan Payload) Payload {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[id] = con
	return r.current
}

// Unregister a subscription
func (r *Multiplexer) Unregister(id interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs, id)
}

// Publish re-renders the snapshot and pushes it to every subscriber. A
// payload the subscriber has not consumed yet is replaced by the new one, so
// a buffered subscriber always ends on the latest version.
func (r *Multiplexer) Publish() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reFill(); err != nil {
		return err
	}

	for id, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- r.current:
		default:
			r.logger.Debugf("subscriber %v is busy, skipping version %d", id, r.current.Version)
		}
	}
	return nil
}

// Snapshot returns the last rendered configuration.
func (r *Multiplexer) Snapshot() Payload {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.current
}

func (r *Multiplexer) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subs)
}

// reFill local configuration values
func (r *Multiplexer) reFill() error {
	snap := snapshot{
		Version:     r.store.Version(),
		Flags:       map[string]*model.FlagDefinition{},
		Experiments: map[string]*model.ExperimentDefinition{},
	}
	for _, f := range r.store.Flags() {
		snap.Flags[f.Key] = f
	}
	for _, e := range r.store.Experiments() {
		snap.Experiments[e.ID] = e
	}

	bytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("unable to marshal configuration: %w", err)
	}

	r.current = Payload{Version: snap.Version, Config: string(bytes)}
	return nil
}
