package store

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
)

const (
	flagsTable       = "flags"
	experimentsTable = "experiments"
)

type NotificationType string

const (
	NotificationCreate NotificationType = "create"
	NotificationUpdate NotificationType = "update"
)

var configVersion = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "rolloutd_config_version",
	Help: "Current configuration version of the flag and experiment store",
})

// IStore is the read side of the configuration consumed by the allocators.
// Returned definitions are copies and may be modified by the caller.
type IStore interface {
	Flag(key string) (*model.FlagDefinition, bool)
	Flags() []*model.FlagDefinition
	Experiment(id string) (*model.ExperimentDefinition, bool)
	Experiments() []*model.ExperimentDefinition
	Version() uint64
}

// State holds flag and experiment definitions. Stored objects are never
// mutated in place: writers clone, modify and re-insert inside a write
// transaction, which memdb serializes.
type State struct {
	db      *memdb.MemDB
	version atomic.Uint64
	logger  *log.Entry
}

func NewState(logger *log.Entry) *State {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			flagsTable: {
				Name: flagsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
				},
			},
			experimentsTable: {
				Name: experimentsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(err)
	}

	return &State{
		db:     db,
		logger: logger.WithField("component", "store"),
	}
}

func (s *State) Version() uint64 {
	return s.version.Load()
}

func (s *State) Flag(key string) (*model.FlagDefinition, bool) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(flagsTable, "id", key)
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*model.FlagDefinition).Clone(), true
}

// Flags returns every flag ordered by key.
func (s *State) Flags() []*model.FlagDefinition {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(flagsTable, "id")
	if err != nil {
		panic(err)
	}

	var flags []*model.FlagDefinition
	for obj := it.Next(); obj != nil; obj = it.Next() {
		flags = append(flags, obj.(*model.FlagDefinition).Clone())
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })
	return flags
}

// SetFlag inserts or replaces a flag definition.
func (s *State) SetFlag(flag model.FlagDefinition) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(flagsTable, flag.Clone()); err != nil {
		panic(err)
	}
	s.commit(txn)
}

// Update merges definitions loaded from a static source. Definitions are
// never deleted; unchanged ones are skipped. Existing experiments keep
// their runtime status.
func (s *State) Update(
	flags map[string]model.FlagDefinition,
	experiments map[string]model.ExperimentDefinition,
) map[string]NotificationType {
	notifications := map[string]NotificationType{}
	txn := s.db.Txn(true)
	defer txn.Abort()

	for k, newFlag := range flags {
		newFlag.Key = k
		raw, err := txn.First(flagsTable, "id", k)
		if err != nil {
			panic(err)
		}
		if raw != nil {
			if reflect.DeepEqual(*raw.(*model.FlagDefinition), newFlag) {
				continue
			}
			notifications["flag/"+k] = NotificationUpdate
		} else {
			notifications["flag/"+k] = NotificationCreate
		}
		if err := txn.Insert(flagsTable, newFlag.Clone()); err != nil {
			panic(err)
		}
		s.logger.Debugf("stored flag %s", k)
	}

	for id, newExp := range experiments {
		newExp.ID = id
		if err := newExp.Validate(); err != nil {
			s.logger.Warnf("skipping experiment: %v", err)
			continue
		}
		raw, err := txn.First(experimentsTable, "id", id)
		if err != nil {
			panic(err)
		}
		if raw != nil {
			stored := raw.(*model.ExperimentDefinition)
			newExp.Status = stored.Status
			if reflect.DeepEqual(*stored, newExp) {
				continue
			}
			notifications["experiment/"+id] = NotificationUpdate
		} else {
			notifications["experiment/"+id] = NotificationCreate
		}
		if err := txn.Insert(experimentsTable, newExp.Clone()); err != nil {
			panic(err)
		}
		s.logger.Debugf("stored experiment %s", id)
	}

	if len(notifications) > 0 {
		s.commit(txn)
	}
	return notifications
}

// EnableFlag turns the master switch on. Unknown keys are ignored.
func (s *State) EnableFlag(key string) bool {
	return s.mutateFlag(key, func(f *model.FlagDefinition) {
		f.Enabled = true
	})
}

func (s *State) DisableFlag(key string) bool {
	return s.mutateFlag(key, func(f *model.FlagDefinition) {
		f.Enabled = false
	})
}

// UpdateRolloutPercentage sets the rollout, clamped to [0,100].
func (s *State) UpdateRolloutPercentage(key string, percentage float64) bool {
	p := model.ClampPercentage(percentage)
	return s.mutateFlag(key, func(f *model.FlagDefinition) {
		f.RolloutPercentage = &p
	})
}

// AddAllowedUser appends userID to the flag's user allow-list once.
func (s *State) AddAllowedUser(key, userID string) bool {
	if userID == "" {
		return false
	}
	return s.mutateFlag(key, func(f *model.FlagDefinition) {
		if !slices.Contains(f.AllowedUserIDs, userID) {
			f.AllowedUserIDs = append(f.AllowedUserIDs, userID)
		}
	})
}

func (s *State) mutateFlag(key string, fn func(*model.FlagDefinition)) bool {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(flagsTable, "id", key)
	if err != nil {
		panic(err)
	}
	if raw == nil {
		s.logger.Debugf("ignoring mutation of unknown flag %s", key)
		return false
	}

	flag := raw.(*model.FlagDefinition).Clone()
	fn(flag)
	if err := txn.Insert(flagsTable, flag); err != nil {
		panic(err)
	}
	s.commit(txn)
	return true
}

func (s *State) commit(txn *memdb.Txn) {
	txn.Commit()
	configVersion.Set(float64(s.version.Add(1)))
}

// String renders the store contents, mainly for debug logging.
func (s *State) String() string {
	return fmt.Sprintf("version=%d flags=%d experiments=%d", s.Version(), len(s.Flags()), len(s.Experiments()))
}
