package store

import (
	"fmt"
	"sort"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
)

func (s *State) Experiment(id string) (*model.ExperimentDefinition, bool) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(experimentsTable, "id", id)
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*model.ExperimentDefinition).Clone(), true
}

// Experiments returns every experiment ordered by id.
func (s *State) Experiments() []*model.ExperimentDefinition {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(experimentsTable, "id")
	if err != nil {
		panic(err)
	}

	var experiments []*model.ExperimentDefinition
	for obj := it.Next(); obj != nil; obj = it.Next() {
		experiments = append(experiments, obj.(*model.ExperimentDefinition).Clone())
	}
	sort.Slice(experiments, func(i, j int) bool { return experiments[i].ID < experiments[j].ID })
	return experiments
}

// SetExperiment inserts or replaces an experiment definition, status included.
func (s *State) SetExperiment(exp model.ExperimentDefinition) error {
	if err := exp.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(experimentsTable, exp.Clone()); err != nil {
		return fmt.Errorf("unable to store experiment %s: %w", exp.ID, err)
	}
	s.commit(txn)
	return nil
}

// SetExperimentStatus moves an experiment through its lifecycle. Setting the
// current status again is a no-op.
func (s *State) SetExperimentStatus(id string, status model.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", model.ErrInvalidStatus, status)
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(experimentsTable, "id", id)
	if err != nil {
		return fmt.Errorf("unable to read experiment %s: %w", id, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: %s", model.ErrExperimentNotFound, id)
	}

	exp := raw.(*model.ExperimentDefinition).Clone()
	if exp.Status == status {
		return nil
	}
	if !exp.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, exp.Status, status)
	}

	s.logger.Infof("experiment %s: %s -> %s", id, exp.Status, status)
	exp.Status = status
	if err := txn.Insert(experimentsTable, exp); err != nil {
		return fmt.Errorf("unable to store experiment %s: %w", id, err)
	}
	s.commit(txn)
	return nil
}
