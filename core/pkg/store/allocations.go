package store

import (
	"github.com/hashicorp/go-memdb"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
)

const (
	allocationsTable = "allocations"
	currentTable     = "current"
)

// current points a subject at its live allocation for one experiment.
// Superseded allocations stay in the allocations table so events tracked
// under their ids still join back to the variant they were served.
type current struct {
	SubjectKey   string
	EntityID     string
	AllocationID string
}

// Allocations records issued experiment allocations so repeated requests
// for the same subject return the original assignment and events can be
// joined back to their variant.
type Allocations struct {
	db *memdb.MemDB
}

func NewAllocations() *Allocations {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			allocationsTable: {
				Name: allocationsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "AllocationID"},
					},
					"entity": {
						Name:    "entity",
						Indexer: &memdb.StringFieldIndex{Field: "EntityID"},
					},
				},
			},
			currentTable: {
				Name: currentTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "SubjectKey"},
								&memdb.StringFieldIndex{Field: "EntityID"},
							},
						},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(err)
	}
	return &Allocations{db: db}
}

// Find returns the live allocation of subjectKey for experimentID.
func (a *Allocations) Find(subjectKey, experimentID string) (model.Allocation, bool) {
	txn := a.db.Txn(false)
	defer txn.Abort()

	return find(txn, subjectKey, experimentID)
}

// Get resolves any allocation ever issued, superseded ones included.
func (a *Allocations) Get(allocationID string) (model.Allocation, bool) {
	txn := a.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(allocationsTable, "id", allocationID)
	if err != nil || raw == nil {
		return model.Allocation{}, false
	}
	return *raw.(*model.Allocation), true
}

// ForExperiment lists every allocation issued for experimentID, superseded
// ones included.
func (a *Allocations) ForExperiment(experimentID string) []model.Allocation {
	txn := a.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(allocationsTable, "entity", experimentID)
	if err != nil {
		panic(err)
	}

	var out []model.Allocation
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*model.Allocation))
	}
	return out
}

// RecordIfAbsent stores alloc unless the subject already holds a live
// allocation for the experiment, in which case the existing one wins and is
// returned.
func (a *Allocations) RecordIfAbsent(alloc model.Allocation) (model.Allocation, bool) {
	txn := a.db.Txn(true)
	defer txn.Abort()

	if existing, ok := find(txn, alloc.SubjectKey, alloc.EntityID); ok {
		return existing, false
	}
	insert(txn, alloc)
	txn.Commit()
	return alloc, true
}

// Record stores alloc as the subject's live allocation. An earlier
// allocation is kept as history.
func (a *Allocations) Record(alloc model.Allocation) {
	txn := a.db.Txn(true)
	defer txn.Abort()

	insert(txn, alloc)
	txn.Commit()
}

func find(txn *memdb.Txn, subjectKey, experimentID string) (model.Allocation, bool) {
	ptr, err := txn.First(currentTable, "id", subjectKey, experimentID)
	if err != nil || ptr == nil {
		return model.Allocation{}, false
	}
	raw, err := txn.First(allocationsTable, "id", ptr.(*current).AllocationID)
	if err != nil || raw == nil {
		return model.Allocation{}, false
	}
	return *raw.(*model.Allocation), true
}

func insert(txn *memdb.Txn, alloc model.Allocation) {
	if err := txn.Insert(allocationsTable, &alloc); err != nil {
		panic(err)
	}
	ptr := &current{SubjectKey: alloc.SubjectKey, EntityID: alloc.EntityID, AllocationID: alloc.AllocationID}
	if err := txn.Insert(currentTable, ptr); err != nil {
		panic(err)
	}
}
