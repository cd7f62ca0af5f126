package service

import (
	"context"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
	"github.com/zenith-engineer/rolloutd/pkg/analytics"
	"github.com/zenith-engineer/rolloutd/pkg/experiment"
)

// IService exposes the engine to remote callers until ctx is done.
type IService interface {
	Serve(ctx context.Context) error
}

// IAdmin mutates the configuration store. Unknown keys report false.
type IAdmin interface {
	EnableFlag(key string) bool
	DisableFlag(key string) bool
	UpdateRolloutPercentage(key string, percentage float64) bool
	AddAllowedUser(key, userID string) bool
	SetExperimentStatus(id string, status model.Status) error
}

type IMetrics interface {
	ComputeMetrics(ctx context.Context, experimentID string) (*analytics.ExperimentMetrics, error)
}

type IIngester interface {
	Ingest(ctx context.Context, batch model.EventBatch) (int, error)
}

// IAllocations issues allocations and resolves issued ones by id.
type IAllocations interface {
	experiment.IAllocator
	Lookup(allocationID string) (model.Allocation, bool)
}
