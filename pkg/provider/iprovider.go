package provider

import (
	"context"

	"github.com/zenith-engineer/rolloutd/core/pkg/store"
)

// IProvider feeds flag and experiment definitions into the store.
type IProvider interface {
	// Initialize performs the first load; an error here is fatal.
	Initialize(ctx context.Context) error
	// Watch applies later changes until ctx is done.
	Watch(ctx context.Context) error
}

// UpdateHandler is told which definitions a reload created or changed.
type UpdateHandler func(notifications map[string]store.NotificationType)
