// Package runtime runs the configuration providers and the service for the
// lifetime of a context.
package runtime

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zenith-engineer/rolloutd/pkg/provider"
	"github.com/zenith-engineer/rolloutd/pkg/service"
)

type Runtime struct {
	Service   service.IService
	Providers []provider.IProvider
	Logger    *log.Entry
}

// Start loads every provider, then serves and watches until ctx is done or
// any of them fails.
func (r *Runtime) Start(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = log.WithField("component", "runtime")
	}

	for i, p := range r.Providers {
		if err := p.Initialize(ctx); err != nil {
			return fmt.Errorf("provider %d: %w", i, err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, p := range r.Providers {
		p := p
		g.Go(func() error {
			return p.Watch(gCtx)
		})
	}
	g.Go(func() error {
		return r.Service.Serve(gCtx)
	})

	logger.Info("runtime started")
	err := g.Wait()
	logger.Info("runtime stopped")
	return err
}
