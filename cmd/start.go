package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zenith-engineer/rolloutd/core/pkg/bucket"
	"github.com/zenith-engineer/rolloutd/core/pkg/store"
	"github.com/zenith-engineer/rolloutd/pkg/analytics"
	"github.com/zenith-engineer/rolloutd/pkg/collector"
	"github.com/zenith-engineer/rolloutd/pkg/eval"
	"github.com/zenith-engineer/rolloutd/pkg/experiment"
	"github.com/zenith-engineer/rolloutd/pkg/provider"
	"github.com/zenith-engineer/rolloutd/pkg/runtime"
	"github.com/zenith-engineer/rolloutd/pkg/service"
	flagsync "github.com/zenith-engineer/rolloutd/pkg/service/flag-sync"
)

// eventStore bundles the collector storage with the allocation registry the
// aggregator reads from.
type eventStore struct {
	events      collector.IEventStore
	recorder    experiment.IRecorder
	allocations analytics.IAllocationSource
	close       func()
}

func findService(name string, server *service.Server) (service.IService, error) {
	registeredServices := map[string]service.IService{
		"http": &service.HTTPService{
			HTTPServiceConfiguration: &service.HTTPServiceConfiguration{
				Port: viper.GetInt32("port"),
			},
			Server: server,
		},
	}
	v, ok := registeredServices[name]
	if !ok {
		return nil, fmt.Errorf("unknown service-provider %q", name)
	}
	log.Debugf("Using %s service-provider", name)
	return v, nil
}

func findProvider(name string, state *store.State, onUpdate provider.UpdateHandler) (provider.IProvider, error) {
	registeredSync := map[string]provider.IProvider{
		"filepath": provider.NewFilePathProvider(viper.GetString("uri"), state, onUpdate, log.WithField("sync", name)),
	}
	v, ok := registeredSync[name]
	if !ok {
		return nil, fmt.Errorf("unknown sync-provider %q", name)
	}
	log.Debugf("Using %s sync-provider", name)
	return v, nil
}

func findEventStore(ctx context.Context, name string) (*eventStore, error) {
	switch name {
	case "memory":
		return &eventStore{events: collector.NewMemoryStore(), close: func() {}}, nil
	case "postgres":
		url := viper.GetString("db-url")
		if url == "" {
			return nil, errors.New("db-url is required for the postgres event store")
		}
		pg, err := collector.NewPostgresStore(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("unable to apply schema: %w", err)
		}
		return &eventStore{events: pg, recorder: pg, allocations: pg, close: pg.Close}, nil
	default:
		return nil, fmt.Errorf("unknown event-store %q", name)
	}
}

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start rolloutd",
	Long:  ``,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		logger := log.WithField("environment", viper.GetString("environment"))
		state := store.NewState(logger)
		hasher := bucket.Hasher{GlobalSalt: viper.GetString("salt")}

		mux, err := flagsync.NewMux(state, logger)
		if err != nil {
			return err
		}

		// Configure provider impl--------------------------------------------
		providerImpl, err := findProvider(viper.GetString("sync-provider"), state, func(map[string]store.NotificationType) {
			if err := mux.Publish(); err != nil {
				logger.Errorf("unable to publish configuration: %v", err)
			}
		})
		if err != nil {
			return err
		}

		// Configure event storage------------------------------------------------
		events, err := findEventStore(ctx, viper.GetString("event-store"))
		if err != nil {
			return err
		}
		defer events.close()

		opts := []experiment.Option{experiment.WithHasher(hasher), experiment.WithLogger(logger)}
		if events.recorder != nil {
			opts = append(opts, experiment.WithRecorder(events.recorder))
		}
		allocator := experiment.NewAllocator(state, store.NewAllocations(), opts...)
		if events.allocations == nil {
			events.allocations = allocator
		}

		coll := collector.New(events.events, logger)
		server := &service.Server{
			Flags:     eval.NewFlagEvaluator(state, viper.GetString("environment"), hasher, logger),
			Admin:     state,
			Allocator: allocator,
			Collector: coll,
			Metrics:   analytics.NewAggregator(state, coll, events.allocations, viper.GetFloat64("winner-threshold"), logger),
			Sync:      mux,
			Logger:    logger.WithField("component", "service"),
		}

		// Configure service-provider impl------------------------------------------
		serviceImpl, err := findService(viper.GetString("service-provider"), server)
		if err != nil {
			return err
		}

		// Serve ------------------------------------------------------------------
		rt := &runtime.Runtime{
			Service:   serviceImpl,
			Providers: []provider.IProvider{providerImpl},
			Logger:    logger.WithField("component", "runtime"),
		}
		if err := rt.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	flags := startCmd.Flags()
	flags.Int32P("port", "p", 8013, "Port to listen on")
	flags.StringP("service-provider", "s", "http", "Set a serve provider e.g. http")
	flags.StringP("sync-provider", "y", "filepath", "Set a sync provider e.g. filepath")
	flags.StringP("uri", "f", "", "Set a sync provider uri to read data from, a filepath for the filepath provider")
	flags.StringP("environment", "e", "production", "Environment flags are evaluated for")
	flags.String("salt", "", "Global salt mixed into every bucketing hash")
	flags.String("event-store", "memory", "Event store: memory or postgres")
	flags.String("db-url", "", "Postgres connection string for the postgres event store")
	flags.Float64("winner-threshold", analytics.DefaultWinnerThreshold, "Confidence a variant must exceed to be declared the winner")
	rootCmd.AddCommand(startCmd)
}
