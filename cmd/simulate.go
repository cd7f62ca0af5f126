package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zenith-engineer/rolloutd/core/pkg/bucket"
	"github.com/zenith-engineer/rolloutd/core/pkg/model"
	"github.com/zenith-engineer/rolloutd/core/pkg/store"
	"github.com/zenith-engineer/rolloutd/pkg/eval"
	"github.com/zenith-engineer/rolloutd/pkg/experiment"
	"github.com/zenith-engineer/rolloutd/pkg/session"
	"github.com/zenith-engineer/rolloutd/pkg/tracker"
)

// simulateCmd drives synthetic sessions against a running rolloutd.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Enroll synthetic subjects and track their events against a running rolloutd",
	Long: `simulate fetches the configuration of a running rolloutd, enrolls
synthetic subjects in an experiment, tracks one exposure per subject and a
conversion for a deterministic share of them, then prints the experiment
metrics reported by the server.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return simulate(ctx)
	},
}

func simulate(ctx context.Context) error {
	baseURL := strings.TrimRight(viper.GetString("collector-url"), "/")
	experimentID := viper.GetString("experiment")
	if experimentID == "" {
		return errors.New("--experiment is required")
	}
	logger := log.WithFields(log.Fields{"command": "simulate", "experiment": experimentID})

	state := store.NewState(logger)
	if err := fetchConfiguration(ctx, baseURL, state, logger); err != nil {
		return err
	}
	exp, ok := state.Experiment(experimentID)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrExperimentNotFound, experimentID)
	}
	control, _ := exp.Control()

	tr := tracker.New(tracker.NewHTTPSender(baseURL+"/events"), tracker.Config{
		BatchSize:     viper.GetInt("batch-size"),
		FlushInterval: viper.GetDuration("flush-interval"),
		MaxQueueSize:  viper.GetInt("max-queue"),
	}, logger)
	if err := tr.Start(ctx); err != nil {
		return err
	}

	hasher := bucket.Hasher{GlobalSalt: viper.GetString("salt")}
	deps := session.Deps{
		Store:     state,
		Flags:     eval.NewFlagEvaluator(state, viper.GetString("environment"), hasher, logger),
		Allocator: experiment.NewHTTPAllocator(baseURL, logger),
		Tracker:   tr,
		Cache:     session.NewCache(viper.GetInt("subjects"), session.DefaultCacheTTL),
		Logger:    logger,
	}

	baseRate := viper.GetFloat64("conversion-rate")
	uplift := viper.GetFloat64("uplift")

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(viper.GetInt("concurrency"))
	for i := 0; i < viper.GetInt("subjects"); i++ {
		user := model.User{ID: fmt.Sprintf("sim-user-%d", i)}
		g.Go(func() error {
			sess := session.New(user, deps)
			alloc := sess.Enroll(gCtx, experimentID, "")
			if !alloc.Included {
				return nil
			}
			logger.Debugf("%s -> %s, features %v", user.ID, alloc.VariantName, sess.EnabledFeatures())

			sess.TrackEvent(experimentID, model.EventExposure, nil, nil)

			rate := baseRate
			if alloc.VariantName != control.Name {
				rate *= 1 + uplift
			}
			if hasher.Bucket(user.SubjectKey(), experimentID+":conversion") < rate {
				sess.TrackEvent(experimentID, model.EventConversion, nil, map[string]interface{}{"metric": exp.PrimaryMetric})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := tr.Stop(stopCtx); err != nil {
		logger.Warnf("final flush failed, %d events undelivered: %v", tr.Pending(), err)
	}

	return printMetrics(stopCtx, baseURL, experimentID)
}

// fetchConfiguration loads the server snapshot into state. Experiments the
// store rejects are logged and skipped.
func fetchConfiguration(ctx context.Context, baseURL string, state *store.State, logger *log.Entry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/config", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("unable to fetch configuration: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unable to fetch configuration: status %d", resp.StatusCode)
	}

	var cfg model.Configuration
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return fmt.Errorf("unable to decode configuration: %w", err)
	}
	changes := state.Update(cfg.Flags, cfg.Experiments)
	for id := range cfg.Experiments {
		if _, ok := state.Experiment(id); !ok {
			logger.Warnf("experiment %s from %s was rejected", id, baseURL)
		}
	}
	logger.Infof("fetched configuration: %d changes, %s", len(changes), state)
	return nil
}

func printMetrics(ctx context.Context, baseURL, experimentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/experiments/%s/metrics", baseURL, experimentID), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var metrics map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(metrics)
}

func init() {
	flags := simulateCmd.Flags()
	flags.String("collector-url", "http://localhost:8013", "Base URL of the rolloutd to simulate against")
	flags.String("experiment", "", "Experiment to enroll subjects in")
	flags.Int("subjects", 1000, "Number of synthetic subjects")
	flags.Int("concurrency", 8, "Sessions simulated in parallel")
	flags.Float64("conversion-rate", 0.1, "Conversion probability of the control variant")
	flags.Float64("uplift", 0.2, "Relative conversion uplift of every non-control variant")
	flags.StringP("environment", "e", "production", "Environment flags are evaluated for")
	flags.String("salt", "", "Global salt mixed into every bucketing hash")
	flags.Int("batch-size", tracker.DefaultBatchSize, "Queue length that triggers a flush")
	flags.Duration("flush-interval", tracker.DefaultFlushInterval, "Background flush period")
	flags.Int("max-queue", tracker.DefaultMaxQueueSize, "Maximum buffered events before the oldest are dropped")
	rootCmd.AddCommand(simulateCmd)
}
