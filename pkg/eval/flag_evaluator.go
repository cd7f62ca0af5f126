package eval

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/diegoholiveira/jsonlogic/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/zenith-engineer/rolloutd/core/pkg/bucket"
	"github.com/zenith-engineer/rolloutd/core/pkg/model"
	"github.com/zenith-engineer/rolloutd/core/pkg/store"
)

var flagEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rolloutd_flag_evaluations_total",
	Help: "Flag evaluations by flag, result and reason",
}, []string{"flag", "enabled", "reason"})

// keys that resolve to nothing share one series
const unknownLabel = "_unknown"

type FlagEvaluator struct {
	store       store.IStore
	hasher      bucket.Hasher
	environment string
	logger      *log.Entry
}

func NewFlagEvaluator(s store.IStore, environment string, hasher bucket.Hasher, logger *log.Entry) *FlagEvaluator {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &FlagEvaluator{
		store:       s,
		hasher:      hasher,
		environment: environment,
		logger:      logger.WithField("component", "flag-evaluator"),
	}
}

// Evaluate applies, in order: unknown flag, master switch, environment
// restriction, allow-lists, targeting rule, rollout percentage. The first
// rule that decides wins.
func (e *FlagEvaluator) Evaluate(flagKey string, user model.User) model.Allocation {
	subject := user.SubjectKey()
	version := e.store.Version()

	decide := func(enabled bool, reason string) model.Allocation {
		label := flagKey
		if reason == model.UnknownReason {
			label = unknownLabel
		}
		flagEvaluations.WithLabelValues(label, boolLabel(enabled), reason).Inc()
		return model.Allocation{
			SubjectKey:    subject,
			EntityID:      flagKey,
			Included:      enabled,
			Value:         &enabled,
			Reason:        reason,
			ConfigVersion: version,
		}
	}

	flag, ok := e.store.Flag(flagKey)
	if !ok {
		return decide(false, model.UnknownReason)
	}
	if !flag.Enabled {
		return decide(false, model.DisabledReason)
	}
	if !flag.AllowedIn(e.environment) {
		return decide(false, model.EnvironmentReason)
	}
	if flag.HasAllowList() {
		return decide(allowListed(flag, user), model.AllowListReason)
	}
	if len(flag.Targeting) > 0 && !e.matchesTargeting(flag, user) {
		return decide(false, model.TargetingReason)
	}

	b := e.hasher.Bucket(subject, bucket.FlagSalt(flag.Key))
	return decide(b*100 < flag.Rollout(), model.RolloutReason)
}

func (e *FlagEvaluator) IsFeatureEnabled(flagKey string, user model.User) bool {
	return e.Evaluate(flagKey, user).Included
}

// EnabledFeatures returns the keys of every flag enabled for user, sorted.
func (e *FlagEvaluator) EnabledFeatures(user model.User) []string {
	enabled := []string{}
	for _, flag := range e.store.Flags() {
		if e.Evaluate(flag.Key, user).Included {
			enabled = append(enabled, flag.Key)
		}
	}
	return enabled
}

func allowListed(flag *model.FlagDefinition, user model.User) bool {
	if id := strings.TrimSpace(user.ID); id != "" {
		for _, allowed := range flag.AllowedUserIDs {
			if allowed == id {
				return true
			}
		}
	}
	if email := strings.TrimSpace(user.Email); email != "" {
		for _, allowed := range flag.AllowedEmails {
			if strings.EqualFold(allowed, email) {
				return true
			}
		}
	}
	return false
}

// matchesTargeting runs the flag's JSONLogic rule. Errors count as a miss.
func (e *FlagEvaluator) matchesTargeting(flag *model.FlagDefinition, user model.User) bool {
	data, err := json.Marshal(map[string]interface{}{
		"userId":      user.ID,
		"email":       user.Email,
		"sessionId":   user.SessionID,
		"subjectKey":  user.SubjectKey(),
		"environment": e.environment,
	})
	if err != nil {
		return false
	}

	var result bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(flag.Targeting), bytes.NewReader(data), &result); err != nil {
		e.logger.Warnf("targeting rule of flag %s failed: %v", flag.Key, err)
		return false
	}

	var value interface{}
	if err := json.Unmarshal(result.Bytes(), &value); err != nil {
		e.logger.Warnf("targeting rule of flag %s returned invalid JSON: %v", flag.Key, err)
		return false
	}
	return truthy(value)
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
