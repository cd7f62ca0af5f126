package eval

import "github.com/zenith-engineer/rolloutd/core/pkg/model"

// IEvaluator decides feature flag state for a subject.
type IEvaluator interface {
	Evaluate(flagKey string, user model.User) model.Allocation
	IsFeatureEnabled(flagKey string, user model.User) bool
	EnabledFeatures(user model.User) []string
}
