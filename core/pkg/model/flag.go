package model

import (
	"encoding/json"
	"slices"
)

// DefaultRolloutPercentage applies when a flag omits rolloutPercentage.
const DefaultRolloutPercentage = 100.0

type FlagDefinition struct {
	Key               string          `json:"key,omitempty"`
	Description       string          `json:"description,omitempty"`
	Enabled           bool            `json:"enabled"`
	RolloutPercentage *float64        `json:"rolloutPercentage,omitempty"`
	AllowedUserIDs    []string        `json:"allowedUserIds,omitempty"`
	AllowedEmails     []string        `json:"allowedEmails,omitempty"`
	Environments      []string        `json:"environments,omitempty"`
	Targeting         json.RawMessage `json:"targeting,omitempty"`
	Metadata          Metadata        `json:"metadata,omitempty"`
}

type Metadata = map[string]interface{}

// Rollout returns the effective rollout percentage.
func (f FlagDefinition) Rollout() float64 {
	if f.RolloutPercentage == nil {
		return DefaultRolloutPercentage
	}
	return *f.RolloutPercentage
}

// HasAllowList reports whether either allow-list carries entries.
func (f FlagDefinition) HasAllowList() bool {
	return len(f.AllowedUserIDs) > 0 || len(f.AllowedEmails) > 0
}

// AllowedIn reports whether the flag may be enabled in env. No restriction means every environment.
func (f FlagDefinition) AllowedIn(env string) bool {
	if len(f.Environments) == 0 {
		return true
	}
	return slices.Contains(f.Environments, env)
}

// Clone returns a deep copy; stored definitions are immutable so writers mutate a clone.
func (f *FlagDefinition) Clone() *FlagDefinition {
	c := *f
	if f.RolloutPercentage != nil {
		p := *f.RolloutPercentage
		c.RolloutPercentage = &p
	}
	c.AllowedUserIDs = slices.Clone(f.AllowedUserIDs)
	c.AllowedEmails = slices.Clone(f.AllowedEmails)
	c.Environments = slices.Clone(f.Environments)
	c.Targeting = slices.Clone(f.Targeting)
	if f.Metadata != nil {
		c.Metadata = make(Metadata, len(f.Metadata))
		for k, v := range f.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ClampPercentage bounds p to [0,100].
func ClampPercentage(p float64) float64 {
	switch {
	case p > 100:
		return 100
	case p < 0:
		return 0
	default:
		return p
	}
}
