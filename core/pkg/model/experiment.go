package model

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusStopped   Status = "STOPPED"
)

var transitions = map[Status][]Status{
	StatusDraft:   {StatusRunning, StatusStopped},
	StatusRunning: {StatusPaused, StatusCompleted, StatusStopped},
	StatusPaused:  {StatusRunning, StatusCompleted, StatusStopped},
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted, StatusStopped:
		return true
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

// CanTransition reports whether an administrator may move an experiment from s to to.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

type Variant struct {
	Name          string                 `json:"name"`
	Weight        float64                `json:"weight"`
	Control       bool                   `json:"control,omitempty"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

type ExperimentDefinition struct {
	ID                          string     `json:"id"`
	Name                        string     `json:"name,omitempty"`
	Status                      Status     `json:"status"`
	Variants                    []Variant  `json:"variants"`
	TrafficAllocationPercentage *float64   `json:"trafficAllocationPercentage,omitempty"`
	PrimaryMetric               string     `json:"primaryMetric,omitempty"`
	StartDate                   *time.Time `json:"startDate,omitempty"`
	EndDate                     *time.Time `json:"endDate,omitempty"`
}

// Traffic returns the enrolment percentage, 100 when unset.
func (e ExperimentDefinition) Traffic() float64 {
	if e.TrafficAllocationPercentage == nil {
		return 100
	}
	return *e.TrafficAllocationPercentage
}

func (e ExperimentDefinition) Variant(name string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// Control returns the designated control variant, or the first variant when none is marked.
func (e ExperimentDefinition) Control() (Variant, bool) {
	for _, v := range e.Variants {
		if v.Control {
			return v, true
		}
	}
	if len(e.Variants) == 0 {
		return Variant{}, false
	}
	return e.Variants[0], true
}

// InWindow reports whether t falls inside the optional [startDate, endDate] bounds.
func (e ExperimentDefinition) InWindow(t time.Time) bool {
	if e.StartDate != nil && t.Before(*e.StartDate) {
		return false
	}
	if e.EndDate != nil && t.After(*e.EndDate) {
		return false
	}
	return true
}

// Validate checks constraints the config schema cannot express.
func (e ExperimentDefinition) Validate() error {
	if e.ID == "" {
		return errors.New("experiment id is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("experiment %s: %w: %q", e.ID, ErrInvalidStatus, e.Status)
	}
	controls := 0
	seen := map[string]bool{}
	for _, v := range e.Variants {
		if v.Weight < 0 {
			return fmt.Errorf("experiment %s: variant %s has negative weight", e.ID, v.Name)
		}
		if seen[v.Name] {
			return fmt.Errorf("experiment %s: duplicate variant %s", e.ID, v.Name)
		}
		seen[v.Name] = true
		if v.Control {
			controls++
		}
	}
	if controls > 1 {
		return fmt.Errorf("experiment %s: more than one control variant", e.ID)
	}
	return nil
}

func (e *ExperimentDefinition) Clone() *ExperimentDefinition {
	c := *e
	c.Variants = slices.Clone(e.Variants)
	for i := range c.Variants {
		if c.Variants[i].Configuration != nil {
			c.Variants[i].Configuration = copyValue(c.Variants[i].Configuration).(map[string]interface{})
		}
	}
	if e.TrafficAllocationPercentage != nil {
		p := *e.TrafficAllocationPercentage
		c.TrafficAllocationPercentage = &p
	}
	if e.StartDate != nil {
		t := *e.StartDate
		c.StartDate = &t
	}
	if e.EndDate != nil {
		t := *e.EndDate
		c.EndDate = &t
	}
	return &c
}

// copyValue copies decoded JSON, nested objects and arrays included.
func copyValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		c := make(map[string]interface{}, len(v))
		for k, val := range v {
			c[k] = copyValue(val)
		}
		return c
	case []interface{}:
		c := make([]interface{}, len(v))
		for i, val := range v {
			c[i] = copyValue(val)
		}
		return c
	default:
		return v
	}
}
