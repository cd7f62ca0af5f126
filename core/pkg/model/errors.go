package model

import "errors"

var (
	ErrFlagNotFound       = errors.New("FLAG_NOT_FOUND")
	ErrExperimentNotFound = errors.New("EXPERIMENT_NOT_FOUND")
	ErrAllocationNotFound = errors.New("ALLOCATION_NOT_FOUND")
	ErrInvalidStatus      = errors.New("INVALID_STATUS")
	ErrInvalidTransition  = errors.New("INVALID_TRANSITION")
)

// decision reasons
const (
	UnknownReason       = "UNKNOWN"
	DisabledReason      = "DISABLED"
	EnvironmentReason   = "ENVIRONMENT"
	AllowListReason     = "ALLOW_LIST"
	TargetingReason     = "TARGETING_MISS"
	RolloutReason       = "ROLLOUT"
	NotRunningReason    = "NOT_RUNNING"
	OutsideWindowReason = "OUTSIDE_WINDOW"
	ForcedReason        = "FORCED"
	TrafficReason       = "TRAFFIC_EXCLUDED"
	SplitReason         = "SPLIT"
	NoVariantsReason    = "NO_VARIANTS"
	ErrorReason         = "ERROR"
)
