package model

import "time"

// Allocation is the decision for one subject against one flag or experiment.
type Allocation struct {
	AllocationID  string    `json:"allocationId,omitempty"`
	SubjectKey    string    `json:"subjectKey"`
	EntityID      string    `json:"entityId"`
	Included      bool      `json:"included"`
	VariantName   string    `json:"variantName,omitempty"`
	Value         *bool     `json:"value,omitempty"`
	Reason        string    `json:"reason"`
	ConfigVersion uint64    `json:"configVersion"`
	AllocatedAt   time.Time `json:"allocatedAt"`
}

// Excluded builds a well-formed "not included" allocation.
func Excluded(subjectKey, entityID, reason string, version uint64) Allocation {
	return Allocation{
		SubjectKey:    subjectKey,
		EntityID:      entityID,
		Reason:        reason,
		ConfigVersion: version,
	}
}
