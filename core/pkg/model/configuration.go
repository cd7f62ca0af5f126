package model

// Configuration is the static document flags and experiments are loaded from.
type Configuration struct {
	Flags       map[string]FlagDefinition       `json:"flags"`
	Experiments map[string]ExperimentDefinition `json:"experiments,omitempty"`
}
