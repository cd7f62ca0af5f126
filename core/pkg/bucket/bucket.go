// Package bucket maps subjects to stable pseudo-random fractions used for
// rollout and experiment assignment.
package bucket

import (
	"math"

	"github.com/twmb/murmur3"
)

const separator = ":"

const hashSpace = math.MaxUint32 + 1

// Bucket hashes subjectKey:salt with murmur3 and scales the 32 bit digest to [0, 1).
// The result depends only on its inputs, so independent processes agree.
func Bucket(subjectKey, salt string) float64 {
	return float64(murmur3.StringSum32(subjectKey+separator+salt)) / hashSpace
}

// Hasher prefixes every salt with a deployment-wide salt, letting operators
// reshuffle all assignments at once.
type Hasher struct {
	GlobalSalt string
}

func (h Hasher) Bucket(subjectKey, salt string) float64 {
	if h.GlobalSalt != "" {
		salt = h.GlobalSalt + separator + salt
	}
	return Bucket(subjectKey, salt)
}

func FlagSalt(flagKey string) string {
	return flagKey
}

func TrafficSalt(experimentID string) string {
	return experimentID + separator + "traffic"
}

func VariantSalt(experimentID string) string {
	return experimentID + separator + "variant"
}
