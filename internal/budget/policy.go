// Package budget gates outbound side-effecting calls, such as model
// invocations, behind per-run and per-day limits.
//
// Every Check produces a Decision and a content-addressed Receipt, allowed or
// not. Check-and-record is serialized through one mutex so concurrent callers
// never observe interleaved counter reads.
package budget

import (
	"fmt"
	"slices"
	"time"
)

// Reason names why a call was denied. Allowed calls carry ReasonOK.
type Reason string

const (
	ReasonOK              Reason = "ok"
	ReasonFeatureDisabled Reason = "feature_disabled"
	ReasonMaxCallsPerRun  Reason = "max_calls_per_run"
	ReasonMaxTokensPerRun Reason = "max_tokens_per_run"
	ReasonMaxCallsPerDay  Reason = "max_calls_per_day"
	ReasonMaxTokensPerDay Reason = "max_tokens_per_day"
	ReasonMinInterval     Reason = "min_interval"
)

// Policy bounds outbound calls. A zero limit is unlimited.
type Policy struct {
	// Disabled denies every call.
	Disabled bool `json:"disabled" yaml:"disabled"`
	// DisabledFeatures denies calls for the named features only.
	DisabledFeatures []string `json:"disabled_features,omitempty" yaml:"disabled_features"`

	MaxCallsPerRun  int `json:"max_calls_per_run" yaml:"max_calls_per_run"`
	MaxTokensPerRun int `json:"max_tokens_per_run" yaml:"max_tokens_per_run"`
	MaxCallsPerDay  int `json:"max_calls_per_day" yaml:"max_calls_per_day"`
	MaxTokensPerDay int `json:"max_tokens_per_day" yaml:"max_tokens_per_day"`

	// MinInterval is the least time between two allowed calls.
	MinInterval time.Duration `json:"min_interval" yaml:"min_interval"`
}

// Validate rejects negative limits.
func (p Policy) Validate() error {
	if p.MaxCallsPerRun < 0 || p.MaxTokensPerRun < 0 || p.MaxCallsPerDay < 0 || p.MaxTokensPerDay < 0 {
		return fmt.Errorf("budget policy: limits must be >= 0")
	}
	if p.MinInterval < 0 {
		return fmt.Errorf("budget policy: min_interval must be >= 0")
	}
	return nil
}

func (p Policy) featureDisabled(feature string) bool {
	return p.Disabled || (feature != "" && slices.Contains(p.DisabledFeatures, feature))
}

func exceeds(limit, used, add int) bool {
	return limit > 0 && used+add > limit
}
