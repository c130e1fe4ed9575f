// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package refresh

import (
	"strings"

	"github.com/juju/errors"
)

// NoOrdinal marks the absence of a unit ordinal.
const NoOrdinal = -1

// Health is the health a unit reports for its workload.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// ParseHealth returns the health for the given string.
func ParseHealth(s string) (Health, error) {
	switch h := Health(strings.ToLower(s)); h {
	case HealthUnknown, HealthHealthy, HealthUnhealthy:
		return h, nil
	}
	return "", errors.NotValidf("health %q", s)
}

// Verdict is the outcome of the compatibility check for a plan.
type Verdict string

const (
	// VerdictPending is the verdict of a plan that has not been checked
	// yet.
	VerdictPending Verdict = ""

	VerdictCompatible   Verdict = "compatible"
	VerdictIncompatible Verdict = "incompatible"

	// VerdictForcedIncompatible records that the target was incompatible
	// and the operator bypassed the check. It must never be reported as
	// compatible.
	VerdictForcedIncompatible Verdict = "forced-incompatible"
)

// PausePolicy controls how often a plan halts for the operator.
type PausePolicy string

const (
	PauseAll   PausePolicy = "all"
	PauseFirst PausePolicy = "first"
	PauseNone  PausePolicy = "none"
)

// DefaultPausePolicy is used when no policy is configured.
const DefaultPausePolicy = PauseFirst

// ParsePausePolicy returns the policy for the given configuration value.
func ParsePausePolicy(s string) (PausePolicy, error) {
	if s == "" {
		return DefaultPausePolicy, nil
	}
	switch p := PausePolicy(strings.ToLower(s)); p {
	case PauseAll, PauseFirst, PauseNone:
		return p, nil
	}
	return "", errors.NotValidf("pause policy %q", s)
}

// Guard names one of the safety checks an operator can bypass.
type Guard string

const (
	GuardNone          Guard = ""
	GuardCompatibility Guard = "compatibility"
	GuardPreflight     Guard = "preflight"
	GuardContainer     Guard = "workload-container"
	GuardHealth        Guard = "health-of-refreshed-units"
)

// BypassFlag returns the action parameter that disables the guard.
func (g Guard) BypassFlag() string {
	switch g {
	case GuardCompatibility:
		return "check-compatibility=false"
	case GuardPreflight:
		return "run-pre-refresh-checks=false"
	case GuardContainer:
		return "check-workload-container=false"
	case GuardHealth:
		return "check-health-of-refreshed-units=false"
	}
	return ""
}

// GuardOverrides holds the guards disabled for one force-refresh-start
// call. The zero value keeps every guard enabled.
type GuardOverrides struct {
	SkipCompatibility  bool
	SkipPreflight      bool
	SkipContainerCheck bool
}

// Skipped returns the guards disabled by the overrides, in check order.
func (o GuardOverrides) Skipped() []Guard {
	var guards []Guard
	if o.SkipCompatibility {
		guards = append(guards, GuardCompatibility)
	}
	if o.SkipPreflight {
		guards = append(guards, GuardPreflight)
	}
	if o.SkipContainerCheck {
		guards = append(guards, GuardContainer)
	}
	return guards
}

// FailureKind classifies why a plan entered PhaseFailed.
type FailureKind string

const (
	FailureCompatibility     FailureKind = "compatibility-error"
	FailurePreflight         FailureKind = "preflight-error"
	FailureWorkloadContainer FailureKind = "workload-container-error"
	FailureHealthCheck       FailureKind = "health-check-failed"
)

// Guard returns the guard whose bypass flag would have avoided the
// failure.
func (k FailureKind) Guard() Guard {
	switch k {
	case FailureCompatibility:
		return GuardCompatibility
	case FailurePreflight:
		return GuardPreflight
	case FailureWorkloadContainer:
		return GuardContainer
	case FailureHealthCheck:
		return GuardHealth
	}
	return GuardNone
}

// Failure describes a failed plan.
type Failure struct {
	Kind FailureKind

	// Ordinal is the unit that failed, or NoOrdinal for cluster wide
	// failures.
	Ordinal int

	Reason string

	// Timeout is set when the health probe ran out of time rather than
	// observing an unhealthy workload.
	Timeout bool
}
