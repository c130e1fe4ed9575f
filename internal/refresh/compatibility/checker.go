// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package compatibility decides whether a target revision and workload
// version may follow the ones a unit currently runs.
package compatibility

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/version/v2"

	"github.com/juju/rollingrefresh/core/logger"
	"github.com/juju/rollingrefresh/core/refresh"
)

// Request holds the current and target versions of one unit.
type Request struct {
	CurrentRevision        string
	CurrentWorkloadVersion string
	TargetRevision         string
	TargetWorkloadVersion  string

	// Rollback allows the target workload minor version to be lower than
	// the current one, since a rollback restores what ran before.
	Rollback bool
}

// Result is the verdict for a request. Reason is empty for compatible
// targets.
type Result struct {
	Verdict refresh.Verdict
	Reason  string
}

// Compatible reports whether the refresh may proceed, either because the
// target is compatible or because the check was bypassed.
func (r Result) Compatible() bool {
	return r.Verdict == refresh.VerdictCompatible || r.Verdict == refresh.VerdictForcedIncompatible
}

// Checker checks compatibility. It holds no state.
type Checker struct {
	logger logger.Logger
}

// NewChecker returns a new Checker.
func NewChecker(logger logger.Logger) *Checker {
	return &Checker{logger: logger}
}

// Check returns the verdict for the request. When skip is true an
// incompatible target is reported as forced-incompatible instead of being
// treated as compatible, so the bypass stays visible in the audit log.
func (c *Checker) Check(req Request, skip bool) Result {
	reason := c.incompatibility(req)
	switch {
	case reason == "":
		return Result{Verdict: refresh.VerdictCompatible}
	case skip:
		c.logger.Warningf("refresh compatibility check bypassed: %s", reason)
		return Result{Verdict: refresh.VerdictForcedIncompatible, Reason: reason}
	default:
		c.logger.Infof("refresh incompatible: %s", reason)
		return Result{Verdict: refresh.VerdictIncompatible, Reason: reason}
	}
}

func (c *Checker) incompatibility(req Request) string {
	current, err := refresh.ParseRevision(req.CurrentRevision)
	if err != nil {
		return fmt.Sprintf("unable to parse current revision: %v", err)
	}
	target, err := refresh.ParseRevision(req.TargetRevision)
	if err != nil {
		return fmt.Sprintf("unable to parse target revision: %v", err)
	}
	if current.Track != target.Track {
		return fmt.Sprintf("refreshing to a different track is not supported, got %q to %q",
			current.Track, target.Track)
	}

	// Without a target workload version the workload is not refreshed.
	if req.TargetWorkloadVersion == "" || req.CurrentWorkloadVersion == req.TargetWorkloadVersion {
		return ""
	}

	oldMajor, oldMinor, err := majorMinor(req.CurrentWorkloadVersion)
	if err != nil {
		return fmt.Sprintf("unable to parse workload versions, got %q to %q",
			req.CurrentWorkloadVersion, req.TargetWorkloadVersion)
	}
	newMajor, newMinor, err := majorMinor(req.TargetWorkloadVersion)
	if err != nil {
		return fmt.Sprintf("unable to parse workload versions, got %q to %q",
			req.CurrentWorkloadVersion, req.TargetWorkloadVersion)
	}
	if oldMajor != newMajor {
		return fmt.Sprintf("refreshing to a different major workload is not supported, got %d to %d",
			oldMajor, newMajor)
	}
	if newMinor < oldMinor && !req.Rollback {
		return fmt.Sprintf("downgrading to a previous minor workload is not supported, got %d.%d to %d.%d",
			oldMajor, oldMinor, newMajor, newMinor)
	}
	return ""
}

// majorMinor returns the major and minor components of a workload
// version. Patch versions are ignored.
func majorMinor(v string) (int, int, error) {
	if num, err := version.Parse(v); err == nil {
		return num.Major, num.Minor, nil
	}
	major, minor, err := version.ParseMajorMinor(v)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	return major, minor, nil
}
