// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package rollback derives the reverse operation for a failed refresh.
package rollback

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/juju/rollingrefresh/core/refresh"
	refresherrors "github.com/juju/rollingrefresh/domain/refresh/errors"
)

// Recommendation names the unit to revert first and the revision to
// restore. Reverting runs a reverse plan through the same ordered state
// machine, starting at Ordinal.
type Recommendation struct {
	Ordinal         int
	Revision        string
	WorkloadVersion string

	// Verdict is the verdict of the failed plan, so a forced
	// incompatible refresh stays visible in the recommendation.
	Verdict refresh.Verdict

	Reason string
}

// Command returns the operator command that performs the rollback.
func (r Recommendation) Command() string {
	return fmt.Sprintf("refreshctl rollback --ordinal=%d --revision=%s", r.Ordinal, r.Revision)
}

// Advise returns the rollback recommendation for the cluster state.
//
// It names the highest ordinal unit with refreshed set and the revision
// it ran before the plan began. When no unit completed its refresh but
// the failed unit already runs a different revision, that unit is
// named instead.
func Advise(cs refresh.ClusterState) (Recommendation, error) {
	plan := cs.Plan
	if plan == nil {
		return Recommendation{}, errors.Annotate(refresherrors.NoRollbackRecommendation, "no refresh plan")
	}

	best := refresh.UnitState{Ordinal: refresh.NoOrdinal}
	for _, u := range cs.Units {
		if u.Refreshed && u.Ordinal > best.Ordinal {
			best = u
		}
	}
	if best.Ordinal == refresh.NoOrdinal {
		failed, ok := failedUnit(cs)
		if !ok {
			return Recommendation{}, errors.Annotate(refresherrors.NoRollbackRecommendation, "no unit has been refreshed")
		}
		best = failed
	}

	rec := Recommendation{
		Ordinal:         best.Ordinal,
		Revision:        best.PreviousRevision,
		WorkloadVersion: best.PreviousWorkloadVersion,
		Verdict:         plan.Verdict,
		Reason:          fmt.Sprintf("unit %d was refreshed from revision %s to %s", best.Ordinal, best.PreviousRevision, plan.TargetRevision),
	}
	if plan.Verdict == refresh.VerdictForcedIncompatible {
		rec.Reason += " with the compatibility check bypassed"
	}
	return rec, nil
}

func failedUnit(cs refresh.ClusterState) (refresh.UnitState, bool) {
	failure := cs.Plan.Failure
	if failure == nil || failure.Ordinal == refresh.NoOrdinal {
		return refresh.UnitState{}, false
	}
	u, ok := cs.Unit(failure.Ordinal)
	if !ok || u.PreviousRevision == "" || u.Revision == u.PreviousRevision {
		return refresh.UnitState{}, false
	}
	return u, true
}
