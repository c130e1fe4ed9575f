// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package status

import (
	"time"
)

// Status is the workload status a unit or the application displays to
// the operator while a refresh is in progress.
type Status string

// String returns a string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// StatusInfo holds a Status and associated information.
type StatusInfo struct {
	Status  Status
	Message string
	Data    map[string]interface{}
	Since   *time.Time
}

const (
	// Unknown is set when the unit has not reported since the
	// cluster state was created.
	Unknown Status = "unknown"

	// Maintenance is set when:
	// The unit is refreshing or running checks. No operator action is
	// needed.
	Maintenance Status = "maintenance"

	// Waiting is set when:
	// The unit waits on another unit, for example a unit with a lower
	// ordinal waiting for its turn to refresh.
	Waiting Status = "waiting"

	// Blocked is set when:
	// The refresh needs the operator, for example to resume a paused
	// refresh or to force past a guard.
	Blocked Status = "blocked"

	// Active is set when:
	// The unit runs its workload and no refresh needs it.
	Active Status = "active"

	// Error is set when:
	// A refresh failed on the unit and it needs to be rolled back.
	Error Status = "error"
)

// severity orders workload statuses from the least to the most urgent.
var severity = map[Status]int{
	Active:      0,
	Unknown:     1,
	Waiting:     2,
	Maintenance: 3,
	Blocked:     4,
	Error:       5,
}

// KnownWorkloadStatus returns true if the value is a known workload
// status.
func (s Status) KnownWorkloadStatus() bool {
	_, ok := severity[s]
	return ok
}

// ValidWorkloadStatus returns true if status has a valid value (that is
// to say, a value that it's OK to set) for units or applications.
func ValidWorkloadStatus(status Status) bool {
	return status.KnownWorkloadStatus() && status != Unknown
}

// Worst returns the more urgent of the two statuses. It is used to derive
// the application status from its units.
func Worst(a, b StatusInfo) StatusInfo {
	if severity[b.Status] > severity[a.Status] {
		return b
	}
	return a
}
