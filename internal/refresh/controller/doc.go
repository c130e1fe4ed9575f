// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package controller implements the refresh state machine.
//
// The controller is a single synchronous transition function:
//
//	Advance(ctx, role, ClusterState, Input) -> (ClusterState, Output, error)
//
// It never writes anything itself. The caller persists the returned state
// with the token it read, which serialises the leader's transitions.
//
//	Idle -> CompatibilityCheck -> Preflight -> RefreshingUnit(n)
//	     -> PostRefreshHealthCheck(n) -> PausedAwaitingConfirmation
//	                                  -> RefreshingUnit(n-1) ...
//	     -> Completed
//
// Any state may fail. RolledBack is reached only by completing a reverse
// plan created from a rollback recommendation.
package controller
