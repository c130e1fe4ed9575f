// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/utils/v4/keyvalues"

	"github.com/juju/rollingrefresh/core/refresh"
	"github.com/juju/rollingrefresh/domain/refresh/service"
)

const (
	checkCompatibilityKey          = "check-compatibility"
	runPreRefreshChecksKey         = "run-pre-refresh-checks"
	checkWorkloadContainerKey      = "check-workload-container"
	checkHealthOfRefreshedUnitsKey = "check-health-of-refreshed-units"
	revisionKey                    = "revision"
	workloadVersionKey             = "workload-version"
	containerImageKey              = "container-image"
)

// parseOptions reads key=value arguments. Every key must be one of
// the named boolean options or one of the string options.
func parseOptions(args []string, bools map[string]*bool, strs map[string]*string) error {
	options, err := keyvalues.Parse(args, false)
	if err != nil {
		return errors.Trace(err)
	}
	for key, value := range options {
		if b, ok := bools[key]; ok {
			v, err := strconv.ParseBool(value)
			if err != nil {
				return errors.NotValidf("%s=%q", key, value)
			}
			*b = v
			continue
		}
		if s, ok := strs[key]; ok {
			*s = value
			continue
		}
		return errors.NotValidf("option %q", key)
	}
	return nil
}

type refreshCommand struct {
	unitCommand

	args service.TriggerArgs
}

// Info implements cmd.Command.
func (c *refreshCommand) Info() *cmd.Info {
	doc := `
Starts a refresh of every unit to the given revision. The acting unit
must hold the refresh leadership. The target is checked for
compatibility with what the deployment runs, the deployment is health
checked, and then units are allowed to refresh one at a time, highest
ordinal first.

Examples:
    refresh 3/104 --workload-version 14.2 --unit db/0
`
	return &cmd.Info{
		Name:    "refresh",
		Args:    "<revision>",
		Purpose: "start a refresh to a new revision",
		Doc:     doc,
	}
}

// SetFlags implements cmd.Command.
func (c *refreshCommand) SetFlags(f *gnuflag.FlagSet) {
	c.unitCommand.SetFlags(f)
	f.StringVar(&c.args.WorkloadVersion, "workload-version", "", "the workload version of the target revision")
	f.StringVar(&c.args.ContainerImage, "container-image", "", "the workload container image of the target revision")
}

// Init implements cmd.Command.
func (c *refreshCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no revision specified")
	}
	if _, err := refresh.ParseRevision(args[0]); err != nil {
		return errors.Trace(err)
	}
	c.args.Revision = args[0]
	if err := c.checkUnit(); err != nil {
		return err
	}
	return cmd.CheckEmpty(args[1:])
}

// Run implements cmd.Command.
func (c *refreshCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	outcome, err := svc.Trigger(stdctx, c.unit, c.args)
	writeOutcome(ctx, outcome)
	return errors.Trace(err)
}

type preRefreshCheckCommand struct {
	unitCommand
}

// Info implements cmd.Command.
func (c *preRefreshCheckCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "pre-refresh-check",
		Purpose: "check the deployment is healthy enough to refresh",
		Doc: `
Runs the health checks a refresh runs before the first unit refreshes,
without starting a refresh. The acting unit must hold the refresh
leadership.
`,
	}
}

// Init implements cmd.Command.
func (c *preRefreshCheckCommand) Init(args []string) error {
	if err := c.checkUnit(); err != nil {
		return err
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *preRefreshCheckCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	result, err := svc.PreRefreshCheck(stdctx, c.unit)
	if err != nil {
		return errors.Trace(err)
	}
	if !result.Healthy() {
		return errors.Errorf("pre-refresh check %s: %s", result.Outcome, result.Reason)
	}
	fmt.Fprintln(ctx.Stdout, "pre-refresh check passed")
	return nil
}

type forceRefreshStartCommand struct {
	unitCommand

	args service.ForceStartArgs
}

// Info implements cmd.Command.
func (c *forceRefreshStartCommand) Info() *cmd.Info {
	doc := `
Starts a refresh, bypassing the named safety checks. Without a revision
the target of the last failed refresh is retried. An incompatible
target that is forced stays recorded as forced-incompatible.

Examples:
    force-refresh-start check-compatibility=false
    force-refresh-start revision=3/104 run-pre-refresh-checks=false
`
	return &cmd.Info{
		Name:    "force-refresh-start",
		Args:    "[key=value...]",
		Purpose: "start a refresh bypassing safety checks",
		Doc:     doc,
	}
}

// Init implements cmd.Command.
func (c *forceRefreshStartCommand) Init(args []string) error {
	c.args.CheckCompatibility = true
	c.args.RunPreRefreshChecks = true
	c.args.CheckWorkloadContainer = true
	if err := parseOptions(args, map[string]*bool{
		checkCompatibilityKey:     &c.args.CheckCompatibility,
		runPreRefreshChecksKey:    &c.args.RunPreRefreshChecks,
		checkWorkloadContainerKey: &c.args.CheckWorkloadContainer,
	}, map[string]*string{
		revisionKey:        &c.args.Revision,
		workloadVersionKey: &c.args.WorkloadVersion,
		containerImageKey:  &c.args.ContainerImage,
	}); err != nil {
		return errors.Trace(err)
	}
	if c.args.Revision != "" {
		if _, err := refresh.ParseRevision(c.args.Revision); err != nil {
			return errors.Trace(err)
		}
	}
	return c.checkUnit()
}

// Run implements cmd.Command.
func (c *forceRefreshStartCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	outcome, err := svc.ForceRefreshStart(stdctx, c.unit, c.args)
	writeOutcome(ctx, outcome)
	return errors.Trace(err)
}

type resumeRefreshCommand struct {
	unitCommand

	checkHealth bool
}

// Info implements cmd.Command.
func (c *resumeRefreshCommand) Info() *cmd.Info {
	doc := `
Resumes a paused refresh. By default the units refreshed so far are
health checked again first. On a refresh that failed its health check,
check-health-of-refreshed-units=false accepts the failed unit and moves
on to the next one.

Examples:
    resume-refresh
    resume-refresh check-health-of-refreshed-units=false
`
	return &cmd.Info{
		Name:    "resume-refresh",
		Args:    "[check-health-of-refreshed-units=<bool>]",
		Purpose: "resume a paused refresh",
		Doc:     doc,
	}
}

// Init implements cmd.Command.
func (c *resumeRefreshCommand) Init(args []string) error {
	c.checkHealth = true
	if err := parseOptions(args, map[string]*bool{
		checkHealthOfRefreshedUnitsKey: &c.checkHealth,
	}, nil); err != nil {
		return errors.Trace(err)
	}
	return c.checkUnit()
}

// Run implements cmd.Command.
func (c *resumeRefreshCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	outcome, err := svc.ResumeRefresh(stdctx, c.unit, c.checkHealth)
	writeOutcome(ctx, outcome)
	return errors.Trace(err)
}

type rollbackCommand struct {
	unitCommand

	args service.RollbackArgs
}

// Info implements cmd.Command.
func (c *rollbackCommand) Info() *cmd.Info {
	doc := `
Restores the previous revision, starting from the unit the failed or
paused refresh last touched. The ordinal and revision confirm the
recommendation shown by status; omitted, the recommendation is taken
as is.

Examples:
    rollback --ordinal=2 --revision=3/103
`
	return &cmd.Info{
		Name:    "rollback",
		Purpose: "roll a refresh back to the previous revision",
		Doc:     doc,
	}
}

// SetFlags implements cmd.Command.
func (c *rollbackCommand) SetFlags(f *gnuflag.FlagSet) {
	c.unitCommand.SetFlags(f)
	f.IntVar(&c.args.Ordinal, "ordinal", refresh.NoOrdinal, "the unit the rollback starts from")
	f.StringVar(&c.args.Revision, "revision", "", "the revision to restore")
}

// Init implements cmd.Command.
func (c *rollbackCommand) Init(args []string) error {
	if err := c.checkUnit(); err != nil {
		return err
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *rollbackCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	outcome, err := svc.Rollback(stdctx, c.unit, c.args)
	writeOutcome(ctx, outcome)
	return errors.Trace(err)
}

type tickCommand struct {
	unitCommand
}

// Info implements cmd.Command.
func (c *tickCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "tick",
		Purpose: "advance the refresh once",
		Doc: `
Re-evaluates the refresh once as the acting unit, as the agent does on
every interval. Useful after a unit reported.
`,
	}
}

// Init implements cmd.Command.
func (c *tickCommand) Init(args []string) error {
	if err := c.checkUnit(); err != nil {
		return err
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *tickCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	outcome, err := svc.Tick(stdctx, c.unit)
	writeOutcome(ctx, outcome)
	return errors.Trace(err)
}
