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
	"github.com/juju/names/v5"

	"github.com/juju/rollingrefresh/core/refresh"
	"github.com/juju/rollingrefresh/domain/refresh/service"
)

func unitNameArg(args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, errors.New("no unit specified")
	}
	if !names.IsValidUnit(args[0]) {
		return "", nil, errors.NotValidf("unit name %q", args[0])
	}
	return args[0], args[1:], nil
}

type joinUnitCommand struct {
	baseCommand

	name            string
	revision        string
	workloadVersion string
	containerImage  string
}

// Info implements cmd.Command.
func (c *joinUnitCommand) Info() *cmd.Info {
	doc := `
Adds a unit to the deployment. The unit's ordinal is taken from its
name and its health is unknown until it reports.

Examples:
    join-unit db/2 --revision 3/103 --workload-version 14.1
`
	return &cmd.Info{
		Name:    "join-unit",
		Args:    "<unit>",
		Purpose: "add a unit to the deployment",
		Doc:     doc,
	}
}

// SetFlags implements cmd.Command.
func (c *joinUnitCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
	f.StringVar(&c.revision, "revision", "", "the revision the unit runs")
	f.StringVar(&c.workloadVersion, "workload-version", "", "the workload version the unit runs")
	f.StringVar(&c.containerImage, "container-image", "", "the workload container image of the unit")
}

// Init implements cmd.Command.
func (c *joinUnitCommand) Init(args []string) (err error) {
	if c.name, args, err = unitNameArg(args); err != nil {
		return err
	}
	if c.revision == "" {
		return errors.New("no revision specified")
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *joinUnitCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	return svc.JoinUnit(stdctx, service.UnitArgs{
		Name:            c.name,
		Revision:        c.revision,
		WorkloadVersion: c.workloadVersion,
		ContainerImage:  c.containerImage,
	})
}

type leaveUnitCommand struct {
	baseCommand

	name string
}

// Info implements cmd.Command.
func (c *leaveUnitCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "leave-unit",
		Args:    "<unit>",
		Purpose: "remove a unit from the deployment",
		Doc: `
Removes a unit from the deployment. A unit leaving while a refresh is
in progress fails the refresh.
`,
	}
}

// Init implements cmd.Command.
func (c *leaveUnitCommand) Init(args []string) (err error) {
	if c.name, args, err = unitNameArg(args); err != nil {
		return err
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *leaveUnitCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	return svc.LeaveUnit(stdctx, c.name)
}

type reportUnitCommand struct {
	baseCommand

	name            string
	health          string
	reason          string
	revision        string
	workloadVersion string
	containerImage  string
}

// Info implements cmd.Command.
func (c *reportUnitCommand) Info() *cmd.Info {
	doc := `
Records what a unit observes about itself: its workload health, or the
revision it runs after the platform replaced it.

Examples:
    report-unit db/1 --health unhealthy --reason "replication lag"
    report-unit db/1 --revision 3/104 --workload-version 14.2
`
	return &cmd.Info{
		Name:    "report-unit",
		Args:    "<unit>",
		Purpose: "report the health or revision of a unit",
		Doc:     doc,
	}
}

// SetFlags implements cmd.Command.
func (c *reportUnitCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
	f.StringVar(&c.health, "health", "", "the workload health: healthy, unhealthy or unknown")
	f.StringVar(&c.reason, "reason", "", "why the workload is unhealthy")
	f.StringVar(&c.revision, "revision", "", "the revision the unit now runs")
	f.StringVar(&c.workloadVersion, "workload-version", "", "the workload version the unit now runs")
	f.StringVar(&c.containerImage, "container-image", "", "the workload container image the unit now runs")
}

// Init implements cmd.Command.
func (c *reportUnitCommand) Init(args []string) (err error) {
	if c.name, args, err = unitNameArg(args); err != nil {
		return err
	}
	if c.health == "" && c.revision == "" {
		return errors.New("nothing to report; specify --health or --revision")
	}
	if c.health != "" {
		if _, err := refresh.ParseHealth(c.health); err != nil {
			return errors.Trace(err)
		}
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *reportUnitCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	if c.revision != "" {
		if err := svc.ReportRevision(stdctx, c.name, c.revision, c.workloadVersion, c.containerImage); err != nil {
			return errors.Trace(err)
		}
	}
	if c.health != "" {
		health, _ := refresh.ParseHealth(c.health)
		if err := svc.ReportHealth(stdctx, c.name, health, c.reason); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

type setTopologyCommand struct {
	baseCommand

	plannedUnits  int
	changePending bool
}

// Info implements cmd.Command.
func (c *setTopologyCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "set-topology",
		Args:    "<planned units>",
		Purpose: "record the topology the platform intends to run",
		Doc: `
Records the number of units the platform intends to run and whether a
topology altering operation, such as a scale up, is in flight. The
health checks refuse to pass while the two disagree.
`,
	}
}

// SetFlags implements cmd.Command.
func (c *setTopologyCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
	f.BoolVar(&c.changePending, "change-pending", false, "a topology altering operation is in flight")
}

// Init implements cmd.Command.
func (c *setTopologyCommand) Init(args []string) (err error) {
	if len(args) == 0 {
		return errors.New("no planned units specified")
	}
	if c.plannedUnits, err = strconv.Atoi(args[0]); err != nil {
		return errors.NotValidf("planned units %q", args[0])
	}
	return cmd.CheckEmpty(args[1:])
}

// Run implements cmd.Command.
func (c *setTopologyCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	return svc.SetTopology(stdctx, c.plannedUnits, c.changePending)
}

type allowedToRefreshCommand struct {
	baseCommand

	name string
}

// Info implements cmd.Command.
func (c *allowedToRefreshCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "allowed-to-refresh",
		Args:    "<unit>",
		Purpose: "print whether the platform may replace a unit now",
	}
}

// Init implements cmd.Command.
func (c *allowedToRefreshCommand) Init(args []string) (err error) {
	if c.name, args, err = unitNameArg(args); err != nil {
		return err
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *allowedToRefreshCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	allowed, err := svc.AllowedToRefresh(stdctx, c.name)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintln(ctx.Stdout, allowed)
	return nil
}
