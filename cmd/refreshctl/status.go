// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/ansiterm"
	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/rollingrefresh/core/refresh"
	corestatus "github.com/juju/rollingrefresh/core/status"
	"github.com/juju/rollingrefresh/domain/refresh/service"
)

type formattedStatusInfo struct {
	Current corestatus.Status `json:"current" yaml:"current"`
	Message string            `json:"message,omitempty" yaml:"message,omitempty"`
	Since   *time.Time        `json:"since,omitempty" yaml:"since,omitempty"`
}

type formattedUnit struct {
	Ordinal          int                 `json:"ordinal" yaml:"ordinal"`
	Revision         string              `json:"revision" yaml:"revision"`
	WorkloadVersion  string              `json:"workload-version,omitempty" yaml:"workload-version,omitempty"`
	Health           refresh.Health      `json:"health" yaml:"health"`
	Refreshed        bool                `json:"refreshed,omitempty" yaml:"refreshed,omitempty"`
	AllowedToRefresh bool                `json:"allowed-to-refresh,omitempty" yaml:"allowed-to-refresh,omitempty"`
	Status           formattedStatusInfo `json:"status" yaml:"status"`
}

type formattedPlan struct {
	UUID                        string              `json:"uuid" yaml:"uuid"`
	TargetRevision              string              `json:"target-revision" yaml:"target-revision"`
	TargetWorkloadVersion       string              `json:"target-workload-version,omitempty" yaml:"target-workload-version,omitempty"`
	Verdict                     refresh.Verdict     `json:"verdict,omitempty" yaml:"verdict,omitempty"`
	PausePolicy                 refresh.PausePolicy `json:"pause-after-unit-refresh" yaml:"pause-after-unit-refresh"`
	CheckHealthOfRefreshedUnits bool                `json:"check-health-of-refreshed-units" yaml:"check-health-of-refreshed-units"`
	Rollback                    bool                `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	Unit                        *int                `json:"unit,omitempty" yaml:"unit,omitempty"`
	Failure                     string              `json:"failure,omitempty" yaml:"failure,omitempty"`
	StartedAt                   time.Time           `json:"started-at" yaml:"started-at"`
}

type formattedRollback struct {
	Ordinal  int    `json:"ordinal" yaml:"ordinal"`
	Revision string `json:"revision" yaml:"revision"`
	Reason   string `json:"reason" yaml:"reason"`
}

type formattedStatus struct {
	Phase       refresh.Phase            `json:"phase" yaml:"phase"`
	Leader      string                   `json:"leader,omitempty" yaml:"leader,omitempty"`
	Application formattedStatusInfo      `json:"application" yaml:"application"`
	Plan        *formattedPlan           `json:"plan,omitempty" yaml:"plan,omitempty"`
	Units       map[string]formattedUnit `json:"units" yaml:"units"`
	NextCommand string                   `json:"next-command,omitempty" yaml:"next-command,omitempty"`
	Rollback    *formattedRollback       `json:"rollback,omitempty" yaml:"rollback,omitempty"`

	// unitOrder keeps the tabular output in refresh order.
	unitOrder []string
}

func formatStatusInfo(info corestatus.StatusInfo) formattedStatusInfo {
	return formattedStatusInfo{
		Current: info.Status,
		Message: info.Message,
		Since:   info.Since,
	}
}

func formatStatus(status service.Status) formattedStatus {
	out := formattedStatus{
		Phase:       status.Phase,
		Leader:      status.Leader,
		Application: formatStatusInfo(status.Application),
		Units:       make(map[string]formattedUnit),
		NextCommand: status.NextCommand,
	}
	if plan := status.Plan; plan != nil {
		fp := &formattedPlan{
			UUID:                        plan.UUID,
			TargetRevision:              plan.TargetRevision,
			TargetWorkloadVersion:       plan.TargetWorkloadVersion,
			Verdict:                     plan.Verdict,
			PausePolicy:                 plan.PausePolicy,
			CheckHealthOfRefreshedUnits: plan.CheckHealthOfRefreshedUnits,
			Rollback:                    plan.Rollback,
			StartedAt:                   plan.StartedAt,
		}
		if plan.Ordinal != refresh.NoOrdinal {
			ordinal := plan.Ordinal
			fp.Unit = &ordinal
		}
		if plan.Failure != nil {
			fp.Failure = plan.Failure.Reason
		}
		out.Plan = fp
	}
	for _, u := range status.Units {
		out.Units[u.Name] = formattedUnit{
			Ordinal:          u.Ordinal,
			Revision:         u.Revision,
			WorkloadVersion:  u.WorkloadVersion,
			Health:           u.Health,
			Refreshed:        u.Refreshed,
			AllowedToRefresh: u.AllowedToRefresh,
			Status:           formatStatusInfo(u.Status),
		}
		out.unitOrder = append(out.unitOrder, u.Name)
	}
	if rec := status.Rollback; rec != nil {
		out.Rollback = &formattedRollback{
			Ordinal:  rec.Ordinal,
			Revision: rec.Revision,
			Reason:   rec.Reason,
		}
	}
	return out
}

var statusColors = map[corestatus.Status]*ansiterm.Context{
	corestatus.Active:      ansiterm.Foreground(ansiterm.Green),
	corestatus.Maintenance: ansiterm.Foreground(ansiterm.Yellow),
	corestatus.Waiting:     ansiterm.Foreground(ansiterm.Yellow),
	corestatus.Blocked:     ansiterm.Foreground(ansiterm.BrightRed),
	corestatus.Error:       ansiterm.Foreground(ansiterm.BrightRed),
}

func printStatus(tw *ansiterm.TabWriter, s corestatus.Status) {
	if color, ok := statusColors[s]; ok {
		color.Fprintf(tw, "%s", s)
	} else {
		fmt.Fprintf(tw, "%s", s)
	}
	fmt.Fprint(tw, "\t")
}

func since(t *time.Time) string {
	if t == nil {
		return ""
	}
	return humanize.Time(*t)
}

// formatStatusTabular writes the status as two tables: the refresh
// itself and its units in refresh order.
func formatStatusTabular(writer io.Writer, value interface{}) error {
	status, ok := value.(formattedStatus)
	if !ok {
		return errors.Errorf("expected value of type %T, got %T", status, value)
	}
	tw := ansiterm.NewTabWriter(writer, 0, 1, 1, ' ', 0)

	fmt.Fprintln(tw, "Phase\tLeader\tTarget\tVerdict\tStatus\tMessage")
	var target string
	var verdict refresh.Verdict
	if status.Plan != nil {
		target = status.Plan.TargetRevision
		verdict = status.Plan.Verdict
	}
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t", status.Phase, status.Leader, target, verdict)
	printStatus(tw, status.Application.Current)
	fmt.Fprintf(tw, "%s\n", status.Application.Message)

	if len(status.unitOrder) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "Unit\tRevision\tWorkload\tHealth\tStatus\tSince\tMessage")
		for _, name := range status.unitOrder {
			u := status.Units[name]
			marker := ""
			if u.AllowedToRefresh {
				marker = "*"
			}
			fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\t", name, marker, u.Revision, u.WorkloadVersion, u.Health)
			printStatus(tw, u.Status.Current)
			fmt.Fprintf(tw, "%s\t%s\n", since(u.Status.Since), u.Status.Message)
		}
	}
	return errors.Trace(tw.Flush())
}

type statusCommand struct {
	baseCommand

	out cmd.Output
}

// Info implements cmd.Command.
func (c *statusCommand) Info() *cmd.Info {
	doc := `
Shows the phase of the current refresh, the status of the deployment
and of each unit, and the command the operator is expected to run
next, if any.

Examples:
    status
    status --format yaml
`
	return &cmd.Info{
		Name:    "status",
		Purpose: "show the refresh status",
		Doc:     doc,
	}
}

// SetFlags implements cmd.Command.
func (c *statusCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
		"tabular": formatStatusTabular,
	})
}

// Init implements cmd.Command.
func (c *statusCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *statusCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	status, err := svc.Status(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	return c.out.Write(ctx, formatStatus(status))
}

type formattedEvent struct {
	Seq       int64             `json:"seq" yaml:"seq"`
	Plan      string            `json:"plan,omitempty" yaml:"plan,omitempty"`
	Kind      refresh.EventKind `json:"kind" yaml:"kind"`
	Phase     refresh.Phase     `json:"phase,omitempty" yaml:"phase,omitempty"`
	Unit      *int              `json:"unit,omitempty" yaml:"unit,omitempty"`
	Verdict   refresh.Verdict   `json:"verdict,omitempty" yaml:"verdict,omitempty"`
	Guard     refresh.Guard     `json:"guard,omitempty" yaml:"guard,omitempty"`
	Message   string            `json:"message,omitempty" yaml:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
}

func formatEvents(events []refresh.Event) []formattedEvent {
	out := make([]formattedEvent, len(events))
	for i, e := range events {
		out[i] = formattedEvent{
			Seq:       e.Seq,
			Plan:      e.PlanUUID,
			Kind:      e.Kind,
			Phase:     e.Phase,
			Verdict:   e.Verdict,
			Guard:     e.Guard,
			Message:   e.Message,
			Timestamp: e.Timestamp,
		}
		if e.Ordinal != refresh.NoOrdinal {
			ordinal := e.Ordinal
			out[i].Unit = &ordinal
		}
	}
	return out
}

func formatEventsTabular(writer io.Writer, value interface{}) error {
	events, ok := value.([]formattedEvent)
	if !ok {
		return errors.Errorf("expected value of type %T, got %T", events, value)
	}
	tw := ansiterm.NewTabWriter(writer, 0, 1, 1, ' ', 0)
	fmt.Fprintln(tw, "Seq\tTime\tKind\tPhase\tUnit\tMessage")
	for _, e := range events {
		unit := ""
		if e.Unit != nil {
			unit = fmt.Sprint(*e.Unit)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Timestamp.Format(time.RFC3339), e.Kind, e.Phase, unit, e.Message)
	}
	return errors.Trace(tw.Flush())
}

type eventsCommand struct {
	baseCommand

	out   cmd.Output
	plan  string
	limit int
}

// Info implements cmd.Command.
func (c *eventsCommand) Info() *cmd.Info {
	doc := `
Shows the refresh event log, oldest first. Every transition of every
refresh is recorded, along with units joining, leaving and changing
health.

Examples:
    events --limit 20
    events --plan 6f1c9a0e-2b1d-4c7e-9a55-0d3c1f7a2b10 --format yaml
`
	return &cmd.Info{
		Name:    "events",
		Purpose: "show the refresh event log",
		Doc:     doc,
	}
}

// SetFlags implements cmd.Command.
func (c *eventsCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
	f.StringVar(&c.plan, "plan", "", "only show the events of this refresh plan")
	f.IntVar(&c.limit, "limit", 0, "only show the most recent events")
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
		"tabular": formatEventsTabular,
	})
}

// Init implements cmd.Command.
func (c *eventsCommand) Init(args []string) error {
	if c.limit < 0 {
		return errors.NotValidf("limit %d", c.limit)
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *eventsCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	events, err := svc.Events(stdctx, c.plan, c.limit)
	if err != nil {
		return errors.Trace(err)
	}
	return c.out.Write(ctx, formatEvents(events))
}
