// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/juju/clock"
	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"

	coredatabase "github.com/juju/rollingrefresh/core/database"
	corelogger "github.com/juju/rollingrefresh/core/logger"
	"github.com/juju/rollingrefresh/domain/refresh/service"
	"github.com/juju/rollingrefresh/domain/refresh/state"
	"github.com/juju/rollingrefresh/internal/database"
	"github.com/juju/rollingrefresh/internal/refresh/config"
)

const refreshctlDoc = `
refreshctl drives a rolling refresh of a clustered deployment.

Units join the deployment and report their revision and health. The
unit holding the refresh leadership creates a plan with "refresh",
and each unit is allowed to refresh in turn, highest ordinal first.
The operator steers the plan with resume-refresh, force-refresh-start
and rollback, and watches it with status and events.
`

const (
	// DBEnvKey names the environment variable holding the default
	// database path.
	DBEnvKey = "REFRESHCTL_DB"

	// UnitEnvKey names the environment variable holding the default
	// acting unit.
	UnitEnvKey = "REFRESHCTL_UNIT"

	defaultDBPath = "rollingrefresh.db"
)

// NewRefreshctlCommand returns the refreshctl super command with every
// action registered.
func NewRefreshctlCommand() cmd.Command {
	sc := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "refreshctl",
		Doc:     refreshctlDoc,
		Purpose: "drive a rolling refresh",
	})
	for _, c := range []cmd.Command{
		&joinUnitCommand{},
		&leaveUnitCommand{},
		&reportUnitCommand{},
		&setTopologyCommand{},
		&allowedToRefreshCommand{},
		&refreshCommand{},
		&preRefreshCheckCommand{},
		&forceRefreshStartCommand{},
		&resumeRefreshCommand{},
		&rollbackCommand{},
		&tickCommand{},
		&statusCommand{},
		&eventsCommand{},
		&agentCommand{},
	} {
		sc.Register(c)
	}
	return sc
}

// baseCommand holds the flags shared by every refreshctl command and
// opens the cluster state database.
type baseCommand struct {
	cmd.CommandBase

	dbPath        string
	configPath    string
	loggingConfig string

	db *database.DB
}

// SetFlags implements cmd.Command.
func (c *baseCommand) SetFlags(f *gnuflag.FlagSet) {
	dbPath := os.Getenv(DBEnvKey)
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	f.StringVar(&c.dbPath, "db", dbPath, "path to the cluster state database")
	f.StringVar(&c.configPath, "config", "", "path to the refresh configuration file")
	f.StringVar(&c.loggingConfig, "logging-config", "", "specify log levels for modules")
}

// open configures logging, opens the database and returns the refresh
// service over it. The caller must call close when done.
func (c *baseCommand) open(ctx context.Context) (*service.LeadershipService, error) {
	if c.loggingConfig != "" {
		if err := loggo.ConfigureLoggers(c.loggingConfig); err != nil {
			return nil, errors.Annotate(err, "configuring loggers")
		}
	}
	db, err := database.Open(ctx, c.dbPath)
	if err != nil {
		return nil, errors.Annotatef(err, "opening %q", c.dbPath)
	}
	if err := state.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	c.db = db

	factory := func(context.Context) (coredatabase.TxnRunner, error) {
		return db, nil
	}
	st := state.NewState(factory, clock.WallClock, corelogger.GetLogger("refresh.state"))
	return service.NewLeadershipService(
		st,
		config.FileSource{Path: c.configPath},
		clock.WallClock,
		corelogger.GetLogger("refresh.service"),
	), nil
}

func (c *baseCommand) close() {
	if c.db == nil {
		return
	}
	if err := c.db.Close(); err != nil {
		corelogger.GetLogger("cmd.refreshctl").Warningf("closing %q: %v", c.dbPath, err)
	}
	c.db = nil
}

// unitCommand is a command acting as a unit of the deployment.
type unitCommand struct {
	baseCommand

	unit string
}

// SetFlags implements cmd.Command.
func (c *unitCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
	f.StringVar(&c.unit, "unit", os.Getenv(UnitEnvKey), "the unit acting")
}

func (c *unitCommand) checkUnit() error {
	if c.unit == "" {
		return errors.New("no unit specified; use --unit or " + UnitEnvKey)
	}
	return nil
}

// writeOutcome reports the result of an action to the operator.
func writeOutcome(ctx *cmd.Context, outcome service.Outcome) {
	for _, warning := range outcome.Warnings {
		fmt.Fprintf(ctx.Stderr, "WARNING %s\n", warning)
	}
	if outcome.Phase == "" {
		return
	}
	fmt.Fprintf(ctx.Stdout, "refresh %s\n", outcome.Phase)
	if outcome.AllowRefresh >= 0 {
		fmt.Fprintf(ctx.Stdout, "unit %d may refresh now\n", outcome.AllowRefresh)
	}
}
