// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	corelogger "github.com/juju/rollingrefresh/core/logger"
	"github.com/juju/rollingrefresh/internal/refresh/config"
	"github.com/juju/rollingrefresh/internal/worker/refresher"
)

type agentCommand struct {
	unitCommand

	interval       time.Duration
	metricsAddress string
}

// Info implements cmd.Command.
func (c *agentCommand) Info() *cmd.Info {
	doc := `
Runs the refresher for a unit until interrupted. The refresher advances
the refresh on every interval while the unit holds the refresh
leadership, and takes the leadership over when the holder goes away.
Metrics are served for prometheus when an address is given.

Examples:
    agent --unit db/0 --metrics-address :9101
`
	return &cmd.Info{
		Name:    "agent",
		Purpose: "run the refresher for a unit",
		Doc:     doc,
	}
}

// SetFlags implements cmd.Command.
func (c *agentCommand) SetFlags(f *gnuflag.FlagSet) {
	c.unitCommand.SetFlags(f)
	f.DurationVar(&c.interval, "interval", 0, "time between ticks, overriding the configured tick-interval")
	f.StringVar(&c.metricsAddress, "metrics-address", "", "address to serve prometheus metrics on")
}

// Init implements cmd.Command.
func (c *agentCommand) Init(args []string) error {
	if c.interval < 0 {
		return errors.NotValidf("interval %v", c.interval)
	}
	if err := c.checkUnit(); err != nil {
		return err
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *agentCommand) Run(ctx *cmd.Context) error {
	stdctx := context.Background()
	svc, err := c.open(stdctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	interval := c.interval
	if interval == 0 {
		cfg, err := config.FileSource{Path: c.configPath}.Config(stdctx)
		if err != nil {
			return errors.Trace(err)
		}
		interval = cfg.TickInterval
	}

	collector := refresher.NewMetricsCollector()
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return errors.Annotate(err, "registering metrics")
	}

	w, err := refresher.NewWorker(refresher.Config{
		RefreshService: svc,
		Unit:           c.unit,
		Interval:       interval,
		Metrics:        collector,
		Clock:          clock.WallClock,
		Logger:         corelogger.GetLogger("worker.refresher"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	if c.metricsAddress != "" {
		listener, err := net.Listen("tcp", c.metricsAddress)
		if err != nil {
			w.Kill()
			_ = w.Wait()
			return errors.Annotatef(err, "listening on %q", c.metricsAddress)
		}
		server := &http.Server{
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
				corelogger.GetLogger("cmd.refreshctl").Errorf("serving metrics: %v", err)
			}
		}()
		defer server.Close()
		ctx.Infof("serving metrics on %s", listener.Addr())
	}

	interrupted := make(chan os.Signal, 1)
	ctx.InterruptNotify(interrupted)
	defer ctx.StopInterruptNotify(interrupted)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-interrupted:
			w.Kill()
		case <-done:
		}
	}()
	return errors.Trace(w.Wait())
}
