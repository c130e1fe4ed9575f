// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package refresher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/rollingrefresh/domain/refresh/service"
)

const metricsNamespace = "rollingrefresh"

// Collector is a prometheus.Collector that collects metrics about the
// refresher worker.
type Collector struct {
	phase          *prometheus.GaugeVec
	units          prometheus.Gauge
	refreshedUnits prometheus.Gauge
	transitions    *prometheus.CounterVec
	writeConflicts prometheus.Counter
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "phase",
				Help:      "The current refresh phase, set to 1 for the current phase.",
			}, []string{"phase"},
		),
		units: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "units",
				Help:      "The number of units in the deployment.",
			},
		),
		refreshedUnits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "refreshed_units",
				Help:      "The number of units refreshed by the current plan.",
			},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transitions_total",
				Help:      "The number of refresh events recorded by this unit.",
			}, []string{"kind"},
		),
		writeConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "write_conflicts_total",
				Help:      "The number of cluster state writes rejected by a concurrent writer.",
			},
		),
	}
}

func (c *Collector) observeOutcome(outcome service.Outcome) {
	for _, e := range outcome.Events {
		c.transitions.WithLabelValues(string(e.Kind)).Inc()
	}
	c.writeConflicts.Add(float64(outcome.WriteConflicts))
}

func (c *Collector) observeStatus(status service.Status) {
	c.phase.Reset()
	c.phase.WithLabelValues(string(status.Phase)).Set(1)

	var refreshed int
	for _, u := range status.Units {
		if u.Refreshed {
			refreshed++
		}
	}
	c.units.Set(float64(len(status.Units)))
	c.refreshedUnits.Set(float64(refreshed))
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.phase.Describe(ch)
	c.units.Describe(ch)
	c.refreshedUnits.Describe(ch)
	c.transitions.Describe(ch)
	c.writeConflicts.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.phase.Collect(ch)
	c.units.Collect(ch)
	c.refreshedUnits.Collect(ch)
	c.transitions.Collect(ch)
	c.writeConflicts.Collect(ch)
}
