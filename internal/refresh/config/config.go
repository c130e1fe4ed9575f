// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the operator configuration of a refresh.
package config

import (
	"context"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"

	"github.com/juju/rollingrefresh/core/refresh"
	"github.com/juju/rollingrefresh/internal/refresh/prober"
)

const (
	// PauseAfterUnitRefresh is how often the refresh pauses for the
	// operator: all, first or none.
	PauseAfterUnitRefresh = "pause-after-unit-refresh"

	// ProbeTimeout bounds every health probe.
	ProbeTimeout = "probe-timeout"

	// ProbeMaxRetries bounds the workload status attempts of a probe.
	ProbeMaxRetries = "probe-max-retries"

	// ProbeInitialDelay is the first delay between probe attempts.
	ProbeInitialDelay = "probe-initial-delay"

	// WorkloadContainer is the container image the deployment is pinned
	// to. Empty disables the container guard.
	WorkloadContainer = "workload-container"

	// WriteConflictAttempts bounds the retries of a controller write that
	// lost the optimistic concurrency check.
	WriteConflictAttempts = "write-conflict-attempts"

	// LeadershipDuration is how long a claimed leadership lease lasts.
	LeadershipDuration = "leadership-duration"

	// TickInterval is how often the refresher worker advances the plan.
	TickInterval = "tick-interval"
)

const (
	DefaultProbeTimeout          = 5 * time.Minute
	DefaultProbeMaxRetries       = 10
	DefaultProbeInitialDelay     = time.Second
	DefaultWriteConflictAttempts = 5
	DefaultLeadershipDuration    = 30 * time.Second
	DefaultTickInterval          = 5 * time.Second
)

// Config is the operator configuration of a refresh.
type Config struct {
	PausePolicy           refresh.PausePolicy
	ProbeTimeout          time.Duration
	ProbeMaxRetries       int
	ProbeInitialDelay     time.Duration
	WorkloadContainer     string
	WriteConflictAttempts int
	LeadershipDuration    time.Duration
	TickInterval          time.Duration
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		PausePolicy:           refresh.DefaultPausePolicy,
		ProbeTimeout:          DefaultProbeTimeout,
		ProbeMaxRetries:       DefaultProbeMaxRetries,
		ProbeInitialDelay:     DefaultProbeInitialDelay,
		WriteConflictAttempts: DefaultWriteConflictAttempts,
		LeadershipDuration:    DefaultLeadershipDuration,
		TickInterval:          DefaultTickInterval,
	}
}

// ProbeOptions returns the prober bounds of the configuration.
func (c Config) ProbeOptions() prober.Options {
	return prober.Options{
		Timeout:      c.ProbeTimeout,
		MaxRetries:   c.ProbeMaxRetries,
		InitialDelay: c.ProbeInitialDelay,
	}
}

// Validate ensures that the configuration is usable.
func (c Config) Validate() error {
	if _, err := refresh.ParsePausePolicy(string(c.PausePolicy)); err != nil {
		return errors.Trace(err)
	}
	if c.ProbeTimeout <= 0 {
		return errors.NotValidf("%s %v", ProbeTimeout, c.ProbeTimeout)
	}
	if c.ProbeMaxRetries < 1 {
		return errors.NotValidf("%s %d", ProbeMaxRetries, c.ProbeMaxRetries)
	}
	if c.ProbeInitialDelay <= 0 {
		return errors.NotValidf("%s %v", ProbeInitialDelay, c.ProbeInitialDelay)
	}
	if c.WriteConflictAttempts < 1 {
		return errors.NotValidf("%s %d", WriteConflictAttempts, c.WriteConflictAttempts)
	}
	if c.LeadershipDuration <= 0 {
		return errors.NotValidf("%s %v", LeadershipDuration, c.LeadershipDuration)
	}
	if c.TickInterval <= 0 {
		return errors.NotValidf("%s %v", TickInterval, c.TickInterval)
	}
	return nil
}

var configChecker = schema.FieldMap(schema.Fields{
	PauseAfterUnitRefresh: schema.String(),
	ProbeTimeout:          schema.TimeDurationString(),
	ProbeMaxRetries:       schema.ForceInt(),
	ProbeInitialDelay:     schema.TimeDurationString(),
	WorkloadContainer:     schema.String(),
	WriteConflictAttempts: schema.ForceInt(),
	LeadershipDuration:    schema.TimeDurationString(),
	TickInterval:          schema.TimeDurationString(),
}, schema.Defaults{
	PauseAfterUnitRefresh: string(refresh.DefaultPausePolicy),
	ProbeTimeout:          DefaultProbeTimeout.String(),
	ProbeMaxRetries:       DefaultProbeMaxRetries,
	ProbeInitialDelay:     DefaultProbeInitialDelay.String(),
	WorkloadContainer:     "",
	WriteConflictAttempts: DefaultWriteConflictAttempts,
	LeadershipDuration:    DefaultLeadershipDuration.String(),
	TickInterval:          DefaultTickInterval.String(),
})

// Parse reads a YAML configuration document. Missing keys take their
// default values.
func Parse(data []byte) (Config, error) {
	attrs := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &attrs); err != nil {
		return Config{}, errors.Annotate(err, "parsing refresh configuration")
	}
	coerced, err := configChecker.Coerce(attrs, nil)
	if err != nil {
		return Config{}, errors.Annotate(err, "validating refresh configuration")
	}
	m := coerced.(map[string]interface{})

	policy, err := refresh.ParsePausePolicy(m[PauseAfterUnitRefresh].(string))
	if err != nil {
		return Config{}, errors.Annotatef(err, "parsing %s", PauseAfterUnitRefresh)
	}
	cfg := Config{
		PausePolicy:           policy,
		ProbeMaxRetries:       m[ProbeMaxRetries].(int),
		WorkloadContainer:     m[WorkloadContainer].(string),
		WriteConflictAttempts: m[WriteConflictAttempts].(int),
	}
	for key, d := range map[string]*time.Duration{
		ProbeTimeout:       &cfg.ProbeTimeout,
		ProbeInitialDelay:  &cfg.ProbeInitialDelay,
		LeadershipDuration: &cfg.LeadershipDuration,
		TickInterval:       &cfg.TickInterval,
	} {
		if *d, err = duration(m[key]); err != nil {
			return Config{}, errors.Annotatef(err, "parsing %s", key)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

func duration(v interface{}) (time.Duration, error) {
	switch v := v.(type) {
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		return d, errors.Trace(err)
	}
	return 0, errors.NotValidf("duration %v", v)
}

// Source supplies the current configuration.
type Source interface {
	Config(ctx context.Context) (Config, error)
}

// FileSource reads the configuration from a YAML file each time it is
// asked, so that changes apply to the next plan. A missing file yields
// the default configuration.
type FileSource struct {
	Path string
}

// Config implements Source.
func (s FileSource) Config(ctx context.Context) (Config, error) {
	if s.Path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return Default(), nil
	} else if err != nil {
		return Config{}, errors.Annotatef(err, "reading %q", s.Path)
	}
	cfg, err := Parse(data)
	return cfg, errors.Annotatef(err, "reading %q", s.Path)
}

// StaticSource always returns the same configuration.
type StaticSource Config

// Config implements Source.
func (s StaticSource) Config(context.Context) (Config, error) {
	return Config(s), nil
}
