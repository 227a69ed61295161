package mcpmanager

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the dispatcher's recognized configuration (§6). Unknown YAML
// keys are rejected at load time.
type Config struct {
	MinActive            int     `yaml:"min_active"`
	MaxActive            int     `yaml:"max_active"`
	StandbyCount         int     `yaml:"standby_count"`
	ScaleUpPct           int     `yaml:"scale_up_pct"`
	ScaleDownIdleSeconds float64 `yaml:"scale_down_idle_seconds"`
	MaxLoadPerWorker     int     `yaml:"max_load_per_worker"`
	SupervisorPeriodSecs float64 `yaml:"supervisor_period_seconds"`
	PriorityMinActive    int     `yaml:"priority_min_active"`
	PriorityMaxActive    int     `yaml:"priority_max_active"`
}

// DefaultConfig returns the spec's documented defaults (§4.5, §4.3).
func DefaultConfig() Config {
	return Config{
		MinActive:            1,
		MaxActive:            1,
		StandbyCount:         0,
		ScaleUpPct:           80,
		ScaleDownIdleSeconds: 300,
		MaxLoadPerWorker:     100,
		SupervisorPeriodSecs: 1,
		PriorityMinActive:    0,
		PriorityMaxActive:    0,
	}
}

// withDefaults fills zero-valued fields that have a sensible spec default.
// Fields explicitly required to be positive by §6 (MinActive, MaxActive,
// ScaleUpPct, ScaleDownIdleSeconds, MaxLoadPerWorker,
// SupervisorPeriodSecs) are only defaulted when zero or negative; positive
// values are never overridden.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinActive <= 0 {
		c.MinActive = d.MinActive
	}
	if c.MaxActive <= 0 {
		c.MaxActive = c.MinActive
	}
	if c.ScaleUpPct <= 0 {
		c.ScaleUpPct = d.ScaleUpPct
	}
	if c.ScaleDownIdleSeconds <= 0 {
		c.ScaleDownIdleSeconds = d.ScaleDownIdleSeconds
	}
	if c.MaxLoadPerWorker <= 0 {
		c.MaxLoadPerWorker = d.MaxLoadPerWorker
	}
	if c.SupervisorPeriodSecs <= 0 {
		c.SupervisorPeriodSecs = d.SupervisorPeriodSecs
	}
	if c.PriorityMaxActive < c.PriorityMinActive {
		c.PriorityMaxActive = c.PriorityMinActive
	}
	return c
}

// Validate checks the §6 invariants between fields.
func (c Config) Validate() error {
	if c.MinActive < 1 {
		return fmt.Errorf("min_active must be >= 1")
	}
	if c.MaxActive < c.MinActive {
		return fmt.Errorf("max_active must be >= min_active")
	}
	if c.StandbyCount < 0 {
		return fmt.Errorf("standby_count must be >= 0")
	}
	if c.ScaleUpPct < 1 || c.ScaleUpPct > 100 {
		return fmt.Errorf("scale_up_pct must be in [1,100]")
	}
	if c.ScaleDownIdleSeconds <= 0 {
		return fmt.Errorf("scale_down_idle_seconds must be > 0")
	}
	if c.MaxLoadPerWorker <= 0 {
		return fmt.Errorf("max_load_per_worker must be > 0")
	}
	if c.SupervisorPeriodSecs <= 0 {
		return fmt.Errorf("supervisor_period_seconds must be > 0")
	}
	if c.PriorityMinActive < 0 {
		return fmt.Errorf("priority_min_active must be >= 0")
	}
	if c.PriorityMaxActive < c.PriorityMinActive {
		return fmt.Errorf("priority_max_active must be >= priority_min_active")
	}
	return nil
}

func (c Config) scaleDownIdle() time.Duration {
	return time.Duration(c.ScaleDownIdleSeconds * float64(time.Second))
}

func (c Config) supervisorPeriod() time.Duration {
	return time.Duration(c.SupervisorPeriodSecs * float64(time.Second))
}

// LoadConfig reads a YAML config file, rejecting unrecognized keys — the
// way cuemby-warren's cmd/warren/apply.go decodes its cluster config.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg.withDefaults(), nil
}

// weightTableDoc is the on-disk YAML shape for a weight table: a flat
// name→weight mapping plus a "default" key (§6).
type weightTableDoc struct {
	Default int            `yaml:"default"`
	Weights map[string]int `yaml:"-"`
}

// UnmarshalYAML flattens the document into Weights, pulling "default" out
// separately so arbitrary tool names are accepted as top-level keys.
func (d *weightTableDoc) UnmarshalYAML(value *yaml.Node) error {
	raw := make(map[string]int)
	if err := value.Decode(&raw); err != nil {
		return err
	}
	d.Weights = make(map[string]int, len(raw))
	for k, v := range raw {
		if k == "default" {
			d.Default = v
			continue
		}
		d.Weights[k] = v
	}
	return nil
}

// LoadWeightTable reads a weight-table YAML file (§6 "Weight table format").
func LoadWeightTable(path string) (*WeightTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weight table: %w", err)
	}
	defer f.Close()

	var doc weightTableDoc
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode weight table: %w", err)
	}
	return NewWeightTable(doc.Weights, doc.Default), nil
}
