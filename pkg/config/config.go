// Package config handles configuration loading and validation for semtoken.
//
// A configuration describes one simulated deployment: the radio links
// between nodes, which nodes belong to which semantic entity, the timing
// of the surrounding protocol, and where logs and traces go.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/daviddao/semtoken/pkg/clock"
	"github.com/daviddao/semtoken/pkg/model"
	"github.com/daviddao/semtoken/pkg/predictor"
	"github.com/daviddao/semtoken/pkg/token"
)

// Config is the root configuration.
type Config struct {
	Simulation Simulation `toml:"simulation" yaml:"simulation" json:"simulation"`
	Links      []Link     `toml:"links" yaml:"links" json:"links"`
	Entities   []Entity   `toml:"entities" yaml:"entities" json:"entities"`
	Failures   []Failure  `toml:"failures,omitempty" yaml:"failures,omitempty" json:"failures,omitempty"`
	Logging    Logging    `toml:"logging" yaml:"logging" json:"logging"`
	Store      Store      `toml:"store" yaml:"store" json:"store"`
}

// Simulation holds timing and protocol parameters. All durations are in
// milliseconds of simulated time.
type Simulation struct {
	Seed               int64   `toml:"seed" yaml:"seed" json:"seed"`
	DurationMS         int64   `toml:"duration_ms" yaml:"duration_ms" json:"duration_ms"`
	GossipIntervalMS   int64   `toml:"gossip_interval_ms" yaml:"gossip_interval_ms" json:"gossip_interval_ms"`
	ActivityMS         int64   `toml:"activity_ms" yaml:"activity_ms" json:"activity_ms"`
	MessageDelayMS     int64   `toml:"message_delay_ms" yaml:"message_delay_ms" json:"message_delay_ms"`
	SnapshotIntervalMS int64   `toml:"snapshot_interval_ms" yaml:"snapshot_interval_ms" json:"snapshot_interval_ms"`
	WaveTimeoutMS      int64   `toml:"wave_timeout_ms" yaml:"wave_timeout_ms" json:"wave_timeout_ms"`
	LossRate           float64 `toml:"loss_rate" yaml:"loss_rate" json:"loss_rate"`
	MaxNeighbors       int     `toml:"max_neighbors" yaml:"max_neighbors" json:"max_neighbors"`
	CountPolicy        string  `toml:"count_policy" yaml:"count_policy" json:"count_policy"`

	// Initial predictor tuning in milliseconds. Zero keeps the predictor
	// defaults.
	PredictorIntervalMS int64 `toml:"predictor_interval_ms" yaml:"predictor_interval_ms" json:"predictor_interval_ms,omitempty"`
	PredictorWindowMS   int64 `toml:"predictor_window_ms" yaml:"predictor_window_ms" json:"predictor_window_ms,omitempty"`
}

// Link is a bidirectional radio link.
type Link struct {
	A model.NodeID `toml:"a" yaml:"a" json:"a"`
	B model.NodeID `toml:"b" yaml:"b" json:"b"`
}

// Failure takes a link down at a simulated time.
type Failure struct {
	AtMS int64        `toml:"at_ms" yaml:"at_ms" json:"at_ms"`
	A    model.NodeID `toml:"a" yaml:"a" json:"a"`
	B    model.NodeID `toml:"b" yaml:"b" json:"b"`
}

// Entity declares a semantic entity and its members.
type Entity struct {
	Rule    uint8          `toml:"rule" yaml:"rule" json:"rule"`
	Value   uint32         `toml:"value" yaml:"value" json:"value"`
	Members []model.NodeID `toml:"members" yaml:"members" json:"members"`
}

// ID returns the entity id.
func (e Entity) ID() model.EntityID { return model.EntityID{Rule: e.Rule, Value: e.Value} }

// Logging configures the zap logger.
type Logging struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
	Output string `toml:"output" yaml:"output" json:"output"`
}

// Store configures the trace database.
type Store struct {
	Path string `toml:"path" yaml:"path" json:"path"`
}

// DefaultConfig returns a six-node demo deployment with two entities.
//
//	1 - 2 - 3
//	    |   |
//	    4 - 5 - 6
func DefaultConfig() *Config {
	return &Config{
		Simulation: Simulation{
			Seed:               1,
			DurationMS:         10 * 60 * 1000,
			GossipIntervalMS:   1000,
			ActivityMS:         200,
			MessageDelayMS:     5,
			SnapshotIntervalMS: 10000,
			WaveTimeoutMS:      30000,
			LossRate:           0,
			MaxNeighbors:       8,
			CountPolicy:        token.Serial.String(),
			// Waves in the demo take about a second, far below the
			// predictor's own defaults.
			PredictorIntervalMS: 1000,
			PredictorWindowMS:   250,
		},
		Links: []Link{{1, 2}, {2, 3}, {2, 4}, {3, 5}, {4, 5}, {5, 6}},
		Entities: []Entity{
			{Rule: 1, Value: 1, Members: []model.NodeID{1, 2, 3, 4, 5, 6}},
			{Rule: 2, Value: 7, Members: []model.NodeID{3, 5, 6}},
		},
		Logging: Logging{Level: "info", Format: "console", Output: "stderr"},
		Store:   Store{Path: ".semtoken/semtoken.db"},
	}
}

// Nodes returns every node mentioned by a link or an entity, ascending.
func (c *Config) Nodes() []model.NodeID {
	var ids []model.NodeID
	add := func(id model.NodeID) {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	for _, l := range c.Links {
		add(l.A)
		add(l.B)
	}
	for _, e := range c.Entities {
		for _, m := range e.Members {
			add(m)
		}
	}
	slices.Sort(ids)
	return ids
}

func (c *Config) hasLink(a, b model.NodeID) bool {
	for _, l := range c.Links {
		if (l.A == a && l.B == b) || (l.A == b && l.B == a) {
			return true
		}
	}
	return false
}

func effective(ms int64, def clock.Time) clock.Time {
	if ms > 0 {
		return clock.Time(ms)
	}
	return def
}

// PredictorOptions returns the predictor tuning as options.
func (c *Config) PredictorOptions() []predictor.Option {
	var opts []predictor.Option
	if c.Simulation.PredictorIntervalMS > 0 {
		opts = append(opts, predictor.WithInterval(clock.Time(c.Simulation.PredictorIntervalMS)))
	}
	if c.Simulation.PredictorWindowMS > 0 {
		opts = append(opts, predictor.WithWindow(clock.Time(c.Simulation.PredictorWindowMS)))
	}
	return opts
}

// Policy returns the parsed count policy.
func (c *Config) Policy() token.Policy {
	p, _ := token.ParsePolicy(c.Simulation.CountPolicy)
	return p
}

// ApplyEnvOverrides applies environment variable overrides.
// Variables are prefixed with SEMTOKEN_.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SEMTOKEN_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("SEMTOKEN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SEMTOKEN_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Simulation.Seed = seed
		}
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs ValidationErrors
	fail := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	s := c.Simulation
	if s.DurationMS <= 0 {
		fail("simulation.duration_ms", "must be positive, got %d", s.DurationMS)
	}
	if s.GossipIntervalMS <= 0 {
		fail("simulation.gossip_interval_ms", "must be positive, got %d", s.GossipIntervalMS)
	}
	if s.ActivityMS <= 0 {
		fail("simulation.activity_ms", "must be positive, got %d", s.ActivityMS)
	}
	if s.MessageDelayMS < 0 {
		fail("simulation.message_delay_ms", "must not be negative, got %d", s.MessageDelayMS)
	}
	if s.SnapshotIntervalMS < 0 {
		fail("simulation.snapshot_interval_ms", "must not be negative, got %d", s.SnapshotIntervalMS)
	}
	if s.WaveTimeoutMS < 0 {
		fail("simulation.wave_timeout_ms", "must not be negative, got %d", s.WaveTimeoutMS)
	}
	if s.PredictorIntervalMS < 0 || s.PredictorWindowMS < 0 {
		fail("simulation.predictor_window_ms", "predictor tuning must not be negative")
	} else if iv, w := s.PredictorIntervalMS, s.PredictorWindowMS; (iv > 0 || w > 0) && effective(w, predictor.DefaultWindow) > effective(iv, predictor.DefaultInterval) {
		fail("simulation.predictor_window_ms", "window %d exceeds interval %d",
			effective(w, predictor.DefaultWindow), effective(iv, predictor.DefaultInterval))
	}
	if s.LossRate < 0 || s.LossRate >= 1 {
		fail("simulation.loss_rate", "must be in [0, 1), got %g", s.LossRate)
	}
	if s.MaxNeighbors < 1 {
		fail("simulation.max_neighbors", "must be at least 1, got %d", s.MaxNeighbors)
	}
	if _, err := token.ParsePolicy(s.CountPolicy); err != nil {
		fail("simulation.count_policy", "%v", err)
	}

	for i, l := range c.Links {
		if l.A == l.B {
			fail(fmt.Sprintf("links[%d]", i), "self loop on node %d", l.A)
		}
		if l.A == model.NullNodeID || l.B == model.NullNodeID {
			fail(fmt.Sprintf("links[%d]", i), "node id %d is reserved", model.NullNodeID)
		}
	}

	for i, f := range c.Failures {
		if f.AtMS < 0 {
			fail(fmt.Sprintf("failures[%d]", i), "negative time %d", f.AtMS)
		}
		if !c.hasLink(f.A, f.B) {
			fail(fmt.Sprintf("failures[%d]", i), "no link between %d and %d", f.A, f.B)
		}
	}

	seen := map[model.EntityID]bool{}
	for i, e := range c.Entities {
		field := fmt.Sprintf("entities[%d]", i)
		if seen[e.ID()] {
			fail(field, "duplicate entity %s", e.ID())
		}
		seen[e.ID()] = true
		if len(e.Members) == 0 {
			fail(field, "entity %s has no members", e.ID())
		}
		for j, m := range e.Members {
			if m == model.NullNodeID {
				fail(field, "node id %d is reserved", model.NullNodeID)
			}
			if slices.Contains(e.Members[:j], m) {
				fail(field, "duplicate member %d", m)
			}
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		fail("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		fail("logging.format", "unknown format %q", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
