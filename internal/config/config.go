package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/goal-inference/internal/eval"
	"github.com/danielpatrickdp/goal-inference/internal/gate"
	"github.com/danielpatrickdp/goal-inference/internal/obs"
)

// ErrInvalid marks a run configuration rejected by Validate.
var ErrInvalid = errors.New("invalid run config")

// #region types
// Run holds everything needed to set up one inference run.
type Run struct {
	Description string          `yaml:"description" json:"description,omitempty"`
	Layout      string          `yaml:"layout" json:"layout"`
	Agent       AgentConfig     `yaml:"agent" json:"agent"`
	Obs         obs.Config      `yaml:"obs" json:"obs"`
	Batch       obs.BatchMode   `yaml:"batch" json:"batch,omitempty"`
	Inference   InferenceConfig `yaml:"inference" json:"inference"`
	Eval        eval.EvalConfig `yaml:"eval" json:"eval"`
	Planner     PlannerConfig   `yaml:"planner" json:"planner"`
	Store       StoreConfig     `yaml:"store" json:"store"`
	Publish     PublishConfig   `yaml:"publish" json:"publish"`
	Logging     LoggingConfig   `yaml:"logging" json:"logging"`
}

// AgentConfig parametrizes the agent submodels.
type AgentConfig struct {
	// GoalPrior maps goal names to unnormalized prior weights. Empty means
	// uniform over the layout's goals.
	GoalPrior  map[string]float64 `yaml:"goal_prior" json:"goal_prior,omitempty"`
	SwitchProb float64            `yaml:"switch_prob" json:"switch_prob,omitempty"`
	ReplanProb float64            `yaml:"replan_prob" json:"replan_prob"`
	Noise      float64            `yaml:"noise" json:"noise"`
	Budget     BudgetConfig       `yaml:"budget" json:"budget"`
}

// BudgetConfig selects the planner search budget distribution.
type BudgetConfig struct {
	Kind  string  `yaml:"kind" json:"kind"` // "fixed" | "negbin"
	N     int     `yaml:"n" json:"n,omitempty"`
	R     int     `yaml:"r" json:"r,omitempty"`
	P     float64 `yaml:"p" json:"p,omitempty"`
	Shift int     `yaml:"shift" json:"shift,omitempty"`
}

// InferenceConfig holds the particle filter parameters.
type InferenceConfig struct {
	N                 int             `yaml:"n" json:"n"`
	Seed              uint64          `yaml:"seed" json:"seed"`
	Workers           int             `yaml:"workers" json:"workers"`
	Stratify          bool            `yaml:"stratify" json:"stratify"`
	RequireEvenStrata bool            `yaml:"require_even_strata" json:"require_even_strata,omitempty"`
	Strata            []string        `yaml:"strata" json:"strata,omitempty"`
	Scheme            string          `yaml:"scheme" json:"scheme"`
	Window            int             `yaml:"window" json:"window"`
	Gate              gate.GateConfig `yaml:"gate" json:"gate"`
}

// PlannerConfig selects where plans come from. With Addr set plans are
// fetched from a remote planner service; RedisAddr adds a shared cache.
type PlannerConfig struct {
	Addr      string `yaml:"addr" json:"addr,omitempty"`
	Memo      bool   `yaml:"memo" json:"memo"`
	RedisAddr string `yaml:"redis_addr" json:"redis_addr,omitempty"`
	TTL       string `yaml:"ttl" json:"ttl,omitempty"`
	// Serialize allows one planner call at a time, for planner backends
	// that keep search state between calls.
	Serialize bool `yaml:"serialize" json:"serialize,omitempty"`
}

// StoreConfig configures run persistence. An empty DB disables it.
type StoreConfig struct {
	DB              string `yaml:"db" json:"db,omitempty"`
	CheckpointEvery int    `yaml:"checkpoint_every" json:"checkpoint_every"`
}

// PublishConfig configures live NATS publishing. An empty URL disables it.
type PublishConfig struct {
	NATSURL string `yaml:"nats_url" json:"nats_url,omitempty"`
	Subject string `yaml:"subject" json:"subject,omitempty"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// #endregion types

// #region defaults
// DefaultLayout has three goals on the far side of an open room.
const DefaultLayout = `
......A
.......
@.....B
.......
......C
`

// Default returns a three-goal gridworld run with noisy position
// observations.
func Default() *Run {
	return &Run{
		Layout: DefaultLayout,
		Agent: AgentConfig{
			ReplanProb: 0.1,
			Noise:      0.05,
			Budget:     BudgetConfig{Kind: "fixed"},
		},
		Obs: obs.Config{
			"x": {Kind: obs.Gaussian, Sigma: 0.25},
			"y": {Kind: obs.Gaussian, Sigma: 0.25},
		},
		Batch: obs.BatchAll,
		Inference: InferenceConfig{
			N:        100,
			Seed:     1,
			Workers:  1,
			Stratify: true,
			Scheme:   "systematic",
			Window:   5,
			Gate: gate.GateConfig{
				Resample:        gate.ResampleESS,
				ESSFraction:     0.5,
				RejuvenateEvery: 1,
			},
		},
		Eval: eval.DefaultEvalConfig(),
		Planner: PlannerConfig{
			Memo: true,
			TTL:  "10m",
		},
		Store:   StoreConfig{CheckpointEvery: 10},
		Publish: PublishConfig{Subject: "sips.marginals"},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// #endregion defaults

// #region load
// Load reads a YAML run config over the defaults and applies environment
// overrides. An empty path returns the defaults with overrides applied.
func Load(path string) (*Run, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = decode(data); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML or JSON run config over the defaults without
// environment overrides.
func Parse(data []byte) (*Run, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte) (*Run, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// yaml merges into the default feature map; a document that names its
	// features replaces it.
	var features struct {
		Obs obs.Config `yaml:"obs"`
	}
	if err := yaml.Unmarshal(data, &features); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if features.Obs != nil {
		cfg.Obs = features.Obs
	}
	return cfg, nil
}

// LoadEnv loads .env files into the process environment. Missing files are
// ignored; with no arguments ".env" is tried.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Run) applyEnv() {
	c.Store.DB = envOr("SIPS_DB", c.Store.DB)
	c.Planner.Addr = envOr("SIPS_PLANNER_ADDR", c.Planner.Addr)
	c.Planner.RedisAddr = envOr("SIPS_REDIS_ADDR", c.Planner.RedisAddr)
	c.Publish.NATSURL = envOr("SIPS_NATS_URL", c.Publish.NATSURL)
	c.Logging.Level = envOr("SIPS_LOG_LEVEL", c.Logging.Level)
	if v := os.Getenv("SIPS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Inference.Workers = n
		}
	}
}

// JSON returns the config as a compact JSON document, as stored with a run.
func (c *Run) JSON() string {
	data, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// #endregion load

// #region validate
// Validate checks the parts of the config that do not need a built model.
// Model and engine construction validate the rest.
func (c *Run) Validate() error {
	g, err := c.Grid()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	known := map[string]bool{}
	for _, goal := range g.Goals() {
		known[string(goal)] = true
	}
	for name, w := range c.Agent.GoalPrior {
		if !known[name] {
			return fmt.Errorf("%w: goal prior names unknown goal %q", ErrInvalid, name)
		}
		if w < 0 {
			return fmt.Errorf("%w: goal prior weight for %q is negative", ErrInvalid, name)
		}
	}
	for _, name := range c.Inference.Strata {
		if !known[name] {
			return fmt.Errorf("%w: stratum names unknown goal %q", ErrInvalid, name)
		}
	}
	switch c.Agent.Budget.Kind {
	case "", "fixed", "negbin":
	default:
		return fmt.Errorf("%w: unknown budget kind %q", ErrInvalid, c.Agent.Budget.Kind)
	}
	switch c.Batch {
	case "", obs.BatchAll, obs.BatchChanged:
	default:
		return fmt.Errorf("%w: unknown batch mode %q", ErrInvalid, c.Batch)
	}
	if c.Planner.TTL != "" {
		if _, err := time.ParseDuration(c.Planner.TTL); err != nil {
			return fmt.Errorf("%w: planner ttl: %v", ErrInvalid, err)
		}
	}
	if c.Store.CheckpointEvery < 0 {
		return fmt.Errorf("%w: checkpoint_every is negative", ErrInvalid)
	}
	if err := c.Obs.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// #endregion validate

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
