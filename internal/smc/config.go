package smc

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/gate"
	"github.com/danielpatrickdp/goal-inference/internal/world"
)

// #region errors
var (
	// ErrDegenerateWeights is returned when every particle weight is zero.
	ErrDegenerateWeights = errors.New("degenerate weights")
	// ErrStratification marks a strata layout incompatible with the population.
	ErrStratification = errors.New("stratification")
	// ErrOutOfOrder is returned for an observation older than the engine time.
	ErrOutOfOrder = errors.New("observation out of order")
	// ErrNotInitialized is returned when stepping before Init.
	ErrNotInitialized = errors.New("engine not initialized")
)

// #endregion errors

// #region config
// Config holds the engine parameters. It is copied by New.
type Config struct {
	N       int    // population size
	Seed    uint64 // base seed for every particle stream
	Workers int    // parallel particle workers, <= 1 runs serially

	// Stratify partitions the initial population across Strata, forcing the
	// goal of each partition. Nil Strata means one stratum per goal of the
	// model's support.
	Stratify          bool
	Strata            []domain.Goal
	RequireEvenStrata bool

	Gate   gate.GateConfig
	Scheme Scheme
	// Window is the rejuvenation window of the default replan kernel.
	Window int
}

// DefaultConfig returns a stratified 100-particle configuration resampling
// systematically at ESS < N/2.
func DefaultConfig() Config {
	return Config{
		N:        100,
		Workers:  1,
		Stratify: true,
		Gate:     gate.DefaultGateConfig(),
		Scheme:   Systematic,
		Window:   5,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithKernel replaces the default replan rejuvenation kernel.
func WithKernel(k Kernel) Option {
	return func(e *Engine) { e.kernel = k }
}

// WithCallback registers step observers, called in order after every step.
func WithCallback(cbs ...Callback) Option {
	return func(e *Engine) { e.callbacks = append(e.callbacks, cbs...) }
}

// #endregion config

// #region validation
func (c Config) validate(m *world.Model) ([]domain.Goal, error) {
	if c.N <= 0 {
		return nil, fmt.Errorf("population size %d must be positive", c.N)
	}
	if c.Workers < 0 {
		return nil, fmt.Errorf("workers %d is negative", c.Workers)
	}
	if c.Window < 0 {
		return nil, fmt.Errorf("rejuvenation window %d is negative", c.Window)
	}
	if err := c.Gate.Validate(); err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	if !c.Scheme.valid() {
		return nil, fmt.Errorf("unknown resampling scheme %q", c.Scheme)
	}
	if !c.Stratify {
		return nil, nil
	}

	strata := c.Strata
	if strata == nil {
		strata = m.Goals()
	}
	if _, err := Partition(c.N, len(strata)); err != nil {
		return nil, err
	}
	if c.RequireEvenStrata && c.N%len(strata) != 0 {
		return nil, fmt.Errorf("%w: %d particles do not divide evenly into %d strata", ErrStratification, c.N, len(strata))
	}
	for _, g := range strata {
		if math.IsInf(m.GoalPrior(g), -1) {
			return nil, fmt.Errorf("%w: stratum goal %q has zero prior mass", ErrStratification, g)
		}
	}
	return strata, nil
}

// Partition splits n particles into k strata whose sizes differ by at most
// one. The first n%k strata get the extra particle.
func Partition(n, k int) ([]int, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: no strata", ErrStratification)
	}
	if k > n {
		return nil, fmt.Errorf("%w: %d strata exceed %d particles", ErrStratification, k, n)
	}
	sizes := make([]int, k)
	for i := range sizes {
		sizes[i] = n / k
		if i < n%k {
			sizes[i]++
		}
	}
	return sizes, nil
}

// #endregion validation
