package gate

// #region resample-mode
// ResampleMode selects when the population is resampled.
type ResampleMode string

const (
	ResampleNever  ResampleMode = "never"
	ResampleAlways ResampleMode = "always"
	ResampleESS    ResampleMode = "ess"
)

// #endregion resample-mode

// #region trigger-type
// TriggerType enumerates the conditions that fire a gate.
type TriggerType string

const (
	TriggerEveryStep     TriggerType = "every_step"
	TriggerLowESS        TriggerType = "low_ess"
	TriggerPeriodic      TriggerType = "periodic"
	TriggerAfterResample TriggerType = "after_resample"
	TriggerLowDiversity  TriggerType = "low_diversity"
)

// #endregion trigger-type

// #region trigger-signal
// TriggerSignal represents one fired condition.
type TriggerSignal struct {
	Type   TriggerType
	Reason string
}

// #endregion trigger-signal

// #region gate-config
// GateConfig holds the resampling and rejuvenation thresholds. Fractions are
// relative to the population size; zero disables the corresponding trigger.
type GateConfig struct {
	Resample                ResampleMode `yaml:"resample" json:"resample"`
	ESSFraction             float64      `yaml:"ess_fraction" json:"ess_fraction"`                           // resample when ESS < fraction*N
	RejuvenateEvery         int          `yaml:"rejuvenate_every" json:"rejuvenate_every"`                   // every k steps
	RejuvenateESSFraction   float64      `yaml:"rejuvenate_ess_fraction" json:"rejuvenate_ess_fraction"`     // pre-resample ESS below fraction*N
	RejuvenateAfterResample bool         `yaml:"rejuvenate_after_resample" json:"rejuvenate_after_resample"` // whenever resampling happened
	MinUniqueFraction       float64      `yaml:"min_unique_fraction" json:"min_unique_fraction"`             // distinct ancestors below fraction*N
}

// DefaultGateConfig resamples at ESS < N/2 and never rejuvenates.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Resample:    ResampleESS,
		ESSFraction: 0.5,
	}
}

// #endregion gate-config

// #region stats
// Stats is the population summary a gate decides on.
type Stats struct {
	T         int
	N         int
	ESS       float64 // before resampling
	Unique    int     // distinct ancestors after resampling
	Resampled bool
}

// #endregion stats

// #region gate-decision
const (
	ActionResample   = "resample"
	ActionKeep       = "keep"
	ActionRejuvenate = "rejuvenate"
	ActionSkip       = "skip"
)

// GateDecision is the output of a gate evaluation.
type GateDecision struct {
	Action    string // ActionResample | ActionKeep, or ActionRejuvenate | ActionSkip
	Reason    string
	Triggered bool
	Signals   []TriggerSignal // non-empty if triggered
	ESSFrac   float64         // ESS / N (for logging)
}

// #endregion gate-decision
