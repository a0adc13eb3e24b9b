package obs

import (
	"fmt"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
)

// BatchMode controls how a stream of full observations is cut into batches.
type BatchMode string

const (
	// BatchAll delivers every feature at every step.
	BatchAll BatchMode = "all"
	// BatchChanged delivers only the features whose value changed since the
	// previous step; the first step carries every feature.
	BatchChanged BatchMode = "changed"
)

// Split converts a sequence of full observations into batches.
func Split(full []Batch, mode BatchMode) ([]Batch, error) {
	switch mode {
	case BatchAll, "":
		out := make([]Batch, len(full))
		for i, b := range full {
			out[i] = b.Clone()
		}
		return out, nil
	case BatchChanged:
		out := make([]Batch, len(full))
		for i, b := range full {
			if i == 0 {
				out[i] = b.Clone()
				continue
			}
			out[i] = Changed(full[i-1], b)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown batch mode %q", mode)
	}
}

// Changed returns the features of next that differ from (or are missing in) prev.
func Changed(prev, next Batch) Batch {
	out := Batch{}
	for name, v := range next {
		if old, ok := prev[name]; !ok || !old.Equal(v) {
			out[name] = v
		}
	}
	return out
}

// Clone copies a batch.
func (b Batch) Clone() Batch {
	if b == nil {
		return nil
	}
	out := make(Batch, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Merge returns a new batch with the values of o laid over b.
func (b Batch) Merge(o Batch) Batch {
	out := make(Batch, len(b)+len(o))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Truth reads the noiseless value of every configured feature from a state.
func (c Config) Truth(s domain.State) (Batch, error) {
	out := make(Batch, len(c))
	for _, name := range c.Features() {
		v, err := groundTruth(s, name, c[name])
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}
