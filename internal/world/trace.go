package world

import "github.com/danielpatrickdp/goal-inference/internal/domain"

// Trace is a persistent, append-only log of records. Every operation returns
// a new *Trace and leaves the receiver untouched, so particles can share a
// common history after resampling without copying it.
type Trace struct {
	rec  Record
	prev *Trace
	n    int
}

// NewTrace starts a trace at its first record.
func NewTrace(rec Record) *Trace {
	return &Trace{rec: rec, n: 1}
}

// Len is the number of records.
func (tr *Trace) Len() int {
	if tr == nil {
		return 0
	}
	return tr.n
}

// Last returns the most recent record.
func (tr *Trace) Last() Record {
	return tr.rec
}

// T is the time index of the most recent record.
func (tr *Trace) T() int {
	return tr.rec.T
}

// Goal is the agent goal at the most recent record.
func (tr *Trace) Goal() domain.Goal {
	return tr.rec.State.Agent.Goal
}

// Extend appends one record, sharing the existing history.
func (tr *Trace) Extend(rec Record) *Trace {
	return &Trace{rec: rec, prev: tr, n: tr.Len() + 1}
}

// ReplaceLast swaps the most recent record.
func (tr *Trace) ReplaceLast(rec Record) *Trace {
	return &Trace{rec: rec, prev: tr.prev, n: tr.n}
}

// Prefix returns the trace truncated to records with T <= t, or nil when t
// precedes the first record.
func (tr *Trace) Prefix(t int) *Trace {
	node := tr
	for node != nil && node.rec.T > t {
		node = node.prev
	}
	return node
}

// At returns the record at time t.
func (tr *Trace) At(t int) (Record, bool) {
	node := tr.Prefix(t)
	if node == nil || node.rec.T != t {
		return Record{}, false
	}
	return node.rec, true
}

// Records returns the records oldest first.
func (tr *Trace) Records() []Record {
	out := make([]Record, tr.Len())
	for node, i := tr, tr.Len()-1; node != nil; node, i = node.prev, i-1 {
		out[i] = node.rec
	}
	return out
}

// LogJoint is the sum of cached prior and likelihood contributions.
func (tr *Trace) LogJoint() float64 {
	var total float64
	for node := tr; node != nil; node = node.prev {
		total += node.rec.LogPrior + node.rec.LogLik
	}
	return total
}

// Actions returns the realized action sequence, oldest first.
func (tr *Trace) Actions() []domain.Action {
	recs := tr.Records()
	out := make([]domain.Action, len(recs))
	for i, r := range recs {
		out[i] = r.State.Agent.Action
	}
	return out
}
