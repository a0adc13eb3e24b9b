package smc

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// #region scheme
// Scheme selects the resampling algorithm. All schemes draw each ancestor
// with expected count n*w_i.
type Scheme string

const (
	Multinomial Scheme = "multinomial"
	Stratified  Scheme = "stratified"
	Systematic  Scheme = "systematic"
	Residual    Scheme = "residual"
)

func (s Scheme) valid() bool {
	switch s {
	case Multinomial, Stratified, Systematic, Residual:
		return true
	}
	return false
}

// #endregion scheme

// #region resample
// Resample draws n ancestor indices from normalized weights w.
func Resample(s Scheme, w []float64, n int, rng *rand.Rand) ([]int, error) {
	if len(w) == 0 || n <= 0 {
		return nil, fmt.Errorf("resample %d from %d weights", n, len(w))
	}
	switch s {
	case Multinomial:
		return multinomial(w, n, rng), nil
	case Stratified:
		return fromPoints(w, n, func(i int) float64 { return (float64(i) + rng.Float64()) / float64(n) }), nil
	case Systematic:
		u := rng.Float64()
		return fromPoints(w, n, func(i int) float64 { return (float64(i) + u) / float64(n) }), nil
	case Residual:
		return residual(w, n, rng), nil
	}
	return nil, fmt.Errorf("unknown resampling scheme %q", s)
}

func multinomial(w []float64, n int, rng *rand.Rand) []int {
	cdf := cumulative(w)
	out := make([]int, n)
	for i := range out {
		out[i] = search(cdf, rng.Float64()*cdf[len(cdf)-1])
	}
	return out
}

// fromPoints inverts the weight CDF at n increasing points in [0,1).
func fromPoints(w []float64, n int, point func(i int) float64) []int {
	cdf := cumulative(w)
	total := cdf[len(cdf)-1]
	out := make([]int, n)
	j := 0
	for i := range out {
		u := point(i) * total
		for j < len(cdf)-1 && cdf[j] <= u {
			j++
		}
		out[i] = j
	}
	return out
}

func residual(w []float64, n int, rng *rand.Rand) []int {
	out := make([]int, 0, n)
	rest := make([]float64, len(w))
	for i, x := range w {
		copies := int(math.Floor(x * float64(n)))
		for c := 0; c < copies; c++ {
			out = append(out, i)
		}
		rest[i] = x*float64(n) - float64(copies)
	}
	if left := n - len(out); left > 0 {
		out = append(out, multinomial(rest, left, rng)...)
	}
	return out[:n]
}

// #endregion resample

// #region helpers
func cumulative(w []float64) []float64 {
	cdf := make([]float64, len(w))
	var acc float64
	for i, x := range w {
		acc += x
		cdf[i] = acc
	}
	return cdf
}

func search(cdf []float64, u float64) int {
	i := sort.Search(len(cdf), func(i int) bool { return cdf[i] > u })
	if i == len(cdf) {
		i = len(cdf) - 1
	}
	return i
}

// #endregion helpers
