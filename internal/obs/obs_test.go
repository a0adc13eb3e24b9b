package obs

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
)

type fakeState map[string]domain.Value

func (s fakeState) Key() string { return "fake" }
func (s fakeState) Feature(name string) (domain.Value, bool) {
	v, ok := s[name]
	return v, ok
}

func testConfig() Config {
	return Config{
		"x":    {Kind: Gaussian, Sigma: 0.5},
		"door": {Kind: BitFlip, FlipProb: 0.1},
	}
}

func TestValidate(t *testing.T) {
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	bad := []Config{
		{},
		{"x": {Kind: Gaussian}},
		{"x": {Kind: BitFlip, FlipProb: 1}},
		{"x": {Kind: BitFlip, FlipProb: -0.1}},
		{"x": {Kind: "laplace", Sigma: 1}},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestLogLikelihoodGaussian(t *testing.T) {
	c := Config{"x": {Kind: Gaussian, Sigma: 2}}
	s := fakeState{"x": domain.Numeric(1)}

	got, err := c.LogLikelihood(s, Batch{"x": domain.Numeric(3)})
	if err != nil {
		t.Fatalf("LogLikelihood: %v", err)
	}
	want := -0.5*math.Log(2*math.Pi) - math.Log(2) - 0.5
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestLogLikelihoodBitFlip(t *testing.T) {
	c := Config{"door": {Kind: BitFlip, FlipProb: 0.1}}
	s := fakeState{"door": domain.Bool(true)}

	match, _ := c.LogLikelihood(s, Batch{"door": domain.Bool(true)})
	if math.Abs(match-math.Log(0.9)) > 1e-12 {
		t.Fatalf("expected log(0.9), got %v", match)
	}
	flip, _ := c.LogLikelihood(s, Batch{"door": domain.Bool(false)})
	if math.Abs(flip-math.Log(0.1)) > 1e-12 {
		t.Fatalf("expected log(0.1), got %v", flip)
	}
}

func TestLogLikelihoodZeroFlipMismatch(t *testing.T) {
	c := Config{"door": {Kind: BitFlip, FlipProb: 0}}
	s := fakeState{"door": domain.Bool(true)}
	lp, err := c.LogLikelihood(s, Batch{"door": domain.Bool(false)})
	if err != nil {
		t.Fatalf("LogLikelihood: %v", err)
	}
	if !math.IsInf(lp, -1) {
		t.Fatalf("expected -Inf, got %v", lp)
	}
}

func TestLogLikelihoodPartialBatch(t *testing.T) {
	c := testConfig()
	s := fakeState{"x": domain.Numeric(0), "door": domain.Bool(false)}
	lp, err := c.LogLikelihood(s, Batch{"door": domain.Bool(false)})
	if err != nil {
		t.Fatalf("LogLikelihood: %v", err)
	}
	if math.Abs(lp-math.Log(0.9)) > 1e-12 {
		t.Fatalf("only door should be scored, got %v", lp)
	}
	empty, _ := c.LogLikelihood(s, Batch{})
	if empty != 0 {
		t.Fatalf("empty batch should score 0, got %v", empty)
	}
}

func TestLogLikelihoodErrors(t *testing.T) {
	c := testConfig()
	s := fakeState{"x": domain.Numeric(0), "door": domain.Bool(false)}
	if _, err := c.LogLikelihood(s, Batch{"y": domain.Numeric(0)}); err == nil {
		t.Error("expected error for unconfigured feature")
	}
	if _, err := c.LogLikelihood(s, Batch{"x": domain.Bool(true)}); err == nil {
		t.Error("expected error for kind mismatch")
	}
	if _, err := c.LogLikelihood(fakeState{}, Batch{"x": domain.Numeric(0)}); err == nil {
		t.Error("expected error for missing ground truth")
	}
}

func TestSampleDeterministic(t *testing.T) {
	c := testConfig()
	s := fakeState{"x": domain.Numeric(4), "door": domain.Bool(true)}

	a, err := c.Sample(s, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	b, _ := c.Sample(s, rand.New(rand.NewPCG(1, 2)))
	for k := range a {
		if !a[k].Equal(b[k]) {
			t.Fatalf("feature %s differs across equal seeds", k)
		}
	}
	if a["x"].Kind != domain.KindNumeric || a["door"].Kind != domain.KindBool {
		t.Fatalf("unexpected kinds %v", a)
	}
}

func TestSampleGaussianMoments(t *testing.T) {
	c := Config{"x": {Kind: Gaussian, Sigma: 0.5}}
	s := fakeState{"x": domain.Numeric(4)}
	rng := rand.New(rand.NewPCG(5, 6))

	const n = 20000
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		b, err := c.Sample(s, rng)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		x := b["x"].Num
		sum += x
		sumSq += x * x
	}
	mean := sum / n
	sd := math.Sqrt(sumSq/n - mean*mean)
	if math.Abs(mean-4) > 0.02 || math.Abs(sd-0.5) > 0.02 {
		t.Fatalf("samples have mean %.4f sd %.4f, want 4 and 0.5", mean, sd)
	}
}

func TestComplete(t *testing.T) {
	c := testConfig()
	s := fakeState{"x": domain.Numeric(1), "door": domain.Bool(true)}
	full, lp, err := c.Complete(s, Batch{"door": domain.Bool(true)}, rand.New(rand.NewPCG(3, 4)))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(full) != 2 {
		t.Fatalf("expected both features, got %v", full)
	}
	if !full["door"].Bool {
		t.Fatal("constrained value should be kept")
	}
	if math.Abs(lp-math.Log(0.9)) > 1e-12 {
		t.Fatalf("expected log(0.9), got %v", lp)
	}
}

func TestSplitChanged(t *testing.T) {
	full := []Batch{
		{"x": domain.Numeric(0), "door": domain.Bool(false)},
		{"x": domain.Numeric(1), "door": domain.Bool(false)},
		{"x": domain.Numeric(1), "door": domain.Bool(true)},
	}
	out, err := Split(full, BatchChanged)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(out[0]) != 2 {
		t.Fatalf("first batch should be full, got %v", out[0])
	}
	if _, ok := out[1]["x"]; !ok || len(out[1]) != 1 {
		t.Fatalf("second batch should only carry x, got %v", out[1])
	}
	if _, ok := out[2]["door"]; !ok || len(out[2]) != 1 {
		t.Fatalf("third batch should only carry door, got %v", out[2])
	}

	all, _ := Split(full, BatchAll)
	if len(all[2]) != 2 {
		t.Fatalf("all mode should keep every feature, got %v", all[2])
	}
	if _, err := Split(full, "odd"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
