package logging

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/eval"
	"github.com/danielpatrickdp/goal-inference/internal/gate"
	"github.com/danielpatrickdp/goal-inference/internal/gridworld"
	"github.com/danielpatrickdp/goal-inference/internal/smc"
	"github.com/danielpatrickdp/goal-inference/internal/state"
	"github.com/danielpatrickdp/goal-inference/internal/world"
)

// #region helpers
func setupStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.NewStore(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createRun(t *testing.T, s *state.Store) string {
	t.Helper()
	run, err := s.CreateRun("logging", "{}", []string{"A", "B"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run.RunID
}

// snapshot builds a two-particle population that walked one step right.
func snapshot(t int) smc.Snapshot {
	g := gridworld.MustParse("@.A\n..B\n")
	start := g.StartState()
	next, err := g.Transition(start, gridworld.Right)
	if err != nil {
		panic(err)
	}
	goals := []domain.Goal{"A", "B"}
	ps := make([]smc.Particle, 2)
	for i, goal := range goals {
		tr := world.NewTrace(world.Record{
			T:     0,
			State: world.WorldState{Agent: world.AgentState{Goal: goal, Action: domain.NoOp}, Env: start},
		})
		tr = tr.Extend(world.Record{
			T:     1,
			State: world.WorldState{Agent: world.AgentState{Goal: goal, Action: gridworld.Right}, Env: next},
		})
		ps[i] = smc.Particle{Trace: tr, LogWeight: -0.5, Ancestor: i}
	}
	weights := []float64{0.5, 0.5}
	return smc.Snapshot{
		Report: smc.Report{
			T:           t,
			Marginals:   smc.Marginals(goals, ps, weights),
			ESS:         2,
			LogEvidence: -1.25,
			Unique:      2,
			Resample:    gate.GateDecision{Action: gate.ActionKeep, Reason: "ess above threshold"},
			Rejuvenate:  gate.GateDecision{Action: gate.ActionSkip},
		},
		Goals:     goals,
		Particles: ps,
		Weights:   weights,
	}
}

// #endregion helpers

// #region log-step-tests
func TestLogStep_Success(t *testing.T) {
	s := setupStore(t)
	runID := createRun(t, s)
	passed := true

	err := LogStep(s.DB(), StepEntry{
		RunID:            runID,
		T:                3,
		ResampleAction:   gate.ActionResample,
		ResampleReason:   "low_ess",
		RejuvenateAction: gate.ActionSkip,
		EvalPassed:       &passed,
		EvalReason:       "all checks passed",
		CreatedAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	s.DB().QueryRow("SELECT COUNT(*) FROM step_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}

	var tt, evalPassed int
	var action string
	s.DB().QueryRow("SELECT t, resample_action, eval_passed FROM step_log").Scan(&tt, &action, &evalPassed)
	if tt != 3 || action != "resample" || evalPassed != 1 {
		t.Errorf("unexpected row t=%d action=%q eval=%d", tt, action, evalPassed)
	}
}

func TestLogStep_EmptyOptionalFields(t *testing.T) {
	s := setupStore(t)
	runID := createRun(t, s)

	err := LogStep(s.DB(), StepEntry{
		RunID:            runID,
		ResampleAction:   gate.ActionKeep,
		RejuvenateAction: gate.ActionSkip,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resampleReason, evalReason sql.NullString
	var evalPassed sql.NullInt64
	var createdAt string
	s.DB().QueryRow("SELECT resample_reason, eval_passed, eval_reason, created_at FROM step_log").Scan(
		&resampleReason, &evalPassed, &evalReason, &createdAt,
	)
	if resampleReason.Valid || evalReason.Valid {
		t.Error("expected NULL reasons for empty strings")
	}
	if evalPassed.Valid {
		t.Error("expected NULL eval_passed when no eval ran")
	}
	if _, err := time.Parse(time.RFC3339Nano, createdAt); err != nil {
		t.Errorf("expected auto-filled created_at, got %q", createdAt)
	}
}

func TestLogStep_Error(t *testing.T) {
	s := setupStore(t)
	db := s.DB()
	db.Close() // close to force error

	err := LogStep(db, StepEntry{RunID: "r", ResampleAction: "keep", RejuvenateAction: "skip"})
	if err == nil {
		t.Fatal("expected error on closed db")
	}
}

func TestNullIfEmpty(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Error("expected nil for empty string")
	}
	if nullIfEmpty("hello") != "hello" {
		t.Error("expected passthrough for non-empty string")
	}
}

// #endregion log-step-tests

// #region callback-tests
func TestStepLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := StepLogger{Log: zap.New(core)}

	if err := l.OnStep(snapshot(1)); err != nil {
		t.Fatalf("OnStep: %v", err)
	}
	entries := logs.FilterMessage("step").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 step line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["t"] != int64(1) || fields["map_goal"] != "A" || fields["resample"] != "keep" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if _, ok := fields["accepted"]; ok {
		t.Fatal("acceptance fields should be omitted without proposals")
	}
}

func TestStepRecorder(t *testing.T) {
	s := setupStore(t)
	runID := createRun(t, s)
	r := StepRecorder{
		Store:           s,
		RunID:           runID,
		Eval:            eval.NewEvalHarness(eval.DefaultEvalConfig()),
		CheckpointEvery: 2,
	}

	for step := 0; step < 3; step++ {
		if err := r.OnStep(snapshot(step)); err != nil {
			t.Fatalf("OnStep t=%d: %v", step, err)
		}
	}

	steps, err := s.ListSteps(runID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if got := steps[1].Marginals; len(got) != 2 || got[0] != 0.5 || got[1] != 0.5 {
		t.Fatalf("unexpected marginals %v", got)
	}

	var logged, passed int
	s.DB().QueryRow("SELECT COUNT(*), SUM(eval_passed) FROM step_log WHERE run_id = ?", runID).Scan(&logged, &passed)
	if logged != 3 || passed != 3 {
		t.Fatalf("expected 3 passing step_log rows, got %d rows %d passed", logged, passed)
	}

	cp, err := s.LatestCheckpoint(runID)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.T != 2 {
		t.Fatalf("expected latest checkpoint at t=2, got %d", cp.T)
	}
	p := cp.Particles[1]
	if p.Goal != "B" || len(p.Actions) != 2 || p.Actions[1] != "right" || p.States[1] != "1,0" {
		t.Fatalf("unexpected checkpoint particle %+v", p)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := New("debug", "console"); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := New("loud", "json"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

// #endregion callback-tests
