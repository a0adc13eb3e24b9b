package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/danielpatrickdp/goal-inference/internal/state"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to sips.db")
	last := flag.Int("last", 20, "show N most recent runs")
	runID := flag.String("run", "", "show the step history of one run")
	goal := flag.String("goal", "", "filter marginals to one goal")
	checkpoint := flag.Bool("checkpoint", false, "with --run, show the latest checkpoint")
	top := flag.Int("top", 5, "particles to list from a checkpoint")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/sips.db [--last N] [--run id [--goal name] [--checkpoint [--top K]]] [--json]")
		os.Exit(2)
	}

	store, err := state.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch {
	case *runID != "" && *checkpoint:
		err = runCheckpointMode(store, *runID, *top, *jsonOut)
	case *runID != "":
		err = runStepMode(store, *runID, *goal, *jsonOut)
	default:
		err = runListMode(store, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	RunID       string   `json:"run_id"`
	Status      string   `json:"status"`
	Goals       []string `json:"goals"`
	Steps       int      `json:"steps"`
	MAP         string   `json:"map,omitempty"`
	MAPProb     float64  `json:"map_prob,omitempty"`
	Description string   `json:"description,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

func runListMode(store *state.Store, last int, jsonOut bool) error {
	runs, err := store.ListRuns(last)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}

	rows := make([]listRow, len(runs))
	for i, r := range runs {
		steps, err := store.ListSteps(r.RunID)
		if err != nil {
			return err
		}
		lr := listRow{
			RunID:       r.RunID,
			Status:      r.Status,
			Goals:       r.Goals,
			Steps:       len(steps),
			Description: r.Description,
			CreatedAt:   r.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		if len(steps) > 0 {
			lr.MAP, lr.MAPProb = argmax(r.Goals, steps[len(steps)-1].Marginals)
		}
		rows[i] = lr
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-10s  %-9s  %5s  %-6s  %6s  %-20s  %s\n", "Run", "Status", "Steps", "MAP", "P", "Time", "Description")
	fmt.Printf("%-10s+-%-9s+-%5s+-%-6s+-%6s+-%-20s+-%s\n",
		"----------", "---------", "-----", "------", "------", "--------------------", "-----------")
	for _, r := range rows {
		mapGoal, prob := "-", "-"
		if r.MAP != "" {
			mapGoal, prob = r.MAP, fmt.Sprintf("%.3f", r.MAPProb)
		}
		fmt.Printf("%-10s  %-9s  %5d  %-6s  %6s  %-20s  %s\n",
			shortID(r.RunID), r.Status, r.Steps, mapGoal, prob, r.CreatedAt, r.Description)
	}
	return nil
}

// #endregion list-mode

// #region step-mode

type stepRow struct {
	T                int                `json:"t"`
	ESS              float64            `json:"ess"`
	LogEvidence      float64            `json:"log_evidence"`
	Unique           int                `json:"unique"`
	Resampled        bool               `json:"resampled"`
	Rejuvenated      bool               `json:"rejuvenated"`
	Accepted         int                `json:"accepted"`
	Marginals        map[string]float64 `json:"marginals"`
	ResampleReason   string             `json:"resample_reason,omitempty"`
	RejuvenateReason string             `json:"rejuvenate_reason,omitempty"`
	EvalReason       string             `json:"eval_reason,omitempty"`
}

func runStepMode(store *state.Store, runID, goalFilter string, jsonOut bool) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	steps, err := store.ListSteps(runID)
	if err != nil {
		return err
	}
	reasons, err := loadReasons(store.DB(), runID)
	if err != nil {
		return err
	}

	goals := run.Goals
	if goalFilter != "" {
		goals = []string{goalFilter}
	}
	rows := make([]stepRow, len(steps))
	for i, s := range steps {
		row := stepRow{
			T:           s.T,
			ESS:         s.ESS,
			LogEvidence: s.LogEvidence,
			Unique:      s.Unique,
			Resampled:   s.Resampled,
			Rejuvenated: s.Rejuvenated,
			Accepted:    s.Accepted,
			Marginals:   make(map[string]float64, len(goals)),
		}
		for j, g := range run.Goals {
			if goalFilter != "" && g != goalFilter {
				continue
			}
			if j < len(s.Marginals) {
				row.Marginals[g] = s.Marginals[j]
			}
		}
		if r, ok := reasons[s.T]; ok {
			row.ResampleReason, row.RejuvenateReason, row.EvalReason = r[0], r[1], r[2]
		}
		rows[i] = row
	}

	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("Run:     %s\n", run.RunID)
	fmt.Printf("Status:  %s\n", run.Status)
	fmt.Printf("Goals:   %s\n", strings.Join(run.Goals, ", "))
	if run.Description != "" {
		fmt.Printf("About:   %s\n", run.Description)
	}
	fmt.Println()

	header := fmt.Sprintf("%-5s  %8s  %10s  %6s  %-4s", "T", "ESS", "log Z", "Uniq", "R/J")
	for _, g := range goals {
		header += fmt.Sprintf("  %7s", g)
	}
	fmt.Println(header + "  Notes")
	fmt.Println(strings.Repeat("-", len(header)+7))
	for _, r := range rows {
		flags := mark(r.Resampled, "R") + mark(r.Rejuvenated, "J")
		line := fmt.Sprintf("%-5d  %8.2f  %10.3f  %6d  %-4s", r.T, r.ESS, r.LogEvidence, r.Unique, flags)
		for _, g := range goals {
			line += fmt.Sprintf("  %7.4f", r.Marginals[g])
		}
		var notes []string
		if r.Rejuvenated {
			notes = append(notes, fmt.Sprintf("accepted %d", r.Accepted))
		}
		if r.EvalReason != "" && r.EvalReason != "all checks passed" {
			notes = append(notes, r.EvalReason)
		}
		fmt.Println(line + "  " + strings.Join(notes, "; "))
	}
	return nil
}

// loadReasons reads gate and eval reasons from step_log, keeping the latest
// entry per time step.
func loadReasons(db *sql.DB, runID string) (map[int][3]string, error) {
	rows, err := db.Query(
		`SELECT t, resample_reason, rejuvenate_reason, eval_reason FROM step_log
		 WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query step log: %w", err)
	}
	defer rows.Close()

	out := make(map[int][3]string)
	for rows.Next() {
		var t int
		var resample, rejuvenate, eval sql.NullString
		if err := rows.Scan(&t, &resample, &rejuvenate, &eval); err != nil {
			return nil, fmt.Errorf("scan step log: %w", err)
		}
		out[t] = [3]string{resample.String, rejuvenate.String, eval.String}
	}
	return out, rows.Err()
}

// #endregion step-mode

// #region checkpoint-mode

type checkpointOutput struct {
	CheckpointID string                     `json:"checkpoint_id"`
	T            int                        `json:"t"`
	N            int                        `json:"n"`
	GoalCounts   map[string]int             `json:"goal_counts"`
	Top          []state.CheckpointParticle `json:"top"`
}

func runCheckpointMode(store *state.Store, runID string, top int, jsonOut bool) error {
	cp, err := store.LatestCheckpoint(runID)
	if err != nil {
		return err
	}

	counts := make(map[string]int)
	for _, p := range cp.Particles {
		counts[p.Goal]++
	}
	ranked := append([]state.CheckpointParticle(nil), cp.Particles...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].LogWeight > ranked[j].LogWeight })
	if top < len(ranked) {
		ranked = ranked[:top]
	}

	out := checkpointOutput{
		CheckpointID: cp.CheckpointID,
		T:            cp.T,
		N:            len(cp.Particles),
		GoalCounts:   counts,
		Top:          ranked,
	}
	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Checkpoint: %s\n", out.CheckpointID)
	fmt.Printf("Time:       %d\n", out.T)
	fmt.Printf("Particles:  %d\n", out.N)
	fmt.Printf("\nGoal counts:\n")
	for _, g := range cp.Goals {
		fmt.Printf("  %-8s %d\n", g, counts[g])
	}
	fmt.Printf("\nTop particles:\n")
	for _, p := range ranked {
		fmt.Printf("  goal=%-4s logw=%9.3f ancestor=%-4d %s\n", p.Goal, p.LogWeight, p.Ancestor, strings.Join(p.Actions, " "))
	}
	return nil
}

// #endregion checkpoint-mode

// #region output

func argmax(goals []string, marginals []float64) (string, float64) {
	best, p := "", math.Inf(-1)
	for i, g := range goals {
		if i < len(marginals) && marginals[i] > p {
			best, p = g, marginals[i]
		}
	}
	return best, p
}

func mark(set bool, s string) string {
	if set {
		return s
	}
	return "."
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
