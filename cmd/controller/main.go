package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/danielpatrickdp/goal-inference/internal/config"
	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/logging"
	"github.com/danielpatrickdp/goal-inference/internal/obs"
	"github.com/danielpatrickdp/goal-inference/internal/smc"
	"github.com/danielpatrickdp/goal-inference/internal/world"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00ff9f"))
	trueStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffb000"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
)

// #region main
func main() {
	cfgPath := flag.String("config", envOr("SIPS_CONFIG", ""), "run config YAML")
	goalName := flag.String("goal", "", "goal of the simulated agent (drawn from the prior when empty)")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "seed of the simulated agent")
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		log.Fatalf("env: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	g, err := cfg.Grid()
	if err != nil {
		log.Fatalf("layout: %v", err)
	}
	m, err := cfg.Model(g, nil)
	if err != nil {
		log.Fatalf("model: %v", err)
	}
	engine, err := smc.New(m, cfg.EngineConfig(), smc.WithLogger(logger))
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	ctx := context.Background()
	rng := rand.New(rand.NewPCG(*seed, 1))
	var forced *domain.Goal
	if *goalName != "" {
		goal := domain.Goal(*goalName)
		forced = &goal
	}
	truth, _, err := m.Init(ctx, rng, forced, nil)
	if err != nil {
		log.Fatalf("simulate agent: %v", err)
	}
	if _, err := engine.Init(ctx, truth.Last().State.Obs); err != nil {
		log.Fatalf("init: %v", err)
	}

	fmt.Println(titleStyle.Render("SIPS goal inference controller"))
	fmt.Printf("  goals: %v | particles: %d | agent goal hidden\n", m.Goals(), cfg.Inference.N)
	fmt.Println(dimStyle.Render("  <enter> step | obs k=v ... | same k=v ... | back | resize N | reveal | quit"))
	render(engine.Snapshot(), truth, false)

	var history undoStack
	reveal := false
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		fields := strings.Fields(scanner.Text())
		cmd := ""
		if len(fields) > 0 {
			cmd = fields[0]
		}

		switch cmd {
		case "quit", "exit":
			return
		case "reveal":
			reveal = !reveal
		case "back":
			prev, err := history.undo(engine)
			if err != nil {
				fmt.Println(err)
				continue
			}
			truth = prev
		case "resize":
			n, err := strconv.Atoi(arg(fields, 1))
			if err != nil {
				fmt.Println("usage: resize N")
				continue
			}
			if err := history.resize(ctx, engine, truth, n); err != nil {
				log.Printf("resize: %v", err)
				continue
			}
		case "", "step", "obs", "same":
			history.push(engine, truth)
			var err error
			switch cmd {
			case "obs", "same":
				batch, perr := parseBatch(fields[1:])
				if perr != nil {
					fmt.Println(perr)
					history.drop()
					continue
				}
				t := engine.T() + 1
				if cmd == "same" {
					t = engine.T()
				}
				_, err = engine.Observe(ctx, smc.Observation{T: t, Batch: batch})
			default:
				truth, _, err = m.Extend(ctx, truth, rng, nil)
				if err == nil {
					_, err = engine.Step(ctx, truth.Last().State.Obs)
				}
			}
			if err != nil {
				log.Printf("step: %v", err)
				truth = history.drop().truth
				continue
			}
		default:
			fmt.Printf("unknown command %q\n", cmd)
			continue
		}
		render(engine.Snapshot(), truth, reveal)
	}
}

// #endregion main

// #region history
// frame is the engine population and simulated agent before one command.
type frame struct {
	snap  smc.Snapshot
	truth *world.Trace
}

// undoStack holds one frame per command that changed the population.
type undoStack []frame

func (h *undoStack) push(e *smc.Engine, truth *world.Trace) {
	*h = append(*h, frame{snap: e.Snapshot(), truth: truth})
}

// drop discards the newest frame after its command failed.
func (h *undoStack) drop() frame {
	f := (*h)[len(*h)-1]
	*h = (*h)[:len(*h)-1]
	return f
}

// undo restores the newest frame and returns its agent trace.
func (h *undoStack) undo(e *smc.Engine) (*world.Trace, error) {
	if len(*h) == 0 {
		return nil, errors.New("nothing to undo")
	}
	f := (*h)[len(*h)-1]
	if err := e.Restore(f.snap); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	*h = (*h)[:len(*h)-1]
	return f.truth, nil
}

// resize records a frame and resizes, so back undoes the resize alone.
func (h *undoStack) resize(ctx context.Context, e *smc.Engine, truth *world.Trace, n int) error {
	h.push(e, truth)
	if err := e.Resize(ctx, n); err != nil {
		h.drop()
		return err
	}
	return nil
}

// #endregion history

// #region render
func render(s smc.Snapshot, truth *world.Trace, reveal bool) {
	const width = 40
	fmt.Printf("\n%s  ESS=%.1f/%d  unique=%d  log Z=%.3f",
		titleStyle.Render(fmt.Sprintf("t=%d", s.T)), s.ESS, len(s.Particles), s.Unique, s.LogEvidence)
	if s.Proposed > 0 {
		fmt.Printf("  accepted=%d/%d", s.Accepted, s.Proposed)
	}
	fmt.Println()
	for _, g := range s.Goals {
		p := s.Marginals[g]
		n := int(p*width + 0.5)
		bar := barStyle.Render(strings.Repeat("█", n)) + dimStyle.Render(strings.Repeat("·", width-n))
		label := fmt.Sprintf("%-4s", g)
		if reveal && g == truth.Goal() {
			label = trueStyle.Render(label)
		}
		fmt.Printf("  %s %s %.3f\n", label, bar, p)
	}
	if reveal {
		fmt.Println(dimStyle.Render(fmt.Sprintf("  agent at %s, actions %v", truth.Last().State.Env.Key(), truth.Actions()[1:])))
	}
}

// #endregion render

// #region helpers
func parseBatch(args []string) (obs.Batch, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: obs name=value ...")
	}
	b := make(obs.Batch, len(args))
	for _, a := range args {
		name, raw, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("bad observation %q, want name=value", a)
		}
		switch raw {
		case "true":
			b[name] = domain.Bool(true)
		case "false":
			b[name] = domain.Bool(false)
		default:
			x, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("bad value for %s: %v", name, err)
			}
			b[name] = domain.Numeric(x)
		}
	}
	return b, nil
}

func arg(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
