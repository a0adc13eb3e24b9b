package commands

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/goal-inference/internal/publish"
)

var watchRun string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print step events published by running engines",
	Long: `Print step events published by running engines.

Subscribes to publish.subject on publish.nats_url (or SIPS_NATS_URL) and
prints one line per step: run, time, MAP goal, ESS and every marginal.

Examples:
  sips watch
  sips watch --run 3f2c9a1e`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		nc, err := publish.Connect(cfg.Publish.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Close()

		sub, err := publish.Subscribe(nc, cfg.Publish.Subject, func(evt publish.StepEvent) {
			if watchRun != "" && !strings.HasPrefix(evt.RunID, watchRun) {
				return
			}
			fmt.Println(formatEvent(evt))
		}, func(err error) {
			log.Warn("dropped message", zap.Error(err))
		})
		if err != nil {
			return err
		}
		log.Info("watching", zap.String("subject", cfg.Publish.Subject))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return sub.Drain()
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchRun, "run", "", "only show events of runs with this ID prefix")
	rootCmd.AddCommand(watchCmd)
}

func formatEvent(evt publish.StepEvent) string {
	goals := make([]string, 0, len(evt.Marginals))
	for g := range evt.Marginals {
		goals = append(goals, g)
	}
	sort.Strings(goals)
	parts := make([]string, len(goals))
	for i, g := range goals {
		parts[i] = fmt.Sprintf("%s=%.3f", g, evt.Marginals[g])
	}
	run := evt.RunID
	if len(run) > 8 {
		run = run[:8]
	}
	return fmt.Sprintf("%-8s t=%-3d map=%s ess=%.1f  %s", run, evt.T, evt.MAP, evt.ESS, strings.Join(parts, " "))
}
