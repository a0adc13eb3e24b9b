package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/goal-inference/internal/config"
	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/gridworld"
	"github.com/danielpatrickdp/goal-inference/internal/logging"
	"github.com/danielpatrickdp/goal-inference/internal/plancache"
	"github.com/danielpatrickdp/goal-inference/internal/plannersvc"
)

var (
	cfgFile  string
	logLevel string
	envFiles []string
)

var rootCmd = &cobra.Command{
	Use:   "sips",
	Short: "Online goal inference with sequential inverse plan search",
	Long: `Online goal inference with sequential inverse plan search.

A particle population of hypothesised agents is stepped alongside the
observed one. Each particle carries a goal, a bounded-rational planning
state and the realized trajectory; the population is reweighted by every
observation batch and rejuvenated by replanning moves.

Configuration is read from the YAML file given by --config. SIPS_DB,
SIPS_PLANNER_ADDR, SIPS_REDIS_ADDR, SIPS_NATS_URL, SIPS_LOG_LEVEL and
SIPS_WORKERS override it, and are also read from .env.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "run config YAML (defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(servePlannerCmd)
}

// #region setup
func loadConfig() (*config.Run, error) {
	if err := config.LoadEnv(envFiles...); err != nil {
		return nil, err
	}
	return config.Load(cfgFile)
}

func newLogger(cfg *config.Run) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	return logging.New(level, cfg.Logging.Format)
}

// buildPlanner assembles the planner chain: the remote service or local A*,
// optionally serialized, then the shared Redis cache, then the in-process
// memo. The returned
// cleanup closes whatever connections were opened.
func buildPlanner(ctx context.Context, cfg *config.Run, g *gridworld.Grid, log *zap.Logger) (domain.Planner, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	var p domain.Planner = gridworld.NewPlanner(g)
	if cfg.Planner.Addr != "" {
		client, err := plannersvc.Dial(cfg.Planner.Addr, g)
		if err != nil {
			return nil, cleanup, fmt.Errorf("planner service: %w", err)
		}
		closers = append(closers, client.Close)
		p = client
		log.Info("using remote planner", zap.String("addr", cfg.Planner.Addr))
	}
	if cfg.Planner.Serialize {
		p = domain.NewSynchronized(p)
	}
	if cfg.Planner.RedisAddr != "" {
		rdb, err := plancache.Dial(ctx, cfg.Planner.RedisAddr)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("plan cache: %w", err)
		}
		closers = append(closers, rdb.Close)
		// plans are only valid for one layout
		prefix := uuid.NewSHA1(uuid.NameSpaceOID, []byte(cfg.Layout)).String()[:8]
		p = plancache.New(p, rdb, prefix, cfg.TTL(), log)
		log.Info("using plan cache", zap.String("addr", cfg.Planner.RedisAddr), zap.String("prefix", prefix))
	}
	if cfg.Planner.Memo {
		p = domain.NewMemo(p)
	}
	return p, cleanup, nil
}

// #endregion setup
