package commands

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/goal-inference/internal/logging"
	"github.com/danielpatrickdp/goal-inference/internal/plannersvc"
)

var serveAddr string

var servePlannerCmd = &cobra.Command{
	Use:   "serve-planner",
	Short: "Serve the grid A* planner over gRPC",
	Long: `Serve the grid A* planner over gRPC.

The planner answers sips.planner.v1.Planner/Plan for the layout of the
loaded config. Point planner.addr (or SIPS_PLANNER_ADDR) of a run at it to
share one planner between inference processes.

Examples:
  sips serve-planner --listen :50051
  sips serve-planner -c configs/maze.yaml --listen 127.0.0.1:7070`,
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

		g, err := cfg.Grid()
		if err != nil {
			return err
		}
		lis, err := net.Listen("tcp", serveAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", serveAddr, err)
		}

		srv := grpc.NewServer()
		plannersvc.NewServer(cfg.LocalPlanner(g), g, log).Register(srv)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			log.Info("shutting down planner service")
			srv.GracefulStop()
		}()

		log.Info("planner service listening", zap.String("addr", lis.Addr().String()), zap.Strings("goals", logging.GoalNames(g.Goals())))
		return srv.Serve(lis)
	},
}

func init() {
	servePlannerCmd.Flags().StringVar(&serveAddr, "listen", ":50051", "address to listen on")
}
