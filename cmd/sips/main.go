// Package main provides the sips CLI.
//
// Usage:
//
//	sips [flags] <command> [args]
//
// Commands:
//
//	run            - infer the goal of a simulated agent or a recorded fixture
//	serve-planner  - serve the grid A* planner over gRPC
//	watch          - print step events published over NATS
package main

import (
	"fmt"
	"os"

	"github.com/danielpatrickdp/goal-inference/cmd/sips/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
