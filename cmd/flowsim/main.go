package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(loadConfig())
	defer a.close()

	if err := rootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		a.close()
		os.Exit(1)
	}
}

func rootCmd(a *app) *cobra.Command {
	var dbPath, logLevel string

	root := &cobra.Command{
		Use:           "flowsim",
		Short:         "Validate and simulate conversation flows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if cmd.Flags().Changed("db") {
				a.cfg.DBPath = dbPath
			}
			if cmd.Flags().Changed("log-level") {
				a.cfg.LogLevel = logLevel
				a.logger = newLogger(logLevel)
			}
		},
	}

	root.PersistentFlags().StringVar(&dbPath, "db", a.cfg.DBPath, "database path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", a.cfg.LogLevel, "log level: debug, info, warn, error")

	root.AddCommand(
		validateCmd(a),
		layoutCmd(a),
		simulateCmd(a),
		batchCmd(a),
		diagramCmd(a),
		queryCmd(a),
		flowsCmd(a),
		scheduleCmd(a),
		secretCmd(a),
		vacuumCmd(a),
		serveCmd(a),
		versionCmd(),
	)
	return root
}
