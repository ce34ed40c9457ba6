// Package cli defines the command-line interface for stackctl.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stackdrift/stackctl/internal/logging"
)

const (
	// defaultSpecPath is the default path to the stack topology file.
	defaultSpecPath = "stack.yaml"
)

// Options stores global CLI options shared between commands.
type Options struct {
	SpecPath  string
	StatePath string
	LogLevel  logging.Level
}

// Execute builds the root command, runs it with the provided args and logger, and returns any error.
// The command context is cancelled on SIGINT/SIGTERM so an in-flight apply
// stops at the next batch boundary.
func Execute(args []string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}

	rootOpts := &Options{
		SpecPath: defaultSpecPath,
		LogLevel: logging.LevelInfo,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand(rootOpts, logger)
	rootCmd.SetArgs(args)

	return rootCmd.ExecuteContext(ctx)
}

// newRootCommand constructs the root cobra.Command with global flags and subcommands.
func newRootCommand(opts *Options, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stackctl",
		Short:         "stackctl is a declarative container deployment orchestrator",
		Long:          "stackctl reconciles running containers against a declarative service topology: it parses stack.yaml, computes a dependency-ordered execution plan and converges every service through the container runtime.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := logging.ParseLevel(cmd.Flag("log-level").Value.String())
			opts.LogLevel = level
			logger = logging.NewLogger(os.Stderr, level)
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			logger.Debug("logger initialized", "level", level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.SpecPath, "spec", "s", defaultSpecPath, "Path to the stack topology file")
	cmd.PersistentFlags().StringVar(&opts.StatePath, "state", "", "Path to the state file (defaults to STACKCTL_STATE_PATH)")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newApplyCommand(opts),
		newPlanCommand(opts),
		newStatusCommand(opts),
		newDestroyCommand(opts),
	)

	return cmd
}

// loggerKey is a private context key used to store a logger in command contexts.
type loggerKey struct{}

// LoggerFromContext extracts a logger from the context or falls back to a default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return logging.NewLogger(os.Stderr, logging.LevelInfo)
}
