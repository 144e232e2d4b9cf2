// Package cli implements the flowpipe command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowpipe"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	// Bundle overrides the collaborators of opened bundles (for testing).
	Bundle flowpipe.Options

	// ready is closed once events tail is subscribed.
	ready chan struct{}
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the flowpipe CLI.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(&RootOptions{})
}

// NewRootCommandWith is NewRootCommand with caller-owned options.
func NewRootCommandWith(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flowpipe",
		Short: "flowpipe - content pipeline workflow engine",
		Long:  "Run, inspect and operate content pipeline flows and their campaigns.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "flowpipe.yaml", "path to the config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewCampaignCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewPipelineCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd
}

// loadConfig reads the config named by --config.
func loadConfig(opts *RootOptions) (*flowpipe.Config, error) {
	cfg, err := flowpipe.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section. --verbose
// forces debug level.
func newLogger(cfg *flowpipe.Config, verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// openBundle loads the config, opens the bundle and loads the flow
// directory. Flow files that fail to load are logged, not fatal.
func openBundle(opts *RootOptions, cmd *cobra.Command) (*flowpipe.Bundle, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	bopts := opts.Bundle
	if bopts.Logger == nil {
		bopts.Logger = newLogger(cfg, opts.Verbose, cmd.ErrOrStderr())
	}
	b, err := flowpipe.Open(cfg, bopts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}
	if _, err := b.LoadFlows(); err != nil {
		bopts.Logger.Warn("flows_partially_loaded", slog.Any("error", err))
	}
	return b, nil
}

func formatterFor(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
