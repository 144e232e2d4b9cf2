package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowpipe"
	"github.com/petrijr/flowpipe/internal/catalog"
	"github.com/petrijr/flowpipe/internal/pipeline"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Flows  []string `json:"flows,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var pattern string
	var isPipeline bool
	cmd := &cobra.Command{
		Use:   "validate <dir|file>",
		Short: "Validate flow documents without running them",
		Long: `Parse and validate flow documents: required fields, unique instance
ids and edges between existing instances. A directory is scanned for files
matching --pattern. With --pipeline the file is read as a pipeline document.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(rootOpts, cmd)
			if isPipeline {
				p, err := pipeline.LoadPipelineFile(args[0])
				if err != nil {
					return outputValidation(f, ValidationResult{Errors: []string{err.Error()}})
				}
				return outputValidation(f, ValidationResult{Valid: true, Flows: []string{p.ID}})
			}
			return runValidate(f, args[0], pattern)
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", catalog.DefaultPattern, "file pattern inside a directory")
	cmd.Flags().BoolVar(&isPipeline, "pipeline", false, "validate a pipeline document")
	return cmd
}

func runValidate(f *OutputFormatter, path, pattern string) error {
	info, err := os.Stat(path)
	if err != nil {
		return f.Fail(ExitCommandError, "not found", err)
	}

	c := flowpipe.NewCatalog(discardLogger())
	var res ValidationResult
	if info.IsDir() {
		defs, err := c.LoadDir(path, pattern)
		for _, d := range defs {
			res.Flows = append(res.Flows, d.ID)
		}
		res.Errors = splitJoined(err)
		if len(defs) == 0 && err == nil {
			res.Errors = []string{fmt.Sprintf("no files matching %s in %s", pattern, path)}
		}
	} else {
		def, err := c.LoadFile(path)
		if err != nil {
			res.Errors = []string{err.Error()}
		} else {
			res.Flows = []string{def.ID}
		}
	}
	f.VerboseLog("validated %d flow(s) in %s", len(res.Flows), path)
	res.Valid = len(res.Errors) == 0
	return outputValidation(f, res)
}

func outputValidation(f *OutputFormatter, res ValidationResult) error {
	res.Valid = len(res.Errors) == 0
	lines := make([]string, 0, len(res.Errors)+1)
	if res.Valid {
		lines = append(lines, fmt.Sprintf("✓ %d flow(s) valid", len(res.Flows)))
	} else {
		lines = append(lines, "✗ Validation failed")
		for _, e := range res.Errors {
			lines = append(lines, "  "+e)
		}
	}
	if err := f.Success(res, lines...); err != nil {
		return err
	}
	if !res.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(res.Errors)))
	}
	return nil
}

// splitJoined unpacks an errors.Join result into its messages.
func splitJoined(err error) []string {
	if err == nil {
		return nil
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
