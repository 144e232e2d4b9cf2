package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowpipe"
	"github.com/petrijr/flowpipe/internal/pipeline"
	"github.com/petrijr/flowpipe/pkg/api"
)

// PipelineResult summarizes one pipeline run.
type PipelineResult struct {
	Pipeline  string         `json:"pipeline"`
	Campaign  string         `json:"campaign"`
	Posted    int            `json:"posted"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Variables map[string]any `json:"variables,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// NewPipelineCommand creates the pipeline command group.
func NewPipelineCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run pipeline documents outside the job queue",
	}
	cmd.AddCommand(newPipelineRunCommand(rootOpts))
	return cmd
}

func newPipelineRunCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		campaignID string
		params     []string
	)
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a pipeline document once",
		Long: `Run a pipeline document in process. With --campaign the stored campaign
supplies params and variables, and variables written by the run are saved
back. Otherwise a transient campaign is built from --param flags.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(rootOpts, cmd)
			p, err := pipeline.LoadPipelineFile(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, "load pipeline", err)
			}
			b, err := openBundle(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx := cmd.Context()
			var campaign *flowpipe.Campaign
			if campaignID != "" {
				if campaign, err = b.Store.Campaigns.Get(ctx, campaignID); err != nil {
					return f.Fail(ExitCommandError, "get campaign", err)
				}
			} else {
				pm, err := buildParams("", params)
				if err != nil {
					return f.Fail(ExitCommandError, "invalid params", err)
				}
				campaign = &flowpipe.Campaign{ID: "pipeline-" + p.ID, Name: p.Name, Status: flowpipe.CampaignActive, Params: pm}
			}

			subID := b.Bus.Subscribe(func(ctx context.Context, ev api.Event) {
				if msg, ok := ev.Data["message"].(string); ok {
					f.VerboseLog("[%s] %s", ev.Type, msg)
				}
			}, api.EventPipelineInfo, api.EventPipelineError)
			defer b.Bus.Unsubscribe(subID)

			ec, runErr := b.RunPipeline(ctx, p, campaign)
			stats := ec.Stats()
			res := PipelineResult{
				Pipeline:  p.ID,
				Campaign:  campaign.ID,
				Posted:    stats.Posted,
				Failed:    stats.Failed,
				Skipped:   stats.Skipped,
				Variables: ec.Variables(),
			}
			if runErr != nil {
				slog.Error("pipeline_failed", slog.String("pipeline", p.ID), slog.Any("error", runErr))
				res.Error = runErr.Error()
				_ = f.Success(res, fmt.Sprintf("✗ %s failed: %v", p.ID, runErr))
				return WrapExitError(ExitFailure, "pipeline failed", runErr)
			}
			return f.Success(res, fmt.Sprintf("✓ %s done: posted=%d failed=%d skipped=%d", p.ID, res.Posted, res.Failed, res.Skipped))
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "stored campaign to run against")
	cmd.Flags().StringArrayVar(&params, "param", nil, "transient campaign param as key=value (repeatable)")
	return cmd
}
