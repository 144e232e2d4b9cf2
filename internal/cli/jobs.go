package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowpipe"
)

// JobView is the output shape of a job.
type JobView struct {
	ID          string `json:"id"`
	CampaignID  string `json:"campaign_id"`
	InstanceID  string `json:"instance_id"`
	NodeID      string `json:"node_id"`
	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`
	ScheduledAt string `json:"scheduled_at"`
	Error       string `json:"error,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
}

func viewJob(j *flowpipe.Job) JobView {
	return JobView{
		ID:          j.ID,
		CampaignID:  j.CampaignID,
		InstanceID:  j.InstanceID,
		NodeID:      j.NodeID,
		Status:      string(j.Status),
		Attempt:     j.Attempt,
		ScheduledAt: j.ScheduledAt.UTC().Format(time.RFC3339),
		Error:       j.ErrorMessage,
		ParentID:    j.ParentID,
	}
}

// NewJobsCommand creates the jobs command.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		campaign, instance string
		statuses           []string
		limit              int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List queued jobs",
		Long: `List jobs in creation order, optionally narrowed to a campaign, a node
instance or a set of statuses (pending, running, completed, failed).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(rootOpts, cmd)
			b, err := openBundle(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			filter := flowpipe.JobFilter{CampaignID: campaign, InstanceID: instance, Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, flowpipe.JobStatus(s))
			}
			jobs, err := b.Queue.List(cmd.Context(), filter)
			if err != nil {
				return f.Fail(ExitCommandError, "list jobs", err)
			}
			views := make([]JobView, 0, len(jobs))
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				v := viewJob(j)
				views = append(views, v)
				rows = append(rows, []string{v.ID, v.CampaignID, v.InstanceID, v.Status, strconv.Itoa(v.Attempt), v.ScheduledAt, v.Error})
			}
			return f.Table(views, []string{"ID", "CAMPAIGN", "NODE", "STATUS", "ATTEMPT", "SCHEDULED", "ERROR"}, rows)
		},
	}
	cmd.Flags().StringVar(&campaign, "campaign", "", "only jobs of this campaign")
	cmd.Flags().StringVar(&instance, "instance", "", "only jobs of this node instance")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only jobs in these statuses")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs")
	return cmd
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <job-id>",
		Short: "Re-enqueue a failed job after manual intervention",
		Long: `Enqueue a fresh attempt of a failed job, due now and with the same data.
Use it after solving a captcha or refreshing an expired session.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(rootOpts, cmd)
			b, err := openBundle(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			id, err := flowpipe.ResolveIntervention(cmd.Context(), b.Engine, args[0])
			if err != nil {
				return f.Fail(ExitCommandError, "resolve job", err)
			}
			return f.Success(map[string]string{"job_id": args[0], "new_job_id": id},
				fmt.Sprintf("resolved %s: new job %s", args[0], id))
		},
	}
}
