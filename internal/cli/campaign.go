package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/flowpipe"
	"github.com/petrijr/flowpipe/internal/persistence"
)

// CampaignView is the output shape of a campaign.
type CampaignView struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Version    int64          `json:"version"`
	Queued     int64          `json:"queued"`
	Downloaded int64          `json:"downloaded"`
	Published  int64          `json:"published"`
	Failed     int64          `json:"failed"`
	Params     map[string]any `json:"params,omitempty"`
}

func viewCampaign(c *flowpipe.Campaign) CampaignView {
	return CampaignView{
		ID:         c.ID,
		WorkflowID: c.WorkflowID,
		Name:       c.Name,
		Status:     string(c.Status),
		Version:    c.Version,
		Queued:     c.Counters.Queued,
		Downloaded: c.Counters.Downloaded,
		Published:  c.Counters.Published,
		Failed:     c.Counters.Failed,
		Params:     c.Params,
	}
}

// NewCampaignCommand creates the campaign command group.
func NewCampaignCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Create and control campaigns",
	}
	cmd.AddCommand(newCampaignCreateCommand(rootOpts))
	cmd.AddCommand(newCampaignActionCommand(rootOpts, "start", "Activate a campaign and seed its start nodes"))
	cmd.AddCommand(newCampaignActionCommand(rootOpts, "pause", "Stop a campaign's recurring nodes from re-arming"))
	cmd.AddCommand(newCampaignActionCommand(rootOpts, "trigger", "Seed the start nodes of an active campaign now"))
	cmd.AddCommand(newCampaignListCommand(rootOpts))
	cmd.AddCommand(newCampaignShowCommand(rootOpts))
	return cmd
}

func newCampaignCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		id, flow, name, paramsFile string
		params                     []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a campaign for a loaded flow",
		Long: `Create an idle campaign. Params come from --params-file (YAML) and
repeated --param key=value flags; dotted keys nest, so
--param schedule.interval_minutes=30 sets params.schedule.interval_minutes.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(rootOpts, cmd)
			p, err := buildParams(paramsFile, params)
			if err != nil {
				return f.Fail(ExitCommandError, "invalid params", err)
			}
			b, err := openBundle(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			c := &flowpipe.Campaign{ID: id, WorkflowID: flow, Name: name, Params: p}
			if c.Name == "" {
				c.Name = flow
			}
			if err := b.CreateCampaign(cmd.Context(), c); err != nil {
				return f.Fail(ExitCommandError, "create campaign", err)
			}
			return f.Success(viewCampaign(c), "created campaign "+c.ID)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "campaign id (generated when empty)")
	cmd.Flags().StringVar(&flow, "flow", "", "flow id (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "YAML file with campaign params")
	cmd.Flags().StringArrayVar(&params, "param", nil, "param as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("flow")
	return cmd
}

func newCampaignActionCommand(rootOpts *RootOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:           action + " <campaign-id>",
		Short:         short,
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

			ctx, id := cmd.Context(), args[0]
			var seeded []string
			switch action {
			case "start":
				seeded, err = b.Engine.StartCampaign(ctx, id)
			case "pause":
				err = b.Engine.PauseCampaign(ctx, id)
			case "trigger":
				seeded, err = b.Engine.TriggerCampaign(ctx, id)
			}
			if err != nil {
				return f.Fail(ExitCommandError, action+" campaign", err)
			}
			data := map[string]any{"campaign_id": id, "action": action, "jobs": seeded}
			return f.Success(data, fmt.Sprintf("%s %s: %d job(s) seeded", action, id, len(seeded)))
		},
	}
}

func newCampaignListCommand(rootOpts *RootOptions) *cobra.Command {
	var flow, status string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List campaigns",
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

			list, err := b.Store.Campaigns.List(cmd.Context(), persistence.CampaignFilter{
				WorkflowID: flow,
				Status:     flowpipe.CampaignStatus(status),
			})
			if err != nil {
				return f.Fail(ExitCommandError, "list campaigns", err)
			}
			views := make([]CampaignView, 0, len(list))
			rows := make([][]string, 0, len(list))
			for _, c := range list {
				v := viewCampaign(c)
				v.Params = nil
				views = append(views, v)
				rows = append(rows, []string{v.ID, v.WorkflowID, v.Status, strconv.FormatInt(v.Published, 10), strconv.FormatInt(v.Failed, 10)})
			}
			return f.Table(views, []string{"ID", "FLOW", "STATUS", "PUBLISHED", "FAILED"}, rows)
		},
	}
	cmd.Flags().StringVar(&flow, "flow", "", "only campaigns of this flow")
	cmd.Flags().StringVar(&status, "status", "", "only campaigns in this status")
	return cmd
}

func newCampaignShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <campaign-id>",
		Short:         "Show one campaign with its params and counters",
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

			c, err := b.Store.Campaigns.Get(cmd.Context(), args[0])
			if err != nil {
				return f.Fail(ExitCommandError, "get campaign", err)
			}
			v := viewCampaign(c)
			return f.Success(v,
				fmt.Sprintf("%s (%s) flow=%s status=%s version=%d", v.ID, v.Name, v.WorkflowID, v.Status, v.Version),
				fmt.Sprintf("queued=%d downloaded=%d published=%d failed=%d", v.Queued, v.Downloaded, v.Published, v.Failed),
			)
		},
	}
}

// buildParams merges a YAML params file with key=value pairs. Values are
// decoded as YAML scalars, so numbers and booleans keep their type.
func buildParams(file string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		if params == nil {
			params = map[string]any{}
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("param %q: expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		setPath(params, strings.Split(key, "."), value)
	}
	return params, nil
}

func setPath(m map[string]any, path []string, value any) {
	for _, k := range path[:len(path)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[k] = next
		}
		m = next
	}
	m[path[len(path)-1]] = value
}
