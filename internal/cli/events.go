package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/petrijr/flowpipe/internal/eventbus"
	"github.com/petrijr/flowpipe/pkg/api"
)

// EventView is the output shape of an event.
type EventView struct {
	Type       string         `json:"type"`
	At         string         `json:"at"`
	CampaignID string         `json:"campaign_id,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

func viewEvent(ev api.Event) EventView {
	return EventView{
		Type:       string(ev.Type),
		At:         ev.At.UTC().Format(time.RFC3339),
		CampaignID: ev.CampaignID,
		JobID:      ev.JobID,
		NodeID:     ev.NodeID,
		Data:       ev.Data,
	}
}

func (v EventView) line() string {
	data, _ := json.Marshal(v.Data)
	return fmt.Sprintf("%s %-20s campaign=%s node=%s %s", v.At, v.Type, v.CampaignID, v.NodeID, data)
}

// NewEventsCommand creates the events command group.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect campaign notifications",
	}
	cmd.AddCommand(newEventsListCommand(rootOpts))
	cmd.AddCommand(newEventsTailCommand(rootOpts))
	return cmd
}

func newEventsListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		campaign string
		limit    int
	)
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List recorded events, oldest first",
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

			events, err := b.Store.Events.ListEvents(cmd.Context(), campaign, limit)
			if err != nil {
				return f.Fail(ExitCommandError, "list events", err)
			}
			views := make([]EventView, 0, len(events))
			lines := make([]string, 0, len(events))
			for _, ev := range events {
				v := viewEvent(ev)
				views = append(views, v)
				lines = append(lines, v.line())
			}
			if len(lines) == 0 {
				lines = append(lines, "no events")
			}
			return f.Success(views, lines...)
		},
	}
	cmd.Flags().StringVar(&campaign, "campaign", "", "only events of this campaign")
	cmd.Flags().IntVar(&limit, "limit", 50, "most recent events to show (0 for all)")
	return cmd
}

func newEventsTailCommand(rootOpts *RootOptions) *cobra.Command {
	var campaign string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow live events published to Redis",
		Long: `Subscribe to the Redis channels that a scheduler with events.redis
enabled publishes to, and print events as they arrive.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(rootOpts, cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			printer := api.EmitterFunc(func(ctx context.Context, ev api.Event) {
				v := viewEvent(ev)
				if f.Format == "json" {
					_ = json.NewEncoder(f.Writer).Encode(v)
					return
				}
				fmt.Fprintln(f.Writer, v.line())
			})
			f.VerboseLog("listening on %s", cfg.Events.Prefix)
			err = eventbus.Listen(ctx, client, cfg.Events.Prefix, campaign, printer, rootOpts.ready)
			if err != nil && !errors.Is(err, context.Canceled) {
				return f.Fail(ExitCommandError, "listen", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&campaign, "campaign", "", "only events of this campaign")
	return cmd
}
