package flowpipe

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/flowpipe/internal/config"
	"github.com/petrijr/flowpipe/internal/nodes"
	"github.com/petrijr/flowpipe/pkg/api"
)

// LocalRunner is an in-memory Bundle with a StaticConnector, for
// development, tests and one-off runs.
//
// Typical usage:
//
//	runner, _ := flowpipe.NewLocalRunner()
//	_ = runner.AddFlow(def)
//	_ = runner.CreateCampaign(ctx, &flowpipe.Campaign{ID: "c1", WorkflowID: def.ID})
//	_, _ = runner.Engine.StartCampaign(ctx, "c1")
//
//	// Synchronously, until no job is due:
//	res, err := runner.RunUntilIdle(ctx, 100)
//
//	// Or in the background:
//	_ = runner.Worker.Start(ctx)
//	defer runner.Close()
type LocalRunner struct {
	*Bundle

	// Connector serves canned scan results and records publishes.
	Connector *nodes.StaticConnector
	Accounts  nodes.StaticAccounts
}

// LocalOption configures a LocalRunner.
type LocalOption func(*localOptions)

type localOptions struct {
	logger    *slog.Logger
	now       func() time.Time
	connector *nodes.StaticConnector
	accounts  nodes.StaticAccounts
	observer  Observer
	interval  time.Duration
}

func WithLogger(l *slog.Logger) LocalOption {
	return func(o *localOptions) { o.logger = l }
}

// WithClock replaces the wall clock, so scheduled jobs become due when the
// caller advances it.
func WithClock(now func() time.Time) LocalOption {
	return func(o *localOptions) { o.now = now }
}

func WithConnector(c *nodes.StaticConnector) LocalOption {
	return func(o *localOptions) { o.connector = c }
}

func WithAccounts(a nodes.StaticAccounts) LocalOption {
	return func(o *localOptions) { o.accounts = a }
}

func WithObserver(obs Observer) LocalOption {
	return func(o *localOptions) { o.observer = obs }
}

// WithTickInterval sets the worker interval used by Worker.Start.
func WithTickInterval(d time.Duration) LocalOption {
	return func(o *localOptions) { o.interval = d }
}

// NewLocalRunner builds an in-memory runner. Nothing is persisted.
func NewLocalRunner(opts ...LocalOption) (*LocalRunner, error) {
	o := localOptions{interval: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	if o.connector == nil {
		o.connector = &nodes.StaticConnector{}
	}
	if o.accounts == nil {
		o.accounts = nodes.StaticAccounts{}
	}

	cfg := config.DefaultConfig()
	cfg.Database.Driver = "memory"
	cfg.Queue.Backend = "memory"
	cfg.Engine.TickInterval = o.interval
	cfg.Engine.RecoverOnStart = false

	b, err := Open(cfg, Options{
		Logger:    o.logger,
		Connector: o.connector,
		Accounts:  o.accounts,
		Observer:  o.observer,
		Now:       o.now,
	})
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Bundle: b, Connector: o.connector, Accounts: o.accounts}, nil
}

// AddFlow validates def and makes it available to campaigns.
func (r *LocalRunner) AddFlow(def *FlowDefinition) error {
	return r.Catalog.Put(def)
}

// RunUntilIdle ticks until a tick claims nothing or maxTicks ticks ran, and
// returns the summed results. Jobs scheduled in the future are left alone.
func (r *LocalRunner) RunUntilIdle(ctx context.Context, maxTicks int) (TickResult, error) {
	if maxTicks <= 0 {
		maxTicks = 1
	}
	var total api.TickResult
	for i := 0; i < maxTicks; i++ {
		res, err := r.Engine.Tick(ctx)
		total.Claimed += res.Claimed
		total.Completed += res.Completed
		total.Failed += res.Failed
		if err != nil {
			if errors.Is(err, api.ErrTickInProgress) {
				continue
			}
			return total, err
		}
		if res.Claimed == 0 {
			return total, nil
		}
	}
	return total, nil
}

// Jobs lists the jobs of a campaign in creation order.
func (r *LocalRunner) Jobs(ctx context.Context, campaignID string) ([]*Job, error) {
	return r.Queue.List(ctx, JobFilter{CampaignID: campaignID})
}
