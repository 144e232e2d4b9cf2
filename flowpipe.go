package flowpipe

import (
	"context"

	"github.com/petrijr/flowpipe/internal/catalog"
	"github.com/petrijr/flowpipe/internal/config"
	"github.com/petrijr/flowpipe/internal/engine"
	"github.com/petrijr/flowpipe/internal/eventbus"
	"github.com/petrijr/flowpipe/internal/jobqueue"
	"github.com/petrijr/flowpipe/internal/nodes"
	"github.com/petrijr/flowpipe/internal/persistence"
	"github.com/petrijr/flowpipe/pkg/api"
	"github.com/petrijr/flowpipe/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine         = api.Engine
	TickResult     = api.TickResult
	FlowDefinition = api.FlowDefinition
	NodeInstance   = api.NodeInstance
	Edge           = api.Edge
	ExecutionSpec  = api.ExecutionSpec
	GapSpec        = api.GapSpec
	RetryPolicy    = api.RetryPolicy
	Campaign       = api.Campaign
	CampaignStatus = api.CampaignStatus
	Job            = api.Job
	JobStatus      = api.JobStatus
	Item           = api.Item
	Event          = api.Event
	EventType      = api.EventType
	Emitter        = api.Emitter

	Capability     = api.Capability
	CapabilityFunc = api.CapabilityFunc
	NodeInput      = api.NodeInput
	NodeResult     = api.NodeResult
	Registry       = api.Registry
	ExecContext    = api.ExecContext

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Types of the bundled implementations.

type (
	EngineConfig = engine.Config
	Config       = config.Config
	Catalog      = catalog.Catalog
	Queue        = jobqueue.Queue
	JobFilter    = jobqueue.Filter
	Persistence  = persistence.Persistence
	EventBus     = eventbus.Bus
	Worker       = worker.Worker
	WorkerConfig = worker.Config

	Connector    = nodes.Connector
	AccountStore = nodes.AccountStore
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewRegistry          = api.NewRegistry
	NewCatalog           = catalog.New
	NewEventBus          = eventbus.New
	NewWorker            = worker.New

	// ParseFlow decodes and validates a YAML flow document.
	ParseFlow = catalog.Parse

	DefaultConfig = config.DefaultConfig
	LoadConfig    = config.Load
)

const (
	StrategyInline             = api.StrategyInline
	StrategyScheduledRecurring = api.StrategyScheduledRecurring
	StrategyPerItemJob         = api.StrategyPerItemJob

	CampaignIdle    = api.CampaignIdle
	CampaignActive  = api.CampaignActive
	CampaignRunning = api.CampaignRunning
	CampaignPaused  = api.CampaignPaused
	CampaignDone    = api.CampaignDone
	CampaignError   = api.CampaignError

	JobPending   = api.JobPending
	JobRunning   = api.JobRunning
	JobCompleted = api.JobCompleted
	JobFailed    = api.JobFailed
)

// NewEngine builds the queue-driven engine. Flows, Registry, Queue and
// Campaigns are required.
func NewEngine(cfg EngineConfig) (Engine, error) {
	return engine.New(cfg)
}

// RegisterBuiltins adds the built-in content pipeline capabilities to reg.
func RegisterBuiltins(reg *Registry, p *Persistence, conn Connector, accounts AccountStore) error {
	deps := nodes.Deps{Connector: conn, Accounts: accounts}
	if p != nil {
		deps.Items = p.Items
		deps.Campaigns = p.Campaigns
	}
	return nodes.Register(reg, deps)
}

// Convenience helpers that just forward to the underlying Engine.

// StartCampaign marks a campaign active and seeds its recurring start nodes.
func StartCampaign(ctx context.Context, eng Engine, campaignID string) ([]string, error) {
	return eng.StartCampaign(ctx, campaignID)
}

func PauseCampaign(ctx context.Context, eng Engine, campaignID string) error {
	return eng.PauseCampaign(ctx, campaignID)
}

// ResolveIntervention re-enqueues a job that was blocked on human action.
func ResolveIntervention(ctx context.Context, eng Engine, jobID string) (string, error) {
	return eng.ResolveIntervention(ctx, jobID)
}

// RecoverStuckJobs delegates to eng.RecoverStuckJobs.
//
// It is typically called on process startup before starting the worker:
//
//	n, err := flowpipe.RecoverStuckJobs(ctx, engine)
func RecoverStuckJobs(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuckJobs(ctx)
}
