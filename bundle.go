package flowpipe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowpipe/internal/catalog"
	"github.com/petrijr/flowpipe/internal/config"
	"github.com/petrijr/flowpipe/internal/engine"
	"github.com/petrijr/flowpipe/internal/eventbus"
	"github.com/petrijr/flowpipe/internal/jobqueue"
	"github.com/petrijr/flowpipe/internal/metrics"
	"github.com/petrijr/flowpipe/internal/nodes"
	"github.com/petrijr/flowpipe/internal/persistence"
	"github.com/petrijr/flowpipe/internal/pipeline"
	"github.com/petrijr/flowpipe/pkg/api"
	"github.com/petrijr/flowpipe/pkg/worker"
)

// Options supply the collaborators a Config cannot describe.
type Options struct {
	Logger *slog.Logger

	// Connector and Accounts back the platform nodes. Nil means a
	// StaticConnector with no content and no accounts.
	Connector Connector
	Accounts  AccountStore

	// Observer is added to the logging and metrics observers.
	Observer Observer

	// Registerer receives the Prometheus collectors when metrics are
	// enabled. Nil means a fresh registry, exposed as Bundle.Gatherer.
	Registerer prometheus.Registerer

	// Now replaces the wall clock of the engine and the queue.
	Now func() time.Time
}

// Bundle wires an Engine, its stores, a job queue and a Worker that ticks
// the engine, all built from one Config.
//
// Typical usage:
//
//	cfg, _ := flowpipe.LoadConfig("flowpipe.yaml")
//	b, err := flowpipe.Open(cfg, flowpipe.Options{Connector: conn, Accounts: accounts})
//	defer b.Close()
//	_, _ = b.LoadFlows()
//	_ = b.Worker.Start(ctx)
type Bundle struct {
	Config *Config

	Engine   Engine
	Worker   *Worker
	Catalog  *Catalog
	Registry *Registry
	Store    *Persistence
	Queue    Queue
	Bus      *EventBus
	Metrics  *BasicMetrics

	// Emitter fans events out to the bus, the log, the history store and
	// Redis, as configured.
	Emitter Emitter

	// Gatherer serves the Prometheus metrics; nil when metrics are off.
	Gatherer prometheus.Gatherer

	logger  *slog.Logger
	closers []func() error
}

// Open builds a Bundle. On error every resource opened so far is closed.
func Open(cfg *Config, opts Options) (b *Bundle, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b = &Bundle{
		Config:   cfg,
		Registry: api.NewRegistry(),
		Catalog:  catalog.New(logger),
		Bus:      eventbus.New(logger),
		Metrics:  &api.BasicMetrics{},
		logger:   logger,
	}
	defer func() {
		if err != nil {
			_ = b.Close()
			b = nil
		}
	}()

	var db *sql.DB
	switch cfg.Database.Driver {
	case "sqlite":
		db, err = sql.Open("sqlite", cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// One connection serializes writers instead of failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		b.closers = append(b.closers, db.Close)
		if b.Store, err = persistence.NewSQLite(db); err != nil {
			return nil, err
		}
	default:
		b.Store = persistence.NewInMemory()
	}

	var rdb redis.UniversalClient
	if cfg.Queue.Backend == "redis" || cfg.Events.Redis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rdb = client
		b.closers = append(b.closers, client.Close)
	}

	var qopts []jobqueue.Option
	if opts.Now != nil {
		qopts = append(qopts, jobqueue.WithClock(opts.Now))
	}
	if b.Queue, err = openQueue(cfg, db, rdb, qopts, b); err != nil {
		return nil, err
	}

	emitters := []api.Emitter{b.Bus, logEmitter(logger)}
	if cfg.Events.History {
		emitters = append(emitters, persistence.Recorder(b.Store.Events, logger))
	}
	if cfg.Events.Redis {
		emitters = append(emitters, eventbus.NewRedisPublisher(rdb, cfg.Events.Prefix, logger))
	}

	observers := []api.Observer{api.NewLoggingObserver(logger), b.Metrics, opts.Observer}
	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			r := prometheus.NewRegistry()
			reg, b.Gatherer = r, r
		} else if g, ok := reg.(prometheus.Gatherer); ok {
			b.Gatherer = g
		}
		observers = append(observers, metrics.New(reg, cfg.Metrics.Namespace))
	}

	conn, accounts := opts.Connector, opts.Accounts
	if conn == nil {
		conn = &nodes.StaticConnector{}
	}
	if accounts == nil {
		accounts = nodes.StaticAccounts{}
	}
	if err = nodes.Register(b.Registry, nodes.Deps{
		Items:     b.Store.Items,
		Campaigns: b.Store.Campaigns,
		Connector: conn,
		Accounts:  accounts,
	}); err != nil {
		return nil, err
	}

	b.Emitter = api.NewMultiEmitter(emitters...)

	eng, err := engine.New(engine.Config{
		Flows:                  b.Catalog,
		Registry:               b.Registry,
		Queue:                  b.Queue,
		Campaigns:              b.Store.Campaigns,
		Emitter:                b.Emitter,
		Observer:               api.NewCompositeObserver(observers...),
		Logger:                 logger,
		BatchSize:              cfg.Engine.BatchSize,
		Concurrency:            cfg.Engine.Concurrency,
		DefaultIntervalMinutes: cfg.Engine.DefaultIntervalMinutes,
		Now:                    opts.Now,
	})
	if err != nil {
		return nil, err
	}
	b.Engine = eng
	b.Worker = worker.New(eng, worker.Config{
		Interval:       cfg.Engine.TickInterval,
		RecoverOnStart: cfg.Engine.RecoverOnStart,
		TickTimeout:    cfg.Engine.TickTimeout,
		Logger:         logger,
	})
	return b, nil
}

func openQueue(cfg *Config, db *sql.DB, rdb redis.UniversalClient, opts []jobqueue.Option, b *Bundle) (jobqueue.Queue, error) {
	switch cfg.Queue.Backend {
	case "sqlite":
		return jobqueue.NewSQLiteQueue(db, opts...)
	case "postgres":
		pg, err := jobqueue.OpenPostgres(cfg.Queue.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		return jobqueue.NewPostgresQueue(pg, opts...)
	case "redis":
		return jobqueue.NewRedisQueue(rdb, cfg.Queue.Prefix, opts...), nil
	default:
		return jobqueue.NewInMemoryQueue(opts...), nil
	}
}

// logEmitter writes every event to logger at debug level.
func logEmitter(logger *slog.Logger) api.Emitter {
	return api.EmitterFunc(func(ctx context.Context, ev api.Event) {
		logger.DebugContext(ctx, "event",
			slog.String("type", string(ev.Type)),
			slog.String("campaign_id", ev.CampaignID),
			slog.String("job_id", ev.JobID),
			slog.String("node", ev.NodeID),
		)
	})
}

// LoadFlows loads the flow directory named by the config into the
// catalog. Files that fail to load are reported in the joined error; the
// others are still available.
func (b *Bundle) LoadFlows() ([]*FlowDefinition, error) {
	return b.Catalog.LoadDir(b.Config.Flows.Dir, b.Config.Flows.Pattern)
}

// CreateCampaign stores a new campaign for an existing flow.
func (b *Bundle) CreateCampaign(ctx context.Context, c *Campaign) error {
	if _, err := b.Catalog.Get(c.WorkflowID); err != nil {
		return err
	}
	return b.Store.Campaigns.Create(ctx, c)
}

// RunPipeline runs p outside the job queue against campaign. Variables
// written by the run are saved back to the campaign when it is stored.
func (b *Bundle) RunPipeline(ctx context.Context, p *pipeline.Pipeline, campaign *Campaign) (*ExecContext, error) {
	ec := api.NewExecContext(campaign,
		api.WithLogger(b.logger.With(slog.String("pipeline", p.ID), slog.String("campaign_id", campaign.ID))),
		api.WithEmitter(b.Emitter),
	)
	if err := pipeline.NewRunner(b.Registry).Run(ctx, p, ec); err != nil {
		return ec, err
	}
	if !ec.Dirty() || campaign.Version == 0 {
		return ec, nil
	}
	params := campaign.Clone().Params
	params[api.VariablesKey] = ec.Variables()
	if _, err := b.Store.Campaigns.UpdateParams(ctx, campaign.ID, campaign.Version, params); err != nil {
		return ec, fmt.Errorf("save pipeline variables: %w", err)
	}
	ec.ClearDirty()
	return ec, nil
}

// Close stops the worker and releases every connection, in reverse order
// of opening.
func (b *Bundle) Close() error {
	if b.Worker != nil {
		b.Worker.Stop()
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
