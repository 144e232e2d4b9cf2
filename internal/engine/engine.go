// Package engine drives flows through the job queue: it claims due jobs,
// runs their node chains, fans work out into new jobs and re-arms
// recurring triggers.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petrijr/flowpipe/internal/jobqueue"
	"github.com/petrijr/flowpipe/internal/persistence"
	"github.com/petrijr/flowpipe/pkg/api"
)

const (
	DefaultBatchSize       = 50
	DefaultConcurrency     = 4
	DefaultCASRetries      = 5
	DefaultIntervalMinutes = 60
)

var (
	// ErrJobNotFailed is returned by ResolveIntervention for a job that
	// has not failed.
	ErrJobNotFailed = errors.New("job is not failed")
)

// FlowSource looks up flow definitions by id. *catalog.Catalog satisfies it.
type FlowSource interface {
	Get(flowID string) (*api.FlowDefinition, error)
}

// Config wires an Engine. Flows, Registry, Queue and Campaigns are
// required; everything else has a default.
type Config struct {
	Flows     FlowSource
	Registry  *api.Registry
	Queue     jobqueue.Queue
	Campaigns persistence.CampaignStore

	Emitter  api.Emitter
	Observer api.Observer
	Logger   *slog.Logger

	// BatchSize caps the jobs claimed per tick.
	BatchSize int
	// Concurrency caps the campaigns processed in parallel within a tick.
	Concurrency int
	// CASRetries bounds reload-and-reapply rounds when persisting
	// variables races another writer.
	CASRetries int

	DefaultIntervalMinutes float64

	// Now and Jitter are injectable for tests. Jitter returns a value in
	// [0, 1).
	Now    func() time.Time
	Jitter func() float64
}

// Engine is the queue-driven flow engine.
type Engine struct {
	flows     FlowSource
	registry  *api.Registry
	queue     jobqueue.Queue
	campaigns persistence.CampaignStore

	emitter  api.Emitter
	observer api.Observer
	logger   *slog.Logger

	batchSize       int
	concurrency     int
	casRetries      int
	defaultInterval float64

	now    func() time.Time
	jitter func() float64

	ticking   atomic.Bool
	triggerMu sync.Mutex
}

// Ensure Engine implements api.Engine.
var _ api.Engine = (*Engine)(nil)

// New validates cfg and builds an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Flows == nil:
		return nil, errors.New("engine: flow source is required")
	case cfg.Registry == nil:
		return nil, errors.New("engine: registry is required")
	case cfg.Queue == nil:
		return nil, errors.New("engine: queue is required")
	case cfg.Campaigns == nil:
		return nil, errors.New("engine: campaign store is required")
	}

	e := &Engine{
		flows:           cfg.Flows,
		registry:        cfg.Registry,
		queue:           cfg.Queue,
		campaigns:       cfg.Campaigns,
		emitter:         cfg.Emitter,
		observer:        cfg.Observer,
		logger:          cfg.Logger,
		batchSize:       cfg.BatchSize,
		concurrency:     cfg.Concurrency,
		casRetries:      cfg.CASRetries,
		defaultInterval: cfg.DefaultIntervalMinutes,
		now:             cfg.Now,
		jitter:          cfg.Jitter,
	}
	if e.emitter == nil {
		e.emitter = api.NoopEmitter{}
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.concurrency <= 0 {
		e.concurrency = DefaultConcurrency
	}
	if e.casRetries <= 0 {
		e.casRetries = DefaultCASRetries
	}
	if e.defaultInterval <= 0 {
		e.defaultInterval = DefaultIntervalMinutes
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.jitter == nil {
		e.jitter = rand.Float64
	}
	return e, nil
}

func (e *Engine) emit(ctx context.Context, ev api.Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.emitter.Emit(ctx, ev)
}
