package api

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/petrijr/flowpipe/internal/template"
)

// Stats are the running counters of one execution.
type Stats struct {
	Posted  int
	Failed  int
	Skipped int
}

// ExecContext is the mutable per-run state shared by every node of a run:
// the campaign, the variables bag, the stats and the event emitter. It is
// safe for concurrent use. Only variables outlive a run, and only when the
// engine persists them back into the campaign.
type ExecContext struct {
	mu sync.RWMutex

	campaign   *Campaign
	variables  map[string]any
	stats      Stats
	dirty      bool
	written    map[string]struct{}
	jobID      string
	instanceID string

	logger  *slog.Logger
	emitter Emitter
	now     func() time.Time
}

// ExecOption configures an ExecContext.
type ExecOption func(*ExecContext)

// WithVariables seeds the variables bag. The map is copied.
func WithVariables(vars map[string]any) ExecOption {
	return func(c *ExecContext) {
		c.variables = make(map[string]any, len(vars))
		for k, v := range vars {
			c.variables[k] = v
		}
	}
}

func WithJob(jobID, instanceID string) ExecOption {
	return func(c *ExecContext) {
		c.jobID = jobID
		c.instanceID = instanceID
	}
}

func WithLogger(l *slog.Logger) ExecOption {
	return func(c *ExecContext) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithEmitter(e Emitter) ExecOption {
	return func(c *ExecContext) {
		if e != nil {
			c.emitter = e
		}
	}
}

func WithClock(now func() time.Time) ExecOption {
	return func(c *ExecContext) {
		if now != nil {
			c.now = now
		}
	}
}

// NewExecContext creates a context for one run. Unless WithVariables is
// given, variables start as a copy of the campaign's persisted variables.
func NewExecContext(campaign *Campaign, opts ...ExecOption) *ExecContext {
	c := &ExecContext{
		campaign: campaign,
		logger:   slog.Default(),
		emitter:  NoopEmitter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.variables == nil {
		c.variables = campaign.Variables()
	}
	return c
}

func (c *ExecContext) Campaign() *Campaign  { return c.campaign }
func (c *ExecContext) JobID() string        { return c.jobID }
func (c *ExecContext) InstanceID() string   { return c.instanceID }
func (c *ExecContext) Logger() *slog.Logger { return c.logger }
func (c *ExecContext) Now() time.Time       { return c.now() }

func (c *ExecContext) CampaignID() string {
	if c.campaign == nil {
		return ""
	}
	return c.campaign.ID
}

// Get returns a top-level variable.
func (c *ExecContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[key]
	return v, ok
}

// Set writes a variable and marks the context dirty.
func (c *ExecContext) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = v
	c.markWritten(key)
}

// Merge writes every entry of vars.
func (c *ExecContext) Merge(vars map[string]any) {
	if len(vars) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range vars {
		c.variables[k] = v
		c.markWritten(k)
	}
}

// markWritten records key as written by this run. Callers hold mu.
func (c *ExecContext) markWritten(key string) {
	if c.written == nil {
		c.written = make(map[string]struct{})
	}
	c.written[key] = struct{}{}
	c.dirty = true
}

// Written returns the current values of the variables written since the
// last ClearDirty or Rebase.
func (c *ExecContext) Written() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.written))
	for k := range c.written {
		out[k] = c.variables[k]
	}
	return out
}

// Rebase replaces the variables bag with a copy of vars and clears the
// dirty state. It is used after the bag was saved on top of a newer
// campaign version.
func (c *ExecContext) Rebase(vars map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables = make(map[string]any, len(vars))
	for k, v := range vars {
		c.variables[k] = v
	}
	c.written = nil
	c.dirty = false
}

// Variables returns a copy of the variables bag.
func (c *ExecContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// Dirty reports whether variables were written since the last ClearDirty.
func (c *ExecContext) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

func (c *ExecContext) ClearDirty() {
	c.mu.Lock()
	c.dirty = false
	c.written = nil
	c.mu.Unlock()
}

func (c *ExecContext) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *ExecContext) IncPosted()  { c.addStats(1, 0, 0) }
func (c *ExecContext) IncFailed()  { c.addStats(0, 1, 0) }
func (c *ExecContext) IncSkipped() { c.addStats(0, 0, 1) }

func (c *ExecContext) addStats(posted, failed, skipped int) {
	c.mu.Lock()
	c.stats.Posted += posted
	c.stats.Failed += failed
	c.stats.Skipped += skipped
	c.mu.Unlock()
}

// Lookup resolves a dotted path: "now", "campaign.*", "context.*", or a
// variable.
func (c *ExecContext) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	switch {
	case path == "now":
		return c.now(), true
	case path == "campaign":
		return c.campaign.Fields(), c.campaign != nil
	case strings.HasPrefix(path, "campaign."):
		if c.campaign == nil {
			return nil, false
		}
		return template.Walk(c.campaign.Fields(), template.SplitPath(path[len("campaign."):]))
	case path == "context":
		return c.contextView(), true
	case strings.HasPrefix(path, "context."):
		return template.Walk(c.contextView(), template.SplitPath(path[len("context."):]))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return template.Walk(c.variables, template.SplitPath(path))
}

func (c *ExecContext) contextView() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vars := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		vars[k] = v
	}
	return map[string]any{
		"stats": map[string]any{
			"posted":  c.stats.Posted,
			"failed":  c.stats.Failed,
			"skipped": c.stats.Skipped,
		},
		"campaign_id": c.CampaignID(),
		"job_id":      c.jobID,
		"instance_id": c.instanceID,
		"variables":   vars,
	}
}

// Resolve resolves a template value against this context.
func (c *ExecContext) Resolve(v any) any {
	return template.Resolve(v, c)
}

// ResolveParams resolves every value of params.
func (c *ExecContext) ResolveParams(params map[string]any) map[string]any {
	return template.ResolveAll(params, c)
}

// Emit sends an event stamped with the campaign and job of this context.
func (c *ExecContext) Emit(ctx context.Context, typ EventType, nodeID string, data map[string]any) {
	c.emitter.Emit(ctx, Event{
		Type:       typ,
		At:         c.now(),
		CampaignID: c.CampaignID(),
		JobID:      c.jobID,
		NodeID:     nodeID,
		Data:       data,
	})
}

// Progress reports a human-readable progress message.
func (c *ExecContext) Progress(ctx context.Context, msg string) {
	c.Emit(ctx, EventPipelineInfo, c.instanceID, map[string]any{"message": msg})
}
