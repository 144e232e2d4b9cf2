package flowpipe

import (
	"errors"
	"fmt"

	"github.com/petrijr/flowpipe/pkg/api"
)

// FlowBuilder provides a fluent API for defining flows in code:
//
//	def, err := flowpipe.NewFlow("repost", "Repost").
//	    Node("scan_1", "source.scanner", scanCfg, flowpipe.RecurringEvery(30)).
//	    Node("dedup_1", "core.deduplicator", nil, flowpipe.Inline()).
//	    Node("publish_1", "publisher", pubCfg, flowpipe.PerItem(flowpipe.Gap(20, "minutes"), flowpipe.Retry(3).Policy())).
//	    Chain().
//	    Build()
type FlowBuilder struct {
	def  api.FlowDefinition
	errs []error
}

// NewFlow starts a flow with the given id and display name.
func NewFlow(id, name string) *FlowBuilder {
	return &FlowBuilder{def: api.FlowDefinition{ID: id, Name: name, Version: "1.0"}}
}

func (b *FlowBuilder) Describe(description string) *FlowBuilder {
	b.def.Description = description
	return b
}

func (b *FlowBuilder) Version(v string) *FlowBuilder {
	b.def.Version = v
	return b
}

// Node appends a node instance. Without an execution spec the node runs
// inline.
func (b *FlowBuilder) Node(instanceID, nodeType string, cfg map[string]any, exec ...ExecutionSpec) *FlowBuilder {
	if instanceID == "" || nodeType == "" {
		b.errs = append(b.errs, fmt.Errorf("node %d: instance id and node type are required", len(b.def.Nodes)))
		return b
	}
	spec := Inline()
	if len(exec) > 0 {
		spec = exec[0]
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	b.def.Nodes = append(b.def.Nodes, api.NodeInstance{
		NodeType:   nodeType,
		InstanceID: instanceID,
		Config:     cfg,
		Execution:  spec,
	})
	return b
}

// Edge connects two node instances.
func (b *FlowBuilder) Edge(from, to string) *FlowBuilder {
	b.def.Edges = append(b.def.Edges, api.Edge{From: from, To: to})
	return b
}

// Chain connects every node to the next one in declaration order.
func (b *FlowBuilder) Chain() *FlowBuilder {
	for i := 1; i < len(b.def.Nodes); i++ {
		b.Edge(b.def.Nodes[i-1].InstanceID, b.def.Nodes[i].InstanceID)
	}
	return b
}

// Build validates and returns the definition.
func (b *FlowBuilder) Build() (*FlowDefinition, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("%w: %w", api.ErrMalformedFlow, errors.Join(b.errs...))
	}
	if b.def.ID == "" || b.def.Name == "" {
		return nil, fmt.Errorf("%w: id and name are required", api.ErrMalformedFlow)
	}
	def := b.def
	def.Nodes = append([]api.NodeInstance(nil), b.def.Nodes...)
	def.Edges = append([]api.Edge(nil), b.def.Edges...)
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// MustBuild is like Build but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustBuild() *FlowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// Register builds the flow and stores it in c.
func (b *FlowBuilder) Register(c *Catalog) error {
	def, err := b.Build()
	if err != nil {
		return err
	}
	return c.Put(def)
}

// Inline runs a node in the same tick as its predecessor.
func Inline() ExecutionSpec {
	return api.ExecutionSpec{Strategy: api.StrategyInline}
}

// RecurringEvery re-arms the node every minutes after each completed run.
func RecurringEvery(minutes float64) ExecutionSpec {
	return recurring(&api.RepeatAfter{Source: minutes, Unit: "minutes"}, "")
}

// RecurringFrom reads the interval from a campaign path such as
// "schedule.interval_minutes", in unit.
func RecurringFrom(path, unit string) ExecutionSpec {
	return recurring(&api.RepeatAfter{Source: path, Unit: unit}, "")
}

// RecurringUntil is RecurringEvery that stops re-arming once stopIf holds.
func RecurringUntil(minutes float64, stopIf string) ExecutionSpec {
	return recurring(&api.RepeatAfter{Source: minutes, Unit: "minutes"}, stopIf)
}

func recurring(after *api.RepeatAfter, stopIf string) ExecutionSpec {
	return api.ExecutionSpec{
		Strategy: api.StrategyScheduledRecurring,
		JobType:  api.DefaultRecurringJobType,
		Recurring: &api.RecurringSpec{
			InitialTrigger: api.DefaultInitialTrigger,
			RepeatAfter:    after,
			StopRepeatIf:   stopIf,
			OnResume:       api.DefaultOnResume,
		},
	}
}

// PerItem fans the incoming items out into one job each, spaced by gap and
// retried by retry.
func PerItem(gap GapSpec, retry RetryPolicy) ExecutionSpec {
	return api.ExecutionSpec{
		Strategy: api.StrategyPerItemJob,
		JobType:  api.DefaultPerItemJobType,
		PerItem: &api.PerItemSpec{
			Gap:                 gap,
			RespectDailyWindow:  true,
			Retry:               retry,
			CreateDownstreamJob: api.DefaultCreateDownstreamJob,
		},
	}
}

// Gap is a fixed spacing between fanned-out items. unit defaults to
// milliseconds.
func Gap(value float64, unit string) GapSpec {
	return api.GapSpec{FixedValue: value, Unit: unit}
}

// GapFrom reads the spacing from a campaign path, falling back to
// fallback when the path does not resolve.
func GapFrom(path string, fallback float64, unit string) GapSpec {
	return api.GapSpec{Source: path, FixedValue: fallback, Unit: unit}
}

// Jittered randomizes a gap by up to ±percent.
func Jittered(g GapSpec, percent float64) GapSpec {
	g.Jitter = true
	g.JitterPercent = percent
	return g
}
