package api

import (
	"fmt"
	"math"
	"time"
)

// Strategy tells the engine how a node instance's work is scheduled.
type Strategy string

const (
	// StrategyInline runs the node synchronously in the same job, right
	// after its upstream node.
	StrategyInline Strategy = "inline"

	// StrategyScheduledRecurring marks a perpetual trigger that re-arms
	// itself after every run while its campaign stays active.
	StrategyScheduledRecurring Strategy = "scheduled_recurring"

	// StrategyPerItemJob is a fan-out point: one job per upstream item.
	StrategyPerItemJob Strategy = "per_item_job"
)

// ParseStrategy maps a document value to a Strategy. Missing or unknown
// values fall back to StrategyInline.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyScheduledRecurring, StrategyPerItemJob:
		return Strategy(s)
	default:
		return StrategyInline
	}
}

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

const (
	DefaultRecurringJobType = "FLOW_SCAN"
	DefaultPerItemJobType   = "FLOW_STEP"

	DefaultInitialTrigger      = "campaign_start"
	DefaultOnResume            = "reschedule_from_now"
	DefaultCreateDownstreamJob = "immediately_after"
)

// RetryPolicy describes how failed per-item jobs are re-attempted.
//
// Max is the total number of attempts, including the first one.
type RetryPolicy struct {
	Max       int
	Backoff   BackoffKind
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is applied to per_item_job nodes that declare no retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Max:       3,
		Backoff:   BackoffExponential,
		BaseDelay: 5 * time.Second,
	}
}

// Delay returns the wait before the attempt that follows attempt (1-based).
// Linear grows as base*attempt, exponential as base*2^(attempt-1). A
// positive MaxDelay caps the result.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt)
	default:
		factor := math.Pow(2, float64(attempt-1))
		if factor > float64(math.MaxInt64)/math.Max(float64(p.BaseDelay), 1) {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(float64(p.BaseDelay) * factor)
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after attempt.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.Max
}

// RepeatAfter controls when a recurring node runs again. Source is either a
// number or a dotted path resolved against the campaign.
type RepeatAfter struct {
	Source any
	Unit   string
}

// RecurringSpec holds the scheduled_recurring strategy fields.
type RecurringSpec struct {
	InitialTrigger string
	RepeatAfter    *RepeatAfter

	// StopRepeatIf is a condition expression. When it evaluates true after a
	// run, the node is not re-armed.
	StopRepeatIf string
	OnResume     string
}

// GapSpec spaces out fan-out jobs. Unit defaults to milliseconds.
type GapSpec struct {
	Source        string
	FixedValue    float64
	Unit          string
	Jitter        bool
	JitterPercent float64
}

// PerItemSpec holds the per_item_job strategy fields.
type PerItemSpec struct {
	Gap                 GapSpec
	RespectDailyWindow  bool
	DependsOn           string
	Retry               RetryPolicy
	CreateDownstreamJob string
}

// ExecutionSpec is a tagged variant: exactly one of Recurring / PerItem is
// set for the non-inline strategies, neither for inline.
type ExecutionSpec struct {
	Strategy Strategy
	JobType  string

	Recurring *RecurringSpec
	PerItem   *PerItemSpec
}

func (e ExecutionSpec) IsInline() bool {
	return e.Strategy == "" || e.Strategy == StrategyInline
}

// Position is the optional canvas location of a node, kept for presentation.
type Position struct {
	X float64
	Y float64
}

// NodeInstance is one configured occurrence of a capability inside a flow.
type NodeInstance struct {
	NodeType   string
	InstanceID string
	Config     map[string]any
	Execution  ExecutionSpec
	Position   *Position
}

// Edge connects two node instances.
type Edge struct {
	From string
	To   string
}

// FlowDefinition is the immutable graph a campaign runs. The catalog builds
// and replaces definitions wholesale; nothing mutates one after loading.
type FlowDefinition struct {
	ID          string
	Name        string
	Description string
	Version     string
	Icon        string
	Color       string

	Nodes []NodeInstance
	Edges []Edge

	// UI is an opaque presentation descriptor.
	UI map[string]any
}

// Node looks up a node instance by id.
func (f *FlowDefinition) Node(instanceID string) (NodeInstance, bool) {
	for _, n := range f.Nodes {
		if n.InstanceID == instanceID {
			return n, true
		}
	}
	return NodeInstance{}, false
}

// StartNodes returns the instances with no incoming edge, in declaration
// order.
func (f *FlowDefinition) StartNodes() []NodeInstance {
	targets := make(map[string]struct{}, len(f.Edges))
	for _, e := range f.Edges {
		targets[e.To] = struct{}{}
	}
	var out []NodeInstance
	for _, n := range f.Nodes {
		if _, ok := targets[n.InstanceID]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// OutEdges returns the edges leaving instanceID, in declaration order.
func (f *FlowDefinition) OutEdges(instanceID string) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.From == instanceID {
			out = append(out, e)
		}
	}
	return out
}

// Validate checks the structural invariants of the graph.
func (f *FlowDefinition) Validate() error {
	seen := make(map[string]struct{}, len(f.Nodes))
	for i, n := range f.Nodes {
		if n.InstanceID == "" {
			return fmt.Errorf("%w: node %d has no instance_id", ErrMalformedFlow, i)
		}
		if n.NodeType == "" {
			return fmt.Errorf("%w: node %q has no node_id", ErrMalformedFlow, n.InstanceID)
		}
		if _, dup := seen[n.InstanceID]; dup {
			return fmt.Errorf("%w: duplicate instance_id %q", ErrMalformedFlow, n.InstanceID)
		}
		seen[n.InstanceID] = struct{}{}
	}
	for _, e := range f.Edges {
		if _, ok := seen[e.From]; !ok {
			return fmt.Errorf("%w: edge references unknown instance %q", ErrMalformedFlow, e.From)
		}
		if _, ok := seen[e.To]; !ok {
			return fmt.Errorf("%w: edge references unknown instance %q", ErrMalformedFlow, e.To)
		}
	}
	return nil
}
