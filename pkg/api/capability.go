package api

import "context"

// Result statuses. Capabilities may use others; only ResultEmpty has
// meaning to the runners.
const (
	ResultOK    = "ok"
	ResultEmpty = "empty"
)

// EmitMode tells fan-out how to split a result.
type EmitMode string

const (
	EmitBatch EmitMode = "batch"
	EmitEach  EmitMode = "each"
)

// NodeInput is what a capability receives: resolved params, the upstream
// data and the run's execution context.
type NodeInput struct {
	Params map[string]any
	Data   any
	Exec   *ExecContext
}

// NodeResult is a capability's outcome. The pipeline runner merges map
// Data into the run's variables; the flow engine only persists variables a
// node set explicitly.
type NodeResult struct {
	Status   string
	Data     any
	EmitMode EmitMode
	Error    string
}

// Capability is the contract every pluggable processing step satisfies.
type Capability interface {
	Execute(ctx context.Context, in NodeInput) (*NodeResult, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, in NodeInput) (*NodeResult, error)

func (f CapabilityFunc) Execute(ctx context.Context, in NodeInput) (*NodeResult, error) {
	return f(ctx, in)
}

// Ok builds a successful result.
func Ok(data any) *NodeResult {
	return &NodeResult{Status: ResultOK, Data: data}
}

// Batch builds a successful result whose array data fans out per element.
func Batch(items []any) *NodeResult {
	return &NodeResult{Status: ResultOK, Data: items, EmitMode: EmitBatch}
}

// Empty builds a result that signals no work was found.
func Empty() *NodeResult {
	return &NodeResult{Status: ResultEmpty}
}
