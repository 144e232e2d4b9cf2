package flowpipe

import (
	"context"
	"fmt"

	"github.com/petrijr/flowpipe/pkg/api"
)

// Helpers for writing custom capabilities over item batches. Items are
// map[string]any, as produced by the built-in nodes.

// Items normalizes upstream data into a list of items: nil is empty, a
// single object is a list of one.
func Items(data any) ([]map[string]any, error) {
	switch t := data.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []map[string]any{t}, nil
	case []map[string]any:
		return t, nil
	case []any:
		out := make([]map[string]any, 0, len(t))
		for i, v := range t {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("item %d is %T, not an object", i, v)
			}
			out = append(out, m)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: expected a list of items, got %T", api.ErrForEachType, data)
}

// BatchOf returns items as a fan-out result, or an empty result for no
// items.
func BatchOf(items []map[string]any) *NodeResult {
	if len(items) == 0 {
		return api.Empty()
	}
	data := make([]any, len(items))
	for i, it := range items {
		data[i] = it
	}
	return api.Batch(data)
}

// FilterItems returns a capability keeping the items for which keep is
// true.
func FilterItems(keep func(item map[string]any) bool) Capability {
	return api.CapabilityFunc(func(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
		items, err := Items(in.Data)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(items))
		for _, it := range items {
			if keep(it) {
				out = append(out, it)
			}
		}
		return BatchOf(out), nil
	})
}

// MapItems returns a capability applying fn to every item. A nil item
// drops it; an error aborts the whole batch.
func MapItems(fn func(ctx context.Context, item map[string]any) (map[string]any, error)) Capability {
	return api.CapabilityFunc(func(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
		items, err := Items(in.Data)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(items))
		for i, it := range items {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			m, err := fn(ctx, it)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			if m != nil {
				out = append(out, m)
			}
		}
		return BatchOf(out), nil
	})
}

// SourceFunc returns a capability emitting the items fn produces, for
// scanners of sources without a Connector.
func SourceFunc(fn func(ctx context.Context, ec *ExecContext) ([]map[string]any, error)) Capability {
	return api.CapabilityFunc(func(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
		items, err := fn(ctx, in.Exec)
		if err != nil {
			return nil, err
		}
		return BatchOf(items), nil
	})
}

// Static returns a factory that always hands out c, for capabilities
// without per-call state.
func Static(c Capability) api.Factory {
	return func() api.Capability { return c }
}
