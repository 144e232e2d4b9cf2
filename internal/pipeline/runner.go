package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/petrijr/flowpipe/internal/expr"
	"github.com/petrijr/flowpipe/internal/template"
	"github.com/petrijr/flowpipe/pkg/api"
)

// DefaultMaxSteps bounds the steps of one run, nested ForEach bodies
// included.
const DefaultMaxSteps = 10000

// ErrPipelineLoop is returned when a run exceeds its step limit, which in
// practice means on_success pointers form a cycle.
var ErrPipelineLoop = errors.New("pipeline exceeded step limit")

// Runner executes pipelines against capabilities from a registry.
type Runner struct {
	registry *api.Registry
	maxSteps int
}

type Option func(*Runner)

func WithMaxSteps(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxSteps = n
		}
	}
}

func NewRunner(reg *api.Registry, opts ...Option) *Runner {
	r := &Runner{registry: reg, maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes p against ec and emits pipeline:done when the run ends
// without error.
func (r *Runner) Run(ctx context.Context, p *Pipeline, ec *api.ExecContext) error {
	return r.RunNodes(ctx, p.Nodes, ec)
}

// RunNodes executes a node list starting at its first node.
func (r *Runner) RunNodes(ctx context.Context, nodes []Node, ec *api.ExecContext) error {
	steps := 0
	if err := r.run(ctx, nodes, ec, &steps); err != nil {
		return err
	}
	ec.Emit(ctx, api.EventPipelineDone, "", map[string]any{"steps": steps})
	return nil
}

func (r *Runner) run(ctx context.Context, nodes []Node, ec *api.ExecContext, steps *int) error {
	if len(nodes) == 0 {
		return nil
	}
	byID := make(map[string]*Node, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	var prev any
	for cur := nodes[0].ID; cur != ""; {
		n, ok := byID[cur]
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		*steps++
		if *steps > r.maxSteps {
			ec.Emit(ctx, api.EventPipelineError, n.ID, map[string]any{"node_id": n.ID, "error": ErrPipelineLoop.Error()})
			return fmt.Errorf("%w (%d) at node %s", ErrPipelineLoop, r.maxSteps, n.ID)
		}

		pass, err := checkCondition(n.Condition, ec)
		if err != nil {
			ec.Emit(ctx, api.EventPipelineError, n.ID, map[string]any{"node_id": n.ID, "error": err.Error()})
			return fmt.Errorf("node %s: condition: %w", n.ID, err)
		}
		if !pass {
			ec.IncSkipped()
			cur = n.OnSuccess
			continue
		}

		ec.Emit(ctx, api.EventNodeStart, n.ID, map[string]any{"node_id": n.ID})

		if n.Node == ForEachType {
			count, err := r.forEach(ctx, n, ec, steps)
			if err != nil {
				return err
			}
			ec.Emit(ctx, api.EventNodeDone, n.ID, map[string]any{"node_id": n.ID, "items": count})
			cur = n.OnSuccess
			continue
		}

		res, err := r.execute(ctx, n, ec, prev)
		if err != nil {
			ec.Emit(ctx, api.EventPipelineError, n.ID, map[string]any{"node_id": n.ID, "error": err.Error()})
			return err
		}
		if data, ok := res.Data.(map[string]any); ok {
			ec.Merge(data)
		}
		ec.Emit(ctx, api.EventNodeDone, n.ID, map[string]any{
			"node_id": n.ID,
			"status":  res.Status,
			"data":    res.Data,
		})
		if res.Status == api.ResultEmpty && n.StopsOnEmpty() {
			return nil
		}
		prev = res.Data
		cur = n.OnSuccess
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, n *Node, ec *api.ExecContext, prev any) (*api.NodeResult, error) {
	capability, err := r.registry.Get(n.Node)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.ID, err)
	}
	res, err := capability.Execute(ctx, api.NodeInput{
		Params: ec.ResolveParams(n.Params),
		Data:   prev,
		Exec:   ec,
	})
	if err != nil {
		return nil, api.NewNodeError(n.ID, err)
	}
	if res == nil {
		res = api.Ok(nil)
	}
	return res, nil
}

func (r *Runner) forEach(ctx context.Context, n *Node, ec *api.ExecContext, steps *int) (int, error) {
	source := n.Params["source_key"]
	var items any
	if s, ok := source.(string); ok && !template.HasPlaceholder(s) {
		items, _ = ec.Lookup(s)
	} else {
		items = ec.Resolve(source)
	}
	list, ok := toList(items)
	if !ok {
		err := fmt.Errorf("%w: node %s source_key %v resolved to %T", api.ErrForEachType, n.ID, source, items)
		ec.Emit(ctx, api.EventPipelineError, n.ID, map[string]any{"node_id": n.ID, "error": err.Error()})
		return 0, err
	}

	itemVar, _ := n.Params["item_var"].(string)
	if itemVar == "" {
		itemVar = "item"
	}
	policy, _ := n.Params["on_item_error"].(string)

	for _, item := range list {
		ec.Set(itemVar, item)
		if err := r.run(ctx, n.Body, ec, steps); err != nil {
			if policy == OnItemSkip && !errors.Is(err, ErrPipelineLoop) && ctx.Err() == nil {
				ec.IncFailed()
				continue
			}
			return 0, err
		}
		ec.IncPosted()
	}
	return len(list), nil
}

// checkCondition evaluates a node condition. Templates are resolved and
// tested for truthiness; anything else goes through the expression grammar.
func checkCondition(cond string, ec *api.ExecContext) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}
	if template.HasPlaceholder(cond) {
		return expr.Truthy(ec.Resolve(cond)), nil
	}
	return expr.Evaluate(cond, ec.Lookup)
}

func toList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
