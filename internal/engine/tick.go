package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/flowpipe/pkg/api"
)

// Tick claims up to one batch of due jobs and processes them. Jobs of one
// campaign run sequentially in due order; different campaigns run
// concurrently. Job failures are recorded on the job, not returned; the
// error covers queue and store failures only.
func (e *Engine) Tick(ctx context.Context) (api.TickResult, error) {
	if !e.ticking.CompareAndSwap(false, true) {
		return api.TickResult{}, api.ErrTickInProgress
	}
	defer e.ticking.Store(false)
	if err := ctx.Err(); err != nil {
		return api.TickResult{}, err
	}

	jobs, err := e.queue.ClaimDue(ctx, e.batchSize)
	if err != nil {
		return api.TickResult{}, fmt.Errorf("claim due jobs: %w", err)
	}
	res := api.TickResult{Claimed: len(jobs)}
	if len(jobs) == 0 {
		return res, nil
	}

	var (
		order []string
		byCID = map[string][]*api.Job{}
	)
	for _, j := range jobs {
		if _, ok := byCID[j.CampaignID]; !ok {
			order = append(order, j.CampaignID)
		}
		byCID[j.CampaignID] = append(byCID[j.CampaignID], j)
	}

	var completed, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for _, cid := range order {
		group := byCID[cid]
		g.Go(func() error {
			// A bookkeeping failure on one job must not strand the rest of
			// the group in running.
			var errs []error
			for _, job := range group {
				if ctx.Err() != nil {
					// Not started; hand it back for the next tick.
					if err := e.queue.SetStatus(context.WithoutCancel(ctx), job.ID, api.JobPending, ""); err != nil {
						errs = append(errs, fmt.Errorf("release job %s: %w", job.ID, err))
					}
					continue
				}
				ok, err := e.processJob(ctx, job)
				if err != nil {
					e.logger.Error("job_bookkeeping_failed", slog.String("job_id", job.ID), slog.Any("error", err))
					errs = append(errs, err)
					continue
				}
				if ok {
					completed.Add(1)
				} else {
					failed.Add(1)
				}
			}
			return errors.Join(errs...)
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	res.Completed = int(completed.Load())
	res.Failed = int(failed.Load())
	return res, err
}

// processJob runs one claimed job and records its outcome. It reports
// whether the job completed.
func (e *Engine) processJob(ctx context.Context, job *api.Job) (bool, error) {
	// Bookkeeping must survive cancellation of the tick.
	bg := context.WithoutCancel(ctx)

	e.observer.OnJobStart(ctx, job)
	logger := e.logger.With(
		slog.String("job_id", job.ID),
		slog.String("campaign_id", job.CampaignID),
		slog.String("instance_id", job.InstanceID),
	)

	origin, runErr := e.runJob(ctx, job, logger)
	if runErr == nil {
		if err := e.queue.SetStatus(bg, job.ID, api.JobCompleted, ""); err != nil {
			return false, fmt.Errorf("complete job %s: %w", job.ID, err)
		}
		e.observer.OnJobCompleted(ctx, job)
		if err := e.rearm(bg, job, origin, logger); err != nil {
			logger.Error("rearm_failed", slog.Any("error", err))
		}
		return true, nil
	}

	if err := e.queue.SetStatus(bg, job.ID, api.JobFailed, runErr.Error()); err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	retried, err := e.scheduleRetry(bg, job, origin, runErr)
	if err != nil {
		logger.Error("retry_schedule_failed", slog.Any("error", err))
	}
	e.observer.OnJobFailed(ctx, job, runErr, retried)
	return false, nil
}

// runJob resolves the job's campaign, flow and node and executes the inline
// chain starting there. It returns the originating node when resolved.
func (e *Engine) runJob(ctx context.Context, job *api.Job, logger *slog.Logger) (*api.NodeInstance, error) {
	campaign, err := e.campaigns.Get(ctx, job.CampaignID)
	if err != nil {
		if errors.Is(err, api.ErrCampaignNotFound) {
			return nil, errors.Join(api.ErrMissingFlowOrNode, err)
		}
		return nil, err
	}
	flowID := job.WorkflowID
	if flowID == "" {
		flowID = campaign.WorkflowID
	}
	flow, err := e.flows.Get(flowID)
	if err != nil {
		return nil, errors.Join(api.ErrMissingFlowOrNode, err)
	}
	node, ok := flow.Node(job.InstanceID)
	if !ok {
		return nil, fmt.Errorf("%w: instance %q in flow %q", api.ErrMissingFlowOrNode, job.InstanceID, flow.ID)
	}

	ec := api.NewExecContext(campaign,
		api.WithJob(job.ID, job.InstanceID),
		api.WithLogger(logger),
		api.WithEmitter(e.emitter),
		api.WithClock(e.now),
	)
	return &node, e.runChain(ctx, job, flow, node, ec)
}

// runChain executes node and follows inline edges until an edge leads to a
// non-inline node, there is no out-edge, or a node returns an empty result.
// Empty results end the chain without fanning out.
func (e *Engine) runChain(ctx context.Context, job *api.Job, flow *api.FlowDefinition, node api.NodeInstance, ec *api.ExecContext) error {
	input := job.Data
	for {
		res, err := e.executeNode(ctx, job, node, ec, input)
		if err != nil {
			return err
		}
		if err := e.persistVariables(ctx, ec); err != nil {
			return err
		}
		if res.Status == api.ResultEmpty {
			return nil
		}

		edges := flow.OutEdges(node.InstanceID)
		if len(edges) == 0 {
			return nil
		}
		next, ok := flow.Node(edges[0].To)
		if !ok {
			return fmt.Errorf("%w: edge target %q", api.ErrMissingFlowOrNode, edges[0].To)
		}

		switch next.Execution.Strategy {
		case api.StrategyInline:
			node, input = next, res.Data
		case api.StrategyPerItemJob:
			return e.fanOut(ctx, job, ec, next, res)
		default:
			return nil
		}
	}
}

func (e *Engine) executeNode(ctx context.Context, job *api.Job, node api.NodeInstance, ec *api.ExecContext, input any) (*api.NodeResult, error) {
	capability, err := e.registry.Get(node.NodeType)
	if err != nil {
		return nil, err
	}
	cfg, err := mergeConfig(node.Config, ec.Campaign().InstanceOverrides(node.InstanceID))
	if err != nil {
		return nil, fmt.Errorf("merge config for %s: %w", node.InstanceID, err)
	}
	params := ec.ResolveParams(cfg)

	ec.Emit(ctx, api.EventNodeStart, node.InstanceID, map[string]any{"node_id": node.InstanceID})
	e.observer.OnNodeStart(ctx, job, node.InstanceID)
	start := time.Now()

	res, err := capability.Execute(ctx, api.NodeInput{Params: params, Data: input, Exec: ec})
	e.observer.OnNodeCompleted(ctx, job, node.InstanceID, err, time.Since(start))
	if err != nil {
		if api.IsBlocked(err) {
			ec.Emit(ctx, api.EventNodeBlocked, node.InstanceID, map[string]any{
				"node_id": node.InstanceID,
				"reason":  err.Error(),
			})
		} else {
			ec.Emit(ctx, api.EventPipelineError, node.InstanceID, map[string]any{
				"node_id": node.InstanceID,
				"error":   err.Error(),
			})
		}
		return nil, api.NewNodeError(node.InstanceID, err)
	}
	if res == nil {
		res = api.Ok(nil)
	}
	ec.Emit(ctx, api.EventNodeDone, node.InstanceID, map[string]any{
		"node_id": node.InstanceID,
		"status":  res.Status,
	})
	return res, nil
}
