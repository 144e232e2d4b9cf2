package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petrijr/flowpipe/internal/jobqueue"
	"github.com/petrijr/flowpipe/pkg/api"
)

// TriggerCampaign enqueues one immediate job per recurring start node of
// the campaign's flow. A start node that already has a pending or running
// job is skipped, so repeated triggers never stack up duplicate chains.
func (e *Engine) TriggerCampaign(ctx context.Context, campaignID string) ([]string, error) {
	e.triggerMu.Lock()
	defer e.triggerMu.Unlock()

	campaign, err := e.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !campaign.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", api.ErrCampaignNotActive, campaignID, campaign.Status)
	}
	flow, err := e.flows.Get(campaign.WorkflowID)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, node := range flow.StartNodes() {
		if node.Execution.Strategy != api.StrategyScheduledRecurring {
			continue
		}
		open, err := e.queue.List(ctx, jobqueue.Filter{
			CampaignID: campaignID,
			InstanceID: node.InstanceID,
			Statuses:   []api.JobStatus{api.JobPending, api.JobRunning},
			Limit:      1,
		})
		if err != nil {
			return ids, err
		}
		if len(open) > 0 {
			e.logger.Debug("trigger_skipped",
				slog.String("campaign_id", campaignID),
				slog.String("instance_id", node.InstanceID),
				slog.String("open_job_id", open[0].ID),
			)
			continue
		}
		id, err := e.queue.Enqueue(ctx, &api.Job{
			CampaignID: campaignID,
			WorkflowID: flow.ID,
			NodeID:     node.NodeType,
			InstanceID: node.InstanceID,
			Type:       node.Execution.JobType,
			Data:       map[string]any{"trigger": "manual"},
		})
		if err != nil {
			return ids, fmt.Errorf("enqueue trigger for %s: %w", node.InstanceID, err)
		}
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		e.observer.OnJobsEnqueued(ctx, "trigger", len(ids))
	}
	return ids, nil
}

func (e *Engine) StartCampaign(ctx context.Context, campaignID string) ([]string, error) {
	if err := e.campaigns.UpdateStatus(ctx, campaignID, api.CampaignActive); err != nil {
		return nil, err
	}
	e.logger.Info("campaign_started", slog.String("campaign_id", campaignID))
	return e.TriggerCampaign(ctx, campaignID)
}

// PauseCampaign stops recurring nodes from re-arming. Jobs already queued
// still run.
func (e *Engine) PauseCampaign(ctx context.Context, campaignID string) error {
	if err := e.campaigns.UpdateStatus(ctx, campaignID, api.CampaignPaused); err != nil {
		return err
	}
	e.logger.Info("campaign_paused", slog.String("campaign_id", campaignID))
	return nil
}

// ResolveIntervention enqueues a fresh attempt of a failed job, due now,
// with the same data. The failed job is kept for history.
func (e *Engine) ResolveIntervention(ctx context.Context, jobID string) (string, error) {
	job, err := e.queue.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != api.JobFailed {
		return "", fmt.Errorf("%w: %s is %s", ErrJobNotFailed, jobID, job.Status)
	}
	id, err := e.queue.Enqueue(ctx, &api.Job{
		CampaignID: job.CampaignID,
		WorkflowID: job.WorkflowID,
		NodeID:     job.NodeID,
		InstanceID: job.InstanceID,
		Type:       job.Type,
		Data:       job.Data,
		Attempt:    job.Attempt + 1,
		ParentID:   job.ID,
	})
	if err != nil {
		return "", err
	}
	e.observer.OnJobsEnqueued(ctx, "resolve", 1)
	e.emit(ctx, api.Event{
		Type:       api.EventNodeResolved,
		CampaignID: job.CampaignID,
		JobID:      id,
		NodeID:     job.InstanceID,
		Data:       map[string]any{"resumed_from": job.ID},
	})
	return id, nil
}

// RecoverStuckJobs resets jobs a crashed process left running. Run it once
// at startup, before the first tick.
func (e *Engine) RecoverStuckJobs(ctx context.Context) (int, error) {
	ids, err := e.queue.RecoverRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	for _, id := range ids {
		ev := api.Event{Type: api.EventJobRecovered, JobID: id}
		if job, err := e.queue.Get(ctx, id); err == nil {
			ev.CampaignID = job.CampaignID
			ev.NodeID = job.InstanceID
		}
		e.emit(ctx, ev)
	}
	e.observer.OnJobsRecovered(ctx, len(ids))
	return len(ids), nil
}
