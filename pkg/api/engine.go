package api

import "context"

// TickResult summarizes one scheduling pass.
type TickResult struct {
	Claimed   int
	Completed int
	Failed    int
}

// Engine is the control surface of the flow engine.
type Engine interface {
	// Tick claims up to one batch of due jobs and runs them to completion
	// or failure. Ticks never overlap.
	Tick(ctx context.Context) (TickResult, error)

	// TriggerCampaign seeds one immediate job per recurring start node of
	// an active campaign's flow and returns the new job ids.
	TriggerCampaign(ctx context.Context, campaignID string) ([]string, error)

	// StartCampaign marks a campaign active and triggers it.
	StartCampaign(ctx context.Context, campaignID string) ([]string, error)

	// PauseCampaign marks a campaign paused; recurring nodes stop re-arming.
	PauseCampaign(ctx context.Context, campaignID string) error

	// ResolveIntervention re-enqueues a job that failed because its
	// capability was blocked pending human action.
	ResolveIntervention(ctx context.Context, jobID string) (string, error)

	// RecoverStuckJobs resets jobs left running by a crashed process back
	// to pending. Call it on startup before the tick loop starts.
	RecoverStuckJobs(ctx context.Context) (int, error)
}
