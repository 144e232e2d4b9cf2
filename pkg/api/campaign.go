package api

import (
	"strings"
	"time"
)

// CampaignStatus is the user-facing lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignIdle    CampaignStatus = "idle"
	CampaignActive  CampaignStatus = "active"
	CampaignRunning CampaignStatus = "running"
	CampaignPaused  CampaignStatus = "paused"
	CampaignDone    CampaignStatus = "done"
	CampaignError   CampaignStatus = "error"
)

// VariablesKey is the params entry holding engine-managed variables.
const VariablesKey = "variables"

// Counter names the denormalized campaign counters.
type Counter string

const (
	CounterQueued     Counter = "queued"
	CounterDownloaded Counter = "downloaded"
	CounterPublished  Counter = "published"
	CounterFailed     Counter = "failed"
)

// Counters are maintained by capabilities and the engine for display.
type Counters struct {
	Queued     int64
	Downloaded int64
	Published  int64
	Failed     int64
}

// Campaign is one user-created, stateful run of a flow.
type Campaign struct {
	ID         string
	WorkflowID string
	Name       string
	Status     CampaignStatus

	// Params holds user configuration, per-instance config overrides keyed
	// by instance id, and engine variables under VariablesKey.
	Params map[string]any

	// Version increments on every params write.
	Version int64

	Counters Counters

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the campaign should keep producing work.
func (c *Campaign) IsActive() bool {
	return c.Status == CampaignActive || c.Status == CampaignRunning
}

// Variables returns a copy of the engine-managed variables bag.
func (c *Campaign) Variables() map[string]any {
	out := map[string]any{}
	if c == nil || c.Params == nil {
		return out
	}
	if vars, ok := c.Params[VariablesKey].(map[string]any); ok {
		for k, v := range vars {
			out[k] = v
		}
	}
	return out
}

// InstanceOverrides returns the per-instance configuration override map
// stored in params, if any.
func (c *Campaign) InstanceOverrides(instanceID string) map[string]any {
	if c == nil || c.Params == nil {
		return nil
	}
	m, _ := c.Params[instanceID].(map[string]any)
	return m
}

// Clone returns a copy whose Params map can be modified independently at
// the top level and within the variables bag.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Params = make(map[string]any, len(c.Params))
	for k, v := range c.Params {
		cp.Params[k] = v
	}
	if _, ok := c.Params[VariablesKey].(map[string]any); ok {
		cp.Params[VariablesKey] = c.Variables()
	}
	return &cp
}

// Fields exposes the campaign as a lookup tree: its own fields first, then
// params, so that "schedule.interval_minutes" reaches into params.
func (c *Campaign) Fields() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(c.Params)+6)
	for k, v := range c.Params {
		out[k] = v
	}
	out["id"] = c.ID
	out["workflow_id"] = c.WorkflowID
	out["name"] = c.Name
	out["status"] = string(c.Status)
	out["params"] = c.Params
	out["counters"] = map[string]any{
		"queued":     c.Counters.Queued,
		"downloaded": c.Counters.Downloaded,
		"published":  c.Counters.Published,
		"failed":     c.Counters.Failed,
	}
	return out
}

// TrimCampaignPath strips an optional "campaign." prefix.
func TrimCampaignPath(path string) string {
	return strings.TrimPrefix(path, "campaign.")
}
