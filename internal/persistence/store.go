// Package persistence stores campaigns, the content item ledger and the
// event history. Jobs live in internal/jobqueue.
package persistence

import (
	"context"

	"github.com/petrijr/flowpipe/pkg/api"
)

// CampaignFilter selects campaigns. Zero fields match everything.
type CampaignFilter struct {
	WorkflowID string
	Status     api.CampaignStatus
}

// CampaignStore persists campaigns. Params writes are versioned so that
// concurrent writers detect each other instead of overwriting.
type CampaignStore interface {
	// Create stores c with Version 1. An empty ID is replaced by a uuid and
	// an empty Status by idle.
	Create(ctx context.Context, c *api.Campaign) error
	Get(ctx context.Context, id string) (*api.Campaign, error)
	List(ctx context.Context, f CampaignFilter) ([]*api.Campaign, error)
	UpdateStatus(ctx context.Context, id string, status api.CampaignStatus) error

	// UpdateParams replaces params if the stored version equals
	// expectedVersion and returns the new version. A mismatch returns
	// api.ErrVersionConflict.
	UpdateParams(ctx context.Context, id string, expectedVersion int64, params map[string]any) (int64, error)

	IncrementCounter(ctx context.Context, id string, counter api.Counter, delta int64) error
}

// ItemStore is the per-campaign content ledger.
type ItemStore interface {
	// Record inserts or updates the item identified by campaign and
	// platform id. Empty fields of it do not overwrite stored values.
	Record(ctx context.Context, it api.Item) error
	MarkStatus(ctx context.Context, campaignID, platformID string, status api.ItemStatus) error
	// PublishedIDs returns the platform ids already published by a campaign.
	PublishedIDs(ctx context.Context, campaignID string) ([]string, error)
	List(ctx context.Context, campaignID string) ([]api.Item, error)
}

// EventStore is an append-only history of notifications per campaign.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.Event) error
	ListEvents(ctx context.Context, campaignID string, limit int) ([]api.Event, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.Event) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, campaignID string, limit int) ([]api.Event, error) {
	return nil, nil
}
