package api

import "time"

// ItemStatus tracks a content item through download and publish.
type ItemStatus string

const (
	ItemDiscovered ItemStatus = "discovered"
	ItemDownloaded ItemStatus = "downloaded"
	ItemPublished  ItemStatus = "published"
	ItemFailed     ItemStatus = "failed"
)

// Item is one entry of the per-campaign content ledger, keyed by the
// platform id of the source item.
type Item struct {
	CampaignID string
	PlatformID string
	Status     ItemStatus
	Title      string
	URL        string
	LocalPath  string
	Meta       map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
