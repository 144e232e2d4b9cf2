package nodes

import (
	"context"
	"log/slog"

	"github.com/petrijr/flowpipe/internal/persistence"
	"github.com/petrijr/flowpipe/pkg/api"
)

// Deduplicator drops items whose platform_id was already seen in the batch
// and, with check_db, items the campaign has already published.
type Deduplicator struct {
	items persistence.ItemStore
}

type dedupConfig struct {
	CheckDB bool `json:"check_db"`
}

func (d *Deduplicator) Execute(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
	cfg := dedupConfig{CheckDB: true}
	if err := decodeConfig(in.Params, &cfg); err != nil {
		return nil, err
	}
	items, err := itemList(in.Data)
	if err != nil {
		return nil, err
	}

	skip := map[string]struct{}{}
	if cfg.CheckDB && d.items != nil && in.Exec != nil && in.Exec.CampaignID() != "" {
		ids, err := d.items.PublishedIDs(ctx, in.Exec.CampaignID())
		if err != nil {
			// The ledger is advisory; the batch still passes the in-memory check.
			logger(in).ErrorContext(ctx, "dedup_ledger_failed", slog.Any("error", err))
		}
		for _, id := range ids {
			skip[id] = struct{}{}
		}
	}

	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		id := stringField(it, "platform_id")
		if _, dup := skip[id]; dup {
			continue
		}
		skip[id] = struct{}{}
		out = append(out, it)
	}
	logger(in).InfoContext(ctx, "dedup", slog.Int("in", len(items)), slog.Int("out", len(out)))
	return batch(out), nil
}

// Limit keeps the first max items.
type Limit struct{}

type limitConfig struct {
	Max int `json:"max"`
}

func (Limit) Execute(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
	cfg := limitConfig{Max: 100}
	if err := decodeConfig(in.Params, &cfg); err != nil {
		return nil, err
	}
	items, err := itemList(in.Data)
	if err != nil {
		return nil, err
	}
	out := items
	if cfg.Max >= 0 && len(out) > cfg.Max {
		out = out[:cfg.Max]
	}
	logger(in).InfoContext(ctx, "limit", slog.Int("in", len(items)), slog.Int("out", len(out)))
	return batch(out), nil
}

// QualityFilter keeps items meeting view, like and duration thresholds. A
// zero threshold is disabled.
type QualityFilter struct{}

type qualityConfig struct {
	MinViews           float64 `json:"min_views"`
	MinLikes           float64 `json:"min_likes"`
	MinDurationSeconds float64 `json:"min_duration_seconds"`
	MaxDurationSeconds float64 `json:"max_duration_seconds"`
}

func (QualityFilter) Execute(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
	var cfg qualityConfig
	if err := decodeConfig(in.Params, &cfg); err != nil {
		return nil, err
	}
	items, err := itemList(in.Data)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if cfg.passes(it) {
			out = append(out, it)
		}
	}
	logger(in).InfoContext(ctx, "quality_filter", slog.Int("in", len(items)), slog.Int("out", len(out)))
	return batch(out), nil
}

func (c qualityConfig) passes(it map[string]any) bool {
	duration := numberField(it, "duration_seconds")
	switch {
	case c.MinViews > 0 && numberField(it, "stats.views") < c.MinViews:
		return false
	case c.MinLikes > 0 && numberField(it, "stats.likes") < c.MinLikes:
		return false
	case c.MinDurationSeconds > 0 && duration < c.MinDurationSeconds:
		return false
	case c.MaxDurationSeconds > 0 && duration > c.MaxDurationSeconds:
		return false
	}
	return true
}
