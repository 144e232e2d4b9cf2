package nodes

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/petrijr/flowpipe/internal/persistence"
	"github.com/petrijr/flowpipe/pkg/api"
)

// Variables kept by ScheduleSlot between iterations.
const (
	lastSlotKey   = "_last_slot"
	postsTodayKey = "_posts_today"
)

// ScheduleSlot allocates publish slots gap_minutes apart, moving to 09:00
// of the next day once max_per_day slots were handed out.
type ScheduleSlot struct{}

type slotConfig struct {
	GapMinutes float64 `json:"gap_minutes"`
	MaxPerDay  int     `json:"max_per_day"`
}

func (ScheduleSlot) Execute(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
	if in.Exec == nil {
		return nil, errors.New("schedule slot needs an execution context")
	}
	cfg := slotConfig{GapMinutes: 60, MaxPerDay: 5}
	if err := decodeConfig(in.Params, &cfg); err != nil {
		return nil, err
	}
	if cfg.GapMinutes <= 0 {
		cfg.GapMinutes = 60
	}
	if cfg.MaxPerDay <= 0 {
		cfg.MaxPerDay = 5
	}

	now := in.Exec.Now()
	last := now
	if v, ok := in.Exec.Get(lastSlotKey); ok {
		if ms, ok := toFloat(v); ok {
			last = time.UnixMilli(int64(ms)).In(now.Location())
		}
	}
	var posts int
	if v, ok := in.Exec.Get(postsTodayKey); ok {
		f, _ := toFloat(v)
		posts = int(f)
	}

	slot := NextSlot(last, posts, cfg.GapMinutes, cfg.MaxPerDay)
	if posts >= cfg.MaxPerDay {
		posts = 0
	}
	posts++
	in.Exec.Set(lastSlotKey, slot.UnixMilli())
	in.Exec.Set(postsTodayKey, posts)

	return &api.NodeResult{
		Status: "scheduled",
		Data: map[string]any{
			"scheduled_at":    slot.Format(time.RFC3339),
			"scheduled_at_ms": slot.UnixMilli(),
		},
	}, nil
}

// NextSlot returns the slot after last given the posts already allocated on
// last's day.
func NextSlot(last time.Time, postsToday int, gapMinutes float64, maxPerDay int) time.Time {
	if postsToday >= maxPerDay {
		y, m, d := last.Date()
		return time.Date(y, m, d+1, 9, 0, 0, 0, last.Location())
	}
	return last.Add(time.Duration(gapMinutes * float64(time.Minute)))
}

// StatusUpdate reports an item status change as a pipeline:update event and
// writes it to the ledger.
type StatusUpdate struct {
	items persistence.ItemStore
}

type statusConfig struct {
	Status  string `json:"status"`
	VideoID string `json:"video_id"`
}

func (s *StatusUpdate) Execute(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
	var cfg statusConfig
	if err := decodeConfig(in.Params, &cfg); err != nil {
		return nil, err
	}
	if cfg.Status == "" {
		return nil, errors.New("status is required")
	}
	if in.Exec != nil {
		in.Exec.Emit(ctx, api.EventPipelineUpdate, in.Exec.InstanceID(), map[string]any{
			"video_id": cfg.VideoID,
			"status":   cfg.Status,
		})
		if s.items != nil && cfg.VideoID != "" && in.Exec.CampaignID() != "" {
			if err := s.items.MarkStatus(ctx, in.Exec.CampaignID(), cfg.VideoID, api.ItemStatus(cfg.Status)); err != nil {
				return nil, fmt.Errorf("mark %s %s: %w", cfg.VideoID, cfg.Status, err)
			}
		}
	}
	return &api.NodeResult{Status: "updated"}, nil
}

// FileCleanup removes local files once they are no longer needed. Missing
// files are ignored; failures are reported as events, not errors.
type FileCleanup struct{}

type cleanupConfig struct {
	Path  string   `json:"path"`
	Paths []string `json:"paths"`
}

func (FileCleanup) Execute(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
	var cfg cleanupConfig
	if err := decodeConfig(in.Params, &cfg); err != nil {
		return nil, err
	}
	paths := cfg.Paths
	if len(paths) == 0 && cfg.Path != "" {
		paths = []string{cfg.Path}
	}

	var removed int
	for _, p := range paths {
		if p == "" {
			continue
		}
		err := os.Remove(p)
		switch {
		case err == nil:
			removed++
			if in.Exec != nil {
				in.Exec.Progress(ctx, "Cleaned up "+p)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			if in.Exec != nil {
				in.Exec.Emit(ctx, api.EventPipelineError, in.Exec.InstanceID(), map[string]any{
					"error": fmt.Sprintf("failed to clean up %s: %v", p, err),
				})
			}
		}
	}
	return &api.NodeResult{Status: "cleaned", Data: map[string]any{"removed": removed}}, nil
}
