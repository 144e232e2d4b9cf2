package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/petrijr/flowpipe/pkg/api"
)

// LastScannedKey is the variable the scanner stamps after every scan.
const LastScannedKey = "last_scanned_at"

// Scanner collects items from the configured sources through the
// Connector. A source that fails is logged and skipped.
type Scanner struct {
	connector Connector
}

type scannerConfig struct {
	Sources   []Source `json:"sources"`
	TimeRange string   `json:"time_range"`
	MaxVideos int      `json:"max_videos"`
	SortOrder string   `json:"sort_order"`
	Platform  string   `json:"platform"`
}

func (s *Scanner) Execute(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
	if s.connector == nil {
		return nil, errors.New("scanner: no connector configured")
	}
	cfg := scannerConfig{TimeRange: "history_and_future", MaxVideos: 50, SortOrder: "newest", Platform: "tiktok"}
	if err := decodeConfig(in.Params, &cfg); err != nil {
		return nil, err
	}

	var since string
	if in.Exec != nil {
		if v, ok := in.Exec.Get(LastScannedKey); ok {
			since, _ = v.(string)
		}
	}
	opts := ScanOptions{
		Limit:          cfg.MaxVideos,
		IncludeHistory: cfg.TimeRange != "future_only",
		Since:          since,
	}

	var items []map[string]any
	for _, src := range cfg.Sources {
		if src.Name == "" {
			continue
		}
		if in.Exec != nil {
			in.Exec.Progress(ctx, fmt.Sprintf("Scanning %s: %s", src.Type, src.Name))
		}
		var (
			videos []Video
			err    error
		)
		if src.Type == SourceChannel {
			videos, err = s.connector.ScanChannel(ctx, src.Name, opts)
		} else {
			videos, err = s.connector.ScanKeyword(ctx, src.Name, opts)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger(in).ErrorContext(ctx, "scan_source_failed",
				slog.String("source", src.Name),
				slog.Any("error", err),
			)
			continue
		}
		for _, v := range videos {
			items = append(items, videoItem(v, src, cfg.Platform))
		}
	}
	sortItems(items, cfg.SortOrder)

	if in.Exec != nil {
		in.Exec.Set(LastScannedKey, in.Exec.Now().UTC().Format(time.RFC3339))
	}
	return batch(items), nil
}

func videoItem(v Video, src Source, platform string) map[string]any {
	url := v.URL
	if url == "" {
		url = fmt.Sprintf("https://www.tiktok.com/@%s/video/%s", src.Name, v.PlatformID)
	}
	published := v.CreatedAt
	if published.IsZero() {
		published = time.Now()
	}
	tags := make([]any, len(v.Tags))
	for i, t := range v.Tags {
		tags[i] = t
	}
	item := map[string]any{
		"id":              v.PlatformID,
		"platform_id":     v.PlatformID,
		"source_platform": platform,
		"url":             url,
		"thumbnail":       v.Thumbnail,
		"description":     v.Description,
		"author":          src.Name,
		"tags":            tags,
		"stats": map[string]any{
			"views": float64(v.Views),
			"likes": float64(v.Likes),
		},
		"published_at": published.UTC().Format(time.RFC3339),
		"source_meta": map[string]any{
			"source_type": src.Type,
			"source_name": src.Name,
		},
	}
	if v.DurationSeconds > 0 {
		item["duration_seconds"] = v.DurationSeconds
	}
	return item
}

func sortItems(items []map[string]any, order string) {
	var less func(a, b map[string]any) bool
	switch order {
	case "newest":
		less = func(a, b map[string]any) bool {
			return strings.Compare(stringField(a, "platform_id"), stringField(b, "platform_id")) > 0
		}
	case "oldest":
		less = func(a, b map[string]any) bool {
			return strings.Compare(stringField(a, "platform_id"), stringField(b, "platform_id")) < 0
		}
	case "most_likes":
		less = func(a, b map[string]any) bool {
			return numberField(a, "stats.likes") > numberField(b, "stats.likes")
		}
	case "most_viewed":
		less = func(a, b map[string]any) bool {
			return numberField(a, "stats.views") > numberField(b, "stats.views")
		}
	default:
		return
	}
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
}
