// Package nodes registers the built-in capabilities of a content pipeline:
// filters, caption generation, scanning, downloading, publishing and a few
// pipeline helpers.
//
// Every capability reads its configuration from the resolved params and
// works on items represented as map[string]any, so that a node's output can
// be stored in a job, walked by templates and consumed by the next node
// without conversion.
package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"

	"github.com/petrijr/flowpipe/internal/persistence"
	"github.com/petrijr/flowpipe/internal/template"
	"github.com/petrijr/flowpipe/internal/xjson"
	"github.com/petrijr/flowpipe/pkg/api"
)

// Node type keys.
const (
	TypeDeduplicator  = "core.deduplicator"
	TypeLimit         = "core.limit"
	TypeQualityFilter = "core.quality_filter"
	TypeCaptionGen    = "core.caption_gen"
	TypeScanner       = "source.scanner"
	TypeDownloader    = "core.downloader"
	TypePublisher     = "publisher"
	TypeScheduleSlot  = "core.schedule_slot"
	TypeStatusUpdate  = "core.status_update"
	TypeFileCleanup   = "core.file_cleanup"
)

// aliases maps platform-specific type keys used by existing flow files to
// the generic capability.
var aliases = map[string]string{
	"tiktok.scanner":   TypeScanner,
	"tiktok.publisher": TypePublisher,
}

// Deps are the collaborators the built-in nodes reach. Nil stores disable
// the ledger and counter updates; a nil Connector disables the nodes that
// need the platform.
type Deps struct {
	Items     persistence.ItemStore
	Campaigns persistence.CampaignStore
	Connector Connector
	Accounts  AccountStore

	// Rand returns a value in [0, 1) for random account rotation.
	Rand func() float64
}

// Register adds every built-in capability to reg.
func Register(reg *api.Registry, deps Deps) error {
	if deps.Rand == nil {
		deps.Rand = rand.Float64
	}
	factories := map[string]api.Factory{
		TypeDeduplicator:  func() api.Capability { return &Deduplicator{items: deps.Items} },
		TypeLimit:         func() api.Capability { return Limit{} },
		TypeQualityFilter: func() api.Capability { return QualityFilter{} },
		TypeCaptionGen:    func() api.Capability { return CaptionGen{} },
		TypeScanner:       func() api.Capability { return &Scanner{connector: deps.Connector} },
		TypeDownloader: func() api.Capability {
			return &Downloader{connector: deps.Connector, items: deps.Items, campaigns: deps.Campaigns}
		},
		TypePublisher: func() api.Capability {
			return &Publisher{
				connector: deps.Connector,
				accounts:  deps.Accounts,
				items:     deps.Items,
				campaigns: deps.Campaigns,
				rand:      deps.Rand,
			}
		},
		TypeScheduleSlot: func() api.Capability { return ScheduleSlot{} },
		TypeStatusUpdate: func() api.Capability { return &StatusUpdate{items: deps.Items} },
		TypeFileCleanup:  func() api.Capability { return FileCleanup{} },
	}
	for nodeType, f := range factories {
		if err := reg.Register(nodeType, f); err != nil {
			return err
		}
	}
	for alias, target := range aliases {
		if err := reg.Register(alias, factories[target]); err != nil {
			return err
		}
	}
	return nil
}

// decodeConfig fills cfg, which carries its defaults, from params.
func decodeConfig(params map[string]any, cfg any) error {
	if len(params) == 0 {
		return nil
	}
	b, err := xjson.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := xjson.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// itemList normalizes upstream data into a list of items. Nil is an empty
// list; a single map is a list of one.
func itemList(data any) ([]map[string]any, error) {
	switch t := data.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []map[string]any{t}, nil
	case []map[string]any:
		return t, nil
	case []any:
		out := make([]map[string]any, 0, len(t))
		for i, v := range t {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("item %d is %T, not an object", i, v)
			}
			out = append(out, m)
		}
		return out, nil
	}
	var out []map[string]any
	b, err := xjson.Marshal(data)
	if err != nil {
		return nil, err
	}
	if err := xjson.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("items must be a list of objects: %w", err)
	}
	return out, nil
}

// batch wraps items as a fan-out result. An empty list reports
// api.ResultEmpty so that chains short-circuit when nothing is left.
func batch(items []map[string]any) *api.NodeResult {
	data := make([]any, len(items))
	for i, it := range items {
		data[i] = it
	}
	res := api.Batch(data)
	if len(items) == 0 {
		res.Status = api.ResultEmpty
	}
	return res
}

func single(item map[string]any) *api.NodeResult {
	return &api.NodeResult{Status: api.ResultOK, Data: item, EmitMode: api.EmitEach}
}

// singleItem extracts one item from upstream data.
func singleItem(data any) (map[string]any, error) {
	switch t := data.(type) {
	case nil:
		return nil, fmt.Errorf("input item is missing")
	case map[string]any:
		return t, nil
	}
	items, err := itemList(data)
	if err != nil {
		return nil, err
	}
	if len(items) != 1 {
		return nil, fmt.Errorf("expected one item, got %d", len(items))
	}
	return items[0], nil
}

func copyItem(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// field reads a dotted path from an item.
func field(item map[string]any, path string) any {
	v, _ := template.Walk(item, template.SplitPath(path))
	return v
}

func stringField(item map[string]any, path string) string {
	switch v := field(item, path).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return template.Stringify(v)
	}
}

// numberField reads a numeric path; missing or non-numeric values are 0.
func numberField(item map[string]any, path string) float64 {
	f, _ := toFloat(field(item, path))
	return f
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func incrementCounter(ctx context.Context, store persistence.CampaignStore, ec *api.ExecContext, counter api.Counter) {
	if store == nil || ec == nil || ec.CampaignID() == "" {
		return
	}
	if err := store.IncrementCounter(ctx, ec.CampaignID(), counter, 1); err != nil {
		ec.Logger().WarnContext(ctx, "counter_update_failed", slog.String("counter", string(counter)), slog.Any("error", err))
	}
}

func recordItem(ctx context.Context, store persistence.ItemStore, ec *api.ExecContext, it api.Item) {
	if store == nil || ec == nil || ec.CampaignID() == "" || it.PlatformID == "" {
		return
	}
	it.CampaignID = ec.CampaignID()
	if err := store.Record(ctx, it); err != nil {
		ec.Logger().WarnContext(ctx, "item_record_failed", slog.String("platform_id", it.PlatformID), slog.Any("error", err))
	}
}

func logger(in api.NodeInput) *slog.Logger {
	if in.Exec == nil {
		return slog.Default()
	}
	return in.Exec.Logger()
}
