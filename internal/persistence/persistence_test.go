package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowpipe/pkg/api"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "flowpipe.db") + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

type backend struct {
	name string
	new  func(t *testing.T) *Persistence
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) *Persistence { return NewInMemory() }},
		{"sqlite", func(t *testing.T) *Persistence {
			p, err := NewSQLite(newTestDB(t))
			if err != nil {
				t.Fatalf("NewSQLite failed: %v", err)
			}
			return p
		}},
	}
}

func TestCampaignStore_CreateGetList(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t).Campaigns

			c := &api.Campaign{
				WorkflowID: "tiktok-repost",
				Name:       "kamp",
				Params: map[string]any{
					"schedule":  map[string]any{"interval_minutes": 15},
					"scanner_1": map[string]any{"limit": 5},
				},
			}
			require.NoError(t, s.Create(ctx, c))
			require.NotEmpty(t, c.ID)
			require.Equal(t, api.CampaignIdle, c.Status)
			require.Equal(t, int64(1), c.Version)

			require.NoError(t, s.Create(ctx, &api.Campaign{ID: "other", WorkflowID: "x", Status: api.CampaignActive}))

			got, err := s.Get(ctx, c.ID)
			require.NoError(t, err)
			require.Equal(t, "kamp", got.Name)
			require.Equal(t, map[string]any{"interval_minutes": float64(15)}, got.Params["schedule"])

			all, err := s.List(ctx, CampaignFilter{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			require.Equal(t, c.ID, all[0].ID)

			active, err := s.List(ctx, CampaignFilter{Status: api.CampaignActive})
			require.NoError(t, err)
			require.Len(t, active, 1)
			require.Equal(t, "other", active[0].ID)

			byFlow, err := s.List(ctx, CampaignFilter{WorkflowID: "tiktok-repost"})
			require.NoError(t, err)
			require.Len(t, byFlow, 1)

			_, err = s.Get(ctx, "missing")
			require.ErrorIs(t, err, api.ErrCampaignNotFound)
		})
	}
}

func TestCampaignStore_ReturnedParamsAreCopies(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t).Campaigns
			require.NoError(t, s.Create(ctx, &api.Campaign{ID: "c", WorkflowID: "w", Params: map[string]any{"a": "b"}}))

			got, err := s.Get(ctx, "c")
			require.NoError(t, err)
			got.Params["a"] = "mutated"

			again, err := s.Get(ctx, "c")
			require.NoError(t, err)
			require.Equal(t, "b", again.Params["a"])
		})
	}
}

func TestCampaignStore_UpdateParamsCompareAndSwap(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t).Campaigns
			require.NoError(t, s.Create(ctx, &api.Campaign{ID: "c", WorkflowID: "w"}))

			v, err := s.UpdateParams(ctx, "c", 1, map[string]any{api.VariablesKey: map[string]any{"n": 1}})
			require.NoError(t, err)
			require.Equal(t, int64(2), v)

			_, err = s.UpdateParams(ctx, "c", 1, map[string]any{"stale": true})
			require.ErrorIs(t, err, api.ErrVersionConflict)

			got, err := s.Get(ctx, "c")
			require.NoError(t, err)
			require.Equal(t, int64(2), got.Version)
			require.Equal(t, map[string]any{"n": float64(1)}, got.Variables())

			_, err = s.UpdateParams(ctx, "missing", 1, nil)
			require.ErrorIs(t, err, api.ErrCampaignNotFound)
		})
	}
}

// Concurrent writers with the same expected version: exactly one wins.
func TestCampaignStore_ConcurrentWritersDetected(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t).Campaigns
			require.NoError(t, s.Create(ctx, &api.Campaign{ID: "c", WorkflowID: "w"}))

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				wins      int
				conflicts int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.UpdateParams(ctx, "c", 1, map[string]any{"writer": i})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case errors.Is(err, api.ErrVersionConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()
			require.Equal(t, 1, wins)
			require.Equal(t, 7, conflicts)
		})
	}
}

func TestCampaignStore_StatusAndCounters(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t).Campaigns
			require.NoError(t, s.Create(ctx, &api.Campaign{ID: "c", WorkflowID: "w"}))

			require.NoError(t, s.UpdateStatus(ctx, "c", api.CampaignActive))
			require.NoError(t, s.IncrementCounter(ctx, "c", api.CounterQueued, 3))
			require.NoError(t, s.IncrementCounter(ctx, "c", api.CounterQueued, 2))
			require.NoError(t, s.IncrementCounter(ctx, "c", api.CounterPublished, 1))
			require.Error(t, s.IncrementCounter(ctx, "c", api.Counter("bogus"), 1))
			require.ErrorIs(t, s.UpdateStatus(ctx, "missing", api.CampaignPaused), api.ErrCampaignNotFound)

			got, err := s.Get(ctx, "c")
			require.NoError(t, err)
			require.Equal(t, api.CampaignActive, got.Status)
			require.Equal(t, int64(5), got.Counters.Queued)
			require.Equal(t, int64(1), got.Counters.Published)
			require.Equal(t, int64(1), got.Version, "status and counters do not bump the params version")
		})
	}
}

func TestItemStore_RecordMergesAndPublishedIDs(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t).Items

			require.NoError(t, s.Record(ctx, api.Item{CampaignID: "c", PlatformID: "v2", Title: "second"}))
			require.NoError(t, s.Record(ctx, api.Item{CampaignID: "c", PlatformID: "v1", URL: "https://x/v1", Meta: map[string]any{"views": 10}}))
			require.NoError(t, s.Record(ctx, api.Item{CampaignID: "c", PlatformID: "v1", Status: api.ItemDownloaded, LocalPath: "/tmp/v1.mp4"}))
			require.NoError(t, s.MarkStatus(ctx, "c", "v1", api.ItemPublished))
			require.NoError(t, s.MarkStatus(ctx, "other", "v9", api.ItemPublished))
			require.Error(t, s.Record(ctx, api.Item{CampaignID: "c"}))

			ids, err := s.PublishedIDs(ctx, "c")
			require.NoError(t, err)
			require.Equal(t, []string{"v1"}, ids)

			items, err := s.List(ctx, "c")
			require.NoError(t, err)
			require.Len(t, items, 2)
			v1 := items[0]
			require.Equal(t, "v1", v1.PlatformID)
			require.Equal(t, api.ItemPublished, v1.Status)
			require.Equal(t, "https://x/v1", v1.URL)
			require.Equal(t, "/tmp/v1.mp4", v1.LocalPath)
			require.EqualValues(t, 10, v1.Meta["views"])
			require.Equal(t, api.ItemDiscovered, items[1].Status)
		})
	}
}

func TestEventStore_AppendAndList(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			p := b.new(t)
			rec := Recorder(p.Events, nil)

			rec.Emit(ctx, api.Event{Type: api.EventNodeStart, CampaignID: "c", NodeID: "scan_1"})
			rec.Emit(ctx, api.Event{Type: api.EventNodeDone, CampaignID: "c", NodeID: "scan_1", Data: map[string]any{"count": 2}})
			rec.Emit(ctx, api.Event{Type: api.EventPipelineInfo, CampaignID: "d"})
			rec.Emit(ctx, api.Event{Type: api.EventPipelineDone, CampaignID: "c"})

			evs, err := p.Events.ListEvents(ctx, "c", 0)
			require.NoError(t, err)
			require.Len(t, evs, 3)
			require.Equal(t, api.EventNodeStart, evs[0].Type)
			require.False(t, evs[0].At.IsZero())

			last, err := p.Events.ListEvents(ctx, "c", 2)
			require.NoError(t, err)
			require.Len(t, last, 2)
			require.Equal(t, api.EventNodeDone, last[0].Type)
			require.EqualValues(t, 2, last[0].Data["count"])
			require.Equal(t, api.EventPipelineDone, last[1].Type)

			every, err := p.Events.ListEvents(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, every, 4)
		})
	}
}
