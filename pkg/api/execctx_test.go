package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCampaign() *Campaign {
	return &Campaign{
		ID:         "kamp",
		WorkflowID: "tiktok_repost",
		Name:       "Kamp",
		Status:     CampaignActive,
		Params: map[string]any{
			"schedule":  map[string]any{"interval_minutes": 15.0},
			"variables": map[string]any{"last_scanned_at": "2024-01-01T00:00:00Z"},
		},
	}
}

func TestExecContext_SeedsVariablesFromCampaign(t *testing.T) {
	c := NewExecContext(testCampaign())
	v, ok := c.Get("last_scanned_at")
	require.True(t, ok)
	require.Equal(t, "2024-01-01T00:00:00Z", v)
	require.False(t, c.Dirty())

	c.Set("count", 5)
	require.True(t, c.Dirty())
	c.ClearDirty()
	require.False(t, c.Dirty())
}

func TestExecContext_TracksWrittenKeys(t *testing.T) {
	c := NewExecContext(testCampaign())
	require.Empty(t, c.Written())

	c.Set("cursor", "new")
	c.Merge(map[string]any{"rotation": 2})
	require.Equal(t, map[string]any{"cursor": "new", "rotation": 2}, c.Written())

	c.Rebase(map[string]any{"cursor": "new", "rotation": 2, "other": "kept"})
	require.False(t, c.Dirty())
	require.Empty(t, c.Written())
	v, ok := c.Get("other")
	require.True(t, ok)
	require.Equal(t, "kept", v)

	c.Set("cursor", "newer")
	c.ClearDirty()
	require.Empty(t, c.Written())
}

func TestExecContext_ResolvePaths(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	c := NewExecContext(testCampaign(),
		WithVariables(map[string]any{"count": 5, "var1": "hello"}),
		WithJob("job-1", "scanner_1"),
		WithClock(func() time.Time { return now }),
	)
	c.IncPosted()
	c.IncPosted()

	require.Equal(t, "kamp", c.Resolve("{{campaign.id}}"))
	require.Equal(t, 5, c.Resolve("{{count}}"))
	require.Nil(t, c.Resolve("{{missingVar}}"))
	require.Equal(t, "xy", c.Resolve("x{{missingVar}}y"))
	require.Equal(t, "hello kamp", c.Resolve("{{var1}} {{campaign.id}}"))
	require.Equal(t, 15.0, c.Resolve("{{campaign.schedule.interval_minutes}}"))
	require.Equal(t, "active", c.Resolve("{{campaign.status}}"))
	require.Equal(t, 2, c.Resolve("{{context.stats.posted}}"))
	require.Equal(t, "job-1", c.Resolve("{{context.job_id}}"))
	require.Equal(t, now, c.Resolve("{{now}}"))
	require.Equal(t, "2024-05-01", c.Resolve("{{ now | date(YYYY-MM-DD) }}"))
}

func TestExecContext_WithoutCampaign(t *testing.T) {
	c := NewExecContext(nil)
	require.Nil(t, c.Resolve("{{campaign.id}}"))
	require.Equal(t, "", c.CampaignID())
	require.Empty(t, c.Variables())
}

func TestExecContext_EmitStampsIdentity(t *testing.T) {
	var got []Event
	var mu sync.Mutex
	em := EmitterFunc(func(ctx context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	c := NewExecContext(testCampaign(), WithEmitter(em), WithJob("job-9", "publisher_1"))

	c.Emit(context.Background(), EventNodeStart, "publisher_1", nil)
	c.Progress(context.Background(), "Publishing...")

	require.Len(t, got, 2)
	require.Equal(t, EventNodeStart, got[0].Type)
	require.Equal(t, "kamp", got[0].CampaignID)
	require.Equal(t, "job-9", got[0].JobID)
	require.Equal(t, EventPipelineInfo, got[1].Type)
	require.Equal(t, "Publishing...", got[1].Data["message"])
}

func TestExecContext_ConcurrentWrites(t *testing.T) {
	c := NewExecContext(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Set("k", i)
			c.IncFailed()
			_ = c.Resolve("{{k}}")
		}(i)
	}
	wg.Wait()
	require.Equal(t, 50, c.Stats().Failed)
}

func TestCampaign_CloneIsolatesVariables(t *testing.T) {
	orig := testCampaign()
	cp := orig.Clone()
	cp.Params[VariablesKey].(map[string]any)["x"] = 1
	cp.Params["new"] = true

	_, leaked := orig.Variables()["x"]
	require.False(t, leaked)
	_, leaked = orig.Params["new"]
	require.False(t, leaked)
}
