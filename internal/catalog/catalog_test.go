package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowpipe/pkg/api"
)

func TestParse_NormalizesExecution(t *testing.T) {
	data, err := os.ReadFile("testdata/tiktok_repost.flow.yaml")
	require.NoError(t, err)

	def, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, "tiktok_repost", def.ID)
	require.Equal(t, "1.0", def.Version)
	require.Len(t, def.Nodes, 5)
	require.Len(t, def.Edges, 4)

	scanner, _ := def.Node("scanner_1")
	require.Equal(t, api.StrategyScheduledRecurring, scanner.Execution.Strategy)
	require.Equal(t, api.DefaultRecurringJobType, scanner.Execution.JobType)
	require.Equal(t, "campaign_start", scanner.Execution.Recurring.InitialTrigger)
	require.Equal(t, "reschedule_from_now", scanner.Execution.Recurring.OnResume)
	require.Equal(t, "campaign.schedule.interval_minutes", scanner.Execution.Recurring.RepeatAfter.Source)
	require.Equal(t, "minutes", scanner.Execution.Recurring.RepeatAfter.Unit)
	require.Equal(t, 50, scanner.Config["max_videos"])

	dedup, _ := def.Node("dedup_1")
	require.Equal(t, api.StrategyInline, dedup.Execution.Strategy)

	quality, _ := def.Node("quality_1")
	require.NotNil(t, quality.Config, "config defaults to an empty map")

	dl, _ := def.Node("downloader_1")
	require.Equal(t, api.DefaultPerItemJobType, dl.Execution.JobType)
	require.True(t, dl.Execution.PerItem.RespectDailyWindow)
	require.Equal(t, 1000.0, dl.Execution.PerItem.Gap.FixedValue)
	require.Equal(t, api.RetryPolicy{
		Max:       5,
		Backoff:   api.BackoffExponential,
		BaseDelay: 10 * time.Second,
		MaxDelay:  5 * time.Minute,
	}, dl.Execution.PerItem.Retry)

	pub, _ := def.Node("publisher_1")
	require.False(t, pub.Execution.PerItem.RespectDailyWindow)
	require.Equal(t, "downloader_1", pub.Execution.PerItem.DependsOn)
	require.Equal(t, "immediately_after", pub.Execution.PerItem.CreateDownstreamJob)
	require.Equal(t, 3, pub.Execution.PerItem.Retry.Max)
	require.Equal(t, api.BackoffLinear, pub.Execution.PerItem.Retry.Backoff)
	require.Equal(t, 30*time.Second, pub.Execution.PerItem.Retry.BaseDelay)

	require.Equal(t, "Reposts the newest videos from the configured channels.", def.UI["description"])
}

func TestParse_DefaultRetryPolicy(t *testing.T) {
	def, err := Parse([]byte(`
id: f
name: F
nodes:
  - node_id: x
    instance_id: a
    execution:
      strategy: per_item_job
edges: []
`))
	require.NoError(t, err)
	a, _ := def.Node("a")
	require.Equal(t, api.DefaultRetryPolicy(), a.Execution.PerItem.Retry)
}

func TestParse_UnknownStrategyIsInline(t *testing.T) {
	def, err := Parse([]byte(`
id: f
name: F
nodes:
  - {node_id: x, instance_id: a, execution: {strategy: teleport}}
edges: []
`))
	require.NoError(t, err)
	a, _ := def.Node("a")
	require.True(t, a.Execution.IsInline())
	require.Nil(t, a.Execution.PerItem)
	require.Nil(t, a.Execution.Recurring)
}

func TestParse_MissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"id":    "name: F\nnodes: []\nedges: []\n",
		"name":  "id: f\nnodes: []\nedges: []\n",
		"nodes": "id: f\nname: F\nedges: []\n",
		"edges": "id: f\nname: F\nnodes: []\n",
		"empty": "",
	}
	for field, doc := range cases {
		_, err := Parse([]byte(doc))
		require.ErrorIs(t, err, api.ErrMalformedFlow, field)
	}
}

func TestParse_RejectsDanglingEdge(t *testing.T) {
	_, err := Parse([]byte(`
id: f
name: F
nodes:
  - {node_id: x, instance_id: a}
edges:
  - {from: a, to: b}
`))
	require.ErrorIs(t, err, api.ErrMalformedFlow)
}

func TestCatalog_LoadDir(t *testing.T) {
	c := New(nil)
	loaded, err := c.LoadDir("testdata", "")
	require.Error(t, err, "broken.flow.yaml must be reported")
	require.ErrorIs(t, err, api.ErrMalformedFlow)
	require.Len(t, loaded, 1)

	def, err := c.Get("tiktok_repost")
	require.NoError(t, err)
	require.Same(t, loaded[0], def)

	_, err = c.Get("broken")
	require.ErrorIs(t, err, api.ErrFlowNotFound)
}

func TestCatalog_ReloadReplacesEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.flow.yaml")
	write := func(name string) {
		doc := fmt.Sprintf("id: x\nname: %s\nnodes: []\nedges: []\n", name)
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	}

	c := New(nil)
	write("first")
	_, err := c.LoadFile(path)
	require.NoError(t, err)
	old, _ := c.Get("x")

	write("second")
	_, err = c.LoadFile(path)
	require.NoError(t, err)
	cur, _ := c.Get("x")

	require.Equal(t, "first", old.Name, "previously returned definitions are never mutated")
	require.Equal(t, "second", cur.Name)
	require.Len(t, c.All(), 1)

	c.Remove("x")
	require.Empty(t, c.All())
}

func TestCatalog_ConcurrentReadersDuringReload(t *testing.T) {
	c := New(nil)
	doc := func(i int) []byte {
		return []byte(fmt.Sprintf("id: x\nname: n%d\nnodes:\n  - {node_id: t, instance_id: a%d}\nedges: []\n", i, i))
	}
	_, err := c.Load(doc(0))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = c.Load(doc(i))
		}(i)
		go func() {
			defer wg.Done()
			def, err := c.Get("x")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			want := "a" + def.Name[1:]
			if len(def.Nodes) != 1 || def.Nodes[0].InstanceID != want {
				t.Errorf("torn definition: %+v", def)
			}
		}()
	}
	wg.Wait()
}

func TestCatalog_PutValidates(t *testing.T) {
	c := New(nil)
	require.ErrorIs(t, c.Put(&api.FlowDefinition{ID: "x"}), api.ErrMalformedFlow)
	require.NoError(t, c.Put(&api.FlowDefinition{ID: "x", Name: "X"}))
}
