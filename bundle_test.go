package flowpipe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowpipe/internal/nodes"
)

const sourceFlowYAML = `
id: local_repost
name: Local repost
nodes:
  - node_id: test.source
    instance_id: source_1
    execution:
      strategy: scheduled_recurring
      repeat_after:
        source: 60
        unit: minutes
  - node_id: core.limit
    instance_id: limit_1
    config:
      max: 2
  - node_id: publisher
    instance_id: publisher_1
    config:
      accounts: [acc-a]
    execution:
      strategy: per_item_job
      gap_between_items:
        fixed_value: 0
      retry:
        max: 1
edges:
  - from: source_1
    to: limit_1
  - from: limit_1
    to: publisher_1
`

func sqliteConfig(t *testing.T, dir string) *Config {
	t.Helper()
	flows := filepath.Join(dir, "flows")
	require.NoError(t, os.MkdirAll(flows, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(flows, "local.flow.yaml"), []byte(sourceFlowYAML), 0o644))

	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "flowpipe.db")
	cfg.Flows.Dir = flows
	cfg.Metrics.Enabled = true
	cfg.Engine.RecoverOnStart = false
	return cfg
}

func openSQLiteBundle(t *testing.T, cfg *Config, conn *nodes.StaticConnector) *Bundle {
	t.Helper()
	b, err := Open(cfg, Options{
		Connector: conn,
		Accounts:  nodes.StaticAccounts{"acc-a": {Username: "alpha"}},
	})
	require.NoError(t, err)

	require.NoError(t, b.Registry.Register("test.source", Static(SourceFunc(
		func(ctx context.Context, ec *ExecContext) ([]map[string]any, error) {
			return []map[string]any{
				{"platform_id": "a", "local_path": "/videos/a.mp4", "description": "a"},
				{"platform_id": "b", "local_path": "/videos/b.mp4", "description": "b"},
				{"platform_id": "c", "local_path": "/videos/c.mp4", "description": "c"},
			}, nil
		},
	))))
	defs, err := b.LoadFlows()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	return b
}

func TestBundle_SQLiteRunPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := sqliteConfig(t, dir)
	conn := &nodes.StaticConnector{}

	b := openSQLiteBundle(t, cfg, conn)
	require.NoError(t, b.CreateCampaign(ctx, &Campaign{ID: "c1", WorkflowID: "local_repost", Name: "local"}))
	_, err := b.Engine.StartCampaign(ctx, "c1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		b.Worker.RunOnce(ctx)
	}
	require.Len(t, conn.Published(), 2)
	require.Equal(t, int64(3), b.Metrics.Snapshot().JobsCompleted)

	expected := `
# HELP flowpipe_jobs_completed_total Jobs that completed.
# TYPE flowpipe_jobs_completed_total counter
flowpipe_jobs_completed_total 3
`
	require.NoError(t, testutil.GatherAndCompare(b.Gatherer, strings.NewReader(expected), "flowpipe_jobs_completed_total"))
	require.NoError(t, b.Close())

	reopened := openSQLiteBundle(t, cfg, conn)
	defer reopened.Close()

	c, err := reopened.Store.Campaigns.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, CampaignActive, c.Status)
	require.Equal(t, int64(2), c.Counters.Published)

	published, err := reopened.Store.Items.PublishedIDs(ctx, "c1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, published)

	events, err := reopened.Store.Events.ListEvents(ctx, "c1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	pending, err := reopened.Queue.List(ctx, JobFilter{CampaignID: "c1", Statuses: []JobStatus{JobPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1, "re-armed source survives the restart")
	require.Equal(t, "source_1", pending[0].InstanceID)
}

func TestBundle_OpenRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.Backend = "postgres"
	cfg.Queue.DSN = ""
	_, err := Open(cfg, Options{})
	require.Error(t, err)
}

func TestBundle_CloseIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Driver = "memory"
	cfg.Queue.Backend = "memory"
	b, err := Open(cfg, Options{})
	require.NoError(t, err)
	require.Nil(t, b.Gatherer)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}
