package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowpipe"
	"github.com/petrijr/flowpipe/internal/nodes"
)

const repostFlow = `
id: repost
name: Repost
nodes:
  - node_id: source.scanner
    instance_id: scan_1
    config:
      sources:
        - type: channel
          name: creator
    execution:
      strategy: scheduled_recurring
      repeat_after:
        source: campaign.schedule.interval_minutes
        unit: minutes
  - node_id: core.deduplicator
    instance_id: dedup_1
  - node_id: core.downloader
    instance_id: download_1
    execution:
      strategy: per_item_job
      gap_between_items:
        fixed_value: 0
      retry:
        max: 1
  - node_id: publisher
    instance_id: publish_1
    config:
      accounts: [acc-a]
edges:
  - from: scan_1
    to: dedup_1
  - from: dedup_1
    to: download_1
  - from: download_1
    to: publish_1
`

type cliEnv struct {
	t      *testing.T
	dir    string
	config string
	conn   *nodes.StaticConnector
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	flows := filepath.Join(dir, "flows")
	require.NoError(t, os.MkdirAll(flows, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(flows, "repost.flow.yaml"), []byte(repostFlow), 0o644))

	config := filepath.Join(dir, "flowpipe.yaml")
	require.NoError(t, os.WriteFile(config, []byte(`
database:
  driver: sqlite
  path: `+filepath.Join(dir, "flowpipe.db")+`
queue:
  backend: sqlite
flows:
  dir: `+flows+`
engine:
  recover_on_start: false
`), 0o644))

	return &cliEnv{
		t:      t,
		dir:    dir,
		config: config,
		conn: &nodes.StaticConnector{
			DownloadDir: filepath.Join(dir, "downloads"),
			Channels: map[string][]nodes.Video{
				"creator": {{PlatformID: "v1", Description: "one"}, {PlatformID: "v2", Description: "two"}},
			},
		},
	}
}

func (e *cliEnv) execute(args ...string) (string, error) {
	e.t.Helper()
	opts := &RootOptions{Bundle: flowpipe.Options{
		Connector: e.conn,
		Accounts:  nodes.StaticAccounts{"acc-a": {Username: "alpha"}},
	}}
	cmd := NewRootCommandWith(opts)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp envelope
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestCLI_CampaignLifecycle(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.execute("campaign", "create", "--id", "c1", "--flow", "repost",
		"--param", "schedule.interval_minutes=30", "--format", "json")
	require.NoError(t, err)
	var created CampaignView
	decodeData(t, out, &created)
	assert.Equal(t, "c1", created.ID)
	assert.Equal(t, "idle", created.Status)
	assert.Equal(t, map[string]any{"interval_minutes": float64(30)}, created.Params["schedule"])

	out, err = e.execute("campaign", "start", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "start c1: 1 job(s) seeded")

	out, err = e.execute("run", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "claimed=1 completed=1 failed=0")

	out, err = e.execute("run", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "claimed=2 completed=2 failed=0")
	require.Len(t, e.conn.Published(), 2)

	out, err = e.execute("jobs", "--campaign", "c1", "--format", "json")
	require.NoError(t, err)
	var jobs []JobView
	decodeData(t, out, &jobs)
	require.Len(t, jobs, 4)
	var pending []JobView
	for _, j := range jobs {
		if j.Status == "pending" {
			pending = append(pending, j)
		}
	}
	require.Len(t, pending, 1)
	assert.Equal(t, "scan_1", pending[0].InstanceID)

	out, err = e.execute("jobs", "--campaign", "c1", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "scan_1")
	assert.NotContains(t, out, "download_1")

	out, err = e.execute("campaign", "show", "c1", "--format", "json")
	require.NoError(t, err)
	var shown CampaignView
	decodeData(t, out, &shown)
	assert.Equal(t, "active", shown.Status)
	assert.Equal(t, int64(2), shown.Published)
	assert.Equal(t, int64(2), shown.Queued)

	out, err = e.execute("campaign", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "c1")

	out, err = e.execute("events", "list", "--campaign", "c1", "--limit", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "node:done")

	out, err = e.execute("campaign", "pause", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "pause c1")

	completed := jobs[0]
	if completed.Status == "pending" {
		completed = jobs[1]
	}
	_, err = e.execute("resolve", completed.ID)
	require.Error(t, err, "completed jobs cannot be resolved")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCLI_CampaignCreateUnknownFlow(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.execute("campaign", "create", "--flow", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "flow not found")
}

func TestCLI_InvalidFormat(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.execute("jobs", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestBuildParams(t *testing.T) {
	file := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(file, []byte("schedule:\n  gap_minutes: 20\nname: base\n"), 0o644))

	params, err := buildParams(file, []string{"schedule.interval_minutes=45", "tags=[a, b]", "name=override", "flag=true"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"gap_minutes": 20, "interval_minutes": 45}, params["schedule"])
	assert.Equal(t, []any{"a", "b"}, params["tags"])
	assert.Equal(t, "override", params["name"])
	assert.Equal(t, true, params["flag"])

	_, err = buildParams("", []string{"novalue"})
	require.Error(t, err)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "x", assert.AnError)))
}
