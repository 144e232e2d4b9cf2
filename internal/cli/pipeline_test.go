package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowpipe/internal/nodes"
)

const scanPipeline = `
id: scan-once
name: Scan once
pipeline:
  - id: scan
    node: source.scanner
    params:
      sources:
        - type: channel
          name: creator
    on_empty:
      action: stop
    on_success: limit
  - id: limit
    node: core.limit
    params:
      max: 1
`

func TestPipelineRun_TransientCampaign(t *testing.T) {
	e := newCLIEnv(t)
	file := filepath.Join(e.dir, "scan.pipeline.yaml")
	require.NoError(t, os.WriteFile(file, []byte(scanPipeline), 0o644))

	out, err := e.execute("pipeline", "run", file, "--param", "channel=creator", "--format", "json")
	require.NoError(t, err)

	var res PipelineResult
	decodeData(t, out, &res)
	assert.Equal(t, "scan-once", res.Pipeline)
	assert.Equal(t, "pipeline-scan-once", res.Campaign)
	assert.Empty(t, res.Error)
	assert.Contains(t, res.Variables, nodes.LastScannedKey)
}

func TestPipelineRun_StoredCampaignKeepsVariables(t *testing.T) {
	e := newCLIEnv(t)
	file := filepath.Join(e.dir, "scan.pipeline.yaml")
	require.NoError(t, os.WriteFile(file, []byte(scanPipeline), 0o644))

	_, err := e.execute("campaign", "create", "--id", "c1", "--flow", "repost", "--param", "channel=creator")
	require.NoError(t, err)

	out, err := e.execute("pipeline", "run", file, "--campaign", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ scan-once done")

	out, err = e.execute("campaign", "show", "c1", "--format", "json")
	require.NoError(t, err)
	var shown CampaignView
	decodeData(t, out, &shown)
	vars, ok := shown.Params["variables"].(map[string]any)
	require.True(t, ok, "variables saved: %v", shown.Params)
	assert.Contains(t, vars, nodes.LastScannedKey)
	assert.Equal(t, int64(2), shown.Version)
}

func TestPipelineRun_MissingFile(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.execute("pipeline", "run", filepath.Join(e.dir, "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
