package flowpipe

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowpipe/pkg/api"
)

func TestFlowBuilder_ChainAndStrategies(t *testing.T) {
	def, err := NewFlow("repost", "Repost").
		Describe("scan and repost").
		Node("scan_1", "source.scanner", map[string]any{"max_videos": 5}, RecurringFrom("schedule.interval_minutes", "minutes")).
		Node("dedup_1", "core.deduplicator", nil).
		Node("publish_1", "publisher", nil, PerItem(Jittered(GapFrom("schedule.gap_minutes", 20, "minutes"), 10), Retry(2).Policy())).
		Chain().
		Build()
	require.NoError(t, err)

	require.Equal(t, "1.0", def.Version)
	require.Equal(t, []api.Edge{{From: "scan_1", To: "dedup_1"}, {From: "dedup_1", To: "publish_1"}}, def.Edges)

	scan := def.Nodes[0].Execution
	require.Equal(t, api.StrategyScheduledRecurring, scan.Strategy)
	require.Equal(t, "schedule.interval_minutes", scan.Recurring.RepeatAfter.Source)
	require.Equal(t, api.DefaultInitialTrigger, scan.Recurring.InitialTrigger)

	require.Equal(t, api.StrategyInline, def.Nodes[1].Execution.Strategy)
	require.NotNil(t, def.Nodes[1].Config)

	pub := def.Nodes[2].Execution.PerItem
	require.NotNil(t, pub)
	require.Equal(t, "schedule.gap_minutes", pub.Gap.Source)
	require.True(t, pub.Gap.Jitter)
	require.Equal(t, 10.0, pub.Gap.JitterPercent)
	require.Equal(t, 2, pub.Retry.Max)
	require.True(t, pub.RespectDailyWindow)
}

func TestFlowBuilder_Errors(t *testing.T) {
	_, err := NewFlow("f", "F").Node("", "x", nil).Build()
	require.ErrorIs(t, err, api.ErrMalformedFlow)

	_, err = NewFlow("", "F").Node("a", "x", nil).Build()
	require.ErrorIs(t, err, api.ErrMalformedFlow)

	_, err = NewFlow("f", "F").Node("a", "x", nil).Edge("a", "missing").Build()
	require.Error(t, err)

	_, err = NewFlow("f", "F").Node("a", "x", nil).Node("a", "y", nil).Build()
	require.Error(t, err, "duplicate instance ids")

	require.Panics(t, func() { NewFlow("f", "").MustBuild() })
}

func TestFlowBuilder_BuildCopiesState(t *testing.T) {
	b := NewFlow("f", "F").Node("a", "x", nil)
	first := b.MustBuild()
	b.Node("b", "y", nil).Edge("a", "b")
	second := b.MustBuild()

	require.Len(t, first.Nodes, 1)
	require.Empty(t, first.Edges)
	require.Len(t, second.Nodes, 2)
}

func TestFlowBuilder_Register(t *testing.T) {
	c := NewCatalog(nil)
	require.NoError(t, NewFlow("f", "F").Node("a", "x", nil).Register(c))

	def, err := c.Get("f")
	require.NoError(t, err)
	require.Equal(t, "F", def.Name)

	_, err = c.Get("nope")
	require.True(t, errors.Is(err, api.ErrFlowNotFound))
}
