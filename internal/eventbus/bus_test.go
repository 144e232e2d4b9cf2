package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowpipe/pkg/api"
)

type collector struct {
	mu     sync.Mutex
	events []api.Event
}

func (c *collector) handle(ctx context.Context, ev api.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) types() []api.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func TestBus_FiltersByType(t *testing.T) {
	bus := New(nil)
	all, blocked := &collector{}, &collector{}
	bus.Subscribe(all.handle)
	bus.Subscribe(blocked.handle, api.EventNodeBlocked, api.EventNodeResolved)

	ctx := context.Background()
	bus.Emit(ctx, api.Event{Type: api.EventNodeStart})
	bus.Emit(ctx, api.Event{Type: api.EventNodeBlocked})
	bus.Emit(ctx, api.Event{Type: api.EventNodeDone})

	require.Equal(t, []api.EventType{api.EventNodeStart, api.EventNodeBlocked, api.EventNodeDone}, all.types())
	require.Equal(t, []api.EventType{api.EventNodeBlocked}, blocked.types())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(nil)
	c := &collector{}
	id := bus.Subscribe(c.handle)
	require.Equal(t, 1, bus.Len())

	bus.Unsubscribe(id)
	bus.Unsubscribe(id)
	require.Zero(t, bus.Len())

	bus.Emit(context.Background(), api.Event{Type: api.EventNodeStart})
	require.Empty(t, c.types())
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	bus := New(nil)
	c := &collector{}
	bus.Subscribe(func(ctx context.Context, ev api.Event) { panic("boom") })
	bus.Subscribe(c.handle)

	require.NotPanics(t, func() {
		bus.Emit(context.Background(), api.Event{Type: api.EventPipelineInfo})
	})
	require.Len(t, c.types(), 1)
}

func TestEncodeDecode(t *testing.T) {
	ev := api.Event{
		Type:       api.EventNodeDone,
		At:         time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		CampaignID: "camp-1",
		JobID:      "job-1",
		NodeID:     "publish_1",
		Data:       map[string]any{"items": 3.0},
	}
	b, err := Encode(ev)
	require.NoError(t, err)
	require.Contains(t, string(b), `"type":"node:done"`)

	got, err := Decode(b)
	require.NoError(t, err)
	require.True(t, ev.At.Equal(got.At))
	got.At = ev.At
	require.Equal(t, ev, got)

	_, err = Decode([]byte("{"))
	require.Error(t, err)
}
