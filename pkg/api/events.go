package api

import (
	"context"
	"time"
)

// EventType identifies a notification emitted for external observers.
type EventType string

const (
	EventNodeStart     EventType = "node:start"
	EventNodeDone      EventType = "node:done"
	EventPipelineError EventType = "pipeline:error"
	EventPipelineDone  EventType = "pipeline:done"
	EventPipelineInfo  EventType = "pipeline:info"

	// EventPipelineUpdate reports an item status change made by a node.
	EventPipelineUpdate EventType = "pipeline:update"

	// Manual-intervention states.
	EventNodeBlocked  EventType = "node:blocked"
	EventNodeResolved EventType = "node:resolved"

	EventJobRecovered      EventType = "job:recovered"
	EventJobRetryScheduled EventType = "job:retry_scheduled"
)

// Event is a small notification record. Data should stay low-volume: node
// results are included for node:done but large payloads belong elsewhere.
type Event struct {
	Type       EventType
	At         time.Time
	CampaignID string
	JobID      string
	NodeID     string
	Data       map[string]any
}

// Emitter delivers events. Implementations must not block for long.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event)

func (f EmitterFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(ctx context.Context, ev Event) {}

type multiEmitter []Emitter

func (m multiEmitter) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}

// NewMultiEmitter forwards each event to every non-nil emitter.
func NewMultiEmitter(emitters ...Emitter) Emitter {
	filtered := make(multiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	switch len(filtered) {
	case 0:
		return NoopEmitter{}
	case 1:
		return filtered[0]
	}
	return filtered
}
