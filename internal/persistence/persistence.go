package persistence

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/petrijr/flowpipe/pkg/api"
)

// Persistence bundles the store interfaces so the engine and the
// capabilities can depend on a single value.
type Persistence struct {
	Campaigns CampaignStore
	Items     ItemStore
	Events    EventStore
}

// NewInMemory returns a Persistence whose stores live in process memory.
func NewInMemory() *Persistence {
	return &Persistence{
		Campaigns: NewInMemoryCampaignStore(),
		Items:     NewInMemoryItemStore(),
		Events:    NewInMemoryEventStore(),
	}
}

// NewSQLite initializes every table in db and returns the SQLite stores.
func NewSQLite(db *sql.DB) (*Persistence, error) {
	campaigns, err := NewSQLiteCampaignStore(db)
	if err != nil {
		return nil, err
	}
	items, err := NewSQLiteItemStore(db)
	if err != nil {
		return nil, err
	}
	events, err := NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return &Persistence{Campaigns: campaigns, Items: items, Events: events}, nil
}

// Recorder returns an Emitter that appends every event to store. Append
// failures are logged and dropped so that history never fails a job.
func Recorder(store EventStore, logger *slog.Logger) api.Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return api.EmitterFunc(func(ctx context.Context, ev api.Event) {
		if err := store.AppendEvent(ctx, ev); err != nil {
			logger.WarnContext(ctx, "event_append_failed",
				slog.String("type", string(ev.Type)),
				slog.String("campaign_id", ev.CampaignID),
				slog.Any("error", err),
			)
		}
	})
}
