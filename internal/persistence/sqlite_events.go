package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/flowpipe/pkg/api"
)

// SQLiteEventStore stores the event history in SQLite.
type SQLiteEventStore struct {
	db *sql.DB
}

// Ensure SQLiteEventStore implements the interfaces.
var _ EventStore = (*SQLiteEventStore)(nil)

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			campaign_id TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_flow_events_campaign_id ON flow_events(campaign_id, id);
	`)
	return err
}

func (s *SQLiteEventStore) AppendEvent(ctx context.Context, ev api.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	data, err := encodeMap(ev.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_events (campaign_id, job_id, node_id, at, type, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.CampaignID,
		ev.JobID,
		ev.NodeID,
		at.UnixNano(),
		string(ev.Type),
		data,
	)
	return err
}

// ListEvents returns the most recent events of a campaign, oldest first.
// An empty campaignID lists every campaign; a non-positive limit
// returns everything.
func (s *SQLiteEventStore) ListEvents(ctx context.Context, campaignID string, limit int) ([]api.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT campaign_id, job_id, node_id, at, type, data FROM (
			SELECT id, campaign_id, job_id, node_id, at, type, data
			FROM flow_events
			WHERE ? = '' OR campaign_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`, campaignID, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev   api.Event
			atN  int64
			typ  string
			data string
		)
		if err := rows.Scan(&ev.CampaignID, &ev.JobID, &ev.NodeID, &atN, &typ, &data); err != nil {
			return nil, err
		}
		decoded, err := decodeMap(data)
		if err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atN)
		ev.Type = api.EventType(typ)
		ev.Data = decoded
		out = append(out, ev)
	}
	return out, rows.Err()
}
