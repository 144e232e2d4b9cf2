package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/flowpipe/pkg/api"
)

// SQLiteCampaignStore is a CampaignStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteCampaignStore struct {
	db *sql.DB
}

// Ensure SQLiteCampaignStore implements CampaignStore.
var _ CampaignStore = (*SQLiteCampaignStore)(nil)

// NewSQLiteCampaignStore initializes the required schema in the given
// database and returns a new SQLiteCampaignStore.
func NewSQLiteCampaignStore(db *sql.DB) (*SQLiteCampaignStore, error) {
	s := &SQLiteCampaignStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteCampaignStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS campaigns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			version INTEGER NOT NULL DEFAULT 1,
			queued INTEGER NOT NULL DEFAULT 0,
			downloaded INTEGER NOT NULL DEFAULT 0,
			published INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	)
	return err
}

const campaignColumns = `id, workflow_id, name, status, params, version,
	queued, downloaded, published, failed, created_at, updated_at`

func scanCampaign(r interface{ Scan(...any) error }) (*api.Campaign, error) {
	var (
		c         api.Campaign
		status    string
		params    string
		createdAt int64
		updatedAt int64
	)
	if err := r.Scan(&c.ID, &c.WorkflowID, &c.Name, &status, &params, &c.Version,
		&c.Counters.Queued, &c.Counters.Downloaded, &c.Counters.Published, &c.Counters.Failed,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	decoded, err := decodeMap(params)
	if err != nil {
		return nil, err
	}
	c.Status = api.CampaignStatus(status)
	c.Params = decoded
	c.CreatedAt = time.Unix(0, createdAt)
	c.UpdatedAt = time.Unix(0, updatedAt)
	return &c, nil
}

func (s *SQLiteCampaignStore) Create(ctx context.Context, c *api.Campaign) error {
	prepareCampaign(c, time.Now())
	params, err := encodeMap(c.Params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, workflow_id, name, status, params, version,
			queued, downloaded, published, failed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkflowID, c.Name, string(c.Status), params, c.Version,
		c.Counters.Queued, c.Counters.Downloaded, c.Counters.Published, c.Counters.Failed,
		c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

func (s *SQLiteCampaignStore) Get(ctx context.Context, id string) (*api.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", api.ErrCampaignNotFound, id)
	}
	return c, err
}

func (s *SQLiteCampaignStore) List(ctx context.Context, f CampaignFilter) ([]*api.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	var (
		clauses []string
		args    []any
	)
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteCampaignStore) UpdateStatus(ctx context.Context, id string, status api.CampaignStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), id)
	return s.checkAffected(res, err, id)
}

func (s *SQLiteCampaignStore) UpdateParams(ctx context.Context, id string, expectedVersion int64, params map[string]any) (int64, error) {
	encoded, err := encodeMap(params)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET params = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		encoded, time.Now().UnixNano(), id, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update campaign params: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		return expectedVersion + 1, nil
	}

	var current int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM campaigns WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", api.ErrCampaignNotFound, id)
	}
	if err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: campaign %s at version %d, expected %d", api.ErrVersionConflict, id, current, expectedVersion)
}

var counterColumns = map[api.Counter]string{
	api.CounterQueued:     "queued",
	api.CounterDownloaded: "downloaded",
	api.CounterPublished:  "published",
	api.CounterFailed:     "failed",
}

func (s *SQLiteCampaignStore) IncrementCounter(ctx context.Context, id string, counter api.Counter, delta int64) error {
	col, ok := counterColumns[counter]
	if !ok {
		return fmt.Errorf("unknown counter %q", counter)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET `+col+` = `+col+` + ?, updated_at = ? WHERE id = ?`,
		delta, time.Now().UnixNano(), id)
	return s.checkAffected(res, err, id)
}

func (s *SQLiteCampaignStore) checkAffected(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", api.ErrCampaignNotFound, id)
	}
	return nil
}

// SQLiteItemStore is an ItemStore backed by SQLite.
type SQLiteItemStore struct {
	db *sql.DB
}

// Ensure SQLiteItemStore implements ItemStore.
var _ ItemStore = (*SQLiteItemStore)(nil)

func NewSQLiteItemStore(db *sql.DB) (*SQLiteItemStore, error) {
	s := &SQLiteItemStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteItemStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS items (
			campaign_id TEXT NOT NULL,
			platform_id TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			local_path TEXT NOT NULL DEFAULT '',
			meta TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (campaign_id, platform_id)
		);
		CREATE INDEX IF NOT EXISTS idx_items_status ON items(campaign_id, status);
	`)
	return err
}

func (s *SQLiteItemStore) Record(ctx context.Context, it api.Item) error {
	if it.CampaignID == "" || it.PlatformID == "" {
		return fmt.Errorf("item requires campaign and platform id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		existing api.Item
		status   string
		meta     string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, title, url, local_path, meta FROM items
		WHERE campaign_id = ? AND platform_id = ?`, it.CampaignID, it.PlatformID,
	).Scan(&status, &existing.Title, &existing.URL, &existing.LocalPath, &meta)

	now := time.Now().UnixNano()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if it.Status == "" {
			it.Status = api.ItemDiscovered
		}
		encoded, err := encodeMap(it.Meta)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO items (campaign_id, platform_id, status, title, url, local_path, meta, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.CampaignID, it.PlatformID, string(it.Status), it.Title, it.URL, it.LocalPath, encoded, now, now,
		); err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
	case err != nil:
		return err
	default:
		existing.Status = api.ItemStatus(status)
		if existing.Meta, err = decodeMap(meta); err != nil {
			return err
		}
		mergeItem(&existing, it)
		encoded, err := encodeMap(existing.Meta)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE items SET status = ?, title = ?, url = ?, local_path = ?, meta = ?, updated_at = ?
			WHERE campaign_id = ? AND platform_id = ?`,
			string(existing.Status), existing.Title, existing.URL, existing.LocalPath, encoded, now,
			it.CampaignID, it.PlatformID,
		); err != nil {
			return fmt.Errorf("update item: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteItemStore) MarkStatus(ctx context.Context, campaignID, platformID string, status api.ItemStatus) error {
	return s.Record(ctx, api.Item{CampaignID: campaignID, PlatformID: platformID, Status: status})
}

func (s *SQLiteItemStore) PublishedIDs(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform_id FROM items
		WHERE campaign_id = ? AND status = ?
		ORDER BY platform_id`, campaignID, string(api.ItemPublished))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteItemStore) List(ctx context.Context, campaignID string) ([]api.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT campaign_id, platform_id, status, title, url, local_path, meta, created_at, updated_at
		FROM items WHERE campaign_id = ?
		ORDER BY platform_id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Item
	for rows.Next() {
		var (
			it      api.Item
			status  string
			meta    string
			created int64
			updated int64
		)
		if err := rows.Scan(&it.CampaignID, &it.PlatformID, &status, &it.Title, &it.URL, &it.LocalPath,
			&meta, &created, &updated); err != nil {
			return nil, err
		}
		if it.Meta, err = decodeMap(meta); err != nil {
			return nil, err
		}
		it.Status = api.ItemStatus(status)
		it.CreatedAt = time.Unix(0, created)
		it.UpdatedAt = time.Unix(0, updated)
		out = append(out, it)
	}
	return out, rows.Err()
}
