package nodes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// ErrAccountNotFound is returned by an AccountStore for an unknown id.
var ErrAccountNotFound = errors.New("publish account not found")

// Video is a content item as a connector reports it.
type Video struct {
	PlatformID      string
	URL             string
	Thumbnail       string
	Description     string
	Author          string
	Tags            []string
	Views           int64
	Likes           int64
	DurationSeconds float64
	CreatedAt       time.Time
}

// Source is one configured channel or keyword to scan.
type Source struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

const (
	SourceChannel = "channel"
	SourceKeyword = "keyword"
)

// ScanOptions narrow a scan.
type ScanOptions struct {
	Limit int
	// IncludeHistory is false when only items newer than Since are wanted.
	IncludeHistory bool
	Since          string
}

// Account is a publishing identity.
type Account struct {
	ID            string
	Username      string
	SessionStatus string
	Cookies       map[string]string
}

// SessionExpired is the SessionStatus of an account that must sign in again.
const SessionExpired = "expired"

// PublishRequest is one upload.
type PublishRequest struct {
	FilePath string
	Caption  string
	Privacy  string
	Account  Account
}

// PublishResult is what the platform reported for an upload.
type PublishResult struct {
	Success         bool
	RequiresCaptcha bool
	URL             string
	VideoID         string
	Error           string
}

// Connector reaches the content platform. Scanning, downloading and
// publishing are network operations that live outside the engine.
type Connector interface {
	ScanChannel(ctx context.Context, name string, opts ScanOptions) ([]Video, error)
	ScanKeyword(ctx context.Context, keyword string, opts ScanOptions) ([]Video, error)
	Download(ctx context.Context, v Video, quality string) (string, error)
	Publish(ctx context.Context, req PublishRequest) (*PublishResult, error)
}

// AccountStore resolves publishing accounts by id.
type AccountStore interface {
	Account(ctx context.Context, id string) (*Account, error)
}

// StaticConnector serves canned scan results, pretends to download into
// DownloadDir and records every publish request. It backs local runs and
// tests.
type StaticConnector struct {
	Channels    map[string][]Video
	Keywords    map[string][]Video
	DownloadDir string

	// PublishFunc decides the outcome of a publish. Nil means success.
	PublishFunc func(req PublishRequest) (*PublishResult, error)

	// ScanErr, when set, fails every scan of the named source.
	ScanErr map[string]error

	mu        sync.Mutex
	published []PublishRequest
	downloads []string
}

// Ensure StaticConnector implements Connector.
var _ Connector = (*StaticConnector)(nil)

func (c *StaticConnector) ScanChannel(ctx context.Context, name string, opts ScanOptions) ([]Video, error) {
	return c.scan(c.Channels, name, opts)
}

func (c *StaticConnector) ScanKeyword(ctx context.Context, keyword string, opts ScanOptions) ([]Video, error) {
	return c.scan(c.Keywords, keyword, opts)
}

func (c *StaticConnector) scan(index map[string][]Video, name string, opts ScanOptions) ([]Video, error) {
	if err := c.ScanErr[name]; err != nil {
		return nil, err
	}
	videos := append([]Video(nil), index[name]...)
	if opts.Limit > 0 && len(videos) > opts.Limit {
		videos = videos[:opts.Limit]
	}
	return videos, nil
}

func (c *StaticConnector) Download(ctx context.Context, v Video, quality string) (string, error) {
	if v.PlatformID == "" {
		return "", errors.New("download: missing platform id")
	}
	dir := c.DownloadDir
	if dir == "" {
		dir = "downloads"
	}
	path := filepath.Join(dir, v.PlatformID+".mp4")
	c.mu.Lock()
	c.downloads = append(c.downloads, path)
	c.mu.Unlock()
	return path, nil
}

func (c *StaticConnector) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	c.mu.Lock()
	c.published = append(c.published, req)
	n := len(c.published)
	c.mu.Unlock()
	if c.PublishFunc != nil {
		return c.PublishFunc(req)
	}
	id := fmt.Sprintf("pub-%d", n)
	return &PublishResult{
		Success: true,
		VideoID: id,
		URL:     fmt.Sprintf("https://example.invalid/@%s/video/%s", req.Account.Username, id),
	}, nil
}

// Published returns the publish requests seen so far.
func (c *StaticConnector) Published() []PublishRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PublishRequest(nil), c.published...)
}

// Downloads returns the paths handed out by Download.
func (c *StaticConnector) Downloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.downloads...)
}

// StaticAccounts is an in-memory AccountStore.
type StaticAccounts map[string]Account

func (s StaticAccounts) Account(ctx context.Context, id string) (*Account, error) {
	a, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if a.ID == "" {
		a.ID = id
	}
	return &a, nil
}
