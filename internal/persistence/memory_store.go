package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowpipe/pkg/api"
)

// InMemoryCampaignStore is a goroutine-safe CampaignStore backed by a map.
// Params are deep-copied on every read and write.
type InMemoryCampaignStore struct {
	mu        sync.RWMutex
	campaigns map[string]*api.Campaign
	order     []string
}

// NewInMemoryCampaignStore creates an empty store.
func NewInMemoryCampaignStore() *InMemoryCampaignStore {
	return &InMemoryCampaignStore{campaigns: make(map[string]*api.Campaign)}
}

// Ensure InMemoryCampaignStore implements CampaignStore.
var _ CampaignStore = (*InMemoryCampaignStore)(nil)

func copyCampaign(c *api.Campaign) (*api.Campaign, error) {
	cp := *c
	params, err := cloneMap(c.Params)
	if err != nil {
		return nil, err
	}
	cp.Params = params
	return &cp, nil
}

func (s *InMemoryCampaignStore) Create(ctx context.Context, c *api.Campaign) error {
	prepareCampaign(c, time.Now())
	stored, err := copyCampaign(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[c.ID]; exists {
		return fmt.Errorf("campaign %q already exists", c.ID)
	}
	s.campaigns[c.ID] = stored
	s.order = append(s.order, c.ID)
	return nil
}

// prepareCampaign fills in the fields Create owns.
func prepareCampaign(c *api.Campaign, now time.Time) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = api.CampaignIdle
	}
	if c.Params == nil {
		c.Params = map[string]any{}
	}
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
}

func (s *InMemoryCampaignStore) Get(ctx context.Context, id string) (*api.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrCampaignNotFound, id)
	}
	return copyCampaign(c)
}

func (s *InMemoryCampaignStore) List(ctx context.Context, f CampaignFilter) ([]*api.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.Campaign
	for _, id := range s.order {
		c := s.campaigns[id]
		if f.WorkflowID != "" && c.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		cp, err := copyCampaign(c)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *InMemoryCampaignStore) UpdateStatus(ctx context.Context, id string, status api.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrCampaignNotFound, id)
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryCampaignStore) UpdateParams(ctx context.Context, id string, expectedVersion int64, params map[string]any) (int64, error) {
	cp, err := cloneMap(params)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", api.ErrCampaignNotFound, id)
	}
	if c.Version != expectedVersion {
		return 0, fmt.Errorf("%w: campaign %s at version %d, expected %d", api.ErrVersionConflict, id, c.Version, expectedVersion)
	}
	c.Params = cp
	c.Version++
	c.UpdatedAt = time.Now()
	return c.Version, nil
}

func (s *InMemoryCampaignStore) IncrementCounter(ctx context.Context, id string, counter api.Counter, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrCampaignNotFound, id)
	}
	switch counter {
	case api.CounterQueued:
		c.Counters.Queued += delta
	case api.CounterDownloaded:
		c.Counters.Downloaded += delta
	case api.CounterPublished:
		c.Counters.Published += delta
	case api.CounterFailed:
		c.Counters.Failed += delta
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
	return nil
}

// InMemoryItemStore is a goroutine-safe ItemStore.
type InMemoryItemStore struct {
	mu    sync.RWMutex
	items map[string]map[string]*api.Item // campaign -> platform id -> item
}

func NewInMemoryItemStore() *InMemoryItemStore {
	return &InMemoryItemStore{items: make(map[string]map[string]*api.Item)}
}

// Ensure InMemoryItemStore implements ItemStore.
var _ ItemStore = (*InMemoryItemStore)(nil)

func (s *InMemoryItemStore) Record(ctx context.Context, it api.Item) error {
	if it.CampaignID == "" || it.PlatformID == "" {
		return fmt.Errorf("item requires campaign and platform id")
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.items[it.CampaignID]
	if byID == nil {
		byID = make(map[string]*api.Item)
		s.items[it.CampaignID] = byID
	}
	existing, ok := byID[it.PlatformID]
	if !ok {
		if it.Status == "" {
			it.Status = api.ItemDiscovered
		}
		it.Meta = copyMeta(it.Meta)
		it.CreatedAt = now
		it.UpdatedAt = now
		byID[it.PlatformID] = &it
		return nil
	}
	mergeItem(existing, it)
	existing.UpdatedAt = now
	return nil
}

// mergeItem copies the non-empty fields of src onto dst.
func mergeItem(dst *api.Item, src api.Item) {
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.URL != "" {
		dst.URL = src.URL
	}
	if src.LocalPath != "" {
		dst.LocalPath = src.LocalPath
	}
	if len(src.Meta) > 0 {
		if dst.Meta == nil {
			dst.Meta = map[string]any{}
		}
		for k, v := range src.Meta {
			dst.Meta[k] = v
		}
	}
}

func (s *InMemoryItemStore) MarkStatus(ctx context.Context, campaignID, platformID string, status api.ItemStatus) error {
	return s.Record(ctx, api.Item{CampaignID: campaignID, PlatformID: platformID, Status: status})
}

func (s *InMemoryItemStore) PublishedIDs(ctx context.Context, campaignID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, it := range s.items[campaignID] {
		if it.Status == api.ItemPublished {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryItemStore) List(ctx context.Context, campaignID string) ([]api.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.Item, 0, len(s.items[campaignID]))
	for _, it := range s.items[campaignID] {
		cp := *it
		cp.Meta = copyMeta(it.Meta)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PlatformID < out[j].PlatformID
	})
	return out, nil
}

// InMemoryEventStore keeps the event history in process memory.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events []api.Event
}

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{}
}

// Ensure InMemoryEventStore implements EventStore.
var _ EventStore = (*InMemoryEventStore)(nil)

func (s *InMemoryEventStore) AppendEvent(ctx context.Context, ev api.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

// ListEvents returns the most recent events of a campaign, oldest first.
// A non-positive limit returns all of them.
func (s *InMemoryEventStore) ListEvents(ctx context.Context, campaignID string, limit int) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []api.Event
	for _, ev := range s.events {
		if campaignID == "" || ev.CampaignID == campaignID {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func copyMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
