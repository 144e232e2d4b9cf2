package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowpipe/internal/xjson"
	"github.com/petrijr/flowpipe/pkg/api"
)

// DefaultPrefix namespaces the pub/sub channels.
const DefaultPrefix = "flowpipe:events"

// message is the wire form of an api.Event.
type message struct {
	Type       string         `json:"type"`
	At         time.Time      `json:"at"`
	CampaignID string         `json:"campaign_id,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Encode returns the JSON wire form of ev.
func Encode(ev api.Event) ([]byte, error) {
	return xjson.Marshal(message{
		Type:       string(ev.Type),
		At:         ev.At,
		CampaignID: ev.CampaignID,
		JobID:      ev.JobID,
		NodeID:     ev.NodeID,
		Data:       ev.Data,
	})
}

// Decode parses the JSON wire form produced by Encode.
func Decode(b []byte) (api.Event, error) {
	var m message
	if err := xjson.Unmarshal(b, &m); err != nil {
		return api.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return api.Event{
		Type:       api.EventType(m.Type),
		At:         m.At,
		CampaignID: m.CampaignID,
		JobID:      m.JobID,
		NodeID:     m.NodeID,
		Data:       m.Data,
	}, nil
}

// RedisPublisher publishes every event on "<prefix>:<campaign id>", or
// "<prefix>:global" for events without a campaign.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// Ensure RedisPublisher implements api.Emitter.
var _ api.Emitter = (*RedisPublisher)(nil)

func NewRedisPublisher(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, prefix: prefix, logger: logger}
}

// Channel returns the channel ev is published on.
func (p *RedisPublisher) Channel(ev api.Event) string {
	id := ev.CampaignID
	if id == "" {
		id = "global"
	}
	return p.prefix + ":" + id
}

// Emit publishes ev. Failures are logged; notifications never fail a job.
func (p *RedisPublisher) Emit(ctx context.Context, ev api.Event) {
	b, err := Encode(ev)
	if err != nil {
		p.logger.WarnContext(ctx, "event_encode_failed", slog.String("type", string(ev.Type)), slog.Any("error", err))
		return
	}
	if err := p.client.Publish(context.WithoutCancel(ctx), p.Channel(ev), b).Err(); err != nil {
		p.logger.WarnContext(ctx, "event_publish_failed",
			slog.String("type", string(ev.Type)),
			slog.String("campaign_id", ev.CampaignID),
			slog.Any("error", err),
		)
	}
}

// Listen subscribes to every channel under prefix, or only to campaignID's
// channel when given, and forwards decoded events to emitter until ctx is
// done. ready, if non-nil, is closed once the subscription is confirmed.
func Listen(ctx context.Context, client redis.UniversalClient, prefix, campaignID string, emitter api.Emitter, ready chan<- struct{}) error {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	var ps *redis.PubSub
	if campaignID != "" {
		ps = client.Subscribe(ctx, prefix+":"+campaignID)
	} else {
		ps = client.PSubscribe(ctx, prefix+":*")
	}
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(msg.Channel, prefix+":") {
				continue
			}
			ev, err := Decode([]byte(msg.Payload))
			if err != nil {
				slog.Default().WarnContext(ctx, "event_decode_failed", slog.String("channel", msg.Channel), slog.Any("error", err))
				continue
			}
			emitter.Emit(ctx, ev)
		}
	}
}
