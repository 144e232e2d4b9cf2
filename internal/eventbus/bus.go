// Package eventbus delivers engine and node notifications to subscribers,
// in process through Bus and across processes through Redis pub/sub.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/petrijr/flowpipe/pkg/api"
)

// Handler receives one event. Handlers run on the emitting goroutine and
// must return quickly.
type Handler func(ctx context.Context, ev api.Event)

type subscription struct {
	types   map[api.EventType]struct{}
	handler Handler
}

// Bus is an in-process publish/subscribe hub. It implements api.Emitter so
// it can be handed to the engine directly.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]subscription
	seq    atomic.Int64
	logger *slog.Logger
}

// Ensure Bus implements api.Emitter.
var _ api.Emitter = (*Bus)(nil)

// New creates an empty bus. A nil logger means slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[string]subscription), logger: logger}
}

// Subscribe registers h for the given event types, or for every event when
// none are given. The returned id is used to unsubscribe.
func (b *Bus) Subscribe(h Handler, types ...api.EventType) string {
	sub := subscription{handler: h}
	if len(types) > 0 {
		sub.types = make(map[api.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	id := fmt.Sprintf("sub-%d", b.seq.Add(1))

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return id
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit delivers ev to every matching subscriber. A panicking handler is
// logged and does not affect the others.
func (b *Bus) Emit(ctx context.Context, ev api.Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types != nil {
			if _, ok := s.types[ev.Type]; !ok {
				continue
			}
		}
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, h, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, ev api.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "event_handler_panicked",
				slog.String("type", string(ev.Type)),
				slog.Any("recover", r),
			)
		}
	}()
	h(ctx, ev)
}
