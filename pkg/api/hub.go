package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/metrics"
	"github.com/runwayhq/runway/pkg/recordstore"
	"github.com/runwayhq/runway/pkg/types"
)

// Subscriber opens live record subscriptions. *recordstore.Client
// implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, collection string, order types.OrderSpec, handler recordstore.Handler) (*recordstore.Subscription, error)
}

// Hub shares one record store subscription per collection among every
// HTTP request and websocket connection reading it. Feeds are opened on
// first use and live until Close.
type Hub struct {
	client Subscriber
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	feeds  map[string]*Feed
	closed bool
}

// NewHub creates a hub reading through client
func NewHub(client Subscriber, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		client: client,
		logger: logger.With().Str("component", "hub").Logger(),
		ctx:    ctx,
		cancel: cancel,
		feeds:  make(map[string]*Feed),
	}
}

// Feed returns the shared feed for a collection, subscribing on first use
func (h *Hub) Feed(collection string, order types.OrderSpec) (*Feed, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("hub closed")
	}
	if f, ok := h.feeds[collection]; ok {
		return f, nil
	}

	f := &Feed{
		collection: collection,
		ready:      make(chan struct{}),
		watchers:   make(map[int]chan struct{}),
	}
	sub, err := h.client.Subscribe(h.ctx, collection, order, f.onUpdate)
	if err != nil {
		return nil, err
	}
	f.sub = sub
	h.feeds[collection] = f
	h.logger.Debug().Str("collection", collection).Msg("Feed opened")
	return f, nil
}

// Len returns the number of open feeds
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds)
}

// Close unsubscribes every feed
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	feeds := h.feeds
	h.feeds = map[string]*Feed{}
	h.mu.Unlock()

	for _, f := range feeds {
		f.sub.Unsubscribe()
		metrics.RemoveComponent(metrics.SubscriptionComponent(f.collection))
	}
	h.cancel()
}

// Feed is the live state of one collection
type Feed struct {
	collection string
	sub        *recordstore.Subscription

	mu        sync.RWMutex
	set       types.RecordSet
	err       *types.StoreError
	ready     chan struct{}
	readyOnce sync.Once
	watchers  map[int]chan struct{}
	nextID    int
}

func (f *Feed) onUpdate(u recordstore.Update) {
	f.mu.Lock()
	if u.Err != nil {
		f.err = u.Err
		metrics.UpdateComponent(metrics.SubscriptionComponent(f.collection), false, string(u.Err.Kind))
	} else {
		if f.err != nil || f.set.Seq == 0 {
			metrics.UpdateComponent(metrics.SubscriptionComponent(f.collection), true, "")
		}
		f.set = u.Set
		f.err = nil
	}
	for _, ch := range f.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	f.mu.Unlock()

	f.readyOnce.Do(func() { close(f.ready) })
}

// Wait blocks until the first set or error arrives
func (f *Feed) Wait(ctx context.Context) error {
	select {
	case <-f.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the latest set and the standing store error, if any
func (f *Feed) Current() (types.RecordSet, *types.StoreError) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.set, f.err
}

// Watch returns a channel signalled after every update. Signals coalesce:
// a reader that falls behind sees one pending signal and reads Current.
// The returned function stops the watch.
func (f *Feed) Watch() (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	ch := make(chan struct{}, 1)
	f.watchers[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, id)
	}
}
