package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/metrics"
	"github.com/runwayhq/runway/pkg/storage"
	"github.com/runwayhq/runway/pkg/types"
)

// Update is one delivery to a subscription handler. Exactly one of Set and
// Err is meaningful: Err non-nil reports a subscription failure, otherwise
// Set is the complete, ordered collection.
type Update struct {
	Set types.RecordSet
	Err *types.StoreError

	sub *Subscription
}

// Unsubscribe stops the subscription that delivered u. It is the form to
// use from inside the handler: unlike Subscription.Unsubscribe it does not
// wait for the running delivery, which is the caller's own.
func (u Update) Unsubscribe() {
	if u.sub != nil {
		u.sub.stop()
	}
}

// Handler receives subscription updates. It runs on the subscription's
// goroutine; a slow handler delays later updates but never reorders them.
type Handler func(Update)

// Client opens live subscriptions on a backing store
type Client struct {
	watcher storage.Watcher
	decoder *Decoder
	logger  zerolog.Logger
}

// NewClient creates a record store client. A nil decoder normalizes only
// createdAt and updatedAt.
func NewClient(watcher storage.Watcher, decoder *Decoder, logger zerolog.Logger) *Client {
	if decoder == nil {
		decoder = NewDecoder()
	}
	return &Client{
		watcher: watcher,
		decoder: decoder,
		logger:  logger.With().Str("component", "recordstore").Logger(),
	}
}

// Subscribe opens a live subscription on a collection. Every change batch,
// including the initial load, produces one Update carrying the whole
// collection sorted by order (ties by id). A zero order uses
// types.DefaultOrder.
func (c *Client) Subscribe(ctx context.Context, collection string, order types.OrderSpec, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if order.Field == "" {
		order.Field = types.DefaultOrder.Field
		if order.Direction == "" {
			order.Direction = types.DefaultOrder.Direction
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.watcher.Watch(ctx, storage.Query{Collection: collection, Order: order})
	if err != nil {
		cancel()
		return nil, toStoreError(collection, err)
	}

	sub := &Subscription{
		collection: collection,
		order:      order,
		decoder:    c.decoder,
		handler:    handler,
		logger:     c.logger.With().Str("collection", collection).Logger(),
		cancel:     cancel,
		stream:     stream,
		docs:       make(map[string]types.Record),
		done:       make(chan struct{}),
	}

	metrics.SubscriptionsActive.Inc()
	go sub.run()

	sub.logger.Debug().
		Str("order", order.Field).
		Str("direction", string(order.Direction)).
		Int("limit", order.Limit).
		Msg("Subscription opened")
	return sub, nil
}

// Snapshot subscribes, waits for the first complete set, and unsubscribes
func (c *Client) Snapshot(ctx context.Context, collection string, order types.OrderSpec) (types.RecordSet, error) {
	result := make(chan Update, 1)
	sub, err := c.Subscribe(ctx, collection, order, func(u Update) {
		select {
		case result <- u:
		default:
		}
	})
	if err != nil {
		return types.RecordSet{}, err
	}
	defer sub.Unsubscribe()

	select {
	case u := <-result:
		if u.Err != nil {
			return types.RecordSet{}, u.Err
		}
		return u.Set, nil
	case <-ctx.Done():
		return types.RecordSet{}, toStoreError(collection, ctx.Err())
	}
}

// Subscription is a live view of one collection
type Subscription struct {
	collection string
	order      types.OrderSpec
	decoder    *Decoder
	handler    Handler
	logger     zerolog.Logger
	cancel     context.CancelFunc
	stream     *storage.Stream

	closed    atomic.Bool
	deliverMu sync.Mutex
	once      sync.Once
	done      chan struct{}

	mu      sync.RWMutex
	docs    map[string]types.Record
	current types.RecordSet
	seq     uint64
}

// Collection returns the subscribed collection name
func (s *Subscription) Collection() string {
	return s.collection
}

// Unsubscribe stops the subscription and waits for a handler invocation
// already in flight. It is idempotent. Once it returns the handler never
// runs again, even if the store keeps delivering. A handler stopping its
// own subscription calls Update.Unsubscribe instead, since waiting here
// would block on itself.
func (s *Subscription) Unsubscribe() {
	s.stop()
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.stream.Cancel()
		s.logger.Debug().Msg("Subscription closed")
	})
}

// Done is closed once the subscription goroutine has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Current returns the most recently emitted set. Before the first load it
// is an empty set with Seq 0.
func (s *Subscription) Current() types.RecordSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.current
	set.Records = append([]types.Record(nil), s.current.Records...)
	if set.Collection == "" {
		set.Collection = s.collection
	}
	return set
}

func (s *Subscription) run() {
	defer close(s.done)
	defer metrics.SubscriptionsActive.Dec()

	for batch := range s.stream.C {
		if s.closed.Load() {
			continue
		}
		if batch.Err != nil {
			serr := toStoreError(s.collection, batch.Err)
			metrics.StoreErrorsTotal.WithLabelValues(string(serr.Kind)).Inc()
			s.logger.Warn().Err(batch.Err).Str("kind", string(serr.Kind)).Msg("Subscription error")
			s.deliver(Update{Err: serr})
			continue
		}
		s.deliver(Update{Set: s.apply(batch)})
	}

	// the stream ended without Unsubscribe: the parent context went away
	if !s.closed.Load() {
		serr := &types.StoreError{Kind: types.StoreErrCanceled, Collection: s.collection, Err: context.Canceled}
		metrics.StoreErrorsTotal.WithLabelValues(string(serr.Kind)).Inc()
		s.deliver(Update{Err: serr})
	}
}

// deliver invokes the handler unless the subscription has been closed.
// deliverMu is held for the whole call so Unsubscribe can wait it out.
func (s *Subscription) deliver(u Update) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.closed.Load() {
		return
	}
	u.sub = s
	s.handler(u)
}

// apply folds a batch into the canonical document map and returns the new
// ordered set
func (s *Subscription) apply(batch storage.Batch) types.RecordSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.Reset {
		s.docs = make(map[string]types.Record, len(batch.Changes))
	}
	decodeErrs := 0
	for _, ch := range batch.Changes {
		if ch.Type == storage.ChangeRemoved {
			delete(s.docs, ch.Doc.ID)
			continue
		}
		rec := s.decoder.Decode(ch.Doc)
		if rec.DecodeError {
			decodeErrs++
			s.logger.Warn().Str("record_id", rec.ID).Str("reason", rec.DecodeReason).Msg("Record failed to decode")
		}
		s.docs[rec.ID] = rec
	}
	if decodeErrs > 0 {
		metrics.DecodeErrorsTotal.WithLabelValues(s.collection).Add(float64(decodeErrs))
	}

	records := make([]types.Record, 0, len(s.docs))
	for _, rec := range s.docs {
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return s.order.Compare(records[i], records[j]) < 0
	})
	if s.order.Limit > 0 && len(records) > s.order.Limit {
		records = records[:s.order.Limit]
	}

	s.seq++
	s.current = types.RecordSet{
		Collection: s.collection,
		Records:    records,
		Seq:        s.seq,
		ReceivedAt: time.Now(),
	}
	metrics.RecordSetsTotal.WithLabelValues(s.collection).Inc()

	out := s.current
	out.Records = append([]types.Record(nil), records...)
	return out
}

// toStoreError classifies a store failure into a stable kind
func toStoreError(collection string, err error) *types.StoreError {
	var serr *types.StoreError
	if errors.As(err, &serr) {
		return serr
	}
	kind := types.StoreErrInternal
	switch {
	case errors.Is(err, storage.ErrPermissionDenied):
		kind = types.StoreErrPermissionDenied
	case errors.Is(err, storage.ErrUnavailable):
		kind = types.StoreErrUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = types.StoreErrCanceled
	}
	return &types.StoreError{Kind: kind, Collection: collection, Err: err}
}
