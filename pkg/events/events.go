package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventRecordCreated EventType = "record.created"
	EventRecordUpdated EventType = "record.updated"
	EventRecordDeleted EventType = "record.deleted"
)

// Event represents a committed change to one document
type Event struct {
	ID         string
	Seq        uint64 // assigned by Publish, strictly increasing
	Type       EventType
	Collection string
	DocumentID string
	Timestamp  time.Time
	Data       map[string]any // document after the change; nil on delete
}

// Subscription receives events for one collection ("" = all)
type Subscription struct {
	C <-chan *Event

	ch         chan *Event
	collection string
	lagged     atomic.Bool
}

// Lagged reports whether the broker dropped this subscription because its
// buffer overflowed. The channel is closed when this is set.
func (s *Subscription) Lagged() bool {
	return s.lagged.Load()
}

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[*Subscription]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	seq         atomic.Uint64
	bufferSize  int
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return NewBrokerWithBuffer(256)
}

// NewBrokerWithBuffer creates a broker whose subscribers buffer up to size events
func NewBrokerWithBuffer(size int) *Broker {
	if size < 1 {
		size = 1
	}
	return &Broker{
		subscribers: make(map[*Subscription]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
		bufferSize:  size,
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes every subscription
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)

		b.mu.Lock()
		defer b.mu.Unlock()
		for sub := range b.subscribers {
			delete(b.subscribers, sub)
			close(sub.ch)
		}
	})
}

// Subscribe creates a new subscription for collection ("" = every collection)
func (b *Broker) Subscribe(collection string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	sub := &Subscription{C: ch, ch: ch, collection: collection}
	select {
	case <-b.stopCh:
		close(ch)
		return sub
	default:
	}
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish assigns the next sequence number and queues the event. Callers
// that need delivery order to match commit order must serialize Publish
// with their commits.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.Seq = b.seq.Add(1)

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// LastSeq returns the sequence number of the most recently published event
func (b *Broker) LastSeq() uint64 {
	return b.seq.Load()
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.collection != "" && sub.collection != event.Collection {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full: cut it off rather than skip the event
			// so the reader knows it must resync.
			sub.lagged.Store(true)
			delete(b.subscribers, sub)
			close(sub.ch)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
