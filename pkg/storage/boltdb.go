package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/runwayhq/runway/pkg/events"
	"github.com/runwayhq/runway/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store using BoltDB. Each collection is a bucket of
// JSON documents keyed by id; committed writes are published on an event
// broker that backs live watches.
type BoltStore struct {
	db     *bolt.DB
	broker *events.Broker

	// writeMu serializes commit+publish so broker order matches commit order
	writeMu sync.Mutex
}

// NewBoltStore creates a new BoltDB-backed store under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "runway.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	return &BoltStore{db: db, broker: broker}, nil
}

// Close stops live watches and closes the database
func (s *BoltStore) Close() error {
	s.broker.Stop()
	return s.db.Close()
}

// Ping checks that the database is readable
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// Create inserts a new document; it fails with ErrConflict if id exists
func (s *BoltStore) Create(ctx context.Context, collection, id string, data map[string]any) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("document id is required")
	}
	doc := encodeNative(data).(map[string]any)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", collection, err)
		}
		if b.Get([]byte(id)) != nil {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrConflict)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), raw)
	})
	if err != nil {
		return err
	}

	s.publish(events.EventRecordCreated, collection, id, doc)
	return nil
}

// Update merges patch into an existing document. A nil value removes the
// field.
func (s *BoltStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	enc := encodeNative(patch).(map[string]any)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var merged map[string]any
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		raw := b.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		if err := json.Unmarshal(raw, &merged); err != nil {
			return fmt.Errorf("corrupt document %s/%s: %w", collection, id, err)
		}
		if merged == nil {
			merged = make(map[string]any)
		}
		for k, v := range enc {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		out, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return err
	}

	s.publish(events.EventRecordUpdated, collection, id, merged)
	return nil
}

// Delete removes a document; it fails with ErrNotFound if absent
func (s *BoltStore) Delete(ctx context.Context, collection, id string) error {
	if err := validCollection(collection); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil || b.Get([]byte(id)) == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return err
	}

	s.publish(events.EventRecordDeleted, collection, id, nil)
	return nil
}

// Get returns one document
func (s *BoltStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var doc Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		raw := b.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		doc.ID = id
		return json.Unmarshal(raw, &doc.Data)
	})
	return doc, err
}

// List returns every document in a collection in key order
func (s *BoltStore) List(collection string) ([]Document, error) {
	var docs []Document
	err := s.db.View(func(tx *bolt.Tx) error {
		docs = listBucket(tx, collection)
		return nil
	})
	return docs, err
}

// Watch opens a live watch on a collection. The first batch is a Reset
// carrying every document; each later batch carries one committed change.
// If the watcher falls behind the broker, it emits an ErrUnavailable batch
// and resyncs with a new Reset.
func (s *BoltStore) Watch(ctx context.Context, q Query) (*Stream, error) {
	if err := validCollection(q.Collection); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Batch, 16)
	go s.watch(ctx, q.Collection, ch)
	return &Stream{C: ch, Cancel: cancel}, nil
}

func (s *BoltStore) watch(ctx context.Context, collection string, ch chan<- Batch) {
	defer close(ch)

	send := func(b Batch) bool {
		select {
		case ch <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		sub := s.broker.Subscribe(collection)
		docs, seq := s.snapshot(collection)

		changes := make([]Change, len(docs))
		for i, d := range docs {
			changes[i] = Change{Type: ChangeAdded, Doc: d}
		}
		if !send(Batch{Changes: changes, Reset: true}) {
			s.broker.Unsubscribe(sub)
			return
		}

		lagged := s.follow(ctx, sub, seq, send)
		s.broker.Unsubscribe(sub)
		if !lagged || ctx.Err() != nil {
			return
		}
		if !send(Batch{Err: fmt.Errorf("%w: change stream for %s fell behind, resyncing", ErrUnavailable, collection)}) {
			return
		}
	}
}

// follow forwards broker events newer than seq until the subscription ends.
// It returns true when the subscription was cut for lagging.
func (s *BoltStore) follow(ctx context.Context, sub *events.Subscription, seq uint64, send func(Batch) bool) bool {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return sub.Lagged()
			}
			if ev.Seq <= seq {
				// already part of the snapshot
				continue
			}
			if !send(Batch{Changes: []Change{eventChange(ev)}}) {
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}

// snapshot reads a collection together with the broker position it
// reflects. Holding writeMu keeps the two consistent.
func (s *BoltStore) snapshot(collection string) ([]Document, uint64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var docs []Document
	_ = s.db.View(func(tx *bolt.Tx) error {
		docs = listBucket(tx, collection)
		return nil
	})
	return docs, s.broker.LastSeq()
}

func (s *BoltStore) publish(t events.EventType, collection, id string, data map[string]any) {
	// round-trip through JSON so watchers see exactly what a fresh read sees
	var doc map[string]any
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			_ = json.Unmarshal(raw, &doc)
		}
	}
	s.broker.Publish(&events.Event{
		Type:       t,
		Collection: collection,
		DocumentID: id,
		Data:       doc,
	})
}

func listBucket(tx *bolt.Tx, collection string) []Document {
	b := tx.Bucket([]byte(collection))
	if b == nil {
		return nil
	}
	var docs []Document
	_ = b.ForEach(func(k, v []byte) error {
		doc := Document{ID: string(k)}
		if err := json.Unmarshal(v, &doc.Data); err != nil {
			// keep the document visible; the decoder flags it
			doc.Data = map[string]any{"_raw": string(v)}
		}
		docs = append(docs, doc)
		return nil
	})
	return docs
}

func eventChange(ev *events.Event) Change {
	ct := ChangeModified
	switch ev.Type {
	case events.EventRecordCreated:
		ct = ChangeAdded
	case events.EventRecordDeleted:
		ct = ChangeRemoved
	}
	return Change{Type: ct, Doc: Document{ID: ev.DocumentID, Data: ev.Data}}
}

// encodeNative converts time.Time values into the store's native timestamp
// object {"seconds": n, "nanoseconds": n}, recursing into lists and maps.
func encodeNative(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return map[string]any{
			"seconds":     x.Unix(),
			"nanoseconds": x.Nanosecond(),
		}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = encodeNative(e)
		}
		return out
	case types.Fields:
		return encodeNative(map[string]any(x))
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = encodeNative(e)
		}
		return out
	}
	return v
}
