package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/storage"
	"github.com/runwayhq/runway/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWatcher hands out streams whose batches the test pushes by hand
type fakeWatcher struct {
	mu      sync.Mutex
	streams []chan storage.Batch
	queries []storage.Query
	err     error
}

func (w *fakeWatcher) Watch(ctx context.Context, q storage.Query) (*storage.Stream, error) {
	if w.err != nil {
		return nil, w.err
	}
	ch := make(chan storage.Batch, 16)
	out := make(chan storage.Batch)
	w.mu.Lock()
	w.streams = append(w.streams, ch)
	w.queries = append(w.queries, q)
	w.mu.Unlock()

	go func() {
		defer close(out)
		for {
			select {
			case b := <-ch:
				select {
				case out <- b:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return &storage.Stream{C: out, Cancel: func() {}}, nil
}

func (w *fakeWatcher) push(b storage.Batch) {
	w.mu.Lock()
	ch := w.streams[len(w.streams)-1]
	w.mu.Unlock()
	ch <- b
}

// recorder collects handler deliveries
type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) handle(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) last() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func doc(id string, data map[string]any) storage.Document {
	return storage.Document{ID: id, Data: data}
}

func added(id string, data map[string]any) storage.Change {
	return storage.Change{Type: storage.ChangeAdded, Doc: doc(id, data)}
}

func newTestClient(w storage.Watcher) *Client {
	return NewClient(w, NewDecoder("dueDate"), zerolog.Nop())
}

// TestSubscribeEmitsSortedSets tests that each batch produces a full ordered set
func TestSubscribeEmitsSortedSets(t *testing.T) {
	w := &fakeWatcher{}
	rec := &recorder{}
	c := newTestClient(w)

	order := types.OrderSpec{Field: "title", Direction: types.Ascending}
	sub, err := c.Subscribe(context.Background(), "incidents", order, rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	w.push(storage.Batch{Reset: true, Changes: []storage.Change{
		added("b", map[string]any{"title": "Runway incursion"}),
		added("a", map[string]any{"title": "Bird strike"}),
		added("c", map[string]any{"title": "Bird strike"}),
	}})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	set := rec.last().Set
	assert.Equal(t, "incidents", set.Collection)
	assert.Equal(t, uint64(1), set.Seq)
	assert.Equal(t, []string{"a", "c", "b"}, ids(set.Records))

	w.push(storage.Batch{Changes: []storage.Change{
		{Type: storage.ChangeRemoved, Doc: doc("a", nil)},
	}})
	w.push(storage.Batch{Changes: []storage.Change{
		{Type: storage.ChangeModified, Doc: doc("b", map[string]any{"title": "Apron"})},
	}})
	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)

	set = rec.last().Set
	assert.Equal(t, uint64(3), set.Seq)
	assert.Equal(t, []string{"b", "c"}, ids(set.Records))
	assert.Equal(t, set.Records, sub.Current().Records)
}

// TestSubscribeDefaultOrderAndLimit tests the default order and truncation
func TestSubscribeDefaultOrderAndLimit(t *testing.T) {
	w := &fakeWatcher{}
	rec := &recorder{}
	c := newTestClient(w)

	sub, err := c.Subscribe(context.Background(), "messages", types.OrderSpec{Limit: 2}, rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Equal(t, "createdAt", w.queries[0].Order.Field)
	assert.Equal(t, types.Descending, w.queries[0].Order.Direction)

	var changes []storage.Change
	for i := 1; i <= 4; i++ {
		changes = append(changes, added(fmt.Sprintf("m%d", i), map[string]any{
			"createdAt": map[string]any{"seconds": float64(1700000000 + i), "nanoseconds": float64(0)},
		}))
	}
	w.push(storage.Batch{Reset: true, Changes: changes})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"m4", "m3"}, ids(rec.last().Set.Records))
}

// TestSubscribeDecodeErrorFlagsRecord tests per-record decode failures
func TestSubscribeDecodeErrorFlagsRecord(t *testing.T) {
	w := &fakeWatcher{}
	rec := &recorder{}
	c := newTestClient(w)

	sub, err := c.Subscribe(context.Background(), "projects", types.OrderSpec{Field: "id", Direction: types.Ascending}, rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	w.push(storage.Batch{Reset: true, Changes: []storage.Change{
		added("good", map[string]any{"name": "Audit", "createdAt": "2024-03-01T10:00:00Z"}),
		added("bad", map[string]any{"name": "Broken", "createdAt": "yesterday"}),
	}})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	set := rec.last().Set
	require.Len(t, set.Records, 2)
	bad, good := set.Records[0], set.Records[1]

	assert.True(t, bad.DecodeError)
	assert.Contains(t, bad.DecodeReason, "createdAt")
	assert.Equal(t, "Broken", bad.Fields["name"])

	assert.False(t, good.DecodeError)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), good.CreatedAt)
}

// TestSubscribeStoreError tests error delivery with a stable kind
func TestSubscribeStoreError(t *testing.T) {
	w := &fakeWatcher{}
	rec := &recorder{}
	c := newTestClient(w)

	sub, err := c.Subscribe(context.Background(), "checklist", types.OrderSpec{}, rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	w.push(storage.Batch{Err: fmt.Errorf("%w: missing read grant", storage.ErrPermissionDenied)})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	u := rec.last()
	require.NotNil(t, u.Err)
	assert.Equal(t, types.StoreErrPermissionDenied, u.Err.Kind)
	assert.Equal(t, "checklist", u.Err.Collection)

	// the subscription stays alive after an error
	w.push(storage.Batch{Reset: true, Changes: []storage.Change{added("x", map[string]any{})}})
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, rec.last().Err)
}

// TestSubscribeWatchFailure tests synchronous watch errors
func TestSubscribeWatchFailure(t *testing.T) {
	w := &fakeWatcher{err: fmt.Errorf("%w: dial tcp", storage.ErrUnavailable)}
	c := newTestClient(w)

	_, err := c.Subscribe(context.Background(), "glossary", types.OrderSpec{}, func(Update) {})
	var serr *types.StoreError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, types.StoreErrUnavailable, serr.Kind)
}

// TestUnsubscribeStopsDelivery tests that no handler runs after Unsubscribe
func TestUnsubscribeStopsDelivery(t *testing.T) {
	w := &fakeWatcher{}
	rec := &recorder{}
	c := newTestClient(w)

	sub, err := c.Subscribe(context.Background(), "glossary", types.OrderSpec{}, rec.handle)
	require.NoError(t, err)

	w.push(storage.Batch{Reset: true})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()

	// late events from the transport are ignored
	select {
	case w.streams[0] <- storage.Batch{Changes: []storage.Change{added("late", nil)}}:
	default:
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription goroutine did not exit")
	}
	assert.Equal(t, 1, rec.count())
}

// TestUnsubscribeFromHandler tests reentrant unsubscribe
func TestUnsubscribeFromHandler(t *testing.T) {
	w := &fakeWatcher{}
	c := newTestClient(w)

	var (
		mu    sync.Mutex
		calls int
	)
	ready := make(chan struct{})
	sub, err := c.Subscribe(context.Background(), "chatRooms", types.OrderSpec{}, func(u Update) {
		<-ready
		mu.Lock()
		calls++
		mu.Unlock()
		u.Unsubscribe()
	})
	require.NoError(t, err)
	close(ready)

	w.push(storage.Batch{Reset: true})
	w.push(storage.Batch{Reset: true})

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription goroutine did not exit")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

// TestUnsubscribeWaitsForHandler tests that Unsubscribe from another
// goroutine returns only after a running handler has finished
func TestUnsubscribeWaitsForHandler(t *testing.T) {
	w := &fakeWatcher{}
	c := newTestClient(w)

	var (
		mu    sync.Mutex
		state []string
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	sub, err := c.Subscribe(context.Background(), "incidents", types.OrderSpec{}, func(u Update) {
		close(entered)
		<-release
		mu.Lock()
		state = ids(u.Set.Records)
		mu.Unlock()
	})
	require.NoError(t, err)

	w.push(storage.Batch{Reset: true, Changes: []storage.Change{added("i1", nil)}})
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	returned := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("Unsubscribe returned while the handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Unsubscribe did not return after the handler finished")
	}

	mu.Lock()
	assert.Equal(t, []string{"i1"}, state)
	state = nil
	mu.Unlock()

	select {
	case w.streams[0] <- storage.Batch{Changes: []storage.Change{added("i2", nil)}}:
	default:
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription goroutine did not exit")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Nil(t, state)
}

// TestParentContextCancel tests the canceled error when the caller's context ends
func TestParentContextCancel(t *testing.T) {
	w := &fakeWatcher{}
	rec := &recorder{}
	c := newTestClient(w)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := c.Subscribe(ctx, "evaluations", types.OrderSpec{}, rec.handle)
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription goroutine did not exit")
	}
	require.Equal(t, 1, rec.count())
	require.NotNil(t, rec.last().Err)
	assert.Equal(t, types.StoreErrCanceled, rec.last().Err.Kind)
}

// TestSnapshot tests the one-shot read
func TestSnapshot(t *testing.T) {
	w := &fakeWatcher{}
	c := newTestClient(w)

	go func() {
		for {
			w.mu.Lock()
			n := len(w.streams)
			w.mu.Unlock()
			if n == 1 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		w.push(storage.Batch{Reset: true, Changes: []storage.Change{added("g1", map[string]any{"term": "ATC"})}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	set, err := c.Snapshot(ctx, "glossary", types.OrderSpec{})
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, ids(set.Records))
}

func ids(records []types.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
