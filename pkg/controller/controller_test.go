package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/aggregate"
	"github.com/runwayhq/runway/pkg/gateway"
	"github.com/runwayhq/runway/pkg/recordstore"
	"github.com/runwayhq/runway/pkg/schema"
	"github.com/runwayhq/runway/pkg/storage"
	"github.com/runwayhq/runway/pkg/types"
	"github.com/runwayhq/runway/pkg/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWatcher struct {
	mu sync.Mutex
	ch chan storage.Batch
}

func (w *fakeWatcher) Watch(ctx context.Context, q storage.Query) (*storage.Stream, error) {
	in := make(chan storage.Batch, 16)
	out := make(chan storage.Batch)
	w.mu.Lock()
	w.ch = in
	w.mu.Unlock()
	go func() {
		defer close(out)
		for {
			select {
			case b := <-in:
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
	ch := w.ch
	w.mu.Unlock()
	ch <- b
}

// fakeGateway answers with a canned result and records calls. Call n
// blocks on gates[n] when one is set.
type fakeGateway struct {
	mu     sync.Mutex
	result *gateway.Result
	err    error
	calls  []string
	gates  []chan struct{}
}

func (g *fakeGateway) answer(op string) (*gateway.Result, error) {
	g.mu.Lock()
	n := len(g.calls)
	g.calls = append(g.calls, op)
	var gate chan struct{}
	if n < len(g.gates) {
		gate = g.gates[n]
	}
	res, err := g.result, g.err
	g.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return res, err
}

func (g *fakeGateway) Create(ctx context.Context, s types.Session, collection, id string, input map[string]any) (*gateway.Result, error) {
	return g.answer("create:" + id)
}

func (g *fakeGateway) Update(ctx context.Context, s types.Session, collection, id string, patch map[string]any) (*gateway.Result, error) {
	return g.answer("update:" + id)
}

func (g *fakeGateway) Delete(ctx context.Context, s types.Session, collection, id string) (*gateway.Result, error) {
	return g.answer("delete:" + id)
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type noticeLog struct {
	mu      sync.Mutex
	notices []types.Notice
}

func (n *noticeLog) Notify(notice types.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *noticeLog) all() []types.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.Notice(nil), n.notices...)
}

type fixture struct {
	ctrl    *Controller
	watcher *fakeWatcher
	gw      *fakeGateway
	notices *noticeLog
}

func newFixture(t *testing.T, collection string) *fixture {
	t.Helper()
	reg, err := schema.Default()
	require.NoError(t, err)
	s, ok := reg.Get(collection)
	require.True(t, ok)

	f := &fixture{
		watcher: &fakeWatcher{},
		gw:      &fakeGateway{result: gateway.OK(nil)},
		notices: &noticeLog{},
	}
	client := recordstore.NewClient(f.watcher, recordstore.NewDecoder(s.TimeFields()...), zerolog.Nop())
	f.ctrl, err = New(Config{Collection: collection, PageSize: 10}, Deps{
		Client:   client,
		Gateway:  f.gw,
		Schema:   s,
		Notifier: f.notices,
		Logger:   zerolog.Nop(),
		Session:  types.Session{UserID: "u1"},
	})
	require.NoError(t, err)
	require.NoError(t, f.ctrl.Mount(context.Background()))
	t.Cleanup(f.ctrl.Unmount)
	return f
}

// load pushes a full reset and waits until the controller has applied it
func (f *fixture) load(t *testing.T, docs ...storage.Document) {
	t.Helper()
	changes := make([]storage.Change, len(docs))
	for i, d := range docs {
		changes[i] = storage.Change{Type: storage.ChangeAdded, Doc: d}
	}
	f.push(t, storage.Batch{Reset: true, Changes: changes})
}

func (f *fixture) push(t *testing.T, b storage.Batch) {
	t.Helper()
	done := make(chan struct{}, 1)
	remove := f.ctrl.OnChange(func() {
		select {
		case done <- struct{}{}:
		default:
		}
	})
	defer remove()
	f.watcher.push(b)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not observe the batch")
	}
}

func incident(id, title, status, severity string, updated time.Time) storage.Document {
	return storage.Document{ID: id, Data: map[string]any{
		"title":     title,
		"status":    status,
		"severity":  severity,
		"createdAt": updated.Add(-time.Hour),
		"updatedAt": updated,
	}}
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ids(v types.DerivedView) []string {
	out := make([]string, len(v.Records))
	for i, r := range v.Records {
		out[i] = r.ID
	}
	return out
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)

	_, err = New(Config{Collection: "incidents"}, Deps{Client: recordstore.NewClient(&fakeWatcher{}, nil, zerolog.Nop())})
	assert.Error(t, err)
}

func TestViewFollowsStoreAndState(t *testing.T) {
	f := newFixture(t, "incidents")
	assert.False(t, f.ctrl.Loaded())

	f.load(t,
		incident("a", "Runway incursion", "Open", "High", t0),
		incident("b", "Bird strike", "Closed", "Low", t0.Add(time.Minute)),
		incident("c", "Fuel leak", "Open", "Critical", t0.Add(2*time.Minute)),
	)
	require.True(t, f.ctrl.Loaded())

	v := f.ctrl.View()
	assert.Equal(t, []string{"c", "b", "a"}, ids(v))
	assert.Equal(t, 3, v.TotalCount)

	f.ctrl.SetFilter("status", "Open")
	assert.Equal(t, []string{"c", "a"}, ids(f.ctrl.View()))

	f.ctrl.SetSearch("FUEL")
	assert.Equal(t, []string{"c"}, ids(f.ctrl.View()))

	f.ctrl.ResetFilters()
	f.ctrl.SetSort("title", types.Ascending)
	assert.Equal(t, []string{"b", "c", "a"}, ids(f.ctrl.View()))

	f.ctrl.SetPageSize(2)
	f.ctrl.SetPage(5)
	v = f.ctrl.View()
	assert.Equal(t, 1, v.Page)
	assert.Equal(t, []string{"a"}, ids(v))

	buckets := f.ctrl.Aggregate(aggregate.Field("status"))
	require.Len(t, buckets, 2)
	assert.Equal(t, "Open", buckets[0].Key)
	assert.Equal(t, 2, buckets[0].Count)
}

func TestCreateIsOptimisticUntilReconciled(t *testing.T) {
	f := newFixture(t, "incidents")
	f.load(t, incident("a", "Runway incursion", "Open", "High", t0))

	id, err := f.ctrl.Create(context.Background(), map[string]any{"title": "Tyre burst", "status": "Open", "severity": "Medium"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	v := f.ctrl.View()
	require.Equal(t, 2, v.TotalCount)
	assert.True(t, v.Records[0].Pending)
	assert.Equal(t, id, v.Records[0].ID)
	assert.Len(t, f.ctrl.Pending(), 1)

	f.push(t, storage.Batch{Changes: []storage.Change{{
		Type: storage.ChangeAdded,
		Doc:  incident(id, "Tyre burst", "Open", "Medium", t0.Add(time.Hour)),
	}}})
	assert.Empty(t, f.ctrl.Pending())
	v = f.ctrl.View()
	assert.Equal(t, 2, v.TotalCount)
	assert.False(t, v.Records[0].Pending)
}

func TestCreateWithID(t *testing.T) {
	f := newFixture(t, "incidents")
	f.load(t)

	_, err := f.ctrl.CreateWithID(context.Background(), "", map[string]any{"title": "x", "status": "Open", "severity": "Low"})
	require.Error(t, err)

	id, err := f.ctrl.CreateWithID(context.Background(), "inc-7", map[string]any{"title": "Lost baggage cart", "status": "Open", "severity": "Low"})
	require.NoError(t, err)
	assert.Equal(t, "inc-7", id)
	assert.Equal(t, []string{"inc-7"}, ids(f.ctrl.View()))
}

func TestExistsCountsPendingEdits(t *testing.T) {
	f := newFixture(t, "incidents")
	f.load(t, incident("a", "Runway incursion", "Open", "High", t0))

	assert.True(t, f.ctrl.Exists("a"))
	assert.False(t, f.ctrl.Exists("inc-9"))

	require.NoError(t, f.ctrl.Update(context.Background(), "a", map[string]any{"status": "Closed"}))
	require.Len(t, f.ctrl.Pending(), 1)
	assert.True(t, f.ctrl.Exists("a"))

	_, err := f.ctrl.CreateWithID(context.Background(), "inc-9", map[string]any{"title": "Tyre burst", "status": "Open", "severity": "Low"})
	require.NoError(t, err)
	assert.True(t, f.ctrl.Exists("inc-9"))

	require.NoError(t, f.ctrl.Delete(context.Background(), "a"))
	assert.False(t, f.ctrl.Exists("a"))
}

func TestValidationFailsBeforeGateway(t *testing.T) {
	f := newFixture(t, "incidents")
	f.load(t)

	_, err := f.ctrl.Create(context.Background(), map[string]any{"title": "missing status"})
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "status")
	assert.Zero(t, f.gw.callCount())
	assert.Empty(t, f.ctrl.Pending())
}

func TestRejectedUpdateRollsBack(t *testing.T) {
	f := newFixture(t, "incidents")
	f.load(t, incident("a", "Runway incursion", "Open", "High", t0))
	f.gw.result = gateway.Fail("permission denied")

	err := f.ctrl.Update(context.Background(), "a", map[string]any{"status": "Closed"})
	var gerr *types.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "permission denied", gerr.Message)

	assert.Empty(t, f.ctrl.Pending())
	v := f.ctrl.View()
	assert.Equal(t, "Open", v.Records[0].Field("status"))
	assert.False(t, v.Records[0].Pending)

	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.False(t, notices[0].Persistent)
	assert.Equal(t, "a", notices[0].RecordID)
}

func TestMalformedResultIsFailure(t *testing.T) {
	f := newFixture(t, "incidents")
	f.load(t, incident("a", "Runway incursion", "Open", "High", t0))
	f.gw.result = &gateway.Result{}

	err := f.ctrl.Delete(context.Background(), "a")
	assert.ErrorIs(t, err, gateway.ErrMalformedResult)
	assert.Equal(t, 1, f.ctrl.View().TotalCount)
}

func TestTransportErrorRollsBack(t *testing.T) {
	f := newFixture(t, "incidents")
	f.load(t, incident("a", "Runway incursion", "Open", "High", t0))
	f.gw.result = nil
	f.gw.err = context.DeadlineExceeded

	err := f.ctrl.Delete(context.Background(), "a")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, f.ctrl.View().TotalCount)
}

func TestOptimisticDeleteHidesRecord(t *testing.T) {
	f := newFixture(t, "incidents")
	f.load(t,
		incident("a", "Runway incursion", "Open", "High", t0),
		incident("b", "Bird strike", "Open", "Low", t0),
	)

	require.NoError(t, f.ctrl.Delete(context.Background(), "a"))
	assert.Equal(t, []string{"b"}, ids(f.ctrl.View()))

	// the store still lists it: the edit stays
	f.load(t,
		incident("a", "Runway incursion", "Open", "High", t0),
		incident("b", "Bird strike", "Open", "Low", t0),
	)
	assert.Len(t, f.ctrl.Pending(), 1)
	assert.Equal(t, []string{"b"}, ids(f.ctrl.View()))

	f.load(t, incident("b", "Bird strike", "Open", "Low", t0))
	assert.Empty(t, f.ctrl.Pending())
}

func TestUpdateReconcilesOnNewerTimestamp(t *testing.T) {
	f := newFixture(t, "incidents")
	f.load(t, incident("a", "Runway incursion", "Open", "High", t0))

	require.NoError(t, f.ctrl.Update(context.Background(), "a", map[string]any{"status": "Closed"}))
	edit := f.ctrl.Pending()[0]
	assert.True(t, t0.Equal(edit.BaseUpdatedAt))
	assert.Equal(t, "Closed", f.ctrl.View().Records[0].Field("status"))

	// same timestamp: not yet absorbed
	f.load(t, incident("a", "Runway incursion", "Open", "High", t0))
	assert.Len(t, f.ctrl.Pending(), 1)

	f.load(t, incident("a", "Runway incursion", "Closed", "High", t0.Add(time.Second)))
	assert.Empty(t, f.ctrl.Pending())
}

func TestStoreErrorBanner(t *testing.T) {
	f := newFixture(t, "incidents")
	f.load(t, incident("a", "Runway incursion", "Open", "High", t0))
	require.NoError(t, f.ctrl.Update(context.Background(), "a", map[string]any{"status": "Closed"}))

	f.push(t, storage.Batch{Err: storage.ErrUnavailable})
	f.push(t, storage.Batch{Err: storage.ErrUnavailable})

	serr := f.ctrl.StoreErr()
	require.NotNil(t, serr)
	assert.Equal(t, types.StoreErrUnavailable, serr.Kind)
	assert.Len(t, f.ctrl.Pending(), 1, "store errors never roll back edits")

	notices := f.notices.all()
	require.Len(t, notices, 1, "one notice per error kind")
	assert.True(t, notices[0].Persistent)

	f.push(t, storage.Batch{Err: storage.ErrPermissionDenied})
	assert.Len(t, f.notices.all(), 2)

	f.load(t, incident("a", "Runway incursion", "Open", "High", t0))
	assert.Nil(t, f.ctrl.StoreErr())
	assert.Equal(t, 1, f.ctrl.View().TotalCount)
}

func TestSupersededEditSurvivesRollback(t *testing.T) {
	f := newFixture(t, "incidents")
	f.load(t, incident("a", "Runway incursion", "Open", "High", t0))

	firstGate, secondGate := make(chan struct{}), make(chan struct{})
	f.gw.gates = []chan struct{}{firstGate, secondGate}
	f.gw.result = gateway.Fail("conflict")

	first := make(chan error, 1)
	go func() {
		first <- f.ctrl.Update(context.Background(), "a", map[string]any{"status": "Closed"})
	}()
	require.Eventually(t, func() bool { return f.gw.callCount() == 1 }, time.Second, 5*time.Millisecond)

	// a second edit on the same record supersedes the first before it fails
	second := make(chan error, 1)
	go func() {
		second <- f.ctrl.Update(context.Background(), "a", map[string]any{"severity": "Low"})
	}()
	require.Eventually(t, func() bool { return f.gw.callCount() == 2 }, time.Second, 5*time.Millisecond)

	close(firstGate)
	require.Error(t, <-first)
	pending := f.ctrl.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "Closed", pending[0].Payload["status"])
	assert.Equal(t, "Low", pending[0].Payload["severity"])

	close(secondGate)
	require.Error(t, <-second)
	assert.Empty(t, f.ctrl.Pending())
}

func TestUnmountIsIdempotent(t *testing.T) {
	f := newFixture(t, "incidents")
	f.ctrl.Unmount()
	f.ctrl.Unmount()
	assert.False(t, f.ctrl.Mounted())

	_, err := f.ctrl.Create(context.Background(), map[string]any{"title": "x", "status": "Open", "severity": "Low"})
	assert.ErrorIs(t, err, ErrNotMounted)
}

func TestDefaultsFromSchema(t *testing.T) {
	f := newFixture(t, "glossary")
	st := f.ctrl.State()
	assert.Equal(t, "term", st.Sort.Field)
	assert.Equal(t, types.Ascending, st.Sort.Direction)
	assert.Equal(t, 10, st.PageSize)
	assert.Zero(t, st.Page)
	assert.True(t, st.Filter.IsEmpty())

	f.ctrl.SetFilter("category", view.NoFilter)
	assert.True(t, f.ctrl.State().Filter.IsEmpty())
}
