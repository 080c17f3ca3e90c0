package optimistic

import (
	"testing"
	"time"

	"github.com/runwayhq/runway/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

func set(records ...types.Record) types.RecordSet {
	return types.RecordSet{Collection: "incidents", Records: records}
}

func record(id string, updated time.Time) types.Record {
	return types.Record{ID: id, UpdatedAt: updated, Fields: types.Fields{}}
}

func TestApplySupersede(t *testing.T) {
	tests := []struct {
		name        string
		first       types.OptimisticEdit
		second      types.OptimisticEdit
		wantKind    types.EditKind
		wantPayload types.Fields
	}{
		{
			name:        "update over create stays create",
			first:       types.OptimisticEdit{RecordID: "r", Kind: types.EditCreate, Payload: types.Fields{"title": "a", "status": "Open"}},
			second:      types.OptimisticEdit{RecordID: "r", Kind: types.EditUpdate, Payload: types.Fields{"status": "Closed"}},
			wantKind:    types.EditCreate,
			wantPayload: types.Fields{"title": "a", "status": "Closed"},
		},
		{
			name:        "update over update merges",
			first:       types.OptimisticEdit{RecordID: "r", Kind: types.EditUpdate, Payload: types.Fields{"title": "a"}},
			second:      types.OptimisticEdit{RecordID: "r", Kind: types.EditUpdate, Payload: types.Fields{"status": "Closed"}},
			wantKind:    types.EditUpdate,
			wantPayload: types.Fields{"title": "a", "status": "Closed"},
		},
		{
			name:     "delete over update",
			first:    types.OptimisticEdit{RecordID: "r", Kind: types.EditUpdate, Payload: types.Fields{"title": "a"}},
			second:   types.OptimisticEdit{RecordID: "r", Kind: types.EditDelete},
			wantKind: types.EditDelete,
		},
		{
			name:     "update over delete stays delete",
			first:    types.OptimisticEdit{RecordID: "r", Kind: types.EditDelete},
			second:   types.OptimisticEdit{RecordID: "r", Kind: types.EditUpdate, Payload: types.Fields{"title": "b"}},
			wantKind: types.EditDelete,
		},
		{
			name:        "create replaces",
			first:       types.OptimisticEdit{RecordID: "r", Kind: types.EditUpdate, Payload: types.Fields{"title": "a"}},
			second:      types.OptimisticEdit{RecordID: "r", Kind: types.EditCreate, Payload: types.Fields{"status": "Open"}},
			wantKind:    types.EditCreate,
			wantPayload: types.Fields{"status": "Open"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer(0)
			first := b.Apply(tt.first)
			second := b.Apply(tt.second)

			assert.Greater(t, second.Seq, first.Seq)
			assert.Equal(t, 1, b.Len())

			got, ok := b.Get("r")
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantPayload, got.Payload)
		})
	}
}

func TestApplyCopiesPayload(t *testing.T) {
	b := NewBuffer(0)
	payload := types.Fields{"title": "a"}
	b.Apply(types.OptimisticEdit{RecordID: "r", Kind: types.EditCreate, Payload: payload})
	payload["title"] = "mutated"

	got, _ := b.Get("r")
	assert.Equal(t, "a", got.Payload["title"])
}

func TestReconcile(t *testing.T) {
	b := NewBuffer(0)
	b.Apply(types.OptimisticEdit{RecordID: "new", Kind: types.EditCreate, Payload: types.Fields{"title": "x"}})
	b.Apply(types.OptimisticEdit{RecordID: "upd", Kind: types.EditUpdate, Payload: types.Fields{"title": "y"}, BaseUpdatedAt: t0})
	b.Apply(types.OptimisticEdit{RecordID: "del", Kind: types.EditDelete, BaseUpdatedAt: t0})

	// server has not caught up with anything yet
	s1 := set(record("upd", t0), record("del", t0))
	assert.Empty(t, b.Reconcile(s1))
	assert.Equal(t, 3, b.Len())

	// everything lands
	s2 := set(record("new", t0), record("upd", t0.Add(time.Second)))
	assert.Equal(t, []string{"del", "new", "upd"}, b.Reconcile(s2))
	assert.Equal(t, 0, b.Len())

	// idempotent
	assert.Empty(t, b.Reconcile(s2))
}

func TestReconcileIdempotent(t *testing.T) {
	b := NewBuffer(0)
	b.Apply(types.OptimisticEdit{RecordID: "a", Kind: types.EditCreate})
	b.Apply(types.OptimisticEdit{RecordID: "b", Kind: types.EditUpdate, BaseUpdatedAt: t0})
	b.Apply(types.OptimisticEdit{RecordID: "c", Kind: types.EditDelete})

	s := set(record("a", t0), record("b", t0), record("c", t0))
	b.Reconcile(s)
	after1 := b.Pending()
	b.Reconcile(s)
	after2 := b.Pending()

	assert.Equal(t, after1, after2)
	require.Len(t, after1, 2)
	assert.Equal(t, "b", after1[0].RecordID)
	assert.Equal(t, "c", after1[1].RecordID)
}

func TestRollbackSeq(t *testing.T) {
	b := NewBuffer(0)
	first := b.Apply(types.OptimisticEdit{RecordID: "r", Kind: types.EditUpdate, Payload: types.Fields{"a": 1}})
	second := b.Apply(types.OptimisticEdit{RecordID: "r", Kind: types.EditUpdate, Payload: types.Fields{"b": 2}})

	// the first write failed, but it has been superseded
	assert.False(t, b.RollbackSeq("r", first.Seq))
	assert.Equal(t, 1, b.Len())

	assert.True(t, b.RollbackSeq("r", second.Seq))
	assert.Equal(t, 0, b.Len())

	assert.False(t, b.Rollback("r"))
	b.Apply(types.OptimisticEdit{RecordID: "r", Kind: types.EditDelete})
	assert.True(t, b.Rollback("r"))
}

func TestOverdueReportsOnly(t *testing.T) {
	b := NewBuffer(5 * time.Second)
	b.Apply(types.OptimisticEdit{RecordID: "old", Kind: types.EditUpdate, SubmittedAt: t0})
	b.Apply(types.OptimisticEdit{RecordID: "fresh", Kind: types.EditUpdate, SubmittedAt: t0.Add(8 * time.Second)})

	overdue := b.Overdue(t0.Add(10 * time.Second))
	require.Len(t, overdue, 1)
	assert.Equal(t, "old", overdue[0].RecordID)

	// still held
	assert.Equal(t, 2, b.Len())
	assert.Len(t, b.Pending(), 2)
	assert.Equal(t, "old", b.Pending()[0].RecordID)
}

func TestDefaultTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, NewBuffer(0).Timeout())
	assert.Equal(t, time.Minute, NewBuffer(time.Minute).Timeout())
}
