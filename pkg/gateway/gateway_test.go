package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/schema"
	"github.com/runwayhq/runway/pkg/storage"
	"github.com/runwayhq/runway/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = types.Session{UserID: "u-alice", DisplayName: "Alice"}

func newTestGateway(t *testing.T) (*StoreGateway, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := schema.Default()
	require.NoError(t, err)

	g := NewStoreGateway(store, reg, zerolog.Nop())
	g.now = func() time.Time { return time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC) }
	return g, store
}

func TestResultCheck(t *testing.T) {
	tests := []struct {
		name string
		res  *Result
		ok   bool
	}{
		{"nil", nil, false},
		{"success", OK(nil), true},
		{"success with data", OK(map[string]any{"id": "x"}), true},
		{"failure message", Fail("nope"), true},
		{"failure fields", FailFields(map[string]string{"title": "is required"}), true},
		{"failure without reason", &Result{}, false},
		{"success with error", &Result{Success: true, Error: "but"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.res.Check()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedResult)
			}
		})
	}
}

func TestResultErr(t *testing.T) {
	assert.NoError(t, OK(nil).Err(OpCreate, "incidents", "x"))

	err := FailFields(map[string]string{"status": "must be one of Open"}).Err(OpUpdate, "incidents", "x")
	var gerr *types.GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "update", gerr.Op)
	assert.Equal(t, "must be one of Open", gerr.FieldErrors["status"])
}

func TestStoreGatewayCreate(t *testing.T) {
	g, store := newTestGateway(t)
	ctx := context.Background()

	res, err := g.Create(ctx, alice, "incidents", "inc-1", map[string]any{
		"title":    "  Bird strike ",
		"status":   "Open",
		"severity": "High",
		"bogus":    "dropped",
	})
	require.NoError(t, err)
	require.NoError(t, res.Check())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "inc-1", res.Data["id"])

	doc, err := store.Get(ctx, "incidents", "inc-1")
	require.NoError(t, err)
	assert.Equal(t, "Bird strike", doc.Data["title"])
	assert.Equal(t, "u-alice", doc.Data[FieldCreatedBy])
	assert.NotContains(t, doc.Data, "bogus")
	assert.Contains(t, doc.Data, "createdAt")

	// a duplicate id is a rejection, not an error
	res, err = g.Create(ctx, alice, "incidents", "inc-1", map[string]any{"title": "t", "status": "Open", "severity": "Low"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "record already exists", res.Error)
}

func TestStoreGatewayCreateGeneratesID(t *testing.T) {
	g, _ := newTestGateway(t)
	res, err := g.Create(context.Background(), alice, "glossary", "", map[string]any{"term": "ATC", "definition": "Air traffic control"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Len(t, res.Data["id"], 36)
}

func TestStoreGatewayValidation(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	res, err := g.Create(ctx, alice, "incidents", "", map[string]any{"title": "x"})
	require.NoError(t, err)
	require.NoError(t, res.Check())
	assert.False(t, res.Success)
	assert.Contains(t, res.FieldErrors, "status")
	assert.Contains(t, res.FieldErrors, "severity")

	res, _ = g.Create(ctx, alice, "unknown", "", map[string]any{})
	assert.False(t, res.Success)

	res, _ = g.Create(ctx, types.Session{}, "incidents", "", map[string]any{"title": "x", "status": "Open", "severity": "Low"})
	assert.Equal(t, "authentication required", res.Error)
}

func TestStoreGatewayUpdateAndDelete(t *testing.T) {
	g, store := newTestGateway(t)
	ctx := context.Background()
	bob := types.Session{UserID: "u-bob"}

	_, err := g.Create(ctx, alice, "projects", "p1", map[string]any{"name": "Audit", "status": "Planned", "owner": "alice"})
	require.NoError(t, err)

	res, err := g.Update(ctx, bob, "projects", "p1", map[string]any{"status": "In Progress", "owner": nil, "createdBy": "mallory"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	doc, err := store.Get(ctx, "projects", "p1")
	require.NoError(t, err)
	assert.Equal(t, "In Progress", doc.Data["status"])
	assert.NotContains(t, doc.Data, "owner")
	assert.Equal(t, "u-alice", doc.Data[FieldCreatedBy])
	assert.Equal(t, "u-bob", doc.Data[FieldUpdatedBy])

	res, _ = g.Update(ctx, bob, "projects", "p1", map[string]any{"status": "Done?"})
	assert.Contains(t, res.FieldErrors, "status")

	res, _ = g.Update(ctx, bob, "projects", "p1", map[string]any{"unknown": 1})
	assert.Equal(t, "nothing to update", res.Error)

	res, _ = g.Update(ctx, bob, "projects", "missing", map[string]any{"status": "Planned"})
	assert.Equal(t, "record not found", res.Error)

	res, err = g.Delete(ctx, bob, "projects", "p1")
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, _ = g.Delete(ctx, bob, "projects", "p1")
	assert.Equal(t, "record not found", res.Error)
}
