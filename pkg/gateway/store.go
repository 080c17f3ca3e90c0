package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/log"
	"github.com/runwayhq/runway/pkg/metrics"
	"github.com/runwayhq/runway/pkg/schema"
	"github.com/runwayhq/runway/pkg/storage"
	"github.com/runwayhq/runway/pkg/types"
)

// Audit fields stamped on every write
const (
	FieldCreatedBy = "createdBy"
	FieldUpdatedBy = "updatedBy"
)

// StoreGateway is the server-side mutation handler: it validates and
// sanitizes input against the collection schema, stamps timestamps and the
// acting user, and writes through a storage.Writer
type StoreGateway struct {
	writer  storage.Writer
	schemas *schema.Registry
	logger  zerolog.Logger
	now     func() time.Time
}

// NewStoreGateway creates a gateway writing to w
func NewStoreGateway(w storage.Writer, schemas *schema.Registry, logger zerolog.Logger) *StoreGateway {
	return &StoreGateway{
		writer:  w,
		schemas: schemas,
		logger:  logger.With().Str("component", "gateway").Logger(),
		now:     time.Now,
	}
}

// Create validates input and inserts a new record. An empty id gets a
// fresh UUID.
func (g *StoreGateway) Create(ctx context.Context, session types.Session, collection, id string, input map[string]any) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GatewayDuration, string(OpCreate))

	s, res := g.prepare(session, collection)
	if res != nil {
		return g.done(OpCreate, collection, id, res), nil
	}
	if err := s.Validate(input, false); err != nil {
		return g.done(OpCreate, collection, id, validationResult(err)), nil
	}
	if id == "" {
		id = uuid.NewString()
	}

	data := map[string]any(s.Sanitize(input))
	now := g.now().UTC()
	data[types.ColumnCreatedAt] = now
	data[types.ColumnUpdatedAt] = now
	data[FieldCreatedBy] = session.UserID
	data[FieldUpdatedBy] = session.UserID

	if err := g.writer.Create(ctx, collection, id, data); err != nil {
		return g.done(OpCreate, collection, id, storeResult(err)), nil
	}

	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[types.ColumnID] = id
	return g.done(OpCreate, collection, id, OK(out)), nil
}

// Update validates a partial patch and merges it into an existing record
func (g *StoreGateway) Update(ctx context.Context, session types.Session, collection, id string, patch map[string]any) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GatewayDuration, string(OpUpdate))

	s, res := g.prepare(session, collection)
	if res != nil {
		return g.done(OpUpdate, collection, id, res), nil
	}
	if id == "" {
		return g.done(OpUpdate, collection, id, Fail("record id is required")), nil
	}
	if err := s.Validate(patch, true); err != nil {
		return g.done(OpUpdate, collection, id, validationResult(err)), nil
	}

	data := map[string]any(s.Sanitize(patch))
	if len(data) == 0 {
		return g.done(OpUpdate, collection, id, Fail("nothing to update")), nil
	}
	data[types.ColumnUpdatedAt] = g.now().UTC()
	data[FieldUpdatedBy] = session.UserID

	if err := g.writer.Update(ctx, collection, id, data); err != nil {
		return g.done(OpUpdate, collection, id, storeResult(err)), nil
	}
	return g.done(OpUpdate, collection, id, OK(map[string]any{types.ColumnID: id})), nil
}

// Delete removes a record
func (g *StoreGateway) Delete(ctx context.Context, session types.Session, collection, id string) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GatewayDuration, string(OpDelete))

	if _, res := g.prepare(session, collection); res != nil {
		return g.done(OpDelete, collection, id, res), nil
	}
	if id == "" {
		return g.done(OpDelete, collection, id, Fail("record id is required")), nil
	}
	if err := g.writer.Delete(ctx, collection, id); err != nil {
		return g.done(OpDelete, collection, id, storeResult(err)), nil
	}
	return g.done(OpDelete, collection, id, OK(nil)), nil
}

func (g *StoreGateway) prepare(session types.Session, collection string) (*schema.Schema, *Result) {
	if session.Anonymous() {
		return nil, Fail("authentication required")
	}
	s, ok := g.schemas.Get(collection)
	if !ok {
		return nil, Fail("unknown collection " + collection)
	}
	return s, nil
}

func (g *StoreGateway) done(op Op, collection, id string, res *Result) *Result {
	outcome := "success"
	if !res.Success {
		outcome = "rejected"
		logger := log.WithRecordID(g.logger, id)
		logger.Debug().
			Str("op", string(op)).
			Str("collection", collection).
			Str("error", res.Error).
			Interface("field_errors", res.FieldErrors).
			Msg("Mutation rejected")
	}
	metrics.GatewayRequestsTotal.WithLabelValues(string(op), outcome).Inc()
	return res
}

func validationResult(err error) *Result {
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return FailFields(verr.Fields)
	}
	return Fail(err.Error())
}

func storeResult(err error) *Result {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Fail("record not found")
	case errors.Is(err, storage.ErrConflict):
		return Fail("record already exists")
	case errors.Is(err, storage.ErrPermissionDenied):
		return Fail("permission denied")
	case errors.Is(err, storage.ErrUnavailable):
		return Fail("store unavailable, try again")
	}
	return Fail(err.Error())
}
