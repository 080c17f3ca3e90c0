package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/aggregate"
	"github.com/runwayhq/runway/pkg/gateway"
	"github.com/runwayhq/runway/pkg/log"
	"github.com/runwayhq/runway/pkg/metrics"
	"github.com/runwayhq/runway/pkg/optimistic"
	"github.com/runwayhq/runway/pkg/recordstore"
	"github.com/runwayhq/runway/pkg/schema"
	"github.com/runwayhq/runway/pkg/types"
	"github.com/runwayhq/runway/pkg/view"
)

// ErrNotMounted is returned by mutations on a controller that is not
// subscribed to its collection
var ErrNotMounted = errors.New("controller not mounted")

// Subscriber opens live record subscriptions. *recordstore.Client
// implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, collection string, order types.OrderSpec, handler recordstore.Handler) (*recordstore.Subscription, error)
}

// Config holds controller configuration
type Config struct {
	Collection string

	// Order is the subscription order. A zero value uses the schema's sort,
	// then types.DefaultOrder.
	Order types.OrderSpec

	// Sort is the initial view sort. A zero value uses Order.
	Sort types.OrderSpec

	PageSize    int
	EditTimeout time.Duration
}

// Deps are the collaborators a controller is built from
type Deps struct {
	Client   Subscriber
	Gateway  gateway.Gateway
	Schema   *schema.Schema
	Notifier types.Notifier
	Logger   zerolog.Logger
	Session  types.Session
}

// Controller drives one page bound to one collection: it keeps the live
// record set, the pending optimistic edits and the view state, and turns
// user mutations into gateway calls.
type Controller struct {
	cfg      Config
	client   Subscriber
	gw       gateway.Gateway
	schema   *schema.Schema
	notifier types.Notifier
	logger   zerolog.Logger
	session  types.Session
	edits    *optimistic.Buffer
	now      func() time.Time

	mountMu sync.Mutex
	sub     *recordstore.Subscription

	mu        sync.RWMutex
	set       types.RecordSet
	loaded    bool
	state     view.State
	storeErr  *types.StoreError
	announced types.StoreErrorKind

	lmu       sync.Mutex
	listeners map[int]func()
	nextID    int
}

// New creates a controller. It does not subscribe until Mount.
func New(cfg Config, deps Deps) (*Controller, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("record store client is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if deps.Schema == nil {
		return nil, fmt.Errorf("schema for %s is required", cfg.Collection)
	}
	if deps.Notifier == nil {
		deps.Notifier = types.NotifierFunc(func(types.Notice) {})
	}

	if cfg.Order.Field == "" {
		cfg.Order = deps.Schema.Sort
		if cfg.Order.Field == "" {
			cfg.Order = types.DefaultOrder
		}
	}
	if cfg.Sort.Field == "" {
		cfg.Sort = cfg.Order
	}

	return &Controller{
		cfg:       cfg,
		client:    deps.Client,
		gw:        deps.Gateway,
		schema:    deps.Schema,
		notifier:  deps.Notifier,
		logger:    deps.Logger.With().Str("component", "controller").Str("collection", cfg.Collection).Logger(),
		session:   deps.Session,
		edits:     optimistic.NewBuffer(cfg.EditTimeout),
		now:       time.Now,
		state:     view.NewState(cfg.Sort, cfg.PageSize),
		listeners: make(map[int]func()),
	}, nil
}

// Collection returns the bound collection
func (c *Controller) Collection() string {
	return c.cfg.Collection
}

// Mount subscribes to the collection. Mounting twice is a no-op.
func (c *Controller) Mount(ctx context.Context) error {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()

	if c.sub != nil {
		return nil
	}
	sub, err := c.client.Subscribe(ctx, c.cfg.Collection, c.cfg.Order, c.onUpdate)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.cfg.Collection, err)
	}
	c.sub = sub
	c.logger.Debug().Msg("Controller mounted")
	return nil
}

// Unmount releases the subscription. It is idempotent; a later Mount
// subscribes again.
func (c *Controller) Unmount() {
	c.mountMu.Lock()
	sub := c.sub
	c.sub = nil
	c.mountMu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
		c.logger.Debug().Msg("Controller unmounted")
	}
}

// Mounted reports whether the controller holds a subscription
func (c *Controller) Mounted() bool {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()
	return c.sub != nil
}

func (c *Controller) onUpdate(u recordstore.Update) {
	if u.Err != nil {
		c.onStoreError(u.Err)
		return
	}

	c.mu.Lock()
	c.set = u.Set
	c.loaded = true
	c.storeErr = nil
	c.announced = ""
	c.mu.Unlock()

	if cleared := c.edits.Reconcile(u.Set); len(cleared) > 0 {
		c.logger.Debug().Strs("record_ids", cleared).Msg("Edits confirmed by store")
	}
	c.changed()
}

// onStoreError raises the banner. Pending edits are kept: the failure is
// about the subscription, not about any one write.
func (c *Controller) onStoreError(serr *types.StoreError) {
	c.mu.Lock()
	c.storeErr = serr
	announce := c.announced != serr.Kind
	c.announced = serr.Kind
	c.mu.Unlock()

	if announce {
		c.notifier.Notify(types.Notice{
			Level:      types.NoticeError,
			Collection: c.cfg.Collection,
			Title:      storeErrorTitle(serr.Kind),
			Message:    serr.Error(),
			Persistent: true,
		})
	}
	c.changed()
}

func storeErrorTitle(kind types.StoreErrorKind) string {
	switch kind {
	case types.StoreErrPermissionDenied:
		return "You do not have access to this data"
	case types.StoreErrUnavailable:
		return "Connection lost, retrying"
	case types.StoreErrCanceled:
		return "Live updates stopped"
	}
	return "Failed to load data"
}

// StoreErr returns the standing subscription error, if any. It clears on
// the next record set.
func (c *Controller) StoreErr() *types.StoreError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storeErr
}

// Loaded reports whether a first record set has arrived
func (c *Controller) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// OnChange registers fn to run after every change to the set, the edits or
// the view state. The returned function removes it.
func (c *Controller) OnChange(fn func()) func() {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Controller) changed() {
	c.lmu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *Controller) snapshot() ([]types.Record, []types.OptimisticEdit, view.State) {
	c.mu.RLock()
	records := c.set.Records
	st := c.state.Clone()
	c.mu.RUnlock()
	return records, c.edits.Pending(), st
}

// View computes the current page
func (c *Controller) View() types.DerivedView {
	records, edits, st := c.snapshot()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ViewComputeDuration)
	return view.Compute(records, edits, st)
}

// Records returns the whole collection with pending edits merged in,
// unfiltered and in subscription order
func (c *Controller) Records() []types.Record {
	records, edits, _ := c.snapshot()
	return view.Merge(records, edits)
}

// Exists reports whether id names a live record: one the store holds or an
// accepted create put in place, and no pending delete has removed
func (c *Controller) Exists(id string) bool {
	for _, r := range c.Records() {
		if r.ID == id {
			return true
		}
	}
	return false
}

// Aggregate groups the merged collection by sel. The view filters do not
// apply.
func (c *Controller) Aggregate(sel aggregate.Selector) []types.AggregateBucket {
	return aggregate.CountBy(c.Records(), sel)
}

// AggregateMulti groups the merged collection by a multi-valued selector
func (c *Controller) AggregateMulti(sel aggregate.MultiSelector) []types.AggregateBucket {
	return aggregate.CountByMultiValue(c.Records(), sel)
}

// State returns a copy of the view state
func (c *Controller) State() view.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

func (c *Controller) mutateState(fn func(*view.State)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
	c.changed()
}

// SetFilter sets one field filter. view.NoFilter or "" clears it.
func (c *Controller) SetFilter(field, value string) {
	c.mutateState(func(s *view.State) { s.SetFilter(field, value) })
}

// SetSearch sets the free-text search term
func (c *Controller) SetSearch(text string) {
	c.mutateState(func(s *view.State) { s.SetSearch(text) })
}

// ResetFilters clears the filters and search term
func (c *Controller) ResetFilters() {
	c.mutateState(func(s *view.State) { s.ResetFilters() })
}

// SetSort sets the sort column and direction
func (c *Controller) SetSort(field string, dir types.SortDirection) {
	c.mutateState(func(s *view.State) { s.SetSort(field, dir) })
}

// SetPage moves to a page
func (c *Controller) SetPage(page int) {
	c.mutateState(func(s *view.State) { s.SetPage(page) })
}

// SetPageSize changes the page size
func (c *Controller) SetPageSize(size int) {
	c.mutateState(func(s *view.State) { s.SetPageSize(size) })
}

// Pending returns the edits waiting for the store
func (c *Controller) Pending() []types.OptimisticEdit {
	return c.edits.Pending()
}

// Overdue returns the edits older than the edit timeout
func (c *Controller) Overdue(now time.Time) []types.OptimisticEdit {
	return c.edits.Overdue(now)
}

// Create validates input, shows the new record immediately and asks the
// gateway to store it. It returns the new record id. On rejection the
// optimistic record is withdrawn and a *types.GatewayError is returned.
func (c *Controller) Create(ctx context.Context, input map[string]any) (string, error) {
	return c.CreateWithID(ctx, uuid.NewString(), input)
}

// CreateWithID is Create with a caller-chosen id. Creating over an existing
// id is rejected by the gateway.
func (c *Controller) CreateWithID(ctx context.Context, id string, input map[string]any) (string, error) {
	if !c.Mounted() {
		return "", ErrNotMounted
	}
	if id == "" {
		return "", fmt.Errorf("record id is required")
	}
	if err := c.schema.Validate(input, false); err != nil {
		return "", err
	}

	edit := c.edits.Apply(types.OptimisticEdit{
		RecordID:    id,
		Kind:        types.EditCreate,
		Payload:     c.schema.Sanitize(input),
		SubmittedAt: c.now(),
	})
	c.changed()

	res, err := c.gw.Create(ctx, c.session, c.cfg.Collection, id, input)
	if err := c.settle(gateway.OpCreate, edit, res, err); err != nil {
		return "", err
	}
	return id, nil
}

// Update validates a partial patch, applies it locally and sends it to the
// gateway
func (c *Controller) Update(ctx context.Context, id string, patch map[string]any) error {
	if !c.Mounted() {
		return ErrNotMounted
	}
	if id == "" {
		return fmt.Errorf("record id is required")
	}
	if err := c.schema.Validate(patch, true); err != nil {
		return err
	}

	edit := c.edits.Apply(types.OptimisticEdit{
		RecordID:      id,
		Kind:          types.EditUpdate,
		Payload:       c.schema.Sanitize(patch),
		SubmittedAt:   c.now(),
		BaseUpdatedAt: c.baseUpdatedAt(id),
	})
	c.changed()

	res, err := c.gw.Update(ctx, c.session, c.cfg.Collection, id, patch)
	return c.settle(gateway.OpUpdate, edit, res, err)
}

// Delete hides the record locally and asks the gateway to remove it
func (c *Controller) Delete(ctx context.Context, id string) error {
	if !c.Mounted() {
		return ErrNotMounted
	}
	if id == "" {
		return fmt.Errorf("record id is required")
	}

	edit := c.edits.Apply(types.OptimisticEdit{
		RecordID:      id,
		Kind:          types.EditDelete,
		SubmittedAt:   c.now(),
		BaseUpdatedAt: c.baseUpdatedAt(id),
	})
	c.changed()

	res, err := c.gw.Delete(ctx, c.session, c.cfg.Collection, id)
	return c.settle(gateway.OpDelete, edit, res, err)
}

func (c *Controller) baseUpdatedAt(id string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.set.Records {
		if r.ID == id {
			return r.UpdatedAt
		}
	}
	return time.Time{}
}

// settle resolves a gateway answer. Success leaves the edit in place until
// the store echoes it back; anything else rolls it back.
func (c *Controller) settle(op gateway.Op, edit types.OptimisticEdit, res *gateway.Result, callErr error) error {
	logger := log.WithRecordID(c.logger, edit.RecordID).With().Str("op", string(op)).Logger()

	var err error
	switch {
	case callErr != nil:
		err = fmt.Errorf("%s %s/%s: %w", op, c.cfg.Collection, edit.RecordID, callErr)
		logger.Warn().Err(callErr).Msg("Gateway call failed")
	case res.Check() != nil:
		err = fmt.Errorf("%s %s/%s: %w", op, c.cfg.Collection, edit.RecordID, res.Check())
		logger.Error().Interface("result", res).Msg("Gateway returned a malformed result")
	case !res.Success:
		err = res.Err(op, c.cfg.Collection, edit.RecordID)
		logger.Info().Str("error", res.Error).Interface("field_errors", res.FieldErrors).Msg("Mutation rejected")
	default:
		return nil
	}

	if c.edits.RollbackSeq(edit.RecordID, edit.Seq) {
		metrics.EditRollbacksTotal.Inc()
	}
	c.notifier.Notify(types.Notice{
		Level:      types.NoticeError,
		Collection: c.cfg.Collection,
		RecordID:   edit.RecordID,
		Title:      failureTitle(op),
		Message:    err.Error(),
	})
	c.changed()
	return err
}

func failureTitle(op gateway.Op) string {
	switch op {
	case gateway.OpCreate:
		return "Could not save the new record"
	case gateway.OpDelete:
		return "Could not delete the record"
	}
	return "Could not save changes"
}
