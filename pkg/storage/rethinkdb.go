package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/types"
	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

// RethinkConfig holds connection settings for a RethinkDB backend
type RethinkConfig struct {
	Address  string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

// RethinkStore implements Store on RethinkDB. Live watches use changefeeds
// with initial results, and reconnect with backoff when the feed drops.
type RethinkStore struct {
	sess   *r.Session
	db     string
	logger zerolog.Logger

	retryBase time.Duration
	retryMax  time.Duration
}

// NewRethinkStore connects and ensures the database exists
func NewRethinkStore(ctx context.Context, cfg RethinkConfig, logger zerolog.Logger) (*RethinkStore, error) {
	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		return nil, fmt.Errorf("rethinkdb: address is required")
	}
	if cfg.Database == "" {
		cfg.Database = "runway"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := r.ConnectOpts{
		Address:      addr,
		InitialCap:   2,
		MaxOpen:      10,
		Timeout:      cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if u := strings.TrimSpace(cfg.Username); u != "" {
		opts.Username = u
	}
	if p := strings.TrimSpace(cfg.Password); p != "" {
		opts.Password = p
	}
	sess, err := r.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("rethinkdb connect failed addr=%s: %w", addr, classify(err))
	}

	s := &RethinkStore{
		sess:      sess,
		db:        cfg.Database,
		logger:    logger,
		retryBase: 200 * time.Millisecond,
		retryMax:  10 * time.Second,
	}
	if err := retryTransient(5, func() error {
		_, err := r.DBCreate(s.db).RunWrite(s.sess)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return err
		}
		return nil
	}); err != nil {
		sess.Close()
		return nil, fmt.Errorf("rethinkdb ensure database %s: %w", s.db, classify(err))
	}
	return s, nil
}

// Close shuts down the session
func (s *RethinkStore) Close() error {
	if s == nil || s.sess == nil {
		return nil
	}
	return s.sess.Close()
}

// Ping runs a trivial query
func (s *RethinkStore) Ping(ctx context.Context) error {
	cur, err := r.Expr(1).Run(s.sess, r.RunOpts{Context: ctx})
	if err != nil {
		return classify(err)
	}
	return cur.Close()
}

func (s *RethinkStore) ensureTable(collection string) error {
	return retryTransient(5, func() error {
		_, err := r.DB(s.db).TableCreate(collection).RunWrite(s.sess)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return err
		}
		return nil
	})
}

func (s *RethinkStore) ensureIndex(collection, field string) error {
	_, err := r.DB(s.db).Table(collection).IndexCreate(field).RunWrite(s.sess)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	cur, err := r.DB(s.db).Table(collection).IndexWait(field).Run(s.sess)
	if err != nil {
		return err
	}
	return cur.Close()
}

// Create inserts a document with the given primary key
func (s *RethinkStore) Create(ctx context.Context, collection, id string, data map[string]any) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	if err := s.ensureTable(collection); err != nil {
		return classify(err)
	}
	doc := make(map[string]any, len(data)+1)
	for k, v := range data {
		doc[k] = v
	}
	doc["id"] = id
	res, err := r.DB(s.db).Table(collection).Insert(doc, r.InsertOpts{Conflict: "error"}).
		RunWrite(s.sess, r.RunOpts{Context: ctx})
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate primary key") {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrConflict)
		}
		return classify(err)
	}
	if res.Errors > 0 {
		if strings.Contains(res.FirstError, "Duplicate primary key") {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrConflict)
		}
		return fmt.Errorf("insert %s/%s: %s", collection, id, res.FirstError)
	}
	return nil
}

// Update merges patch into a document. A nil value removes the field.
func (s *RethinkStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	set := make(map[string]any, len(patch))
	var drop []any
	for k, v := range patch {
		if k == "id" {
			continue
		}
		if v == nil {
			drop = append(drop, k)
			continue
		}
		set[k] = v
	}
	term := r.DB(s.db).Table(collection).Get(id)
	var res r.WriteResponse
	var err error
	if len(drop) > 0 {
		res, err = term.Replace(func(row r.Term) r.Term {
			return row.Without(drop...).Merge(set)
		}).RunWrite(s.sess, r.RunOpts{Context: ctx})
	} else {
		res, err = term.Update(set).RunWrite(s.sess, r.RunOpts{Context: ctx})
	}
	if err != nil {
		return classify(err)
	}
	if res.Skipped > 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if res.Errors > 0 {
		return fmt.Errorf("update %s/%s: %s", collection, id, res.FirstError)
	}
	return nil
}

// Delete removes a document by id
func (s *RethinkStore) Delete(ctx context.Context, collection, id string) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	res, err := r.DB(s.db).Table(collection).Get(id).Delete().RunWrite(s.sess, r.RunOpts{Context: ctx})
	if err != nil {
		return classify(err)
	}
	if res.Skipped > 0 || res.Deleted == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// Get returns one document
func (s *RethinkStore) Get(ctx context.Context, collection, id string) (Document, error) {
	cur, err := r.DB(s.db).Table(collection).Get(id).Run(s.sess, r.RunOpts{Context: ctx})
	if err != nil {
		return Document{}, classify(err)
	}
	defer cur.Close()
	var data map[string]any
	if err := cur.One(&data); err != nil {
		if errors.Is(err, r.ErrEmptyResult) {
			return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return Document{}, classify(err)
	}
	if data == nil {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return toDocument(data), nil
}

// Watch opens a changefeed on a collection. When the query carries an
// order with a limit, the feed is an ordered top-N feed on a secondary index.
func (s *RethinkStore) Watch(ctx context.Context, q Query) (*Stream, error) {
	if err := validCollection(q.Collection); err != nil {
		return nil, err
	}
	if err := s.ensureTable(q.Collection); err != nil {
		return nil, classify(err)
	}
	if q.Order.Limit > 0 && q.Order.Field != "" && q.Order.Field != "id" {
		if err := s.ensureIndex(q.Collection, q.Order.Field); err != nil {
			return nil, classify(err)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Batch, 64)
	go s.watch(ctx, q, ch)
	return &Stream{C: ch, Cancel: cancel}, nil
}

func (s *RethinkStore) changesTerm(q Query) r.Term {
	term := r.DB(s.db).Table(q.Collection)
	if q.Order.Limit > 0 && q.Order.Field != "" {
		index := r.Asc(q.Order.Field)
		if q.Order.Direction == types.Descending {
			index = r.Desc(q.Order.Field)
		}
		return term.OrderBy(r.OrderByOpts{Index: index}).Limit(q.Order.Limit).
			Changes(r.ChangesOpts{IncludeInitial: true, IncludeStates: true})
	}
	return term.Changes(r.ChangesOpts{IncludeInitial: true, IncludeStates: true})
}

func (s *RethinkStore) watch(ctx context.Context, q Query, ch chan<- Batch) {
	defer close(ch)
	logger := s.logger.With().Str("collection", q.Collection).Logger()

	send := func(b Batch) bool {
		select {
		case ch <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}

	backoff := s.retryBase
	for ctx.Err() == nil {
		err := s.runFeed(ctx, q, send, func() { backoff = s.retryBase })
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("%w: changefeed closed", ErrUnavailable)
		}
		logger.Warn().Err(err).Dur("retry_in", backoff).Msg("changefeed interrupted")
		if !send(Batch{Err: classify(err)}) {
			return
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > s.retryMax {
			backoff = s.retryMax
		}
	}
}

// runFeed consumes one changefeed cursor until it fails. Initial results
// are gathered into a single Reset batch, released when the feed reports
// it is ready.
func (s *RethinkStore) runFeed(ctx context.Context, q Query, send func(Batch) bool, onReady func()) error {
	cur, err := s.changesTerm(q).Run(s.sess, r.RunOpts{Context: ctx})
	if err != nil {
		return err
	}
	defer cur.Close()

	stop := context.AfterFunc(ctx, func() { cur.Close() })
	defer stop()

	var initial []Change
	ready := false
	var raw map[string]any
	for cur.Next(&raw) {
		change, state, ok := translateChange(raw)
		raw = nil
		switch {
		case state == "ready":
			if !send(Batch{Changes: initial, Reset: true}) {
				return nil
			}
			initial = nil
			ready = true
			onReady()
		case state != "":
			// "initializing" and friends
		case !ok:
		case !ready:
			initial = applyInitial(initial, change)
		default:
			if !send(Batch{Changes: []Change{change}}) {
				return nil
			}
		}
	}
	return cur.Err()
}

// applyInitial folds a change into the pending initial set. Changes that
// land while the feed is still initializing may touch documents already
// collected.
func applyInitial(initial []Change, c Change) []Change {
	for i := range initial {
		if initial[i].Doc.ID != c.Doc.ID {
			continue
		}
		if c.Type == ChangeRemoved {
			return append(initial[:i], initial[i+1:]...)
		}
		initial[i].Doc = c.Doc
		return initial
	}
	if c.Type == ChangeRemoved {
		return initial
	}
	return append(initial, Change{Type: ChangeAdded, Doc: c.Doc})
}

// translateChange maps a raw changefeed row onto a Change. Rows carrying a
// "state" key are feed status notifications and return that state instead.
func translateChange(raw map[string]any) (Change, string, bool) {
	if st, ok := raw["state"].(string); ok {
		return Change{}, st, false
	}
	newVal, _ := raw["new_val"].(map[string]any)
	oldVal, _ := raw["old_val"].(map[string]any)
	switch {
	case oldVal == nil && newVal != nil:
		return Change{Type: ChangeAdded, Doc: toDocument(newVal)}, "", true
	case oldVal != nil && newVal != nil:
		return Change{Type: ChangeModified, Doc: toDocument(newVal)}, "", true
	case oldVal != nil && newVal == nil:
		return Change{Type: ChangeRemoved, Doc: toDocument(oldVal)}, "", true
	}
	return Change{}, "", false
}

func toDocument(data map[string]any) Document {
	doc := Document{Data: make(map[string]any, len(data))}
	for k, v := range data {
		if k == "id" {
			doc.ID = fmt.Sprint(v)
			continue
		}
		doc.Data[k] = v
	}
	return doc
}

func retryTransient(attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransientErr(err) {
			return err
		}
		time.Sleep(time.Duration(200*(i+1)) * time.Millisecond)
	}
	return err
}
