package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/runwayhq/runway/pkg/types"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrConflict         = errors.New("document already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnavailable      = errors.New("store unavailable")
)

// Document is a raw stored document. Data keeps the backend's native value
// encodings (timestamps in particular); normalization happens in the
// record store client.
type Document struct {
	ID   string
	Data map[string]any
}

// ChangeType classifies a document change
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one document change within a batch
type Change struct {
	Type ChangeType
	Doc  Document
}

// Batch is one delivery from a watch. Either Err is set or Changes is.
// When Reset is true the changes replace the whole collection (initial
// load or resync after a gap).
type Batch struct {
	Changes []Change
	Reset   bool
	Err     error
}

// Stream encapsulates a live collection watch. C is closed when the watch
// ends for good (Cancel, context done, or store closed).
type Stream struct {
	C      <-chan Batch
	Cancel func()
}

// Query selects what a watch delivers
type Query struct {
	Collection string
	Order      types.OrderSpec
}

// Watcher opens live subscriptions on collections
type Watcher interface {
	Watch(ctx context.Context, q Query) (*Stream, error)
}

// Writer performs single-document writes. Each call is atomic per document;
// there is no multi-document transaction.
type Writer interface {
	Create(ctx context.Context, collection, id string, data map[string]any) error
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (Document, error)
}

// Store defines the backing document store used by Runway
type Store interface {
	Watcher
	Writer
	Ping(ctx context.Context) error
	Close() error
}

func validCollection(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("collection name is required")
	}
	return nil
}

// isTransientErr matches the connection failures worth retrying
func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, frag := range []string{"no primary replica", "not available", "connection reset", "connection refused", "broken pipe", "timed out", "eof", "closed"} {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}

// classify wraps a backend error with the matching sentinel
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnavailable) {
		return err
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "permission"), strings.Contains(s, "not allowed"), strings.Contains(s, "unknown user"), strings.Contains(s, "authentication"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case isTransientErr(err):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
