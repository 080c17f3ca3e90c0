package types

import (
	"fmt"
	"sort"
	"strings"
)

// StoreErrorKind is the stable classification of a subscription failure
type StoreErrorKind string

const (
	StoreErrPermissionDenied StoreErrorKind = "permission-denied"
	StoreErrUnavailable      StoreErrorKind = "unavailable"
	StoreErrCanceled         StoreErrorKind = "canceled"
	StoreErrInternal         StoreErrorKind = "internal"
)

// StoreError reports that a live subscription itself failed. It is
// collection-wide and never tied to a single mutation.
type StoreError struct {
	Kind       StoreErrorKind
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store %s: %s", e.Collection, e.Kind)
	}
	return fmt.Sprintf("store %s: %s: %v", e.Collection, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// GatewayError is returned when the action gateway reports success=false
type GatewayError struct {
	Op          string
	Collection  string
	RecordID    string
	Message     string
	FieldErrors map[string]string
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s/%s: %s", e.Op, e.Collection, e.RecordID, e.Message)
	}
	if len(e.FieldErrors) > 0 {
		keys := make([]string, 0, len(e.FieldErrors))
		for k := range e.FieldErrors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+e.FieldErrors[k])
		}
		return fmt.Sprintf("%s %s/%s: %s", e.Op, e.Collection, e.RecordID, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("%s %s/%s: rejected", e.Op, e.Collection, e.RecordID)
}
