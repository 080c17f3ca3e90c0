package gateway

import (
	"context"
	"errors"

	"github.com/runwayhq/runway/pkg/types"
)

// ErrMalformedResult is returned by Result.Check when a gateway answer is
// neither a success nor a failure
var ErrMalformedResult = errors.New("malformed gateway result")

// Op names a mutation
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Result is the discriminated answer of every mutation: either
// {success: true, data?} or {success: false, error | fieldErrors}
type Result struct {
	Success     bool              `json:"success"`
	Data        map[string]any    `json:"data,omitempty"`
	Error       string            `json:"error,omitempty"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
}

// OK builds a success result
func OK(data map[string]any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail builds a failure with a message
func Fail(msg string) *Result {
	return &Result{Error: msg}
}

// FailFields builds a failure with per-field messages
func FailFields(fields map[string]string) *Result {
	return &Result{FieldErrors: fields}
}

// Check reports whether the result has one of the two valid shapes. A nil
// result, a success carrying an error, or a failure without any error are
// malformed.
func (r *Result) Check() error {
	switch {
	case r == nil:
		return ErrMalformedResult
	case r.Success && (r.Error != "" || len(r.FieldErrors) > 0):
		return ErrMalformedResult
	case !r.Success && r.Error == "" && len(r.FieldErrors) == 0:
		return ErrMalformedResult
	}
	return nil
}

// Err converts a failed result into a *types.GatewayError. It returns nil
// for a success.
func (r *Result) Err(op Op, collection, id string) error {
	if r.Success {
		return nil
	}
	return &types.GatewayError{
		Op:          string(op),
		Collection:  collection,
		RecordID:    id,
		Message:     r.Error,
		FieldErrors: r.FieldErrors,
	}
}

// Gateway performs validated writes on behalf of a session. A returned
// error means the call itself failed (transport, context); a rejected
// mutation is a Result with Success false.
type Gateway interface {
	Create(ctx context.Context, session types.Session, collection, id string, input map[string]any) (*Result, error)
	Update(ctx context.Context, session types.Session, collection, id string, patch map[string]any) (*Result, error)
	Delete(ctx context.Context, session types.Session, collection, id string) (*Result, error)
}
