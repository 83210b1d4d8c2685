// Package remote defines the interface to the remote authority the sync
// engine reconciles against, plus its error taxonomy.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/agridata/fieldsync/internal/models"
)

// ErrNotFound is returned by Fetch, Update, and Delete when the remote has
// no record for the given identifier. On delete this is treated as success
// by callers since the desired end state is already achieved.
var ErrNotFound = errors.New("remote record not found")

// ErrorKind classifies remote failures for retry policy.
type ErrorKind string

const (
	// ErrorTransient covers timeouts, connection failures, and 5xx
	// responses. Operations failing this way are retried with backoff.
	ErrorTransient ErrorKind = "transient"

	// ErrorPermanent covers validation rejections and other 4xx responses.
	// Operations failing this way are not retried automatically.
	ErrorPermanent ErrorKind = "permanent"
)

// Error is a classified remote failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote %s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient builds a transient remote error.
func Transient(message string, err error) *Error {
	return &Error{Kind: ErrorTransient, Message: message, Err: err}
}

// Permanent builds a permanent remote error.
func Permanent(message string, err error) *Error {
	return &Error{Kind: ErrorPermanent, Message: message, Err: err}
}

// IsTransient reports whether an error should be retried. Unknown error
// types default to transient so network-level failures are retried.
func IsTransient(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == ErrorTransient
	}
	return !errors.Is(err, ErrNotFound)
}

// IsNotFound reports whether an error means the remote record is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Record is a record as held by the remote authority.
type Record struct {
	RemoteID string
	Payload  models.Payload
}

// Store is the remote authority consumed by the sync engine. All blocking
// calls take a context for timeout and cancellation.
type Store interface {
	// Create inserts a record and returns the server-assigned identifier.
	// The idempotency key is derived from the client-assigned ID so a
	// retried create after a mid-commit crash does not duplicate the record.
	Create(ctx context.Context, table, idempotencyKey string, payload models.Payload) (*Record, error)

	// Update overwrites a record and returns its new remote state.
	Update(ctx context.Context, table, remoteID string, payload models.Payload) (*Record, error)

	// Delete removes a record. Returns ErrNotFound if it is already gone.
	Delete(ctx context.Context, table, remoteID string) error

	// Fetch returns the current remote state of a record, used as the
	// comparison point for conflict detection.
	Fetch(ctx context.Context, table, remoteID string) (*Record, error)
}
