// Package apperr defines the error taxonomy shared by the admission, cache
// and order pipeline layers. Sentinels are compared with errors.Is; callers
// classify wrapped infrastructure errors with Mark so the original cause and
// stack survive.
package apperr

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrTransientUnavailable means the store could not be reached. Callers
	// retry with backoff; HTTP handlers translate it into 503.
	ErrTransientUnavailable = errors.New("store temporarily unavailable")

	// ErrLockNotAcquired means a named lease is held by someone else.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrPersistenceConflict means an order for the same user and item is
	// already stored. The pipeline treats it as a successful no-op.
	ErrPersistenceConflict = errors.New("order already persisted")

	// ErrNotFound is returned for entities that do not exist in the system of
	// record, including the cached "empty" sentinel.
	ErrNotFound = errors.New("not found")

	ErrActivityNotFound  = errors.New("activity not found")
	ErrActivityNotOpen   = errors.New("activity not open yet")
	ErrActivityClosed    = errors.New("activity closed")
	ErrSequenceExhausted = errors.New("sequence exhausted for today")

	// ErrInvalidArgument marks caller input that can never succeed.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStockExhausted is raised when the persisted stock has no unit left for
	// a ticket that was admitted in Redis.
	ErrStockExhausted = errors.New("persisted stock exhausted")
)

// Transient wraps err with msg and marks it as ErrTransientUnavailable.
func Transient(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrTransientUnavailable)
}

// IsTransient reports whether err is (or wraps) ErrTransientUnavailable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientUnavailable)
}
