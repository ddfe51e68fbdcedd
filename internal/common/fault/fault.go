// Package fault classifies failures across the platform.
//
// The dispatcher decides what to do with a handler outcome purely from the
// classification here: ordinary errors are retried (abandon), poison errors
// are dead-lettered (fail), critical errors are never acknowledged and are
// allowed to take the process down. Owner mismatches are not errors at all;
// the stores treat them as silent no-ops.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrInvalidArgument marks caller mistakes: names, TTLs, limits or owners
// outside their allowed domain. No state changes when it is returned.
var ErrInvalidArgument = errors.New("invalid argument")

// Invalidf builds an invalid-argument error with a formatted detail message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// IsInvalid reports whether err is an invalid-argument failure.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// ErrPoison marks a message that must not be retried: a handler declared it
// unprocessable, or no handler exists for an inbound topic.
var ErrPoison = errors.New("poison message")

// Poisonf builds a poison error with a formatted detail message.
func Poisonf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPoison, fmt.Sprintf(format, args...))
}

// IsPoison reports whether err marks a message for dead-lettering.
func IsPoison(err error) bool { return errors.Is(err, ErrPoison) }

// ErrCritical marks environment failures that must escape the dispatch loop
// untouched: the message is neither acked nor abandoned, and the error
// propagates until it stops the service.
//
// Memory exhaustion and stack overflow do not pass through here at all; the
// Go runtime raises them as unrecoverable fatal errors that no recover can
// intercept, which is exactly the required behaviour.
var ErrCritical = errors.New("critical fault")

// Criticalf builds a critical error with a formatted detail message.
func Criticalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCritical, fmt.Sprintf(format, args...))
}

// IsCritical reports whether err must escape the dispatcher.
func IsCritical(err error) bool { return errors.Is(err, ErrCritical) }

// PanicError wraps a recovered handler panic so it can travel as an ordinary
// error through the abandon/retry path.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Catch runs fn and converts a panic into a *PanicError result. Fatal runtime
// conditions (out of memory, stack exhaustion) are not panics and cannot be
// caught; they terminate the process as required.
func Catch(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// Transient SQLSTATE classes and codes: connection failures, serialization
// conflicts, deadlocks and resource pressure. Retrying is safe because every
// mutation is owner-bound and idempotent.
func transientPgCode(code string) bool {
	if len(code) >= 2 && code[:2] == "08" {
		return true
	}
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available
		"53300", // too_many_connections
		"57P03": // cannot_connect_now
		return true
	}
	return false
}

// IsTransient reports whether err is worth retrying: connectivity loss,
// timeouts, deadlocks and cancellation-by-deadline.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPgCode(pgErr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// IsUndefinedTable reports whether err is Postgres undefined_table, raised
// when a schema has not been deployed yet. Cleanup loops log and continue on
// this instead of crashing.
func IsUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
