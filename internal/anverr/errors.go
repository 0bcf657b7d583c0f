// Package anverr defines the typed error kinds used throughout Anvil's
// storage layers. Every leaf dtable, wrapper, and the managed-dtable
// lifecycle return errors built with New/Wrap so callers can branch on
// Kind with errors.Is / errors.As instead of matching strings.
package anverr

import (
	"errors"
	"fmt"
)

// Kind classifies a storage error the way spec.md §7 enumerates them.
type Kind int

const (
	// NotFound means a lookup found no entry for the key.
	NotFound Kind = iota
	// Exists means a create/open collided with something already there.
	Exists
	// InvalidArgument means a wrong key type, malformed config, or bad range.
	InvalidArgument
	// NoEntry means a referenced sub-object (factory, column, listener) is missing.
	NoEntry
	// Busy means a required comparator is unset or an atx conflict occurred.
	Busy
	// Unsupported means the chosen base dtable can't provide a requested capability.
	Unsupported
	// IO means the underlying transactional file layer failed.
	IO
	// NoMemory means an allocation could not be satisfied.
	NoMemory
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not-found"
	case Exists:
		return "exists"
	case InvalidArgument:
		return "invalid-argument"
	case NoEntry:
		return "no-entry"
	case Busy:
		return "busy"
	case Unsupported:
		return "unsupported"
	case IO:
		return "io"
	case NoMemory:
		return "no-memory"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged error that wraps an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, anverr.NotFound) work by comparing Kind against a
// sentinel wrapped in a bare *Error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds a *Error with no wrapped cause.
func New(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// Newf builds a *Error whose cause is a formatted message.
func Newf(op string, kind Kind, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap builds a *Error around an existing error, tagging it with Kind.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// sentinels for errors.Is(err, anverr.ErrNotFound)-style checks against a
// plain Kind comparison, matching the teacher's internal/rpc/errors.go
// pattern of exporting both a Kind enum and ready-made sentinels.
var (
	ErrNotFound        = &Error{Op: "", Kind: NotFound}
	ErrExists          = &Error{Op: "", Kind: Exists}
	ErrInvalidArgument = &Error{Op: "", Kind: InvalidArgument}
	ErrNoEntry         = &Error{Op: "", Kind: NoEntry}
	ErrBusy            = &Error{Op: "", Kind: Busy}
	ErrUnsupported     = &Error{Op: "", Kind: Unsupported}
	ErrIO              = &Error{Op: "", Kind: IO}
	ErrNoMemory        = &Error{Op: "", Kind: NoMemory}
)
