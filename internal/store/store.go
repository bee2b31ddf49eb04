// Package store defines the uniform storage capability each tier backend
// provides to the cache engine, plus the error classification the fetch
// path relies on to tell clean misses apart from transport failures.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Store is the capability the engine consumes from every tier backend.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the payload for cid, or a NotFound error.
	Get(ctx context.Context, cid string) ([]byte, error)
	// Put stores the payload under cid.
	Put(ctx context.Context, cid string, payload []byte) error
	// Delete removes cid. Deleting a missing cid is not an error.
	Delete(ctx context.Context, cid string) error
	// Stat reports existence and size without transferring the payload.
	Stat(ctx context.Context, cid string) (StatInfo, error)
}

// StatInfo describes stored content without its payload
type StatInfo struct {
	SizeBytes int64
}

// ErrorKind classifies Store failures for the failover path
type ErrorKind int

const (
	// KindNotFound is a clean miss: the backend is healthy but does not
	// hold the content. Does not affect tier health.
	KindNotFound ErrorKind = iota
	// KindUnreachable is a transport or connection failure.
	KindUnreachable
	// KindTimeout is a deadline expiry on a single attempt.
	KindTimeout
	// KindCapacity means the backend rejected a write for lack of space.
	KindCapacity
	// KindInternal is any other backend failure.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindCapacity:
		return "capacity"
	default:
		return "internal"
	}
}

// Error is a classified Store failure
type Error struct {
	Kind ErrorKind
	CID  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s (cid=%s): %v", e.Kind, e.CID, e.Err)
	}
	return fmt.Sprintf("store %s (cid=%s)", e.Kind, e.CID)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound builds a clean-miss error for cid
func NotFound(cid string) *Error {
	return &Error{Kind: KindNotFound, CID: cid}
}

// Unreachable builds a transport-failure error for cid
func Unreachable(cid string, err error) *Error {
	return &Error{Kind: KindUnreachable, CID: cid, Err: err}
}

// Timeout builds a deadline-expiry error for cid
func Timeout(cid string, err error) *Error {
	return &Error{Kind: KindTimeout, CID: cid, Err: err}
}

// CapacityExceeded builds a write-rejection error for cid
func CapacityExceeded(cid string, err error) *Error {
	return &Error{Kind: KindCapacity, CID: cid, Err: err}
}

// Internal builds an unclassified backend error for cid
func Internal(cid string, err error) *Error {
	return &Error{Kind: KindInternal, CID: cid, Err: err}
}

// KindOf classifies an arbitrary error returned from a Store call.
// Context deadline expiry is treated as a timeout even if the backend
// did not wrap it.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsNotFound reports whether err is a clean miss
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsUnreachable reports whether err is a transport failure
func IsUnreachable(err error) bool {
	return KindOf(err) == KindUnreachable
}

// IsTimeout reports whether err is a deadline expiry
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsCapacity reports whether err is a capacity rejection
func IsCapacity(err error) bool {
	return KindOf(err) == KindCapacity
}
