package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for cache engine operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeInvalidCID      ErrorCode = 1001
	ErrCodeContentNotFound ErrorCode = 1002

	// Tier and replication errors
	ErrCodeTierUnreachable        ErrorCode = 2000
	ErrCodeTierTimeout            ErrorCode = 2001
	ErrCodeCapacityExceeded       ErrorCode = 2002
	ErrCodeReplicationBelowQuorum ErrorCode = 2003
	ErrCodeNoReplication          ErrorCode = 2004
	ErrCodeIntegrityMismatch      ErrorCode = 2005

	// Internal errors
	ErrCodeInternal       ErrorCode = 3000
	ErrCodeMetadataFailed ErrorCode = 3001
	ErrCodeStoreFailed    ErrorCode = 3002
)

// CacheError represents a structured error with code and context
type CacheError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// NewCacheError creates a new CacheError
func NewCacheError(code ErrorCode, message string, cause error) *CacheError {
	return &CacheError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInvalidArgument, message, cause)
}

func InvalidCID(cid, reason string) *CacheError {
	return NewCacheError(ErrCodeInvalidCID, fmt.Sprintf("invalid cid '%s': %s", cid, reason), nil).
		WithDetail("cid", cid).
		WithDetail("reason", reason)
}

func ContentNotFound(cid string, tiersTried int) *CacheError {
	return NewCacheError(ErrCodeContentNotFound, fmt.Sprintf("content not found: %s (%d tiers tried)", cid, tiersTried), nil).
		WithDetail("cid", cid).
		WithDetail("tiers_tried", tiersTried)
}

func TierUnreachable(tierName string, cause error) *CacheError {
	return NewCacheError(ErrCodeTierUnreachable, fmt.Sprintf("tier unreachable: %s", tierName), cause).
		WithDetail("tier", tierName)
}

func TierTimeout(tierName string, cause error) *CacheError {
	return NewCacheError(ErrCodeTierTimeout, fmt.Sprintf("tier fetch timed out: %s", tierName), cause).
		WithDetail("tier", tierName)
}

func CapacityExceeded(tierName string, needed, available int64) *CacheError {
	return NewCacheError(ErrCodeCapacityExceeded, fmt.Sprintf("tier %s capacity exceeded: need %d bytes, %d available", tierName, needed, available), nil).
		WithDetail("tier", tierName).
		WithDetail("needed_bytes", needed).
		WithDetail("available_bytes", available)
}

func ReplicationBelowQuorum(cid string, succeeded, quorum int) *CacheError {
	return NewCacheError(ErrCodeReplicationBelowQuorum, fmt.Sprintf("replication below quorum for %s: %d/%d", cid, succeeded, quorum), nil).
		WithDetail("cid", cid).
		WithDetail("succeeded", succeeded).
		WithDetail("quorum", quorum)
}

func NoReplication(cid string, attempted int) *CacheError {
	return NewCacheError(ErrCodeNoReplication, fmt.Sprintf("no replica written for %s: %d attempts failed", cid, attempted), nil).
		WithDetail("cid", cid).
		WithDetail("attempted", attempted)
}

func IntegrityMismatch(cid string, corruptedTiers []string) *CacheError {
	return NewCacheError(ErrCodeIntegrityMismatch, fmt.Sprintf("integrity mismatch for %s on tiers %v", cid, corruptedTiers), nil).
		WithDetail("cid", cid).
		WithDetail("corrupted_tiers", corruptedTiers)
}

func InternalError(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInternal, message, cause)
}

func MetadataFailed(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeMetadataFailed, message, cause)
}

func StoreFailed(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeStoreFailed, message, cause)
}

// IsCacheError checks if an error is a CacheError
func IsCacheError(err error) bool {
	var ce *CacheError
	return errors.As(err, &ce)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// IsContentNotFound reports whether the error is a terminal not-found
func IsContentNotFound(err error) bool {
	return GetCode(err) == ErrCodeContentNotFound
}

// IsBelowQuorum reports whether the error is a replication quorum failure
func IsBelowQuorum(err error) bool {
	code := GetCode(err)
	return code == ErrCodeReplicationBelowQuorum || code == ErrCodeNoReplication
}
