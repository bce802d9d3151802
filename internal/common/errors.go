// Package common defines shared constants and sentinel errors used across
// client and server layers of listsync. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Mutation outcomes.
	ErrPermissionDenied    = errors.New("permission denied")
	ErrVersionConflict     = errors.New("version conflict")
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// Infrastructure errors (store or broker unreachable; caller must retry).
	ErrTransportUnavailable = errors.New("transport unavailable")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Connection lifecycle errors.
	ErrConnectionClosed = errors.New("connection closed")

	// Gap-fill impossible: requested events fall behind the retention horizon.
	ErrRetentionExceeded = errors.New("retention horizon exceeded")
)
