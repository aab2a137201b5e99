// Package common defines shared constants and sentinel errors used across
// client and server layers of gophsync. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken      = errors.New("invalid token")
	ErrTokenExpired      = errors.New("token expired")
	ErrNamespaceMismatch = errors.New("namespace mismatch")

	// Sync endpoint auth parameter errors.
	ErrInvalidAuthParam = errors.New("invalid auth parameter")
)
