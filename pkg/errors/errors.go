package dmsync_errors

import "errors"

// Common errors
var (
	ErrValidation     = errors.New("validation failed")
	ErrIdentitySpoof  = errors.New("claimed sender does not match authenticated identity")
	ErrPersistence    = errors.New("persistence failure")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrInvalidFrame   = errors.New("invalid frame")
	ErrNotInitialized = errors.New("not initialized")
)
