package domain

import "errors"

var (
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput signals a malformed request.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPayloadTooLarge signals a body above the configured limit.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrUnavailable signals a dependency that cannot serve right now.
	ErrUnavailable = errors.New("unavailable")
	// ErrNotImplemented signals an unconfigured feature.
	ErrNotImplemented = errors.New("not implemented")
)
