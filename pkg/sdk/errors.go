package ctxmeter

import (
	"github.com/kailas-cloud/ctxmeter/internal/domain"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/session"
)

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrNotFound         = domain.ErrNotFound
	ErrInvalidInput     = domain.ErrInvalidInput
	ErrPayloadTooLarge  = domain.ErrPayloadTooLarge
	ErrInvalidContextID = session.ErrInvalidID
	ErrClosed           = session.ErrClosed
)
