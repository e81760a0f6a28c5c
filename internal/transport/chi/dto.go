package chi

import (
	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/limits"
	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/arbitration"
)

// ErrorCode is a machine-readable error kind.
type ErrorCode string

// Error codes.
const (
	ErrorCodeBadRequest      ErrorCode = "bad_request"
	ErrorCodeUnauthorized    ErrorCode = "unauthorized"
	ErrorCodeNotFound        ErrorCode = "not_found"
	ErrorCodePayloadTooLarge ErrorCode = "payload_too_large"
	ErrorCodeUnavailable     ErrorCode = "unavailable"
	ErrorCodeNotImplemented  ErrorCode = "not_implemented"
	ErrorCodeInternalError   ErrorCode = "internal_error"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// TrafficRequest is one observed response, reported by a capture agent.
type TrafficRequest struct {
	URL  string `json:"url"`
	Body string `json:"body"`
}

// TrafficResponse reports what the observation did.
type TrafficResponse struct {
	Matched  bool `json:"matched"`
	Accepted bool `json:"accepted"`
}

// UsageResponse is the latest accepted event graded against the display plan.
type UsageResponse struct {
	Event     snapshot.Event    `json:"event"`
	Percent   float64           `json:"percent"`
	Level     limits.Level      `json:"level"`
	Tier      limits.Tier       `json:"tier"`
	MaxTokens int               `json:"max_tokens"`
	Phase     arbitration.Phase `json:"phase"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func usageView(ev snapshot.Event, limit limits.Limit, phase arbitration.Phase) UsageResponse {
	total := ev.Data.Total()
	return UsageResponse{
		Event:     ev,
		Percent:   limit.Percent(total),
		Level:     limit.Level(total),
		Tier:      limit.Tier(),
		MaxTokens: limit.MaxTokens(),
		Phase:     phase,
	}
}
