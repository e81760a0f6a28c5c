package health

import (
	"context"
	"errors"

	"github.com/kailas-cloud/ctxmeter/internal/tokenizer"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
	// Unhealthy indicates total failure.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckPending indicates a component that has not finished starting.
	CheckPending CheckResult = "pending"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// Service coordinates health checks.
type Service struct {
	db        DBPinger
	tokenizer TokenizerChecker
}

// New creates a Service. db is nil when the service runs without a database.
func New(db DBPinger, tok TokenizerChecker) *Service {
	return &Service{db: db, tokenizer: tok}
}

// Check runs health checks against all components. A pending tokenizer
// does not degrade the status; it loads on first use.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			checks["database"] = CheckError
		} else {
			checks["database"] = CheckOK
		}
	}

	if s.tokenizer != nil {
		err := s.tokenizer.HealthCheck(ctx)
		switch {
		case err == nil:
			checks["tokenizer"] = CheckOK
		case errors.Is(err, tokenizer.ErrNotLoaded):
			checks["tokenizer"] = CheckPending
		default:
			checks["tokenizer"] = CheckError
		}
	}

	status := Healthy
	failed := 0
	for _, v := range checks {
		if v == CheckError {
			failed++
		}
	}
	switch {
	case failed > 0 && failed == len(checks):
		status = Unhealthy
	case failed > 0:
		status = Degraded
	}

	return Report{Status: status, Checks: checks}
}
