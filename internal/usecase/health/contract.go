package health

import "context"

// DBPinger checks database availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// TokenizerChecker reports whether the token vocabulary is usable.
type TokenizerChecker interface {
	HealthCheck(ctx context.Context) error
}
