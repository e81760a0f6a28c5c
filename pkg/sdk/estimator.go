package ctxmeter

import (
	"context"
	"fmt"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
)

// Estimate is a token count derived from a rendered conversation.
type Estimate struct {
	Prompt     int
	Candidates int
}

// Estimator counts the tokens of a rendered conversation (HTML).
type Estimator interface {
	Estimate(ctx context.Context, html string) (Estimate, error)
}

// estimatorAdapter wraps public Estimator to satisfy the session estimator.
type estimatorAdapter struct {
	inner Estimator
}

func (a *estimatorAdapter) Estimate(ctx context.Context, html string) (snapshot.Snapshot, error) {
	r, err := a.inner.Estimate(ctx, html)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("estimate: %w", err)
	}
	return snapshot.Estimated(r.Prompt, r.Candidates), nil
}
