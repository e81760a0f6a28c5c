// Package lastusage persists the latest accepted usage event per context so
// a restarted process can show it before new signals arrive.
package lastusage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kailas-cloud/ctxmeter/internal/db"
	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
)

// store is the consumer interface for last-usage operations (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Store keeps one JSON-encoded event per context under <prefix>last_usage:<id>.
type Store struct {
	store  store
	prefix string
	ttl    time.Duration
}

// New creates a last-usage store. A non-positive ttl keeps entries forever.
func New(s store, prefix string, ttl time.Duration) *Store {
	return &Store{store: s, prefix: prefix, ttl: ttl}
}

// Save overwrites the stored event of contextID.
func (s *Store) Save(ctx context.Context, contextID string, ev snapshot.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("last usage encode: %w", err)
	}
	key := s.key(contextID)
	if err := s.store.SetWithTTL(ctx, key, data, s.ttl); err != nil {
		return fmt.Errorf("last usage SET %s: %w", key, err)
	}
	return nil
}

// Load returns the stored event of contextID. ok is false when none is stored.
func (s *Store) Load(ctx context.Context, contextID string) (ev snapshot.Event, ok bool, err error) {
	key := s.key(contextID)
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return snapshot.Event{}, false, nil
		}
		return snapshot.Event{}, false, fmt.Errorf("last usage GET %s: %w", key, err)
	}

	if err := json.Unmarshal(data, &ev); err != nil {
		return snapshot.Event{}, false, fmt.Errorf("last usage GET %s decode: %w", key, err)
	}
	if !ev.Source.Valid() {
		return snapshot.Event{}, false, fmt.Errorf("last usage GET %s: unknown source %q", key, ev.Source)
	}
	return ev, true, nil
}

// Delete removes the stored event of contextID.
func (s *Store) Delete(ctx context.Context, contextID string) error {
	key := s.key(contextID)
	if err := s.store.Del(ctx, key); err != nil {
		return fmt.Errorf("last usage DEL %s: %w", key, err)
	}
	return nil
}

func (s *Store) key(contextID string) string {
	return s.prefix + "last_usage:" + contextID
}
