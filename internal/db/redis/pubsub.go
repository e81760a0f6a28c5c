package redis

import (
	"context"
	"errors"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/ctxmeter/internal/db"
)

// Publish sends payload to every subscriber of channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	cmd := s.b().Publish().Channel(channel).Message(rueidis.BinaryString(payload)).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpPublish, Err: err}
	}
	return nil
}

// Subscribe blocks, delivering messages on channel to handler, until ctx is
// done. Cancellation is a clean exit and returns nil.
func (s *Store) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	cmd := s.b().Subscribe().Channel(channel).Build()
	err := s.client.Receive(ctx, cmd, func(msg rueidis.PubSubMessage) {
		handler([]byte(msg.Message))
	})
	if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return &db.Error{Op: db.OpSubscribe, Err: err}
}
