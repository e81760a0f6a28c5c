package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
	"github.com/kailas-cloud/ctxmeter/internal/metrics"
)

// resubscribeDelay is the pause before re-subscribing after a failure.
const resubscribeDelay = time.Second

// InboxSize bounds received events waiting for dispatch.
const InboxSize = 256

// dispatchTimeout caps the handlers of one received event.
const dispatchTimeout = 5 * time.Second

// pubsub is the consumer interface over db.PubSub (ISP).
type pubsub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error
}

// Redis relays events over a Redis/Valkey pub/sub channel as JSON.
// Received events are queued and dispatched by one worker: the subscribe
// callback runs on the client's read loop and must not issue commands.
type Redis struct {
	ps       pubsub
	channel  string
	logger   *zap.Logger
	handlers handlers

	inbox      chan snapshot.Event
	cancel     context.CancelFunc
	done       chan struct{}
	dispatched chan struct{}
	once       sync.Once
}

// NewRedis subscribes to channel in the background until Close.
func NewRedis(ps pubsub, channel string, logger *zap.Logger) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		ps:         ps,
		channel:    channel,
		logger:     logger,
		inbox:      make(chan snapshot.Event, InboxSize),
		cancel:     cancel,
		done:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	go r.listen(ctx)
	go r.dispatch()
	return r
}

// Send publishes ev.
func (r *Redis) Send(ctx context.Context, ev snapshot.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode broadcast event: %w", err)
	}
	if err := r.ps.Publish(ctx, r.channel, payload); err != nil {
		return fmt.Errorf("publish broadcast event: %w", err)
	}
	return nil
}

// OnReceive registers h.
func (r *Redis) OnReceive(h Handler) { r.handlers.add(h) }

// Close ends the subscription, then waits for queued events to be dispatched.
func (r *Redis) Close() {
	r.once.Do(func() {
		r.cancel()
		<-r.done
		close(r.inbox)
		<-r.dispatched
	})
}

func (r *Redis) listen(ctx context.Context) {
	defer close(r.done)
	for {
		err := r.ps.Subscribe(ctx, r.channel, r.receive)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			metrics.RelayFailuresTotal.WithLabelValues("broadcast_subscribe").Inc()
			r.logger.Warn("Broadcast subscription lost", zap.String("channel", r.channel), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

// receive runs on the subscription's read loop. It only decodes and queues.
func (r *Redis) receive(payload []byte) {
	var ev snapshot.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.logger.Warn("Discarding undecodable broadcast event", zap.Error(err))
		return
	}
	if ev.Type != snapshot.EventType || !ev.Source.Valid() || ev.Origin == "" {
		r.logger.Warn("Discarding invalid broadcast event",
			zap.String("type", ev.Type),
			zap.String("source", string(ev.Source)),
		)
		return
	}
	select {
	case r.inbox <- ev:
	default:
		metrics.RelayFailuresTotal.WithLabelValues("broadcast_inbox_overflow").Inc()
		r.logger.Warn("Broadcast inbox full, dropping event",
			zap.String("origin", ev.Origin),
			zap.Int("total_tokens", ev.Data.Total()),
		)
	}
}

func (r *Redis) dispatch() {
	defer close(r.dispatched)
	for ev := range r.inbox {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		r.handlers.dispatch(ctx, ev)
		cancel()
	}
}
