// Package relay fans a single producer's chunk stream out to any number of
// concurrent subscribers with full replay. It is two-tiered: a durable
// pub/sub channel (watermill; Redis Streams in production, in-memory
// gochannel otherwise) carries chunks across processes, and each process
// keeps a per-topic replay buffer feeding its local subscribers, so a
// subscriber attaching mid-generation still sees the sequence from the
// start. Topics idle out after a configurable window without chunks, which
// completes subscribers normally and bounds resource lifetime when a
// producer dies without a final chunk.
package relay

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"chatrelay/internal/ai"
)

const DefaultIdleTimeout = 30 * time.Second

// TopicName is the durable-channel topic for a chat's in-flight response.
func TopicName(chatID string) string {
	return "chat.stream." + chatID
}

type Relay struct {
	pub         message.Publisher
	sub         message.Subscriber
	idleTimeout time.Duration
	logger      zerolog.Logger

	topics *registry

	// durable Subscribe invocations, observable for tests
	subscribeCalls atomic.Int64
}

type topic struct {
	chatID string
	buf    *buffer
	cancel context.CancelFunc
}

type Option func(*Relay)

func WithIdleTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

func New(pub message.Publisher, sub message.Subscriber, opts ...Option) *Relay {
	r := &Relay{
		pub:         pub,
		sub:         sub,
		idleTimeout: DefaultIdleTimeout,
		logger:      zerolog.Nop(),
		topics:      newRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish puts a chunk on the durable channel under the chat's topic.
// Delivery is best-effort: failures are logged and swallowed, the persisted
// final message remains the source of truth.
func (r *Relay) Publish(ctx context.Context, chatID string, chunk ai.StreamChunk) {
	payload, err := json.Marshal(chunk)
	if err != nil {
		r.logger.Error().Err(err).Str("chat_id", chatID).Msg("relay: marshal chunk")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := r.pub.Publish(TopicName(chatID), msg); err != nil {
		r.logger.Error().Err(err).Str("chat_id", chatID).Msg("relay: publish chunk")
	}
}

// Subscription is one consumer's view of a topic: buffered chunks in
// publish order, then the live tail. C closes without error both on normal
// completion and on idle teardown.
type Subscription struct {
	C      <-chan ai.StreamChunk
	cancel context.CancelFunc
}

func (s *Subscription) Close() { s.cancel() }

// Attach subscribes to a chat's chunk stream. The first Attach for a chat
// creates the topic: one durable subscription plus a bridge goroutine
// filling the replay buffer. Later Attach calls share that topic.
func (r *Relay) Attach(ctx context.Context, chatID string) (*Subscription, error) {
	t, err := r.topics.getOrCreate(chatID, func() (*topic, error) {
		return r.createTopic(chatID)
	})
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	return &Subscription{C: t.buf.subscribe(subCtx), cancel: cancel}, nil
}

// SubscribeCalls reports how many durable subscriptions the relay has
// opened over its lifetime.
func (r *Relay) SubscribeCalls() int64 {
	return r.subscribeCalls.Load()
}

// ActiveTopics reports the number of live topics.
func (r *Relay) ActiveTopics() int {
	return r.topics.size()
}

func (r *Relay) createTopic(chatID string) (*topic, error) {
	// The bridge outlives any single request, so it runs on its own
	// context rather than a caller's.
	bridgeCtx, cancel := context.WithCancel(context.Background())
	msgs, err := r.sub.Subscribe(bridgeCtx, TopicName(chatID))
	if err != nil {
		cancel()
		return nil, err
	}
	r.subscribeCalls.Add(1)

	t := &topic{chatID: chatID, buf: newBuffer(), cancel: cancel}
	go r.runBridge(t, msgs)

	r.logger.Debug().Str("chat_id", chatID).Msg("relay: topic created")
	return t, nil
}

// runBridge moves chunks off the durable channel into the replay buffer
// and tears the topic down after idleTimeout without traffic.
func (r *Relay) runBridge(t *topic, msgs <-chan *message.Message) {
	timer := time.NewTimer(r.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				r.teardown(t, "subscription closed")
				return
			}
			var chunk ai.StreamChunk
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
				r.logger.Error().Err(err).Str("chat_id", t.chatID).Msg("relay: bad chunk payload")
				msg.Ack()
				continue
			}
			msg.Ack()
			t.buf.append(chunk)

			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(r.idleTimeout)

		case <-timer.C:
			r.teardown(t, "idle timeout")
			return
		}
	}
}

// teardown completes all subscribers normally, releases the buffer and the
// durable subscription, and frees the chat id for a future topic epoch. A
// publish arriving after teardown stays on the durable channel; the relay
// never resurrects the old topic.
func (r *Relay) teardown(t *topic, reason string) {
	r.topics.remove(t.chatID, t)
	t.cancel()
	t.buf.close()
	r.logger.Debug().Str("chat_id", t.chatID).Str("reason", reason).Int("chunks", t.buf.len()).Msg("relay: topic torn down")
}

// Close tears down every live topic and both transport ends.
func (r *Relay) Close() error {
	for _, t := range r.topics.all() {
		r.teardown(t, "relay closed")
	}
	if err := r.sub.Close(); err != nil {
		r.logger.Error().Err(err).Msg("relay: close subscriber")
	}
	return r.pub.Close()
}
