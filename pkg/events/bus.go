package events

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Settings selects the transport. With Redis disabled events stay in process.
type Settings struct {
	Topic         string
	RedisEnabled  bool
	RedisAddr     string
	RedisGroup    string
	RedisConsumer string
}

func DefaultSettings() Settings {
	return Settings{
		Topic:         DefaultTopic,
		RedisAddr:     "localhost:6379",
		RedisGroup:    "telechat",
		RedisConsumer: "telechat-1",
	}
}

// Publisher is the narrow interface the bot depends on.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Bus owns a watermill publisher and subscriber pair.
type Bus struct {
	topic      string
	publisher  message.Publisher
	subscriber message.Subscriber
	closers    []func() error
}

var _ Publisher = &Bus{}

// NewBus builds an in-memory bus or, when enabled, one backed by Redis Streams.
func NewBus(s Settings) (*Bus, error) {
	if strings.TrimSpace(s.Topic) == "" {
		s.Topic = DefaultTopic
	}
	logger := NewZerologAdapter(log.Logger)

	if !s.RedisEnabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Bus{
			topic:      s.Topic,
			publisher:  ch,
			subscriber: ch,
			closers:    []func() error{ch.Close},
		}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "events: redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.RedisGroup,
		Consumer:      s.RedisConsumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "events: redis subscriber")
	}
	log.Info().Str("addr", s.RedisAddr).Str("stream", s.Topic).Str("group", s.RedisGroup).Msg("events on redis streams")
	return &Bus{
		topic:      s.Topic,
		publisher:  pub,
		subscriber: sub,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

func (b *Bus) Topic() string { return b.topic }

func (b *Bus) Subscriber() message.Subscriber { return b.subscriber }

// Publish never fails the caller; a lost event is logged.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	payload, err := e.Marshal()
	if err != nil {
		log.Warn().Err(err).Str("type", string(e.Type)).Msg("dropping event")
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("type", string(e.Type))
	if err := b.publisher.Publish(b.topic, msg); err != nil {
		log.Warn().Err(err).Str("type", string(e.Type)).Int64("user_id", e.UserID).Msg("publish event failed")
	}
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// EnsureGroupAtTail creates the consumer group at "$" so a fresh group does not replay the
// whole stream.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "events: create consumer group")
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// Handler receives decoded events. Returning an error nacks the message.
type Handler func(ctx context.Context, e Event) error

// Consume subscribes to topic and calls h for every event until ctx is done. Undecodable
// payloads are acked and skipped.
func Consume(ctx context.Context, sub message.Subscriber, topic string, h Handler) error {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return errors.Wrap(err, "events: subscribe")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			e, err := Unmarshal(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("skipping malformed event")
				msg.Ack()
				continue
			}
			if err := h(ctx, e); err != nil {
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}
}

// RunAuditLog logs every conversation event until ctx is done.
func RunAuditLog(ctx context.Context, sub message.Subscriber, topic string) error {
	return Consume(ctx, sub, topic, func(_ context.Context, e Event) error {
		ev := log.Info()
		if e.Type == TypeFailed {
			ev = log.Warn().Str("error", e.Error)
		}
		ev.Str("type", string(e.Type)).
			Int64("user_id", e.UserID).
			Int("continuations", e.Continuations).
			Int("calls", e.Calls).
			Str("model", e.Model).
			Int("chars", e.Chars).
			Int("total_tokens", e.TotalTokens).
			Msg("conversation event")
		return nil
	})
}
