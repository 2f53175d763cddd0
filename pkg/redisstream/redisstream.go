package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/aqyn/pkg/events"
)

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// DefaultSettings returns the disabled in-memory default.
func DefaultSettings() Settings {
	return Settings{Enabled: false, Addr: "localhost:6379", Group: "chat-ui", Consumer: "ui-1"}
}

// BuildRouter constructs an events.EventRouter backed by Redis Streams when
// enabled. If settings.Enabled is false, it returns a default in-memory
// router.
func BuildRouter(s Settings, verbose bool) (*events.EventRouter, error) {
	if !s.Enabled {
		return events.NewEventRouter(events.WithVerbose(verbose))
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := events.NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, err
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		return nil, err
	}

	return events.NewEventRouter(
		events.WithPublisher(message.Publisher(pub)),
		events.WithSubscriber(message.Subscriber(sub)),
		events.WithVerbose(verbose),
	)
}

// SessionSubscription returns the per-session subscription function the web
// server uses on the Redis path. Each session reads its topic through its own
// consumer group, created at the stream tail so a fresh subscriber never
// replays history that predates the connection.
func SessionSubscription(s Settings) func(ctx context.Context, sessionID, topic string) (<-chan *message.Message, func(), error) {
	return func(ctx context.Context, sessionID, topic string) (<-chan *message.Message, func(), error) {
		group := s.Group + ":" + sessionID
		if err := EnsureGroupAtTail(ctx, s.Addr, topic, group); err != nil {
			return nil, nil, err
		}
		sub, err := BuildGroupSubscriber(s.Addr, group, s.Consumer)
		if err != nil {
			return nil, nil, err
		}
		msgs, err := sub.Subscribe(ctx, topic)
		if err != nil {
			_ = sub.Close()
			return nil, nil, err
		}
		return msgs, func() { _ = sub.Close() }, nil
	}
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given
// consumer group/name, for per-session forwarders that need their own cursor.
func BuildGroupSubscriber(addr, group, consumer string) (message.Subscriber, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := events.NewWatermillLogger(log.Logger)
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist. This prevents full historical replay on first
// subscribe.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
