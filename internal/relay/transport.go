package relay

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"

	"chatrelay/internal/common"
)

// NewRedisTransport builds the production durable channel on Redis Streams.
// Every relay instance subscribes with its own consumer group reading from
// the beginning of each stream, so a bridge created mid-generation still
// receives the full chunk sequence.
func NewRedisTransport(client redis.UniversalClient, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	marshaller := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaller,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	instance := common.MustULID()
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaller,
		ConsumerGroup: "relay-" + instance,
		Consumer:      "relay-consumer-" + instance,
		OldestId:      "0",
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, nil, err
	}

	return pub, sub, nil
}

// NewMemoryTransport builds an in-process durable channel. Persistent mode
// replays all previously published messages to new subscribers, matching
// the Redis Streams semantics closely enough for single-process use and
// for tests.
func NewMemoryTransport(logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          true,
	}, logger)
	return ch, ch
}
