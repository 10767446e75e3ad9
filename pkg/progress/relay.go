package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/vyvo/studio/backend/pkg/logging"
)

// DefaultTopic is the pub/sub channel or subject progress events travel on.
const DefaultTopic = "orchestrator.progress"

// Relay carries encoded events between orchestrator processes so a viewer
// connected to one replica sees work running on another.
type Relay interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe blocks, calling handle for each message, until ctx is done.
	Subscribe(ctx context.Context, handle func(payload []byte)) error
	Close() error
}

// RedisRelay relays events over Redis pub/sub.
type RedisRelay struct {
	client  *redis.Client
	channel string
}

func NewRedisRelay(redisURL, channel string) (*RedisRelay, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if channel == "" {
		channel = DefaultTopic
	}
	return &RedisRelay{client: client, channel: channel}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context, handle func(payload []byte)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle([]byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

// NATSRelay relays events over a NATS subject.
type NATSRelay struct {
	nc      *nats.Conn
	subject string
}

func NewNATSRelay(url, subject string, logger logging.Logger) (*NATSRelay, error) {
	logger = logging.Ensure(logger)
	opts := []nats.Option{
		nats.Name("studio-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		subject = DefaultTopic
	}
	return &NATSRelay{nc: nc, subject: subject}, nil
}

func (r *NATSRelay) Publish(ctx context.Context, payload []byte) error {
	if r.nc == nil || r.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return r.nc.Publish(r.subject, payload)
}

func (r *NATSRelay) Subscribe(ctx context.Context, handle func(payload []byte)) error {
	sub, err := r.nc.Subscribe(r.subject, func(msg *nats.Msg) {
		handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (r *NATSRelay) Close() error {
	if r.nc != nil {
		_ = r.nc.Drain()
		r.nc.Close()
	}
	return nil
}
