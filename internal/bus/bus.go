package bus

import (
	"context"

	"github.com/deploybay/engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ActivationChannel carries project IDs whose active deployment just changed.
// The gateway subscribes to drop its cached route early; correctness does not
// depend on delivery, only the cache TTL does.
const ActivationChannel = "deploybay:activations"

// ActivationPublisher announces activations.
type ActivationPublisher interface {
	PublishActivation(ctx context.Context, projectID uuid.UUID) error
}

// RedisPublisher publishes activations over redis pub/sub.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

var _ ActivationPublisher = (*RedisPublisher)(nil)

func (p *RedisPublisher) PublishActivation(ctx context.Context, projectID uuid.UUID) error {
	return p.rdb.Publish(ctx, ActivationChannel, projectID.String()).Err()
}

// Subscribe invokes fn for every activation announcement until ctx ends.
// Malformed messages are dropped with a warning.
func Subscribe(ctx context.Context, rdb *redis.Client, fn func(projectID uuid.UUID)) {
	sub := rdb.Subscribe(ctx, ActivationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			id, err := uuid.Parse(msg.Payload)
			if err != nil {
				logger.L().Warn("invalid activation message", zap.String("payload", msg.Payload), zap.Error(err))
				continue
			}
			fn(id)
		}
	}
}
