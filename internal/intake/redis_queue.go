package intake

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue pops submissions from a Redis list. Producers LPUSH.
type RedisQueue struct {
	rdb       *redis.Client
	queueName string
	block     time.Duration
}

func NewRedisQueue(rdb *redis.Client, queueName string, block time.Duration) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName, block: block}
}

// Pop blocks up to the configured time (BRPOP). It returns "" with no error
// when nothing arrived.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	res, err := q.rdb.BRPop(ctx, q.block, q.queueName).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Push enqueues a raw submission.
func (q *RedisQueue) Push(ctx context.Context, raw string) error {
	return q.rdb.LPush(ctx, q.queueName, raw).Err()
}
