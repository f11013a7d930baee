package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

// Redis is a list-backed queue shared by every process pointing at the same key.
// Jobs are RPUSHed and BLPOPed, so ordering is FIFO across producers.
type Redis struct {
	rdb     *redis.Client
	key     string
	timeout time.Duration
	logger  *zap.Logger
	closed  atomic.Bool
}

var _ Queue = (*Redis)(nil)

// NewRedis wraps rdb. The client stays owned by the caller.
func NewRedis(rdb *redis.Client, key string, popTimeout time.Duration, logger *zap.Logger) *Redis {
	if key == "" {
		key = "autoreg:jobs"
	}
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	return &Redis{rdb: rdb, key: key, timeout: popTimeout, logger: logger.Named("queue.redis")}
}

func (q *Redis) Push(ctx context.Context, job schemas.Job) error {
	if q.closed.Load() {
		return ErrClosed
	}
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	if err := q.rdb.RPush(ctx, q.key, b).Err(); err != nil {
		return fmt.Errorf("failed to push job %s: %w", job.ID, err)
	}
	return nil
}

// Pop waits in pop-timeout slices so Close and ctx are noticed promptly.
// Undecodable entries are logged and dropped.
func (q *Redis) Pop(ctx context.Context) (schemas.Job, error) {
	for {
		if q.closed.Load() {
			return schemas.Job{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return schemas.Job{}, err
		}
		res, err := q.rdb.BLPop(ctx, q.timeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return schemas.Job{}, ctx.Err()
			}
			return schemas.Job{}, fmt.Errorf("failed to pop job: %w", err)
		}
		// BLPOP answers [key, value].
		if len(res) != 2 {
			continue
		}
		var job schemas.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Error("Dropping undecodable job.", zap.Error(err), zap.Int("bytes", len(res[1])))
			continue
		}
		return job, nil
	}
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}

// Close stops this handle; jobs already in Redis stay there for other consumers.
func (q *Redis) Close() error {
	q.closed.Store(true)
	return nil
}
