// Package queue carries registration jobs from the API to the workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/config"
)

var (
	// ErrClosed is returned by Push after Close, and by Pop once a closed queue is drained.
	ErrClosed = errors.New("queue is closed")
	// ErrFull is returned by Push when a bounded queue has no room.
	ErrFull = errors.New("queue is full")
)

// Queue is a FIFO of jobs. Implementations are safe for concurrent use.
type Queue interface {
	Push(ctx context.Context, job schemas.Job) error
	// Pop blocks until a job is available, the queue is closed, or ctx ends.
	Pop(ctx context.Context) (schemas.Job, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// New builds the queue selected by cfg. rdb is only used by the redis backend.
func New(cfg config.QueueConfig, rdb *redis.Client, logger *zap.Logger) (Queue, error) {
	switch cfg.Backend {
	case config.QueueMemory, "":
		return NewMemory(cfg.Size), nil
	case config.QueueRedis:
		if rdb == nil {
			return nil, errors.New("redis queue backend requires a redis client")
		}
		return NewRedis(rdb, cfg.Key, cfg.PopTimeout, logger), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
}

// Memory is an in-process bounded queue.
type Memory struct {
	jobs      chan schemas.Job
	done      chan struct{}
	closeOnce sync.Once
}

var _ Queue = (*Memory)(nil)

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 256
	}
	return &Memory{jobs: make(chan schemas.Job, size), done: make(chan struct{})}
}

// Push never blocks; a full queue rejects the job.
func (m *Memory) Push(ctx context.Context, job schemas.Job) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case m.jobs <- job:
		return nil
	default:
		return ErrFull
	}
}

func (m *Memory) Pop(ctx context.Context) (schemas.Job, error) {
	select {
	case job := <-m.jobs:
		return job, nil
	default:
	}
	select {
	case job := <-m.jobs:
		return job, nil
	case <-m.done:
		// Drain what was queued before Close.
		select {
		case job := <-m.jobs:
			return job, nil
		default:
			return schemas.Job{}, ErrClosed
		}
	case <-ctx.Done():
		return schemas.Job{}, ctx.Err()
	}
}

func (m *Memory) Len(context.Context) (int, error) { return len(m.jobs), nil }

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
