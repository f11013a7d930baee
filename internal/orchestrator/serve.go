package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/queue"
)

// ResultSink receives every finished result.
type ResultSink interface {
	SaveResult(ctx context.Context, res *schemas.RegistrationResult) error
}

const popRetryDelay = time.Second

// Serve consumes jobs from q until ctx ends or q is closed and drained. At most
// queue.workers runs execute at once, and runs against the same host are spaced
// by queue.per_host_interval. Results go to sink when it is non-nil.
func (o *Orchestrator) Serve(ctx context.Context, q queue.Queue, sink ResultSink) error {
	if q == nil {
		return errors.New("queue cannot be nil")
	}
	qc := o.cfg.Queue()
	workers := qc.Workers
	if workers <= 0 {
		workers = 1
	}
	pacer := newHostPacer(qc.PerHostInterval)
	log := o.logger.With(zap.Int("workers", workers))
	log.Info("Serving registration jobs.")

	var g errgroup.Group
	g.SetLimit(workers)

	for {
		job, err := q.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				break
			}
			log.Error("Failed to pop job, backing off.", zap.Error(err))
			if sleepErr := browser.Sleep(ctx, popRetryDelay); sleepErr != nil {
				break
			}
			continue
		}

		// Blocks while every worker is busy.
		g.Go(func() error {
			jobLog := log.With(zap.String("job_id", job.ID), zap.String("target_url", job.TargetURL))
			if err := pacer.Wait(ctx, job.TargetURL); err != nil {
				jobLog.Info("Job abandoned before it started.", zap.Error(err))
				return nil
			}
			res := o.Run(ctx, job)
			if sink == nil {
				return nil
			}
			if err := sink.SaveResult(context.WithoutCancel(ctx), res); err != nil {
				jobLog.Error("Failed to save run result.", zap.String("run_id", res.RunID), zap.Error(err))
			}
			return nil
		})
	}

	// Runs never return errors; Wait only drains them.
	_ = g.Wait()
	log.Info("Stopped serving registration jobs.")
	return nil
}

// hostPacer spaces out runs against the same host with one limiter per host.
type hostPacer struct {
	every    time.Duration
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHostPacer(every time.Duration) *hostPacer {
	return &hostPacer{every: every, limiters: make(map[string]*rate.Limiter)}
}

func (p *hostPacer) Wait(ctx context.Context, target string) error {
	if p.every <= 0 {
		return ctx.Err()
	}
	host := strings.ToLower(target)
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = strings.ToLower(u.Hostname())
	}

	p.mu.Lock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.every), 1)
		p.limiters[host] = l
	}
	p.mu.Unlock()
	return l.Wait(ctx)
}
