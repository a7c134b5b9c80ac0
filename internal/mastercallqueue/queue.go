// Package mastercallqueue serializes every call against the master account
// through a single paced worker, so concurrent follower fan-out never bursts
// requests against the one account every cache miss ultimately depends on.
package mastercallqueue

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"copytrader/internal/core"
	"copytrader/pkg/telemetry"
)

// job is one pending master-account call and the channel its result is
// delivered back on.
type job struct {
	call   func(ctx context.Context) (any, error)
	result chan callResult
}

type callResult struct {
	value any
	err   error
}

// Queue is a single-consumer FIFO of master-account API calls, paced by a
// token-bucket limiter so the master account is never hit faster than the
// configured tick rate regardless of how many goroutines enqueue work.
type Queue struct {
	jobs    chan job
	limiter *rate.Limiter
	logger  core.ILogger
}

// New builds a Queue that allows one call every tick, with backlog buffered
// up to capacity before Enqueue blocks the caller.
func New(tick time.Duration, capacity int, logger core.ILogger) *Queue {
	return &Queue{
		jobs:    make(chan job, capacity),
		limiter: rate.NewLimiter(rate.Every(tick), 1),
		logger:  logger.WithField("component", "master_call_queue"),
	}
}

// Enqueue submits call and blocks until the single worker has executed it
// and returned a result, or ctx is canceled first.
func (q *Queue) Enqueue(ctx context.Context, call func(ctx context.Context) (any, error)) (any, error) {
	j := job{call: call, result: make(chan callResult, 1)}

	telemetry.GetGlobalMetrics().SetQueueDepth(int64(len(q.jobs)))

	select {
	case q.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-j.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drains the queue one job at a time, waiting for the limiter between
// every call. It implements bootstrap.Runner and exits when ctx is canceled.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("master call queue worker starting")
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("master call queue worker stopping")
			return nil
		case j := <-q.jobs:
			if err := q.limiter.Wait(ctx); err != nil {
				j.result <- callResult{err: fmt.Errorf("rate limiter wait: %w", err)}
				continue
			}
			value, err := j.call(ctx)
			j.result <- callResult{value: value, err: err}
			telemetry.GetGlobalMetrics().SetQueueDepth(int64(len(q.jobs)))
		}
	}
}
