// Package worker implements the bounded task scheduler each pipeline stage runs on.
//
// A coordinator goroutine owns the task queue and feeds a job channel consumed by
// a fixed set of worker goroutines; workers report every attempt on a result
// channel. Only the coordinator touches the queue, the retry bookkeeping and the
// report, so no locking is needed around results.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/guqu-crawler/internal/crawler"
	"github.com/JakeFAU/guqu-crawler/internal/metrics"
)

// Task is one unit of stage work. ID is used for logging and correlation only.
type Task[In any] struct {
	ID    string
	Input In
}

// Handler executes one attempt of a task. It must honor ctx cancellation.
type Handler[In, Out any] func(ctx context.Context, in In) (Out, error)

// Options controls a single Run invocation.
type Options[Out any] struct {
	// Stage labels logs and metrics.
	Stage string
	// Concurrency caps the number of attempts executing at once (default 1).
	Concurrency int
	// Timeout bounds a single attempt; zero disables the per-attempt deadline.
	Timeout time.Duration
	// Retry decides re-enqueueing; nil means best-effort (no retries).
	Retry crawler.RetryPolicy
	// Logger receives per-task events; nil disables logging.
	Logger *zap.Logger
	// OnSuccess and OnFailure are invoked from the coordinator goroutine, one at a time.
	// Results of abandoned attempts never reach OnSuccess.
	OnSuccess func(taskID string, value Out)
	OnFailure func(failure crawler.TaskFailure)
}

// Report is the terminal state of a Run. Results carry no ordering guarantee.
type Report[Out any] struct {
	Results  []Out
	Failures []crawler.TaskFailure
	Retries  int
}

type job[In any] struct {
	index   int
	attempt int
}

type outcome[Out any] struct {
	index   int
	attempt int
	value   Out
	err     error
}

// Run executes tasks with at most opts.Concurrency attempts in flight and returns
// once every task has either succeeded or permanently failed. Cancelling ctx fails
// queued tasks and pending retries with the context error; Run still drains.
func Run[In, Out any](ctx context.Context, tasks []Task[In], handler Handler[In, Out], opts Options[Out]) Report[Out] {
	opts = opts.withDefaults()
	var report Report[Out]
	if len(tasks) == 0 {
		return report
	}

	jobs := make(chan job[In])
	results := make(chan outcome[Out])
	requeue := make(chan job[In])

	var wg sync.WaitGroup
	for i := 0; i < min(opts.Concurrency, len(tasks)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- runAttempt(ctx, tasks[j.index], j, handler, opts)
			}
		}()
	}

	pending := make([]job[In], 0, len(tasks))
	for i := range tasks {
		pending = append(pending, job[In]{index: i, attempt: 1})
	}

	fail := func(j job[In], err error) {
		failure := crawler.TaskFailure{TaskID: tasks[j.index].ID, Attempts: j.attempt, Err: err}
		report.Failures = append(report.Failures, failure)
		opts.Logger.Error("task failed",
			zap.String("stage", opts.Stage),
			zap.String("task_id", failure.TaskID),
			zap.Int("attempts", failure.Attempts),
			zap.Error(err),
		)
		if opts.OnFailure != nil {
			opts.OnFailure(failure)
		}
	}

	done := ctx.Done()
	canceled := false
	terminal := 0
	for terminal < len(tasks) {
		if !canceled && ctx.Err() != nil {
			canceled = true
			done = nil
		}
		if canceled && len(pending) > 0 {
			for _, j := range pending {
				fail(j, ctx.Err())
				terminal++
			}
			pending = pending[:0]
			continue
		}

		var sendCh chan job[In]
		var next job[In]
		if len(pending) > 0 {
			sendCh = jobs
			next = pending[0]
		}

		select {
		case sendCh <- next:
			pending = pending[1:]
		case out := <-results:
			j := job[In]{index: out.index, attempt: out.attempt}
			taskID := tasks[out.index].ID
			switch {
			case out.err == nil:
				terminal++
				report.Results = append(report.Results, out.value)
				opts.Logger.Debug("task succeeded",
					zap.String("stage", opts.Stage),
					zap.String("task_id", taskID),
					zap.Int("attempt", out.attempt),
				)
				if opts.OnSuccess != nil {
					opts.OnSuccess(taskID, out.value)
				}
			case ctx.Err() == nil && opts.Retry.ShouldRetry(out.err, out.attempt):
				report.Retries++
				metrics.ObserveRetry(opts.Stage)
				delay := opts.Retry.Backoff(out.attempt)
				opts.Logger.Warn("task attempt failed; retrying",
					zap.String("stage", opts.Stage),
					zap.String("task_id", taskID),
					zap.Int("attempt", out.attempt),
					zap.Duration("delay", delay),
					zap.Error(out.err),
				)
				j.attempt++
				go delayRequeue(ctx, requeue, j, delay)
			default:
				terminal++
				fail(j, out.err)
			}
		case j := <-requeue:
			if err := ctx.Err(); err != nil {
				terminal++
				fail(j, err)
				continue
			}
			pending = append(pending, j)
		case <-done:
			canceled = true
			done = nil
		}
	}

	close(jobs)
	wg.Wait()
	return report
}

func delayRequeue[In any](ctx context.Context, requeue chan<- job[In], j job[In], delay time.Duration) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	requeue <- j
}

func runAttempt[In, Out any](
	ctx context.Context,
	task Task[In],
	j job[In],
	handler Handler[In, Out],
	opts Options[Out],
) outcome[Out] {
	metrics.IncInFlight(opts.Stage)
	defer metrics.DecInFlight(opts.Stage)

	attemptCtx, cancel := context.WithCancel(ctx)
	if opts.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	type result struct {
		value Out
		err   error
	}
	// Buffered so an abandoned attempt can still deliver and exit.
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		v, err := handler(attemptCtx, task.Input)
		ch <- result{value: v, err: err}
	}()

	out := outcome[Out]{index: j.index, attempt: j.attempt}
	select {
	case r := <-ch:
		out.value, out.err = r.value, r.err
		if out.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			out.err = fmt.Errorf("%w after %s: %v", crawler.ErrTaskTimeout, opts.Timeout, r.err)
		}
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			out.err = err
		} else {
			out.err = fmt.Errorf("%w after %s", crawler.ErrTaskTimeout, opts.Timeout)
		}
	}

	switch {
	case out.err == nil:
		metrics.ObserveTask(opts.Stage, metrics.OutcomeSucceeded)
	case errors.Is(out.err, crawler.ErrTaskTimeout):
		metrics.ObserveTask(opts.Stage, metrics.OutcomeTimedOut)
	default:
		metrics.ObserveTask(opts.Stage, metrics.OutcomeFailed)
	}
	return out
}

func (o Options[Out]) withDefaults() Options[Out] {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Retry == nil {
		o.Retry = crawler.NoRetryPolicy{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Stage == "" {
		o.Stage = "unnamed"
	}
	return o
}
