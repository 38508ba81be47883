// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/errors"
	"github.com/agentq-io/agentq/internal/log"
	"github.com/agentq-io/agentq/internal/timeutil"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// processor runs the worker pool: a configurable number of independent
// pollers per category, each looping dequeue -> execute -> report.
type processor struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	executor Executor // set by Server.Start before the pollers run

	categories        map[string]int // category -> poller count
	retryDelayFunc    RetryDelayFunc
	isFailureFunc     func(error) bool
	taskCheckInterval time.Duration
	leaseDuration     time.Duration
	executionTimeout  time.Duration
	baseCtxFn         func() context.Context
	errHandler        ErrorHandler
	notifier          EventNotifier
	shutdownTimeout   time.Duration

	// rate limits error logging so an unreachable store does not flood the logs.
	errLogLimiter *rate.Limiter

	// channels to communicate claimed and finished tasks to the heartbeater.
	starting chan<- *base.TaskMessage
	finished chan<- *base.TaskMessage

	// closed by stop() to signal pollers to stop pulling new tasks.
	quit chan struct{}
	// closed by shutdown(); in-flight executor contexts are canceled
	// shutdownTimeout after this fires.
	abort chan struct{}

	// wait group for the poller goroutines.
	pwg sync.WaitGroup

	once sync.Once
}

type processorParams struct {
	logger            *log.Logger
	broker            base.Broker
	categories        map[string]int
	retryDelayFunc    RetryDelayFunc
	isFailureFunc     func(error) bool
	taskCheckInterval time.Duration
	leaseDuration     time.Duration
	executionTimeout  time.Duration
	baseCtxFn         func() context.Context
	notifier          EventNotifier
	errHandler        ErrorHandler
	shutdownTimeout   time.Duration
	starting          chan<- *base.TaskMessage
	finished          chan<- *base.TaskMessage
}

func newProcessor(params processorParams) *processor {
	return &processor{
		logger:            params.logger,
		broker:            params.broker,
		clock:             timeutil.NewRealClock(),
		categories:        params.categories,
		retryDelayFunc:    params.retryDelayFunc,
		isFailureFunc:     params.isFailureFunc,
		taskCheckInterval: params.taskCheckInterval,
		leaseDuration:     params.leaseDuration,
		executionTimeout:  params.executionTimeout,
		baseCtxFn:         params.baseCtxFn,
		notifier:          params.notifier,
		errHandler:        params.errHandler,
		shutdownTimeout:   params.shutdownTimeout,
		errLogLimiter:     rate.NewLimiter(rate.Every(3*time.Second), 1),
		starting:          params.starting,
		finished:          params.finished,
		quit:              make(chan struct{}),
		abort:             make(chan struct{}),
	}
}

// stop signals the pollers to stop pulling new tasks off the ready sets.
func (p *processor) stop() {
	p.once.Do(func() {
		p.logger.Debug("Processor shutting down...")
		close(p.quit)
	})
}

// shutdown stops the pollers and blocks until they have finished their
// current iteration. Executor contexts are canceled once shutdownTimeout
// has passed.
func (p *processor) shutdown() {
	p.stop()
	close(p.abort)
	p.pwg.Wait()
	p.logger.Debug("Processor done")
}

func (p *processor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for category, n := range p.categories {
			for i := 0; i < n; i++ {
				p.pwg.Add(1)
				go func(category string) {
					defer p.pwg.Done()
					p.poll(category)
				}(category)
			}
		}
		p.pwg.Wait()
	}()
}

// poll is the long running loop of a single worker poller.
func (p *processor) poll(category string) {
	// Store-connectivity failures back the poller off exponentially
	// instead of terminating it.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	for {
		select {
		case <-p.quit:
			p.logger.Debugf("Poller for category %q done", category)
			return
		default:
		}
		msg, err := p.broker.Dequeue(context.Background(), category, p.leaseDuration)
		switch {
		case err == nil:
			b.Reset()
			p.process(msg)
		case errors.Is(err, errors.ErrNoProcessableTask):
			b.Reset()
			p.sleep(p.taskCheckInterval)
		case errors.IsTaskNotFound(err):
			// The popped id had no backing record. The claim is discarded;
			// this is a data-consistency fault, not an execution failure.
			p.logger.Errorf("Data consistency error while claiming task in category %q: %v", category, err)
		default:
			if p.errLogLimiter.Allow() {
				p.logger.Errorf("Dequeue error in category %q: %v", category, err)
			}
			p.sleep(b.NextBackOff())
		}
	}
}

// sleep pauses the poller for d, returning early on stop.
func (p *processor) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.quit:
	case <-timer.C:
	}
}

func (p *processor) process(msg *base.TaskMessage) {
	p.starting <- msg
	defer func() { p.finished <- msg }()

	task := newTaskFromMessage(msg)
	safeNotify(p.notifier, p.logger, Event{
		Name:     EventTaskStarted,
		TaskID:   msg.ID,
		Category: msg.Category,
		Kind:     msg.Kind,
		Owner:    msg.Owner,
		Data: map[string]interface{}{
			"retry_count": msg.RetryCount,
		},
	})

	ctx, cancel := p.executionContext()
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-p.abort:
			timer := time.NewTimer(p.shutdownTimeout)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
				p.logger.Warnf("Quitting worker. task id=%s", msg.ID)
				cancel()
			}
		}
	}()

	result, err := p.executeTask(ctx, task)
	if err != nil {
		p.handleFailedMessage(ctx, msg, task, err)
		return
	}
	p.handleSucceededMessage(msg, result)
}

func (p *processor) executionContext() (context.Context, context.CancelFunc) {
	ctx := p.baseCtxFn()
	if p.executionTimeout > 0 {
		return context.WithTimeout(ctx, p.executionTimeout)
	}
	return context.WithCancel(ctx)
}

// executeTask invokes the executor, recovering a panicking executor and
// converting the panic into an error so it flows through the retry policy.
func (p *processor) executeTask(ctx context.Context, task *Task) (result []byte, err error) {
	defer func() {
		if v := recover(); v != nil {
			p.logger.Errorf("recovering from panic. See the stack trace below for details:\n%s", string(debug.Stack()))
			_, file, line, ok := runtime.Caller(1)
			if ok {
				err = fmt.Errorf("panic [%s:%d]: %v", file, line, v)
			} else {
				err = fmt.Errorf("panic: %v", v)
			}
		}
	}()
	return p.executor.Execute(ctx, task)
}

func (p *processor) handleSucceededMessage(msg *base.TaskMessage, result []byte) {
	// The completion write uses a fresh context: a canceled execution
	// context at shutdown must not lose the outcome.
	if err := p.broker.MarkCompleted(context.Background(), msg, result); err != nil {
		// The claim stays in the processing set and will be reclaimed once
		// its lease expires; the task may execute again (at-least-once).
		p.logger.Errorf("Could not mark task id=%s as completed: %v", msg.ID, err)
		return
	}
	var duration time.Duration
	if msg.StartedAt > 0 {
		duration = p.clock.Now().Sub(time.Unix(msg.StartedAt, 0))
	}
	safeNotify(p.notifier, p.logger, Event{
		Name:     EventTaskCompleted,
		TaskID:   msg.ID,
		Category: msg.Category,
		Kind:     msg.Kind,
		Owner:    msg.Owner,
		Data: map[string]interface{}{
			"duration": duration.String(),
		},
	})
}

func (p *processor) handleFailedMessage(ctx context.Context, msg *base.TaskMessage, task *Task, err error) {
	if p.errHandler != nil {
		p.errHandler.HandleError(ctx, task, err)
	}
	if !p.isFailureFunc(err) {
		// Not counted against the retry budget; the task is rescheduled
		// with its retry count unchanged.
		p.retryOrDead(msg, task, err, false)
		return
	}
	p.retryOrDead(msg, task, err, true)
}

// retryOrDead applies the retry/dead-letter policy: reschedule with backoff
// while the retry budget lasts, dead-letter once it is exhausted.
func (p *processor) retryOrDead(msg *base.TaskMessage, task *Task, execErr error, countFailure bool) {
	newCount := msg.RetryCount
	if countFailure {
		newCount++
	}
	msg.RetryCount = newCount
	if newCount > msg.MaxRetries {
		if err := p.broker.MarkDead(context.Background(), msg, execErr.Error()); err != nil {
			p.logger.Errorf("Could not move task id=%s to dead-letter set: %v", msg.ID, err)
			return
		}
		p.logger.Errorf("Retry exhausted for task id=%s: %v", msg.ID, execErr)
	} else {
		delay := p.retryDelayFunc(newCount, execErr, task)
		retryAt := p.clock.Now().Add(delay)
		if err := p.broker.Retry(context.Background(), msg, retryAt, execErr.Error()); err != nil {
			p.logger.Errorf("Could not schedule retry for task id=%s: %v", msg.ID, err)
			return
		}
	}
	safeNotify(p.notifier, p.logger, Event{
		Name:     EventTaskFailed,
		TaskID:   msg.ID,
		Category: msg.Category,
		Kind:     msg.Kind,
		Owner:    msg.Owner,
		Data: map[string]interface{}{
			"error":       execErr.Error(),
			"retry_count": newCount,
			"max_retries": msg.MaxRetries,
		},
	})
}
