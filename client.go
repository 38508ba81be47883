// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/errors"
	"github.com/agentq-io/agentq/internal/log"
	"github.com/agentq-io/agentq/internal/rdb"
	"github.com/agentq-io/agentq/internal/timeutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// A Client is responsible for submitting tasks to the queue.
//
// A Client is used by the producer side of the system to enqueue tasks for
// agents to process either immediately or at some time in the future.
// Clients are safe for concurrent use by multiple goroutines.
//
// There is no ambient global client; construct one explicitly and inject it
// into whatever produces tasks.
type Client struct {
	logger   *log.Logger
	broker   base.Broker
	notifier EventNotifier
	clock    timeutil.Clock
	// When a Client has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool
}

// ClientOption configures optional client behavior.
type ClientOption func(*Client)

// WithNotifier sets the event notifier invoked on task creation.
// Notifier failures are logged and never fail an Enqueue call.
func WithNotifier(n EventNotifier) ClientOption {
	return func(c *Client) { c.notifier = n }
}

// WithClientLogger sets the logger used by the client.
func WithClientLogger(l Logger) ClientOption {
	return func(c *Client) { c.logger = log.NewLogger(l) }
}

// NewClient returns a new Client instance given a redis connection option.
func NewClient(r RedisConnOpt, opts ...ClientOption) *Client {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("agentq: unsupported RedisConnOpt type %T", r))
	}
	client := NewClientFromRedisClient(redisClient, opts...)
	client.sharedConnection = false
	return client
}

// NewClientFromRedisClient returns a new instance of Client given a redis.UniversalClient.
// Warning: The underlying redis connection pool will not be closed by agentq, you are responsible for closing it.
func NewClientFromRedisClient(c redis.UniversalClient, opts ...ClientOption) *Client {
	client := &Client{
		logger:           log.NewLogger(nil),
		broker:           rdb.NewRDB(c),
		notifier:         NopNotifier{},
		clock:            timeutil.NewRealClock(),
		sharedConnection: true,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Close closes the connection with redis.
func (c *Client) Close() error {
	if c.sharedConnection {
		return fmt.Errorf("agentq: cannot close redis connection shared by the client")
	}
	return c.broker.Close()
}

// Ping performs a ping against the redis connection.
func (c *Client) Ping() error {
	return c.broker.Ping()
}

// OptionType describes a type of option.
type OptionType int

const (
	MaxRetryOpt OptionType = iota
	PriorityOpt
	OwnerOpt
	TaskIDOpt
	ProcessAtOpt
	ProcessInOpt
)

// Option specifies the task processing behavior.
type Option interface {
	// String returns a string representation of the option.
	String() string

	// Type describes the type of the option.
	Type() OptionType

	// Value returns a value used to create this option.
	Value() interface{}
}

// Internal option representations.
type (
	maxRetryOption  int
	priorityOption  Priority
	ownerOption     string
	taskIDOption    string
	processAtOption time.Time
	processInOption time.Duration
)

// MaxRetry returns an option to specify the max number of times
// the task will be retried.
//
// Negative retry count is treated as zero retry.
func MaxRetry(n int) Option {
	if n < 0 {
		n = 0
	}
	return maxRetryOption(n)
}

func (n maxRetryOption) String() string     { return fmt.Sprintf("MaxRetry(%d)", int(n)) }
func (n maxRetryOption) Type() OptionType   { return MaxRetryOpt }
func (n maxRetryOption) Value() interface{} { return int(n) }

// WithPriority returns an option to specify the priority for the given task.
//
// Default priority is PriorityNormal.
func WithPriority(p Priority) Option {
	return priorityOption(p)
}

func (p priorityOption) String() string     { return fmt.Sprintf("WithPriority(%q)", Priority(p)) }
func (p priorityOption) Type() OptionType   { return PriorityOpt }
func (p priorityOption) Value() interface{} { return Priority(p) }

// Owner returns an option to attach an opaque owner identifier to the task.
// The owner is propagated to event notifications only; the queue does not
// interpret it.
func Owner(id string) Option {
	return ownerOption(id)
}

func (id ownerOption) String() string     { return fmt.Sprintf("Owner(%q)", string(id)) }
func (id ownerOption) Type() OptionType   { return OwnerOpt }
func (id ownerOption) Value() interface{} { return string(id) }

// TaskID returns an option to specify the task ID.
// Used mainly in tests; by default ids are generated.
func TaskID(id string) Option {
	return taskIDOption(id)
}

func (id taskIDOption) String() string     { return fmt.Sprintf("TaskID(%q)", string(id)) }
func (id taskIDOption) Type() OptionType   { return TaskIDOpt }
func (id taskIDOption) Value() interface{} { return string(id) }

// ProcessAt returns an option to specify when to process the given task.
//
// If there's a conflicting ProcessIn option, the last option passed to Enqueue overrides the others.
func ProcessAt(t time.Time) Option {
	return processAtOption(t)
}

func (t processAtOption) String() string {
	return fmt.Sprintf("ProcessAt(%v)", time.Time(t).Format(time.UnixDate))
}
func (t processAtOption) Type() OptionType   { return ProcessAtOpt }
func (t processAtOption) Value() interface{} { return time.Time(t) }

// ProcessIn returns an option to specify when to process the given task relative to the current time.
//
// If there's a conflicting ProcessAt option, the last option passed to Enqueue overrides the others.
func ProcessIn(d time.Duration) Option {
	return processInOption(d)
}

func (d processInOption) String() string     { return fmt.Sprintf("ProcessIn(%v)", time.Duration(d)) }
func (d processInOption) Type() OptionType   { return ProcessInOpt }
func (d processInOption) Value() interface{} { return time.Duration(d) }

// option is the aggregated set of options for a single Enqueue call.
type option struct {
	retry     int
	priority  Priority
	owner     string
	taskID    string
	processAt time.Time
}

// composeOptions merges user provided options into one struct.
// It verifies user provided options and returns an error if any of
// the user provided options fail the validations.
func composeOptions(clock timeutil.Clock, opts ...Option) (option, error) {
	res := option{
		retry:     defaultMaxRetries,
		priority:  PriorityNormal,
		taskID:    uuid.NewString(),
		processAt: clock.Now(),
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case maxRetryOption:
			res.retry = int(opt)
		case priorityOption:
			if !base.Priority(opt).Valid() {
				return option{}, errors.E(errors.FailedPrecondition, fmt.Sprintf("invalid priority %d", int(opt)))
			}
			res.priority = Priority(opt)
		case ownerOption:
			res.owner = string(opt)
		case taskIDOption:
			id := string(opt)
			if strings.TrimSpace(id) == "" {
				return option{}, errors.E(errors.FailedPrecondition, "task ID cannot be empty")
			}
			res.taskID = id
		case processAtOption:
			t := time.Time(opt)
			if t.Before(clock.Now()) {
				return option{}, errors.E(errors.FailedPrecondition, "process time cannot be in the past")
			}
			res.processAt = t
		case processInOption:
			d := time.Duration(opt)
			if d < 0 {
				return option{}, errors.E(errors.FailedPrecondition, "delay cannot be negative")
			}
			res.processAt = clock.Now().Add(d)
		default:
			// all options are defined in this package
		}
	}
	return res, nil
}

// Default max retry count used if nothing is specified.
const defaultMaxRetries = 3

// Enqueue enqueues the given task to be processed by the task's category
// workers and returns a snapshot of the persisted record.
//
// Enqueue returns an error if the task's category or kind is empty or if any
// of the given options is invalid.
//
// If the ProcessAt or ProcessIn option lies in the future the task is placed
// in the category's delayed set and stays invisible to workers until the
// maintenance loop promotes it; otherwise it goes straight to the ready set
// ordered by priority.
func (c *Client) Enqueue(task *Task, opts ...Option) (*TaskInfo, error) {
	return c.EnqueueContext(context.Background(), task, opts...)
}

// EnqueueContext is like Enqueue but allows passing a context.
func (c *Client) EnqueueContext(ctx context.Context, task *Task, opts ...Option) (*TaskInfo, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}
	if err := base.ValidateCategory(task.Category()); err != nil {
		return nil, errors.E(errors.FailedPrecondition, err.Error())
	}
	if strings.TrimSpace(task.Kind()) == "" {
		return nil, errors.E(errors.FailedPrecondition, "task kind cannot be empty")
	}
	opt, err := composeOptions(c.clock, opts...)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	msg := &base.TaskMessage{
		ID:         opt.taskID,
		Category:   task.Category(),
		Kind:       task.Kind(),
		Payload:    task.Payload(),
		Priority:   base.Priority(opt.priority),
		Owner:      opt.owner,
		MaxRetries: opt.retry,
		RetryCount: 0,
		CreatedAt:  now.UnixMilli(),
	}
	if opt.processAt.After(now) {
		msg.Status = base.StatusPending
		msg.ScheduledAt = opt.processAt.Unix()
		err = c.broker.Schedule(ctx, msg, opt.processAt)
	} else {
		msg.Status = base.StatusQueued
		err = c.broker.Enqueue(ctx, msg)
	}
	if err != nil {
		return nil, err
	}
	safeNotify(c.notifier, c.logger, Event{
		Name:     EventTaskCreated,
		TaskID:   msg.ID,
		Category: msg.Category,
		Kind:     msg.Kind,
		Owner:    msg.Owner,
		Data: map[string]interface{}{
			"priority":     Priority(msg.Priority).String(),
			"scheduled_at": msg.ScheduledAt,
		},
	})
	return newTaskInfo(msg), nil
}
