// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/log"
	"github.com/agentq-io/agentq/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// Server is responsible for task processing and task lifecycle management.
//
// Server pulls tasks off the ready sets and hands them to an Executor.
// If the execution of a task is unsuccessful, server will schedule it for
// a retry with exponential backoff.
//
// A task will be retried until either the task gets processed successfully
// or until it reaches its max retry count, after which it is moved to the
// dead-letter set and never reconsidered.
type Server struct {
	logger *log.Logger

	broker base.Broker
	// When a Server has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool

	state *serverState

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	processor     *processor
	forwarder     *forwarder
	reclaimer     *reclaimer
	janitor       *janitor
	heartbeater   *heartbeater
	healthchecker *healthchecker
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// srvStateNew represents a new server.
	srvStateNew serverStateValue = iota

	// srvStateActive indicates the server is up and active.
	srvStateActive

	// srvStateStopped indicates the server is up but no longer processing new tasks.
	srvStateStopped

	// srvStateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

// Config specifies the server's background-task processing behavior.
type Config struct {
	// Categories maps each task category (agent type) to the number of
	// independent worker pollers dedicated to it.
	//
	// If set to nil or not specified, the server will process only the
	// "default" category with 2 pollers.
	//
	// Example:
	//
	//     Categories: map[string]int{
	//         "content_writer": 4,
	//         "reviewer":       2,
	//     }
	Categories map[string]int

	// BaseContext optionally specifies a function that returns the base
	// context for Executor invocations on this server.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// TaskCheckInterval specifies how long an idle poller sleeps when its
	// category's ready set is empty.
	//
	// If unset, zero or a negative value, the interval is set to 1 second.
	TaskCheckInterval time.Duration

	// Function to calculate retry delay for a failed task.
	//
	// By default the delay grows exponentially with the retry count and is
	// capped at one hour: min(60 * 2^n, 3600) seconds.
	RetryDelayFunc RetryDelayFunc

	// Predicate function to determine whether the error returned from the
	// Executor is a failure. If the function returns false, Server will not
	// increment the retried counter for the task.
	//
	// By default, if the given error is non-nil the function returns true.
	IsFailure func(error) bool

	// ExecutionTimeout, if positive, bounds each Executor invocation.
	//
	// Zero means no timeout; bounding execution is otherwise the
	// deployment's responsibility.
	ExecutionTimeout time.Duration

	// Notifier receives best-effort events on task state transitions.
	//
	// If unset, events are discarded.
	Notifier EventNotifier

	// ErrorHandler handles errors returned by the Executor.
	ErrorHandler ErrorHandler

	// Logger specifies the logger used by the server instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// ShutdownTimeout specifies the duration to wait to let pollers finish
	// their current task before forcing them to abort when stopping the server.
	//
	// If unset or zero, default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration

	// HealthCheckFunc is called periodically with any errors encountered
	// during ping to the connected redis server.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// MaintenanceInterval specifies the interval between checks run on the
	// delayed and retry sets, forwarding due tasks to the ready set.
	//
	// If unset or zero, the interval is set to 30 seconds.
	MaintenanceInterval time.Duration

	// LeaseDuration bounds how long a claimed task may sit in the
	// processing set before the reclaimer considers its worker crashed and
	// routes the task through the retry policy again.
	//
	// If unset or zero, 30 minutes is used.
	LeaseDuration time.Duration

	// ReclaimInterval specifies the interval between scans of the
	// processing sets for expired leases.
	//
	// If unset or zero, the interval is set to 1 minute.
	ReclaimInterval time.Duration

	// Retention specifies how long terminal (completed and dead-lettered)
	// task records are kept before the janitor prunes them.
	//
	// If unset or zero, 24 hours is used.
	Retention time.Duration

	// JanitorInterval specifies the interval between janitor runs.
	//
	// If unset or zero, default interval of 8 seconds is used.
	JanitorInterval time.Duration

	// JanitorBatchSize specifies the number of expired terminal tasks to be
	// deleted in one run.
	//
	// If unset or zero, default batch size of 100 is used.
	JanitorBatchSize int
}

// An ErrorHandler handles an error occurred during task processing.
type ErrorHandler interface {
	HandleError(ctx context.Context, task *Task, err error)
}

// The ErrorHandlerFunc type is an adapter to allow the use of ordinary functions as a ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, task *Task, err error)

// HandleError calls fn(ctx, task, err)
func (fn ErrorHandlerFunc) HandleError(ctx context.Context, task *Task, err error) {
	fn(ctx, task, err)
}

// RetryDelayFunc calculates the retry delay duration for a failed task given
// the retry count, error, and the task.
type RetryDelayFunc func(n int, e error, t *Task) time.Duration

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("agentq: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("agentq: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("agentq: unexpected log level: %v", l))
}

// DefaultRetryDelayFunc is the default RetryDelayFunc used if one is not
// specified in Config. The delay doubles with every retry, starting at two
// minutes for the first retry, and is capped at one hour:
//
//	min(60 * 2^n, 3600) seconds
func DefaultRetryDelayFunc(n int, e error, t *Task) time.Duration {
	// The cap applies from n=6 up; shifting that far and beyond would
	// overflow int64 nanoseconds (at n=31) into a negative duration.
	if n >= 6 {
		return time.Hour
	}
	return 60 * time.Second << uint(n)
}

func defaultIsFailureFunc(err error) bool { return err != nil }

const defaultPollersPerCategory = 2

var defaultCategoryConfig = map[string]int{
	base.DefaultCategory: defaultPollersPerCategory,
}

const (
	defaultTaskCheckInterval   = 1 * time.Second
	defaultShutdownTimeout     = 8 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
	defaultMaintenanceInterval = 30 * time.Second
	defaultLeaseDuration       = 30 * time.Minute
	defaultReclaimInterval     = 1 * time.Minute
	defaultRetention           = 24 * time.Hour
	defaultJanitorInterval     = 8 * time.Second
	defaultJanitorBatchSize    = 100
)

// NewServer returns a new Server given a redis connection option
// and server configuration.
func NewServer(r RedisConnOpt, cfg Config) *Server {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("agentq: unsupported RedisConnOpt type %T", r))
	}
	server := NewServerFromRedisClient(redisClient, cfg)
	server.sharedConnection = false
	return server
}

// NewServerFromRedisClient returns a new instance of Server given a redis.UniversalClient
// and server configuration.
func NewServerFromRedisClient(c redis.UniversalClient, cfg Config) *Server {
	baseCtxFn := cfg.BaseContext
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}

	taskCheckInterval := cfg.TaskCheckInterval
	if taskCheckInterval <= 0 {
		taskCheckInterval = defaultTaskCheckInterval
	}

	delayFunc := cfg.RetryDelayFunc
	if delayFunc == nil {
		delayFunc = DefaultRetryDelayFunc
	}
	isFailureFunc := cfg.IsFailure
	if isFailureFunc == nil {
		isFailureFunc = defaultIsFailureFunc
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	categories := make(map[string]int)
	for category, n := range cfg.Categories {
		if err := base.ValidateCategory(category); err != nil {
			continue // ignore invalid category names
		}
		if n > 0 {
			categories[category] = n
		}
	}
	if len(categories) == 0 {
		categories = defaultCategoryConfig
	}
	var categoryNames []string
	for category := range categories {
		categoryNames = append(categoryNames, category)
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval == 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	maintenanceInterval := cfg.MaintenanceInterval
	if maintenanceInterval == 0 {
		maintenanceInterval = defaultMaintenanceInterval
	}
	leaseDuration := cfg.LeaseDuration
	if leaseDuration == 0 {
		leaseDuration = defaultLeaseDuration
	}
	reclaimInterval := cfg.ReclaimInterval
	if reclaimInterval == 0 {
		reclaimInterval = defaultReclaimInterval
	}
	retention := cfg.Retention
	if retention == 0 {
		retention = defaultRetention
	}
	janitorInterval := cfg.JanitorInterval
	if janitorInterval == 0 {
		janitorInterval = defaultJanitorInterval
	}
	janitorBatchSize := cfg.JanitorBatchSize
	if janitorBatchSize == 0 {
		janitorBatchSize = defaultJanitorBatchSize
	}
	logger := log.NewLogger(cfg.Logger)
	loglevel := cfg.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(loglevel))

	rdb := rdb.NewRDB(c)
	starting := make(chan *base.TaskMessage)
	finished := make(chan *base.TaskMessage)
	srvState := &serverState{value: srvStateNew}

	heartbeater := newHeartbeater(heartbeaterParams{
		logger:        logger,
		broker:        rdb,
		interval:      5 * time.Second,
		categories:    categories,
		leaseDuration: leaseDuration,
		state:         srvState,
		starting:      starting,
		finished:      finished,
	})
	processor := newProcessor(processorParams{
		logger:            logger,
		broker:            rdb,
		categories:        categories,
		retryDelayFunc:    delayFunc,
		isFailureFunc:     isFailureFunc,
		taskCheckInterval: taskCheckInterval,
		leaseDuration:     leaseDuration,
		executionTimeout:  cfg.ExecutionTimeout,
		baseCtxFn:         baseCtxFn,
		notifier:          notifier,
		errHandler:        cfg.ErrorHandler,
		shutdownTimeout:   shutdownTimeout,
		starting:          starting,
		finished:          finished,
	})
	forwarder := newForwarder(forwarderParams{
		logger:     logger,
		broker:     rdb,
		categories: categoryNames,
		interval:   maintenanceInterval,
	})
	reclaimer := newReclaimer(reclaimerParams{
		logger:         logger,
		broker:         rdb,
		retryDelayFunc: delayFunc,
		notifier:       notifier,
		categories:     categoryNames,
		interval:       reclaimInterval,
	})
	janitor := newJanitor(janitorParams{
		logger:     logger,
		broker:     rdb,
		categories: categoryNames,
		interval:   janitorInterval,
		retention:  retention,
		batchSize:  janitorBatchSize,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		broker:          rdb,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})
	return &Server{
		logger:           logger,
		broker:           rdb,
		sharedConnection: true,
		state:            srvState,
		processor:        processor,
		forwarder:        forwarder,
		reclaimer:        reclaimer,
		janitor:          janitor,
		heartbeater:      heartbeater,
		healthchecker:    healthchecker,
	}
}

// An Executor performs the work described by a task.
//
// Execute should return the result payload and a nil error if the work
// completed successfully. If Execute returns a non-nil error or panics, the
// task will be retried after a backoff delay if retry count is remaining,
// otherwise the task will be moved to the dead-letter set.
//
// Executors must not block indefinitely; set Config.ExecutionTimeout or
// bound the work through the provided context.
type Executor interface {
	Execute(ctx context.Context, task *Task) ([]byte, error)
}

// The ExecutorFunc type is an adapter to allow the use of
// ordinary functions as an Executor.
type ExecutorFunc func(ctx context.Context, task *Task) ([]byte, error)

// Execute calls fn(ctx, task)
func (fn ExecutorFunc) Execute(ctx context.Context, task *Task) ([]byte, error) {
	return fn(ctx, task)
}

// ErrServerClosed indicates that the operation is now illegal because of the server has been shutdown.
var ErrServerClosed = errors.New("agentq: Server closed")

// Run starts the task processing and blocks until
// an os signal to exit the program is received. Once it receives
// a signal, it gracefully shuts down all active pollers and other
// goroutines to process the tasks.
func (srv *Server) Run(executor Executor) error {
	if err := srv.Start(executor); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}

// Start starts the worker server. Once the server has started, it pulls
// tasks off the ready sets with a pool of pollers per category and calls
// the Executor to process them.
func (srv *Server) Start(executor Executor) error {
	if executor == nil {
		return fmt.Errorf("agentq: server cannot run with nil executor")
	}
	srv.processor.executor = executor

	if err := srv.start(); err != nil {
		return err
	}
	srv.logger.Info("Starting processing")

	srv.heartbeater.start(&srv.wg)
	srv.healthchecker.start(&srv.wg)
	srv.reclaimer.start(&srv.wg)
	srv.forwarder.start(&srv.wg)
	srv.processor.start(&srv.wg)
	srv.janitor.start(&srv.wg)
	return nil
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("agentq: the server is already running")
	case srvStateStopped:
		return fmt.Errorf("agentq: the server is in the stopped state. Waiting for shutdown.")
	case srvStateClosed:
		return ErrServerClosed
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown gracefully shuts down the server.
// Pollers finish their current iteration; any task still claimed at
// shutdown time stays in its processing set and is picked up later by a
// reclaimer once its lease expires.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info("Starting graceful shutdown")
	srv.forwarder.shutdown()
	srv.processor.shutdown()
	srv.reclaimer.shutdown()
	srv.janitor.shutdown()
	srv.healthchecker.shutdown()
	srv.heartbeater.shutdown()
	srv.wg.Wait()

	if !srv.sharedConnection {
		srv.broker.Close()
	}
	srv.logger.Info("Exiting")
}

// Stop signals the server to stop pulling new tasks off queues.
func (srv *Server) Stop() {
	srv.state.mu.Lock()
	if srv.state.value != srvStateActive {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateStopped
	srv.state.mu.Unlock()

	srv.logger.Info("Stopping processor")
	srv.processor.stop()
	srv.logger.Info("Processor stopped")
}

// Ping performs a ping against the redis connection.
func (srv *Server) Ping() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	if srv.state.value == srvStateClosed {
		return nil
	}

	return srv.broker.Ping()
}
