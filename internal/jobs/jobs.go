package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"surveybot/internal/service"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeCheckInvoke    = "check:invoke"
	TypeSweepChecks    = "sweep:checks"
	TypeSweepFollowUps = "sweep:followups"

	checkQueue = "critical"
)

// Handlers executes survey background tasks
type Handlers struct {
	invoker *service.Invoker
	sweeper *service.Sweeper
	log     *zap.Logger
}

func NewHandlers(invoker *service.Invoker, sweeper *service.Sweeper, log *zap.Logger) *Handlers {
	return &Handlers{invoker: invoker, sweeper: sweeper, log: log}
}

// Register mounts every task type on mux
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeCheckInvoke, h.handleCheckInvoke)
	mux.HandleFunc(TypeSweepChecks, h.handleSweepChecks)
	mux.HandleFunc(TypeSweepFollowUps, h.handleSweepFollowUps)
}

func (h *Handlers) handleCheckInvoke(ctx context.Context, t *asynq.Task) error {
	callID := string(t.Payload())
	if callID == "" {
		return fmt.Errorf("empty call id: %w", asynq.SkipRetry)
	}

	err := h.invoker.Invoke(ctx, callID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrCallNotFound), errors.Is(err, service.ErrCallStateChanged):
		h.log.Warn("Check task dropped", zap.String("call_id", callID), zap.Error(err))
		return nil
	default:
		// Retries are driven by the stale-check sweep, never by the queue.
		return fmt.Errorf("failed to invoke check %s: %v: %w", callID, err, asynq.SkipRetry)
	}
}

func (h *Handlers) handleSweepChecks(ctx context.Context, _ *asynq.Task) error {
	n, err := h.sweeper.SweepChecks(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep checks: %w", err)
	}
	if n > 0 {
		h.log.Debug("Check sweep done", zap.Int("count", n))
	}
	return nil
}

func (h *Handlers) handleSweepFollowUps(ctx context.Context, _ *asynq.Task) error {
	n, err := h.sweeper.SweepFollowUps(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep follow-ups: %w", err)
	}
	if n > 0 {
		h.log.Debug("Follow-up sweep done", zap.Int("count", n))
	}
	return nil
}

type JobServer struct {
	server    *asynq.Server
	client    *asynq.Client
	inspector *asynq.Inspector
	scheduler *asynq.Scheduler
	handlers  *Handlers
	log       *zap.Logger
}

// ScheduleConfig holds the cron specs of the periodic sweeps; empty disables a sweep
type ScheduleConfig struct {
	CheckSweepCron string
	FollowUpCron   string
}

func NewJobServer(redisAddr string, concurrency int, handlers *Handlers, sched ScheduleConfig, log *zap.Logger) (*JobServer, error) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				checkQueue: 6,
				"default":  3,
				"low":      1,
			},
			Logger: newAsynqLogger(log),
		},
	)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   newAsynqLogger(log),
	})
	if sched.CheckSweepCron != "" {
		if _, err := scheduler.Register(sched.CheckSweepCron, asynq.NewTask(TypeSweepChecks, nil),
			asynq.Queue("default"), asynq.Unique(time.Minute)); err != nil {
			return nil, fmt.Errorf("failed to schedule check sweep: %w", err)
		}
	}
	if sched.FollowUpCron != "" {
		if _, err := scheduler.Register(sched.FollowUpCron, asynq.NewTask(TypeSweepFollowUps, nil),
			asynq.Queue("low"), asynq.Unique(time.Minute)); err != nil {
			return nil, fmt.Errorf("failed to schedule follow-up sweep: %w", err)
		}
	}

	return &JobServer{
		server:    server,
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		scheduler: scheduler,
		handlers:  handlers,
		log:       log,
	}, nil
}

// Client returns the enqueueing client
func (js *JobServer) Client() *asynq.Client {
	return js.client
}

// Inspector returns the queue inspector
func (js *JobServer) Inspector() *asynq.Inspector {
	return js.inspector
}

func (js *JobServer) Start() error {
	mux := asynq.NewServeMux()
	js.handlers.Register(mux)

	if err := js.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start job server: %w", err)
	}
	if err := js.scheduler.Start(); err != nil {
		js.server.Shutdown()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

func (js *JobServer) Stop() {
	js.scheduler.Shutdown()
	js.server.Shutdown()
	js.client.Close()
	js.inspector.Close()
}

// AsynqCheckDispatcher hands external check calls to the queue so they survive restarts
type AsynqCheckDispatcher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	timeout   time.Duration
}

func NewAsynqCheckDispatcher(client *asynq.Client, inspector *asynq.Inspector, checkTimeout time.Duration) *AsynqCheckDispatcher {
	return &AsynqCheckDispatcher{client: client, inspector: inspector, timeout: checkTimeout}
}

// Dispatch enqueues one invocation. A task still waiting or running for the call is kept;
// an archived or completed one is replaced so the call runs again.
func (d *AsynqCheckDispatcher) Dispatch(ctx context.Context, callID string) error {
	err := d.enqueue(ctx, callID)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}

	info, err := d.inspector.GetTaskInfo(checkQueue, checkTaskID(callID))
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
		// Finished and removed since the conflict.
	case err != nil:
		return fmt.Errorf("failed to inspect check %s: %w", callID, err)
	case info.State == asynq.TaskStateArchived || info.State == asynq.TaskStateCompleted:
		if err := d.inspector.DeleteTask(checkQueue, info.ID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("failed to delete finished check %s: %w", callID, err)
		}
	default:
		return nil
	}

	err = d.enqueue(ctx, callID)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (d *AsynqCheckDispatcher) enqueue(ctx context.Context, callID string) error {
	if _, err := d.client.EnqueueContext(ctx, NewCheckTask(callID), CheckTaskOptions(callID, d.timeout)...); err != nil {
		return fmt.Errorf("failed to enqueue check %s: %w", callID, err)
	}
	return nil
}

func checkTaskID(callID string) string {
	return "check:" + callID
}

func NewCheckTask(callID string) *asynq.Task {
	return asynq.NewTask(TypeCheckInvoke, []byte(callID))
}

// CheckTaskOptions keys the task by call so each pending call is queued at most once
func CheckTaskOptions(callID string, checkTimeout time.Duration) []asynq.Option {
	if checkTimeout <= 0 {
		checkTimeout = service.DefaultCheckTimeout
	}
	return []asynq.Option{
		asynq.TaskID(checkTaskID(callID)),
		asynq.Queue(checkQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(checkTimeout + 10*time.Second),
	}
}
