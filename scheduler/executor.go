package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/picobot/picobot/kernel"
)

// maxSummaryLen bounds result summaries and error text stored per run.
const maxSummaryLen = 512

// NotificationSink receives delivery requests for completed runs. It is
// implemented by notify.Queue; the indirection keeps this package free of
// a notify import.
type NotificationSink interface {
	EnqueueDelivery(ctx context.Context, channel, target, payload, executionID string) error
}

type runHandle struct {
	cancel        context.CancelFunc
	userCancelled atomic.Bool
}

// Executor runs a claimed job against the kernel with the job's stored
// capability snapshot, records the execution row, and maps the outcome to
// a terminal status. One Executor is shared by all scheduler workers.
type Executor struct {
	runner     kernel.Runner
	executions *ExecutionStore
	notifier   NotificationSink
	timeout    time.Duration
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	running map[string]*runHandle
}

func NewExecutor(runner kernel.Runner, executions *ExecutionStore, notifier NotificationSink, timeout time.Duration, logger *zap.SugaredLogger) *Executor {
	return &Executor{
		runner:     runner,
		executions: executions,
		notifier:   notifier,
		timeout:    timeout,
		logger:     logger,
		running:    make(map[string]*runHandle),
	}
}

// Execute runs one claimed job to a terminal execution record. The task
// prompt and capability snapshot come from the job row as stored at
// creation time; nothing is re-derived from the creator's current
// permissions. The returned execution always has a terminal status even
// when persistence of that status fails.
func (e *Executor) Execute(ctx context.Context, job *ScheduledJob) *JobExecution {
	exec := &JobExecution{
		JobID:     job.ID,
		StartedAt: time.Now().UTC(),
		Status:    ExecutionRunning,
	}
	if err := e.executions.InsertExecution(ctx, exec); err != nil {
		e.logger.Errorw("Failed to record execution start", "job_id", job.ID, "error", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	handle := &runHandle{cancel: cancel}
	e.mu.Lock()
	e.running[job.ID] = handle
	e.mu.Unlock()

	summary, runErr := e.runner.ExecuteWithCapabilities(runCtx, job.Capabilities, job.TaskPrompt)

	e.mu.Lock()
	delete(e.running, job.ID)
	e.mu.Unlock()
	cancel()

	completed := time.Now().UTC()
	elapsed := completed.Sub(exec.StartedAt).Milliseconds()
	exec.CompletedAt = &completed
	exec.ExecutionTimeMs = &elapsed

	switch {
	case runErr == nil:
		exec.Status = ExecutionCompleted
		exec.ResultSummary = truncate(summary, maxSummaryLen)
	case handle.userCancelled.Load():
		exec.Status = ExecutionCancelled
		exec.Error = "cancelled by user"
	case runCtx.Err() == context.DeadlineExceeded:
		exec.Status = ExecutionTimeout
		exec.Error = truncate("execution timed out: "+runErr.Error(), maxSummaryLen)
	default:
		exec.Status = ExecutionFailed
		exec.Error = truncate(runErr.Error(), maxSummaryLen)
	}

	if err := e.executions.UpdateExecution(ctx, exec); err != nil {
		e.logger.Errorw("Failed to record execution result",
			"job_id", job.ID, "execution_id", exec.ID, "error", err)
	}

	e.notifyResult(ctx, job, exec)
	return exec
}

// Cancel aborts an in-flight run for jobID. Returns false when the job is
// not currently running on this instance.
func (e *Executor) Cancel(jobID string) bool {
	e.mu.Lock()
	handle, ok := e.running[jobID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	handle.userCancelled.Store(true)
	handle.cancel()
	return true
}

// RunningCount reports in-flight runs on this instance.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// notifyResult enqueues a delivery for jobs bound to a channel. Delivery
// is best-effort: a full or broken queue never changes the run outcome.
func (e *Executor) notifyResult(ctx context.Context, job *ScheduledJob, exec *JobExecution) {
	if e.notifier == nil || job.ChannelID == "" {
		return
	}
	payload := exec.ResultSummary
	if exec.Status != ExecutionCompleted {
		payload = "Scheduled task " + job.Name + " " + string(exec.Status)
		if exec.Error != "" {
			payload += ": " + exec.Error
		}
	}
	if err := e.notifier.EnqueueDelivery(ctx, job.ChannelID, job.UserID, payload, exec.ID); err != nil {
		e.logger.Warnw("Failed to enqueue result notification",
			"job_id", job.ID, "channel", job.ChannelID, "error", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so truncation never splits a character.
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
