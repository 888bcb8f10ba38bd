package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/picobot/picobot/errors"
	"github.com/picobot/picobot/kernel"
)

// Config holds scheduler runtime settings. cmd wiring maps the viper
// config onto this struct.
type Config struct {
	Enabled         bool
	TickInterval    time.Duration
	JobTimeout      time.Duration
	ClaimTTLMargin  time.Duration // claim ttl = JobTimeout + margin
	BackoffBase     time.Duration
	MaxBackoff      time.Duration
	MinCronInterval time.Duration
	ClaimBatchSize  int
	Quotas          QuotaLimits
}

// DefaultConfig returns the scheduler defaults. The scheduler ships
// disabled; deployments opt in.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		TickInterval:    time.Second,
		JobTimeout:      5 * time.Minute,
		ClaimTTLMargin:  time.Minute,
		BackoffBase:     30 * time.Second,
		MaxBackoff:      time.Hour,
		MinCronInterval: time.Minute,
		ClaimBatchSize:  8,
		Quotas: QuotaLimits{
			MaxJobsPerUser:       50,
			MaxCreatesPerWindow:  100,
			CreateWindow:         time.Hour,
			MaxConcurrent:        4,
			MaxConcurrentPerUser: 2,
		},
	}
}

// Service owns the scheduler lifecycle: the tick loop that claims due jobs,
// the execution fan-out, and the job management API surface.
type Service struct {
	cfg        Config
	store      *Store
	executions *ExecutionStore
	quota      *QuotaTracker
	executor   *Executor
	authorizer kernel.Authorizer
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func NewService(cfg Config, store *Store, executions *ExecutionStore, quota *QuotaTracker, executor *Executor, authorizer kernel.Authorizer, logger *zap.SugaredLogger) *Service {
	return &Service{
		cfg:        cfg,
		store:      store,
		executions: executions,
		quota:      quota,
		executor:   executor,
		authorizer: authorizer,
		logger:     logger,
	}
}

// Start recovers persisted state and launches the tick loop. It is a no-op
// when the scheduler is disabled in config.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Infow("Scheduler disabled, not starting")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}

	if _, err := s.executions.MarkOrphansFailed(ctx, time.Now().UTC()); err != nil {
		return errors.Wrap(err, "recover orphaned executions")
	}
	if err := s.quota.Rebuild(ctx, s.executions); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go s.run(loopCtx)
	s.logger.Infow("Scheduler started",
		"tick_interval", s.cfg.TickInterval, "job_timeout", s.cfg.JobTimeout)
	return nil
}

// Stop halts the tick loop and waits for in-flight runs to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Infow("Scheduler stopped")
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick claims due jobs and fans them out to workers. Errors are logged and
// isolated per tick; one bad tick never kills the loop.
func (s *Service) tick(ctx context.Context) {
	now := time.Now().UTC()
	claimTTL := s.cfg.JobTimeout + s.cfg.ClaimTTLMargin
	// Claims must outlive at least one tick gap or an aggressive tick
	// interval could reclaim a job still in flight.
	if floor := 2 * s.cfg.TickInterval; claimTTL < floor {
		claimTTL = floor
	}

	jobs, err := s.store.ClaimDueJobs(ctx, now, s.cfg.ClaimBatchSize, claimTTL)
	if err != nil {
		s.logger.Errorw("Failed to claim due jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if !s.quota.AdmitExecution(job.UserID) {
			// Saturated. Drop the claim so the job is retried next tick;
			// admission denial is not a run and not a failure.
			if err := s.store.ReleaseClaim(ctx, job.ID, job.ClaimID); err != nil {
				s.logger.Warnw("Failed to release claim after admission denial",
					"job_id", job.ID, "error", err)
			}
			continue
		}
		s.wg.Add(1)
		go s.runJob(ctx, job)
	}
}

func (s *Service) runJob(ctx context.Context, job *ScheduledJob) {
	defer s.wg.Done()
	defer s.quota.ReleaseExecution(job.UserID)

	exec := s.executor.Execute(ctx, job)
	now := time.Now().UTC()

	switch exec.Status {
	case ExecutionCompleted:
		next, enabled, note := nextRunAfterSuccess(job, now)
		err := s.store.CompleteJob(ctx, job.ID, job.ClaimID, Completion{
			LastRunAt: exec.StartedAt,
			NextRunAt: next,
			Enabled:   enabled,
			Note:      note,
		})
		if err != nil {
			s.logClaimError("complete", job.ID, err)
		}
	case ExecutionCancelled:
		// CancelJob already disabled the row; just drop the claim.
		if err := s.store.ReleaseClaim(ctx, job.ID, job.ClaimID); err != nil {
			s.logger.Warnw("Failed to release claim after cancel", "job_id", job.ID, "error", err)
		}
	default:
		backoff := calculateBackoff(job.ConsecutiveFailures+1, s.cfg.BackoffBase, s.cfg.MaxBackoff)
		err := s.store.FailJob(ctx, job.ID, job.ClaimID, now.Add(backoff), exec.Error)
		if err != nil {
			s.logClaimError("fail", job.ID, err)
		}
		s.logger.Warnw("Scheduled job run failed",
			"job_id", job.ID, "status", exec.Status, "backoff", backoff, "error", exec.Error)
	}
}

func (s *Service) logClaimError(op, jobID string, err error) {
	if errors.Is(err, errClaimLost) {
		// Another instance reclaimed after our TTL lapsed; its state wins.
		s.logger.Warnw("Claim lost before release", "op", op, "job_id", jobID)
		return
	}
	s.logger.Errorw("Failed to release job claim", "op", op, "job_id", jobID, "error", err)
}

// CreateJob validates, authorizes, quota-checks and persists a new job.
// The capability snapshot in the request is stored verbatim and used for
// every future run of this job.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*ScheduledJob, error) {
	if !s.cfg.Enabled {
		return nil, errors.Wrap(ErrDisabled, "scheduler is disabled")
	}
	if !req.Creator.Valid() {
		return nil, errors.Wrap(ErrPermissionDenied, "creator principal required")
	}
	if s.authorizer != nil && !s.authorizer.Authorize(req.Creator, kernel.ActionScheduleCreate) {
		return nil, errors.Wrapf(ErrPermissionDenied,
			"principal %s may not create schedules", req.Creator.ID)
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.Wrap(ErrInvalidSchedule, "job name required")
	}
	if strings.TrimSpace(req.TaskPrompt) == "" {
		return nil, errors.Wrap(ErrInvalidSchedule, "task prompt required")
	}
	if req.UserID == "" {
		return nil, errors.Wrap(ErrInvalidSchedule, "user id required")
	}
	if err := ValidateSchedule(req.Kind, req.Expr, s.cfg.MinCronInterval); err != nil {
		return nil, err
	}

	if err := s.quota.CheckCreate(ctx, req.UserID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	nextRun, err := ComputeInitialRun(req.Kind, req.Expr, now)
	if err != nil {
		return nil, err
	}

	job := &ScheduledJob{
		Name:            req.Name,
		Kind:            req.Kind,
		Expr:            req.Expr,
		TaskPrompt:      req.TaskPrompt,
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		ChannelID:       req.ChannelID,
		Capabilities:    req.Capabilities,
		Creator:         req.Creator,
		CreatedBySystem: req.Creator.Type != kernel.PrincipalUser,
		Enabled:         req.Enabled,
		MaxExecutions:   req.MaxExecutions,
		Metadata:        req.Metadata,
		NextRunAt:       nextRun,
		CreatedAt:       now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Infow("Scheduled job created",
		"job_id", job.ID, "name", job.Name, "kind", job.Kind,
		"user_id", job.UserID, "next_run_at", job.NextRunAt)
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*ScheduledJob, error) {
	return s.store.GetJob(ctx, id)
}

// ListJobs returns the jobs visible to a principal. Users see their own
// jobs; system and admin principals see any user's.
func (s *Service) ListJobs(ctx context.Context, principal kernel.Principal, userID, sessionID string) ([]*ScheduledJob, error) {
	if s.authorizer != nil && !s.authorizer.Authorize(principal, kernel.ActionScheduleList) {
		return nil, errors.Wrapf(ErrPermissionDenied,
			"principal %s may not list schedules", principal.ID)
	}
	if principal.Type == kernel.PrincipalUser && userID != principal.ID {
		return nil, errors.Wrap(ErrPermissionDenied, "users may only list their own schedules")
	}
	return s.store.ListJobsByUser(ctx, userID, sessionID)
}

// UpdateJob applies a patch to a job. Schedule changes are revalidated and
// the next run recomputed; the capability snapshot is immutable.
func (s *Service) UpdateJob(ctx context.Context, id string, principal kernel.Principal, patch JobPatch) (*ScheduledJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwnership(principal, job); err != nil {
		return nil, err
	}

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.TaskPrompt != nil {
		job.TaskPrompt = *patch.TaskPrompt
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
	}

	scheduleChanged := false
	if patch.Kind != nil {
		job.Kind = *patch.Kind
		scheduleChanged = true
	}
	if patch.Expr != nil {
		job.Expr = *patch.Expr
		scheduleChanged = true
	}
	if scheduleChanged {
		if err := ValidateSchedule(job.Kind, job.Expr, s.cfg.MinCronInterval); err != nil {
			return nil, err
		}
		next, err := ComputeInitialRun(job.Kind, job.Expr, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		job.NextRunAt = next
	}

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// CancelJob disables a job and aborts its in-flight run if one is active
// on this instance. Once disabled the row is never claimable again.
func (s *Service) CancelJob(ctx context.Context, id string, principal kernel.Principal) error {
	if s.authorizer != nil && !s.authorizer.Authorize(principal, kernel.ActionScheduleCancel) {
		return errors.Wrapf(ErrPermissionDenied,
			"principal %s may not cancel schedules", principal.ID)
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.checkOwnership(principal, job); err != nil {
		return err
	}

	// Disable first so the row cannot be claimed between the signal and
	// the write.
	if err := s.store.DisableJob(ctx, id); err != nil {
		return err
	}
	if s.executor.Cancel(id) {
		s.logger.Infow("Cancelled in-flight run", "job_id", id)
	}
	s.logger.Infow("Scheduled job cancelled", "job_id", id, "by", principal.ID)
	return nil
}

func (s *Service) ListExecutions(ctx context.Context, jobID string, limit, offset int) ([]*JobExecution, error) {
	return s.executions.ListExecutions(ctx, jobID, limit, offset)
}

func (s *Service) checkOwnership(principal kernel.Principal, job *ScheduledJob) error {
	if principal.Type != kernel.PrincipalUser {
		return nil
	}
	if principal.ID != job.UserID {
		return errors.Wrapf(ErrPermissionDenied,
			"job %s is not owned by %s", job.ID, principal.ID)
	}
	return nil
}
