package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/picobot/picobot/errors"
)

// QueueConfig holds delivery queue settings.
type QueueConfig struct {
	MaxAttempts   int           // attempts before dead-lettering
	BackoffBase   time.Duration // first retry delay, doubles per attempt
	BackoffMax    time.Duration // retry delay ceiling
	DrainInterval time.Duration // how often due rows are picked up
	BatchSize     int           // rows claimed per drain pass
	RatePerSecond float64       // outbound deliveries per second, 0 = unlimited
	RateBurst     int
	Retention     time.Duration // how long delivered/dead-lettered rows are kept, 0 = forever
}

// pruneInterval bounds how often the drain loop sweeps terminal rows.
const pruneInterval = time.Hour

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxAttempts:   3,
		BackoffBase:   5 * time.Second,
		BackoffMax:    5 * time.Minute,
		DrainInterval: time.Second,
		BatchSize:     16,
		RatePerSecond: 10,
		RateBurst:     5,
		Retention:     7 * 24 * time.Hour,
	}
}

// Queue is the durable notification delivery queue. Enqueue persists a row
// immediately; a background drain loop claims due rows, pushes them through
// the sender registry, and walks each row to Delivered or dead-letters it
// after MaxAttempts.
type Queue struct {
	cfg      QueueConfig
	store    *Store
	registry *Registry
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func NewQueue(cfg QueueConfig, store *Store, registry *Registry, logger *zap.SugaredLogger) *Queue {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Queue{
		cfg:      cfg,
		store:    store,
		registry: registry,
		limiter:  limiter,
		logger:   logger,
	}
}

// Enqueue persists a pending notification. The write is the delivery
// guarantee; the caller never waits for the send itself.
func (q *Queue) Enqueue(ctx context.Context, rec *Record) error {
	if rec.Channel == "" {
		return errors.New("notification channel required")
	}
	if rec.Target == "" {
		return errors.New("notification target required")
	}
	rec.Status = StatusPending
	rec.AttemptCount = 0
	if err := q.store.Insert(ctx, rec); err != nil {
		return err
	}
	q.logger.Debugw("Notification enqueued",
		"id", rec.ID, "channel", rec.Channel, "target", rec.Target)
	return nil
}

// EnqueueDelivery adapts Enqueue to the scheduler's notification sink.
func (q *Queue) EnqueueDelivery(ctx context.Context, channel, target, payload, executionID string) error {
	return q.Enqueue(ctx, &Record{
		Channel:     channel,
		Target:      target,
		Payload:     payload,
		ExecutionID: executionID,
	})
}

// Start recovers rows stuck in Sending and launches the drain loop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("notification queue already started")
	}
	if _, err := q.store.RecoverStuck(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.started = true

	q.wg.Add(1)
	go q.run(loopCtx)
	q.logger.Infow("Notification queue started",
		"drain_interval", q.cfg.DrainInterval, "max_attempts", q.cfg.MaxAttempts,
		"channels", q.registry.Channels())
	return nil
}

// Stop halts the drain loop and waits for in-flight deliveries.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.started = false
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Infow("Notification queue stopped")
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()
	lastPrune := time.Now().UTC()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drain(ctx)
			if now := time.Now().UTC(); q.cfg.Retention > 0 && now.Sub(lastPrune) >= pruneInterval {
				q.prune(ctx, now)
				lastPrune = now
			}
		}
	}
}

// prune drops terminal rows older than the retention window.
func (q *Queue) prune(ctx context.Context, now time.Time) {
	n, err := q.store.DeleteTerminalBefore(ctx, now.Add(-q.cfg.Retention))
	if err != nil {
		q.logger.Errorw("Failed to prune old notifications", "error", err)
		return
	}
	if n > 0 {
		q.logger.Infow("Pruned old notifications", "deleted", n)
	}
}

// drain claims one batch of due rows and attempts each in order. Errors
// are isolated per row.
func (q *Queue) drain(ctx context.Context) {
	recs, err := q.store.ClaimDue(ctx, time.Now().UTC(), q.cfg.BatchSize)
	if err != nil {
		q.logger.Errorw("Failed to claim due notifications", "error", err)
		return
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		q.attempt(ctx, rec)
	}
}

// Drain runs one synchronous drain pass, used by tests and shutdown
// flushing.
func (q *Queue) Drain(ctx context.Context) {
	q.drain(ctx)
}

func (q *Queue) attempt(ctx context.Context, rec *Record) {
	sender, ok := q.registry.Lookup(rec.Channel)
	if !ok {
		err := errors.Wrapf(ErrUnknownChannel, "channel %q", rec.Channel)
		rec.Status = StatusFailed
		rec.LastError = err.Error()
		q.persist(ctx, rec)
		q.logger.Errorw("Dead-lettered notification for unknown channel",
			"id", rec.ID, "channel", rec.Channel, "error", err)
		return
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			// Shutdown mid-batch; put the row back for the next start.
			rec.Status = StatusPending
			q.persist(context.WithoutCancel(ctx), rec)
			return
		}
	}

	err := sender.Send(ctx, rec.Target, rec.Payload)
	if err == nil {
		rec.Status = StatusDelivered
		rec.LastError = ""
		q.persist(ctx, rec)
		q.logger.Infow("Notification delivered",
			"id", rec.ID, "channel", rec.Channel, "failed_attempts", rec.AttemptCount)
		return
	}

	// attempt_count tracks failures only; a successful send leaves it
	// wherever the failures put it.
	rec.AttemptCount++
	rec.LastError = err.Error()
	if rec.AttemptCount >= q.cfg.MaxAttempts {
		rec.Status = StatusFailed
		q.persist(ctx, rec)
		q.logger.Errorw("Notification dead-lettered",
			"id", rec.ID, "channel", rec.Channel, "attempts", rec.AttemptCount, "error", err)
		return
	}

	delay := retryDelay(rec.AttemptCount, q.cfg.BackoffBase, q.cfg.BackoffMax)
	rec.Status = StatusRetrying
	rec.NextAttemptAt = time.Now().UTC().Add(delay)
	q.persist(ctx, rec)
	q.logger.Warnw("Notification delivery failed, will retry",
		"id", rec.ID, "channel", rec.Channel, "attempt", rec.AttemptCount,
		"retry_in", delay, "error", err)
}

func (q *Queue) persist(ctx context.Context, rec *Record) {
	if err := q.store.Update(ctx, rec); err != nil {
		q.logger.Errorw("Failed to persist notification state",
			"id", rec.ID, "status", rec.Status, "error", err)
	}
}

// retryDelay returns min(base << (attempt-1), max).
func retryDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	delay := base << uint(attempt-1)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}
