// Package worker drives the polling job loop: claim pending jobs, publish
// them, and route failures to retry, permanent failure, or credential
// re-authentication.
package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"channel-publisher/internal/classify"
	"channel-publisher/internal/config"
	"channel-publisher/internal/models"
	"channel-publisher/internal/publish"
	"channel-publisher/internal/telemetry"
)

// JobStore is the slice of the store the processor needs.
type JobStore interface {
	FetchPending(ctx context.Context) ([]models.Job, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id, externalID string) error
	MarkFailed(ctx context.Context, id, lastError string) error
	ResetForRetry(ctx context.Context, id, lastError string, runAt time.Time) error
	ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error)
	GetAccount(ctx context.Context, name string) (models.Account, error)
}

// QuotaChecker gates uploads per account.
type QuotaChecker interface {
	Allow(ctx context.Context, account string) (allowed bool, remaining float64, err error)
}

// ReauthDispatcher supervises re-authentication processes. All three methods
// are called from the poll loop only.
type ReauthDispatcher interface {
	HandleRevocation(ctx context.Context, account, errText string)
	Reap(ctx context.Context)
	Shutdown(ctx context.Context)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg        config.Config
	store      JobStore
	quota      QuotaChecker
	reauth     ReauthDispatcher
	publishers map[string]publish.Publisher
	logger     *zap.Logger

	// Retry counters live for the process lifetime only; a restart grants a
	// fresh budget, which is acceptable for scheduled publishing.
	retryCount map[string]int
}

func NewProcessor(cfg config.Config, st JobStore, quota QuotaChecker, reauth ReauthDispatcher, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		store:      st,
		quota:      quota,
		reauth:     reauth,
		publishers: make(map[string]publish.Publisher),
		logger:     logger,
		retryCount: make(map[string]int),
	}
}

// RegisterPublisher binds a publisher to a job type.
func (p *Processor) RegisterPublisher(jobType string, pub publish.Publisher) {
	if jobType == "" || pub == nil {
		return
	}
	p.publishers[jobType] = pub
}

// Run starts the poll loop until context cancellation. Jobs stuck in
// processing from a previous crash are reset once at startup; reauth
// processes are drained on the way out.
func (p *Processor) Run(ctx context.Context) error {
	if n, err := p.store.ResetStaleProcessing(ctx, p.cfg.StaleProcessingAge); err != nil {
		p.logger.Warn("reset stale processing jobs", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("reset stale processing jobs", zap.Int64("count", n))
	}

	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			// The poll context is gone; give the drain its own deadline.
			shutdownCtx, cancel := context.WithTimeout(context.Background(),
				p.cfg.ReauthGracePeriod+2*p.cfg.ReauthKillGrace+time.Second)
			p.reauth.Shutdown(shutdownCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs one poll cycle: collect finished reauth processes, then claim and
// process the due jobs sequentially.
func (p *Processor) tick(ctx context.Context) {
	p.reauth.Reap(ctx)

	jobs, err := p.store.FetchPending(ctx)
	if err != nil {
		p.logger.Error("fetch pending jobs", zap.Error(err))
		return
	}
	telemetry.PendingGauge.Set(float64(len(jobs)))

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processJob(ctx, job)
	}
}

func (p *Processor) processJob(ctx context.Context, job models.Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", zap.String("job_id", job.ID), zap.Any("panic", r))
			_ = p.store.MarkFailed(ctx, job.ID, fmt.Sprintf("panic: %v", r))
			telemetry.JobsFailed.Inc()
			delete(p.retryCount, job.ID)
		}
	}()

	claimed, err := p.store.MarkProcessing(ctx, job.ID)
	if err != nil {
		p.logger.Error("claim job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !claimed {
		// Another worker (or a cancel) got there first.
		return
	}

	pub, ok := p.publishers[job.Type]
	if !ok {
		p.fail(ctx, job, fmt.Sprintf("unsupported job type %q", job.Type))
		return
	}
	if job.MediaPath == "" {
		p.fail(ctx, job, "job has no media path")
		return
	}

	account, err := p.store.GetAccount(ctx, job.Account)
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("account %q unavailable: %v", job.Account, err))
		return
	}
	if !account.Enabled {
		p.fail(ctx, job, fmt.Sprintf("account %q is disabled", job.Account))
		return
	}

	if allowed, _, err := p.quota.Allow(ctx, job.Account); err != nil {
		p.logger.Warn("quota check failed, proceeding", zap.String("account", job.Account), zap.Error(err))
	} else if !allowed {
		telemetry.QuotaRejects.Inc()
		runAt := time.Now().Add(p.cfg.BackoffInitial)
		p.logger.Info("upload quota exhausted, deferring job",
			zap.String("job_id", job.ID), zap.String("account", job.Account), zap.Time("run_at", runAt))
		// Quota pressure is not the job's fault: reschedule without touching
		// the retry budget.
		_ = p.store.ResetForRetry(ctx, job.ID, "upload quota exhausted", runAt)
		return
	}

	result, err := pub.Publish(ctx, account, job)
	if err != nil {
		p.handleFailure(ctx, job, err)
		return
	}

	if err := p.store.MarkCompleted(ctx, job.ID, result.ExternalID); err != nil {
		p.logger.Error("mark job completed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	telemetry.JobsCompleted.Inc()
	delete(p.retryCount, job.ID)
	p.logger.Info("job published",
		zap.String("job_id", job.ID),
		zap.String("account", job.Account),
		zap.String("external_id", result.ExternalID))
}

// handleFailure routes a publish error. A revoked refresh token fails the job
// immediately with the provider's message kept verbatim and hands the account
// to the reauth dispatcher; anything else consumes retry budget.
func (p *Processor) handleFailure(ctx context.Context, job models.Job, pubErr error) {
	msg := pubErr.Error()
	kind := classify.Classify(msg)

	if classify.IsRefreshTokenInvalid(msg) {
		p.logger.Warn("refresh token revoked",
			zap.String("job_id", job.ID), zap.String("account", job.Account), zap.String("error", msg))
		_ = p.store.MarkFailed(ctx, job.ID, msg)
		telemetry.JobsFailed.Inc()
		delete(p.retryCount, job.ID)
		p.reauth.HandleRevocation(ctx, job.Account, msg)
		return
	}

	attempts := p.retryCount[job.ID] + 1
	p.retryCount[job.ID] = attempts
	if attempts > p.cfg.MaxRetries {
		p.fail(ctx, job, msg)
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	runAt := time.Now().Add(backoff)
	if err := p.store.ResetForRetry(ctx, job.ID, msg, runAt); err != nil {
		p.logger.Error("schedule retry", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	telemetry.JobsRetried.Inc()
	p.logger.Info("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.Int("attempt", attempts),
		zap.Time("run_at", runAt))
}

func (p *Processor) fail(ctx context.Context, job models.Job, msg string) {
	if err := p.store.MarkFailed(ctx, job.ID, msg); err != nil {
		p.logger.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	telemetry.JobsFailed.Inc()
	delete(p.retryCount, job.ID)
	p.logger.Warn("job failed permanently", zap.String("job_id", job.ID), zap.String("error", msg))
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
