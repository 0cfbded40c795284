package jobs

import (
	"context"
	"log/slog"
	"sync"

	"k8s.io/utils/clock"
)

// Dispatcher runs a named cycle immediately. ran is false when the cycle
// was busy and the request was dropped. It is satisfied by the scheduler
// Supervisor.
type Dispatcher interface {
	RunNow(ctx context.Context, name string) (ran bool, err error)
}

// WorkerPool processes queued run jobs using a pool of goroutines.
type WorkerPool struct {
	store      *JobStore
	dispatcher Dispatcher
	cfg        *JobConfig
	clock      clock.WithTicker
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewWorkerPool creates a new worker pool. A nil clock uses the wall clock.
func NewWorkerPool(store *JobStore, dispatcher Dispatcher, cfg *JobConfig, clk clock.WithTicker, logger *slog.Logger) *WorkerPool {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
	}
}

// Run starts the worker pool. It spawns cfg.Concurrency goroutines,
// each polling for jobs. It blocks until the context is cancelled,
// then waits for all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || wp.dispatcher == nil || !wp.cfg.Enabled {
		wp.logger.Info("job worker pool disabled")
		return
	}

	wp.logger.Info("job worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxRetries", wp.cfg.MaxRetries,
		"pollInterval", wp.cfg.PollInterval.String())

	if wp.cfg.CleanupInterval > 0 && (wp.cfg.ClaimTimeout > 0 || wp.cfg.RetentionDays > 0) {
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			wp.cleanupLoop(ctx)
		}()
	}

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("job worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("job worker pool stopped")
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := wp.clock.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			// Drain the queue before waiting for the next tick.
			for ctx.Err() == nil && wp.processOne(ctx, workerID) {
			}
		}
	}
}

// processOne claims and dispatches a single job. It reports whether a job
// was claimed.
func (wp *WorkerPool) processOne(ctx context.Context, workerID int) bool {
	job, err := wp.store.Claim(ctx, wp.cfg.MaxRetries)
	if err != nil {
		if ctx.Err() == nil {
			wp.logger.Error("failed to claim job", "workerID", workerID, "error", err)
		}
		return false
	}
	if job == nil {
		return false
	}

	log := wp.logger.With("workerID", workerID, "jobID", job.ID, "kind", job.Kind, "tenant", job.Tenant)
	log.Info("processing job", "attempt", job.AttemptCount, "requestedBy", job.RequestedBy)

	// A stopping server still records the outcome of the claimed job.
	recordCtx := context.WithoutCancel(ctx)

	if !job.Kind.Valid() {
		wp.fail(recordCtx, log, job, "unknown job kind: "+string(job.Kind))
		return true
	}

	start := wp.clock.Now()
	ran, err := wp.dispatcher.RunNow(ctx, string(job.Kind))
	elapsed := wp.clock.Since(start)
	if err == nil && !ran {
		// The in-flight run started before this request; wait for the next one.
		log.Info("cycle busy, job returned to queue")
		if err := wp.store.Release(recordCtx, job.ID, "waiting for running "+string(job.Kind)+" cycle"); err != nil {
			log.Error("failed to release job", "error", err)
		}
		return false
	}
	if err != nil {
		log.Warn("job failed", "error", err)
		wp.fail(recordCtx, log, job, err.Error())
		return true
	}

	log.Info("job completed", "duration", elapsed.String())
	if err := wp.store.Complete(recordCtx, job.ID, string(job.Kind)+" cycle completed", elapsed.Milliseconds()); err != nil {
		log.Error("failed to mark job as complete", "error", err)
	}
	return true
}

func (wp *WorkerPool) fail(ctx context.Context, log *slog.Logger, job *RunJob, msg string) {
	if err := wp.store.Fail(ctx, job.ID, msg, wp.cfg.MaxRetries); err != nil {
		log.Error("failed to mark job as failed", "error", err)
	}
}

// cleanupLoop periodically recovers stuck jobs and prunes old terminal jobs.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := wp.clock.NewTicker(wp.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			wp.Cleanup(ctx)
		}
	}
}

// Cleanup runs one stuck-job and retention sweep.
func (wp *WorkerPool) Cleanup(ctx context.Context) {
	if wp.cfg.ClaimTimeout > 0 {
		requeued, failed, err := wp.store.CleanupStuckJobs(ctx, wp.cfg.ClaimTimeout, wp.cfg.MaxRetries)
		if err != nil {
			wp.logger.Error("failed to cleanup stuck jobs", "error", err)
		} else if requeued > 0 || failed > 0 {
			wp.logger.Info("recovered stuck jobs", "requeued", requeued, "failed", failed)
		}
	}

	if wp.cfg.RetentionDays > 0 {
		cutoff := wp.clock.Now().UTC().AddDate(0, 0, -wp.cfg.RetentionDays)
		deleted, err := wp.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			wp.logger.Error("failed to delete old jobs", "error", err)
		} else if deleted > 0 {
			wp.logger.Info("deleted old jobs", "count", deleted)
		}
	}
}
