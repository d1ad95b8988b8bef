package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/switchboard-io/switchboard/internal/models"
	"gorm.io/gorm"
)

// Default worker tuning.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultBackoffBase  = 30 * time.Second
	maxBackoff          = 30 * time.Minute
)

// HandlerFunc processes one claimed job. Implementations must be idempotent.
type HandlerFunc func(ctx context.Context, job models.Job) error

// Worker consumes durable jobs with bounded retries and exponential backoff.
type Worker struct {
	db           *gorm.DB
	handlers     map[string]HandlerFunc
	pollInterval time.Duration
	backoffBase  time.Duration
	staleAfter   time.Duration
	cronExpr     string
}

// WorkerOpts holds parameters for creating a Worker.
type WorkerOpts struct {
	DB           *gorm.DB
	PollInterval time.Duration // defaults to DefaultPollInterval
	BackoffBase  time.Duration // defaults to DefaultBackoffBase
	StaleAfter   time.Duration // running-job recovery window; defaults to 15m
	CronExpr     string        // 5-field maintenance schedule; empty disables
}

// NewWorker creates a Worker with no handlers registered.
func NewWorker(opts WorkerOpts) (*Worker, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("queue: worker: db is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	return &Worker{
		db:           opts.DB,
		handlers:     make(map[string]HandlerFunc),
		pollInterval: opts.PollInterval,
		backoffBase:  opts.BackoffBase,
		staleAfter:   opts.StaleAfter,
		cronExpr:     opts.CronExpr,
	}, nil
}

// Register binds a handler to a job type. Not safe to call after Run starts.
func (w *Worker) Register(jobType string, fn HandlerFunc) {
	w.handlers[jobType] = fn
}

// Run polls for due jobs until the context is cancelled. Claimed jobs are
// executed one at a time per worker; run several workers for parallelism.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("queue: worker has no handlers")
	}

	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}

	maintenanceAt := w.nextMaintenance()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !maintenanceAt.IsZero() && time.Now().After(maintenanceAt) {
			w.runMaintenance()
			maintenanceAt = w.nextMaintenance()
		}

		job, err := Claim(w.db, types)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				log.Printf("queue: claim: %v", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.pollInterval):
			}
			continue
		}

		w.execute(ctx, *job)
	}
}

// execute runs the handler for one claimed job and records the outcome.
func (w *Worker) execute(ctx context.Context, job models.Job) {
	handler := w.handlers[job.Type]
	err := handler(ctx, job)
	if err == nil {
		now := time.Now()
		if dbErr := w.db.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"status":       models.JobCompleted,
			"completed_at": now,
		}).Error; dbErr != nil {
			log.Printf("queue: mark job %d completed: %v", job.ID, dbErr)
		}
		return
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}

	if job.Attempts >= maxAttempts {
		// Exhausted: recorded as failed for operator remediation, never
		// silently dropped.
		if dbErr := w.db.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"status":     models.JobFailed,
			"last_error": err.Error(),
		}).Error; dbErr != nil {
			log.Printf("queue: mark job %d failed: %v", job.ID, dbErr)
		}
		log.Printf("queue: job %d (%s) failed after %d attempts: %v", job.ID, job.Type, job.Attempts, err)
		return
	}

	delay := Backoff(w.backoffBase, job.Attempts)
	if dbErr := w.db.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"status":     models.JobPending,
		"run_at":     time.Now().Add(delay),
		"last_error": err.Error(),
	}).Error; dbErr != nil {
		log.Printf("queue: reschedule job %d: %v", job.ID, dbErr)
	}
	log.Printf("queue: job %d (%s) attempt %d failed, retrying in %s: %v", job.ID, job.Type, job.Attempts, delay, err)
}

// Backoff returns the delay before the next attempt: base doubled per prior
// attempt, capped.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base * time.Duration(math.Pow(2, float64(attempts-1)))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

func (w *Worker) runMaintenance() {
	requeued, err := RequeueStale(w.db, w.staleAfter)
	if err != nil {
		log.Printf("queue: requeue stale: %v", err)
	} else if requeued > 0 {
		log.Printf("queue: requeued %d stale running jobs", requeued)
	}
	if _, err := PurgeCompleted(w.db, 7*24*time.Hour); err != nil {
		log.Printf("queue: purge completed: %v", err)
	}
}

func (w *Worker) nextMaintenance() time.Time {
	if w.cronExpr == "" {
		return time.Time{}
	}
	d := nextCronDuration(w.cronExpr)
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
