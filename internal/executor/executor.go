package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Job asks the keeper to look for and execute arbitrage on one market.
type Job struct {
	ID       string
	MarketID string
	SizeHint uint64
}

// JobHandler finds and executes the best route for a job. It is implemented
// by the service layer, which owns market locking.
type JobHandler interface {
	HandleJob(ctx context.Context, job Job) (*Result, error)
}

// Runner reads jobs from a channel, drops duplicates seen within the dedup
// TTL, and hands the rest to a JobHandler one at a time.
type Runner struct {
	jobCh   <-chan Job
	handler JobHandler
	dedup   *Dedup
	logger  *slog.Logger

	cleanupInterval time.Duration
}

// NewRunner creates a Runner that reads jobs from jobCh.
func NewRunner(jobCh <-chan Job, handler JobHandler, dedupTTL time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		jobCh:           jobCh,
		handler:         handler,
		dedup:           NewDedup(dedupTTL),
		logger:          logger.With(slog.String("component", "arb_runner")),
		cleanupInterval: 30 * time.Second,
	}
}

// Run processes jobs until the context is cancelled, at which point it drains
// any jobs already buffered and returns.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("arb runner started")
	defer r.logger.Info("arb runner stopped")

	cleanupTicker := time.NewTicker(r.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()

		case job, ok := <-r.jobCh:
			if !ok {
				return nil
			}
			r.process(ctx, job)

		case <-cleanupTicker.C:
			r.dedup.Cleanup()
		}
	}
}

func (r *Runner) process(ctx context.Context, job Job) {
	log := r.logger.With(
		slog.String("job_id", job.ID),
		slog.String("market_id", job.MarketID),
	)

	if job.ID != "" && r.dedup.IsDuplicate(job.ID) {
		log.Debug("job deduplicated, skipping")
		return
	}

	res, err := r.handler.HandleJob(ctx, job)
	if err != nil {
		log.Warn("arb job failed", slog.String("error", err.Error()))
		return
	}
	if res == nil {
		log.Debug("no profitable route")
		return
	}
	log.Info("arb job executed",
		slog.String("route", res.Kind.String()),
		slog.Uint64("profit", res.Profit),
	)
}

// drain handles jobs already buffered after cancellation so they are not
// silently dropped.
func (r *Runner) drain() {
	for {
		select {
		case job, ok := <-r.jobCh:
			if !ok {
				return
			}
			r.logger.Warn("draining job after shutdown", slog.String("job_id", job.ID))
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.process(drainCtx, job)
			cancel()
		default:
			return
		}
	}
}

// SetCleanupInterval changes how often the dedup map is garbage-collected.
// Must be called before Run.
func (r *Runner) SetCleanupInterval(d time.Duration) {
	r.cleanupInterval = d
}

var _ fmt.Stringer = (*Runner)(nil)

func (r *Runner) String() string {
	return fmt.Sprintf("Runner(dedup_ttl=%s)", r.dedup.ttl)
}
