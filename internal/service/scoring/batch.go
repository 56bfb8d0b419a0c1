package scoring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/claims-fraud-engine/internal/metrics"
	"github.com/davidleathers/claims-fraud-engine/internal/service/cases"
	"github.com/davidleathers/claims-fraud-engine/internal/service/history"
)

// Batch item results
const (
	ResultScored    = "scored"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// BatchJob re-scores a list of claims against one pinned history version
type BatchJob struct {
	ID       uuid.UUID
	ClaimIDs []uuid.UUID
	// AsOfVersion pins the history view; 0 pins the head when the job starts
	AsOfVersion uint64
	RuleOnly    bool
	// Emit forwards verdicts to the case emitter
	Emit bool
}

// BatchItem is the outcome for one claim of a job
type BatchItem struct {
	ClaimID  uuid.UUID
	Result   string
	Verdict  *fraud.Verdict
	Decision cases.Decision
	Err      error
}

// BatchReport summarizes a finished or cancelled job
type BatchReport struct {
	JobID       uuid.UUID
	AsOfVersion uint64
	Items       []BatchItem
	Scored      int
	Failed      int
	Cancelled   int
	Duration    time.Duration
}

// WorkerPool runs batch jobs on a fixed number of workers. Cancelling the
// job context stops dispatch; claims already being scored finish.
type WorkerPool struct {
	engine  *Engine
	workers int
	limiter *rate.Limiter
	metrics *metrics.Registry
	logger  *zap.Logger

	inFlight atomic.Int64
}

func NewWorkerPool(engine *Engine, cfg config.BatchConfig, reg *metrics.Registry, logger *zap.Logger) (*WorkerPool, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	p := &WorkerPool{engine: engine, workers: workers, metrics: reg, logger: logger}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return p, nil
}

// InFlight reports claims currently being scored
func (p *WorkerPool) InFlight() int64 {
	return p.inFlight.Load()
}

// Run executes job and returns a report with one item per claim ID, in
// input order. The returned error is ctx.Err() when the job was cancelled.
func (p *WorkerPool) Run(ctx context.Context, job BatchJob) (*BatchReport, error) {
	ctx, span := telemetry.StartSpan(ctx, "scoring.batch")
	defer span.End()
	start := time.Now()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	view, err := p.engine.ViewAt(job.AsOfVersion)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	logger := telemetry.WithTrace(ctx, p.logger).With(
		zap.String("job_id", job.ID.String()),
		zap.Uint64("as_of_version", view.Version()))
	logger.Info("batch started", zap.Int("claims", len(job.ClaimIDs)), zap.Int("workers", p.workers))

	report := &BatchReport{
		JobID:       job.ID,
		AsOfVersion: view.Version(),
		Items:       make([]BatchItem, len(job.ClaimIDs)),
	}
	for i, id := range job.ClaimIDs {
		report.Items[i] = BatchItem{ClaimID: id, Result: ResultCancelled}
	}

	// claims are scored without the job's cancellation
	scoreCtx := context.WithoutCancel(ctx)

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				p.inFlight.Add(1)
				report.Items[i] = p.process(scoreCtx, job, report.Items[i].ClaimID, view)
				p.inFlight.Add(-1)
			}
		}()
	}

dispatch:
	for i := range job.ClaimIDs {
		if ctx.Err() != nil {
			break
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				break
			}
		}
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	for _, it := range report.Items {
		switch it.Result {
		case ResultScored:
			report.Scored++
		case ResultFailed:
			report.Failed++
		default:
			report.Cancelled++
		}
		p.metrics.RecordBatchClaim(ctx, it.Result)
	}
	report.Duration = time.Since(start)

	logger.Info("batch finished",
		zap.Int("scored", report.Scored),
		zap.Int("failed", report.Failed),
		zap.Int("cancelled", report.Cancelled),
		zap.Duration("duration", report.Duration))

	if err := ctx.Err(); err != nil && report.Cancelled > 0 {
		return report, err
	}
	return report, nil
}

func (p *WorkerPool) process(ctx context.Context, job BatchJob, claimID uuid.UUID, view *history.View) BatchItem {
	item := BatchItem{ClaimID: claimID}
	v, err := p.engine.ScoreByID(ctx, claimID, view, job.RuleOnly)
	if err != nil {
		item.Result = ResultFailed
		item.Err = err
		p.logger.Warn("batch claim failed",
			zap.String("job_id", job.ID.String()),
			zap.String("claim_id", claimID.String()),
			zap.Error(err))
		return item
	}
	item.Verdict = v
	item.Result = ResultScored

	if job.Emit {
		d, err := p.engine.Emit(ctx, v)
		if err != nil {
			item.Result = ResultFailed
			item.Err = fmt.Errorf("emitting case: %w", err)
			return item
		}
		item.Decision = d
	}
	return item
}
