package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchLimit is the number of jobs run concurrently by RunBatch
const DefaultBatchLimit = 4

// BatchSummary counts the outcomes of a batch
type BatchSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// RunBatch runs jobs concurrently, at most limit at a time. A failing job
// does not affect the others; each job keeps its own outcome. The returned
// error is non-nil only when ctx ended before every job finished, in which
// case the remaining jobs are Failed with a Canceled error.
func RunBatch(ctx context.Context, o *Orchestrator, jobs []*Job, limit int) (BatchSummary, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for _, job := range jobs {
		g.Go(func() error {
			// Per-job failures are recorded on the job, not propagated
			if err := o.Run(ctx, job); err != nil {
				o.logger.Debug("Batch job did not complete",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Wait()

	summary := BatchSummary{Total: len(jobs)}
	for _, job := range jobs {
		switch job.State {
		case Completed:
			summary.Completed++
		default:
			summary.Failed++
		}
	}
	return summary, ctx.Err()
}
