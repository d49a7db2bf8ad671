package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/jobs"
	"github.com/dvloznov/movements-ledger/internal/logger"
	"github.com/dvloznov/movements-ledger/internal/pipeline"
)

// HandleSyncJob implements jobs.JobHandler. A job with a link token registers
// and syncs that link; without one it syncs the principal's latest link.
// Missing configuration is not retried.
func (e *Engine) HandleSyncJob(ctx context.Context, job jobs.Job) error {
	syncJob, ok := job.(*jobs.SyncJob)
	if !ok {
		return jobs.Permanent(fmt.Errorf("unexpected job type: %T", job))
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("job_id", syncJob.JobID).
		Int("retry", syncJob.RetryCount).
		Msg("Processing sync job")

	var (
		report *pipeline.SyncReport
		err    error
	)
	if syncJob.LinkToken != "" {
		report, err = e.RegisterLink(ctx, syncJob.PrincipalID, syncJob.LinkToken, syncJob.Institution)
	} else {
		report, err = e.Sync(ctx, syncJob.PrincipalID, "")
	}
	if report != nil {
		syncJob.Synced = report.Synced
	}
	if err != nil {
		if errors.Is(err, domain.ErrConfigMissing) {
			return jobs.Permanent(err)
		}
		return err
	}

	if !syncJob.ClassifyAfterSync {
		return nil
	}

	batch, err := e.ClassifyAll(ctx, syncJob.PrincipalID)
	if err != nil {
		return fmt.Errorf("classify after sync: %w", err)
	}
	log.Info().
		Int("classified", batch.Classified).
		Int("failed", len(batch.Failures)).
		Msg("Classified synced transactions")

	return nil
}
