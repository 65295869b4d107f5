package chat

import "context"

// ProcessJob runs a queued generation job end to end. It is what the
// worker calls per delivery; requeue decisions stay with the caller.
func (s *Service) ProcessJob(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == JobSucceeded || job.Status == JobFailed {
		// redelivery of an already handled job
		return nil
	}
	if err := s.repo.MarkJobRunning(ctx, jobID); err != nil {
		return err
	}

	if err := s.RunGeneration(ctx, job.UserID, job.ChatID, job.Model); err != nil {
		if mErr := s.repo.MarkJobFailed(ctx, jobID, err.Error()); mErr != nil {
			s.logger.Error().Err(mErr).Str("job_id", jobID).Msg("mark job failed")
		}
		return err
	}
	return s.repo.MarkJobSucceeded(ctx, jobID)
}
