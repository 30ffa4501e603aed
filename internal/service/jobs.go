package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/pdfqueue-back/internal/domain"
	"github.com/iago/pdfqueue-back/internal/repository"
)

// JobsService owns the job state machine: queued -> processing ->
// completed | error. Terminal states are never left.
type JobsService struct {
	repo   repository.JobStore
	logger *log.Logger
	now    func() time.Time
}

func NewJobsService(repo repository.JobStore, logger *log.Logger) *JobsService {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &JobsService{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit records a stored upload as a new queued job.
func (s *JobsService) Submit(
	ctx context.Context,
	filename string,
	storageLocator string,
	metadata map[string]any,
) (*domain.Job, error) {
	filename = strings.TrimSpace(filename)
	storageLocator = strings.TrimSpace(storageLocator)
	if filename == "" {
		return nil, fmt.Errorf("filename is required: %w", domain.ErrValidation)
	}
	if storageLocator == "" {
		return nil, fmt.Errorf("storage locator is required: %w", domain.ErrValidation)
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		Filename:  filename,
		Filepath:  storageLocator,
		Status:    domain.JobStatusQueued,
		CreatedAt: s.now(),
		Metadata:  metadata,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.Printf("job queued job_id=%s filename=%s", job.ID, job.Filename)
	return job, nil
}

func (s *JobsService) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required: %w", domain.ErrValidation)
	}
	return s.repo.GetJob(ctx, jobID)
}

func (s *JobsService) GetStatus(ctx context.Context, jobID string) (domain.JobStatusView, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobStatusView{}, err
	}
	return job.StatusView(), nil
}

func (s *JobsService) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.repo.ListJobs(ctx)
}

// ClaimNext hands the oldest queued job to workerID. It returns nil when
// the queue is empty.
func (s *JobsService) ClaimNext(ctx context.Context, workerID string) (*domain.Job, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required: %w", domain.ErrValidation)
	}

	job, err := s.repo.ClaimNextJob(ctx, workerID, s.now())
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job != nil {
		s.logger.Printf("job claimed job_id=%s worker_id=%s", job.ID, workerID)
	}
	return job, nil
}

// ReportError moves an open job to error. Reports against a job that is
// already completed or errored fail with domain.ErrInvalidTransition.
func (s *JobsService) ReportError(ctx context.Context, jobID string, message string) (*domain.Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("error message is required: %w", domain.ErrValidation)
	}

	status := domain.JobStatusError
	completedAt := s.now()
	job, err := s.repo.UpdateJob(ctx, jobID, domain.JobUpdate{
		Status:       &status,
		ErrorMessage: &message,
		CompletedAt:  &completedAt,
		ExpectStatus: domain.OpenJobStatuses,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Printf("job failed job_id=%s error=%q", job.ID, message)
	return job, nil
}
