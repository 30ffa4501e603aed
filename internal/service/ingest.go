package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/iago/pdfqueue-back/internal/domain"
	"github.com/iago/pdfqueue-back/internal/repository"
)

type IngestResult struct {
	Saved   int
	Skipped int
	Job     *domain.Job
}

// IngestService persists worker results and finalizes the job.
type IngestService struct {
	jobs      repository.JobStore
	questions repository.QuestionStore
	logger    *log.Logger
	now       func() time.Time
}

func NewIngestService(jobs repository.JobStore, questions repository.QuestionStore, logger *log.Logger) *IngestService {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &IngestService{
		jobs:      jobs,
		questions: questions,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ReportResults saves each extracted question unless an equal normalized
// (question, answer) pair is already stored, then completes the job.
//
// Each candidate is checked against the live store, so duplicates inside
// one batch collapse as well. A failure mid-batch leaves the job open with
// the rows saved so far; a retry skips those rows as duplicates and the
// completed job's questions_count still matches its stored rows.
//
// Only a claimed job can complete, so results for a job still queued are
// refused along with results for a finished one.
func (s *IngestService) ReportResults(
	ctx context.Context,
	jobID string,
	questions []domain.RawQuestion,
	rawText string,
) (IngestResult, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return IngestResult{}, fmt.Errorf("job_id is required: %w", domain.ErrValidation)
	}

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return IngestResult{}, err
	}
	if job.Status != domain.JobStatusProcessing {
		return IngestResult{}, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, domain.ErrInvalidTransition)
	}

	result := IngestResult{}
	for index, raw := range questions {
		if strings.TrimSpace(raw.Question) == "" {
			result.Skipped++
			continue
		}

		question := domain.NewQuestion(jobID, raw, s.now())
		inserted, err := s.questions.InsertQuestionIfAbsent(ctx, &question)
		if err != nil {
			s.logger.Printf("ingest aborted job_id=%s index=%d saved=%d err=%v", jobID, index, result.Saved, err)
			return result, fmt.Errorf("save question %d: %w", index, err)
		}
		if !inserted {
			result.Skipped++
			continue
		}
		result.Saved++
	}

	completed, err := s.jobs.CompleteJob(ctx, jobID, rawText, s.now())
	if err != nil {
		return result, fmt.Errorf("complete job: %w", err)
	}
	result.Job = completed

	s.logger.Printf(
		"job completed job_id=%s received=%d saved=%d skipped=%d questions_count=%d",
		jobID,
		len(questions),
		result.Saved,
		result.Skipped,
		completed.QuestionsCount,
	)
	return result, nil
}

func (s *IngestService) ListQuestions(ctx context.Context, filter domain.QuestionFilter) ([]domain.Question, error) {
	return s.questions.ListQuestions(ctx, filter)
}
