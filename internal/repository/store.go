package repository

import (
	"context"
	"time"

	"github.com/iago/pdfqueue-back/internal/domain"
)

// JobStore persists jobs. Every mutation is a single atomic store operation;
// callers never read-modify-write a job themselves.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	// ListJobs returns every job, newest first.
	ListJobs(ctx context.Context) ([]*domain.Job, error)
	UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) (*domain.Job, error)
	// ClaimNextJob moves the oldest queued job to processing for workerID.
	// It returns nil without error when nothing is queued. Two concurrent
	// callers never receive the same job.
	ClaimNextJob(ctx context.Context, workerID string, at time.Time) (*domain.Job, error)
	// CompleteJob marks an open job completed, storing rawText and setting
	// questions_count to the number of questions referencing the job.
	CompleteJob(ctx context.Context, jobID string, rawText string, at time.Time) (*domain.Job, error)
}

// QuestionStore persists extracted questions.
type QuestionStore interface {
	// InsertQuestionIfAbsent saves question unless a row with the same
	// normalized (question, answer) pair exists. It reports whether a row
	// was written and fills question.ID when it was.
	InsertQuestionIfAbsent(ctx context.Context, question *domain.Question) (bool, error)
	// ListQuestions returns questions newest first.
	ListQuestions(ctx context.Context, filter domain.QuestionFilter) ([]domain.Question, error)
	CountQuestions(ctx context.Context, jobID string) (int, error)
}

// PresenceStore records worker heartbeats with upsert semantics.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, presence domain.WorkerPresence) error
	ListPresence(ctx context.Context) ([]domain.WorkerPresence, error)
}

// Store is the single persistence abstraction shared by every component.
type Store interface {
	JobStore
	QuestionStore
	PresenceStore
	Close() error
}
