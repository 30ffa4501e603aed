package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iago/pdfqueue-back/internal/domain"
)

// MemoryStore keeps every entity in process memory. A single mutex guards
// all collections so claims and duplicate checks are atomic.
type MemoryStore struct {
	mu sync.Mutex

	jobs     map[string]*domain.Job
	jobOrder []string

	questions      []domain.Question
	questionsByKey map[string][]int
	nextQuestionID int64

	presence map[string]domain.WorkerPresence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:           make(map[string]*domain.Job),
		questionsByKey: make(map[string][]int),
		presence:       make(map[string]domain.WorkerPresence),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("insert job %s: %w: duplicate id", job.ID, domain.ErrPersistence)
	}
	s.jobs[job.ID] = job.Clone()
	s.jobOrder = append(s.jobOrder, job.ID)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) ListJobs(_ context.Context) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	position := make(map[string]int, len(s.jobOrder))
	items := make([]*domain.Job, 0, len(s.jobOrder))
	for index, id := range s.jobOrder {
		position[id] = index
		items = append(items, s.jobs[id].Clone())
	}

	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return position[items[i].ID] > position[items[j].ID]
	})
	return items, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, jobID string, update domain.JobUpdate) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !update.Allows(job.Status) {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, domain.ErrInvalidTransition)
	}

	applyJobUpdate(job, update)
	return job.Clone(), nil
}

func (s *MemoryStore) ClaimNextJob(_ context.Context, workerID string, at time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *domain.Job
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		if job.Status != domain.JobStatusQueued {
			continue
		}
		if next == nil || job.CreatedAt.Before(next.CreatedAt) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	status := domain.JobStatusProcessing
	applyJobUpdate(next, domain.JobUpdate{
		Status:      &status,
		ProcessedAt: &at,
		WorkerID:    &workerID,
	})
	return next.Clone(), nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, jobID string, rawText string, at time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, domain.ErrInvalidTransition)
	}

	count := 0
	for _, question := range s.questions {
		if question.JobID == jobID {
			count++
		}
	}

	status := domain.JobStatusCompleted
	applyJobUpdate(job, domain.JobUpdate{
		Status:      &status,
		CompletedAt: &at,
		RawText:     &rawText,
	})
	job.QuestionsCount = count
	return job.Clone(), nil
}

func (s *MemoryStore) InsertQuestionIfAbsent(_ context.Context, question *domain.Question) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := question.DedupeKey
	if key == "" {
		key = domain.DedupeKey(question.Question, question.Answer)
	}
	for _, index := range s.questionsByKey[key] {
		if s.questions[index].SameContent(question.Question, question.Answer) {
			return false, nil
		}
	}

	s.nextQuestionID++
	question.ID = s.nextQuestionID
	question.DedupeKey = key

	stored := *question
	stored.MultiAnswers = append([]string(nil), question.MultiAnswers...)
	s.questions = append(s.questions, stored)
	s.questionsByKey[key] = append(s.questionsByKey[key], len(s.questions)-1)
	return true, nil
}

func (s *MemoryStore) ListQuestions(_ context.Context, filter domain.QuestionFilter) ([]domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]domain.Question, 0)
	for _, question := range s.questions {
		if filter.JobID != "" && question.JobID != filter.JobID {
			continue
		}
		copied := question
		copied.MultiAnswers = append([]string(nil), question.MultiAnswers...)
		items = append(items, copied)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})

	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (s *MemoryStore) CountQuestions(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, question := range s.questions {
		if question.JobID == jobID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpsertPresence(_ context.Context, presence domain.WorkerPresence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.presence[presence.WorkerID] = presence
	return nil
}

func (s *MemoryStore) ListPresence(_ context.Context) ([]domain.WorkerPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]domain.WorkerPresence, 0, len(s.presence))
	for _, presence := range s.presence {
		items = append(items, presence)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].WorkerID < items[j].WorkerID
	})
	return items, nil
}

func applyJobUpdate(job *domain.Job, update domain.JobUpdate) {
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.ProcessedAt != nil {
		value := *update.ProcessedAt
		job.ProcessedAt = &value
	}
	if update.CompletedAt != nil {
		value := *update.CompletedAt
		job.CompletedAt = &value
	}
	if update.ErrorMessage != nil {
		value := *update.ErrorMessage
		job.ErrorMessage = &value
	}
	if update.WorkerID != nil {
		value := *update.WorkerID
		job.WorkerID = &value
	}
	if update.RawText != nil {
		value := *update.RawText
		job.RawText = &value
	}
}
