package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iago/pdfqueue-back/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns an empty store and registers its cleanup on t.
type storeFactory func(t *testing.T) Store

var contractBase = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("CreateAndGet", func(t *testing.T) { contractCreateAndGet(t, newStore(t)) })
	t.Run("ListJobsNewestFirst", func(t *testing.T) { contractListJobs(t, newStore(t)) })
	t.Run("ClaimOldestQueued", func(t *testing.T) { contractClaimOrder(t, newStore(t)) })
	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) { contractConcurrentClaims(t, newStore(t)) })
	t.Run("GuardedUpdate", func(t *testing.T) { contractGuardedUpdate(t, newStore(t)) })
	t.Run("CompleteCountsStoredRows", func(t *testing.T) { contractComplete(t, newStore(t)) })
	t.Run("DuplicateSuppression", func(t *testing.T) { contractDedupe(t, newStore(t)) })
	t.Run("ConcurrentDuplicateInserts", func(t *testing.T) { contractConcurrentDedupe(t, newStore(t)) })
	t.Run("ListQuestions", func(t *testing.T) { contractListQuestions(t, newStore(t)) })
	t.Run("PresenceUpsert", func(t *testing.T) { contractPresence(t, newStore(t)) })
}

func newQueuedJob(id string, createdAt time.Time) *domain.Job {
	return &domain.Job{
		ID:        id,
		Filename:  id + ".pdf",
		Filepath:  "uploads/" + id + ".pdf",
		Status:    domain.JobStatusQueued,
		CreatedAt: createdAt,
	}
}

func contractCreateAndGet(t *testing.T, store Store) {
	ctx := context.Background()
	job := newQueuedJob("exam", contractBase)
	job.Metadata = map[string]any{"uploaded_by": "instructor-7"}
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, "exam")
	require.NoError(t, err)
	assert.Equal(t, "exam.pdf", got.Filename)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.True(t, got.CreatedAt.Equal(contractBase))
	assert.Nil(t, got.ProcessedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.WorkerID)
	assert.Equal(t, 0, got.QuestionsCount)
	assert.Equal(t, "instructor-7", got.Metadata["uploaded_by"])

	_, err = store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.ErrorIs(t, store.CreateJob(ctx, newQueuedJob("exam", contractBase)), domain.ErrPersistence)
}

func contractListJobs(t *testing.T, store Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newQueuedJob("a", contractBase)))
	require.NoError(t, store.CreateJob(ctx, newQueuedJob("b", contractBase.Add(time.Minute))))
	require.NoError(t, store.CreateJob(ctx, newQueuedJob("c", contractBase.Add(time.Minute))))

	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
}

func contractClaimOrder(t *testing.T, store Store) {
	ctx := context.Background()

	job, err := store.ClaimNextJob(ctx, "W1", contractBase)
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, store.CreateJob(ctx, newQueuedJob("second", contractBase.Add(time.Second))))
	require.NoError(t, store.CreateJob(ctx, newQueuedJob("first", contractBase)))

	claimedAt := contractBase.Add(time.Hour)
	job, err = store.ClaimNextJob(ctx, "W1", claimedAt)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "first", job.ID)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, "W1", *job.WorkerID)
	require.NotNil(t, job.ProcessedAt)
	assert.True(t, job.ProcessedAt.Equal(claimedAt))

	job, err = store.ClaimNextJob(ctx, "W2", claimedAt)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "second", job.ID)

	job, err = store.ClaimNextJob(ctx, "W3", claimedAt)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func contractConcurrentClaims(t *testing.T, store Store) {
	ctx := context.Background()
	const jobs = 5
	const workers = 12
	for i := 0; i < jobs; i++ {
		require.NoError(t, store.CreateJob(ctx, newQueuedJob(fmt.Sprintf("job-%d", i), contractBase.Add(time.Duration(i)*time.Second))))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		empty   int
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			job, err := store.ClaimNextJob(ctx, workerID, contractBase.Add(time.Hour))
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if job == nil {
				empty++
				return
			}
			if previous, ok := claimed[job.ID]; ok {
				errs <- fmt.Errorf("job %s claimed by %s and %s", job.ID, previous, workerID)
				return
			}
			claimed[job.ID] = workerID
		}(fmt.Sprintf("W%d", w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, claimed, jobs)
	assert.Equal(t, workers-jobs, empty)
	for jobID, workerID := range claimed {
		job, err := store.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, job.Status)
		require.NotNil(t, job.WorkerID)
		assert.Equal(t, workerID, *job.WorkerID)
	}
}

func contractGuardedUpdate(t *testing.T, store Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newQueuedJob("doc", contractBase)))

	status := domain.JobStatusError
	message := "OCR failed"
	at := contractBase.Add(time.Minute)
	job, err := store.UpdateJob(ctx, "doc", domain.JobUpdate{
		Status:       &status,
		ErrorMessage: &message,
		CompletedAt:  &at,
		ExpectStatus: domain.OpenJobStatuses,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "OCR failed", *job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)
	assert.True(t, job.CompletedAt.Equal(at))

	other := "late report"
	_, err = store.UpdateJob(ctx, "doc", domain.JobUpdate{
		ErrorMessage: &other,
		ExpectStatus: domain.OpenJobStatuses,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored, err := store.GetJob(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "OCR failed", *stored.ErrorMessage)

	_, err = store.UpdateJob(ctx, "missing", domain.JobUpdate{Status: &status})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.CompleteJob(ctx, "doc", "text", at)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func contractComplete(t *testing.T, store Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newQueuedJob("doc", contractBase)))
	require.NoError(t, store.CreateJob(ctx, newQueuedJob("other", contractBase)))

	for i, pair := range [][2]string{{"Q1", "A"}, {"Q2", "B"}} {
		question := domain.NewQuestion("doc", domain.RawQuestion{Question: pair[0], Answer: pair[1]}, contractBase.Add(time.Duration(i)*time.Second))
		inserted, err := store.InsertQuestionIfAbsent(ctx, &question)
		require.NoError(t, err)
		require.True(t, inserted)
	}
	question := domain.NewQuestion("other", domain.RawQuestion{Question: "Q3", Answer: "C"}, contractBase)
	_, err := store.InsertQuestionIfAbsent(ctx, &question)
	require.NoError(t, err)

	at := contractBase.Add(time.Hour)
	_, err = store.CompleteJob(ctx, "doc", "", at)
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "queued job must be claimed before it completes")

	claimed, err := store.ClaimNextJob(ctx, "W1", at)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "doc", claimed.ID)

	job, err := store.CompleteJob(ctx, "doc", "# Exam\n\n1. Q1", at)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.QuestionsCount)
	require.NotNil(t, job.RawText)
	assert.Equal(t, "# Exam\n\n1. Q1", *job.RawText)
	require.NotNil(t, job.CompletedAt)
	assert.True(t, job.CompletedAt.Equal(at))
	require.NotNil(t, job.ProcessedAt)

	count, err := store.CountQuestions(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, job.QuestionsCount, count)

	_, err = store.CompleteJob(ctx, "doc", "again", at)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = store.CompleteJob(ctx, "missing", "", at)
	require.ErrorIs(t, err, domain.ErrNotFound)

	other, err := store.GetJob(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, other.Status)
}

func contractDedupe(t *testing.T, store Store) {
	ctx := context.Background()

	first := domain.NewQuestion("job-1", domain.RawQuestion{
		Question:     "What is 2+2?",
		Answer:       "4",
		Option1:      "3",
		Option2:      "4",
		MultiAnswers: []string{"4"},
		Asked:        true,
		Classification: domain.Classification{
			SubjectID: domain.NewRefID(7),
			YearLabel: "2019",
		},
	}, contractBase)
	inserted, err := store.InsertQuestionIfAbsent(ctx, &first)
	require.NoError(t, err)
	require.True(t, inserted)
	assert.NotZero(t, first.ID)

	again := domain.NewQuestion("job-2", domain.RawQuestion{Question: "  what is 2+2? ", Answer: "4 "}, contractBase)
	inserted, err = store.InsertQuestionIfAbsent(ctx, &again)
	require.NoError(t, err)
	assert.False(t, inserted)

	different := domain.NewQuestion("job-2", domain.RawQuestion{Question: "What is 2+2?", Answer: "four"}, contractBase)
	inserted, err = store.InsertQuestionIfAbsent(ctx, &different)
	require.NoError(t, err)
	assert.True(t, inserted)

	stored, err := store.ListQuestions(ctx, domain.QuestionFilter{JobID: "job-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "What is 2+2?", stored[0].Question)
	assert.Equal(t, []string{"4"}, stored[0].MultiAnswers)
	assert.True(t, stored[0].Asked)
	assert.Equal(t, domain.NewRefID(7), stored[0].SubjectID)
	assert.False(t, stored[0].ChapterID.Valid)
	assert.Equal(t, "2019", stored[0].YearLabel)
}

func contractConcurrentDedupe(t *testing.T, store Store) {
	ctx := context.Background()
	const writers = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		errs     = make(chan error, writers)
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			question := domain.NewQuestion(jobID, domain.RawQuestion{Question: "Capital of France?", Answer: "Paris"}, contractBase)
			ok, err := store.InsertQuestionIfAbsent(ctx, &question)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}(fmt.Sprintf("job-%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inserted)

	all, err := store.ListQuestions(ctx, domain.QuestionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func contractListQuestions(t *testing.T, store Store) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		question := domain.NewQuestion("doc", domain.RawQuestion{Question: fmt.Sprintf("Q%d", i), Answer: "A"}, contractBase.Add(time.Duration(i)*time.Second))
		_, err := store.InsertQuestionIfAbsent(ctx, &question)
		require.NoError(t, err)
	}

	items, err := store.ListQuestions(ctx, domain.QuestionFilter{JobID: "doc", Limit: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Q3", items[0].Question)
	assert.Equal(t, "Q2", items[1].Question)

	items, err = store.ListQuestions(ctx, domain.QuestionFilter{JobID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func contractPresence(t *testing.T, store Store) {
	runPresenceContract(t, store)
}

func runPresenceContract(t *testing.T, store PresenceStore) {
	ctx := context.Background()

	require.NoError(t, store.UpsertPresence(ctx, domain.WorkerPresence{WorkerID: "W1", LastHeartbeat: contractBase, Status: domain.PresenceOnline}))
	later := contractBase.Add(30 * time.Second)
	require.NoError(t, store.UpsertPresence(ctx, domain.WorkerPresence{WorkerID: "W1", LastHeartbeat: later, Status: domain.PresenceOnline}))
	require.NoError(t, store.UpsertPresence(ctx, domain.WorkerPresence{WorkerID: "W2", LastHeartbeat: contractBase, Status: domain.PresenceOnline}))

	items, err := store.ListPresence(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "W1", items[0].WorkerID)
	assert.True(t, items[0].LastHeartbeat.Equal(later))
	assert.Equal(t, domain.PresenceOnline, items[0].Status)
	assert.Equal(t, "W2", items[1].WorkerID)
}
