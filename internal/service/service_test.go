package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/pdfqueue-back/internal/domain"
	"github.com/iago/pdfqueue-back/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fixedClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestServices(t *testing.T) (*JobsService, *IngestService, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := &fixedClock{current: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}

	jobs := NewJobsService(store, nil)
	jobs.now = clock.now
	ingest := NewIngestService(store, store, nil)
	ingest.now = clock.now
	return jobs, ingest, store
}

func TestSubmitCreatesQueuedJob(t *testing.T) {
	jobs, _, _ := newTestServices(t)
	ctx := context.Background()

	job, err := jobs.Submit(ctx, "exam.pdf", "uploads/20240501_090000_exam.pdf", map[string]any{"class": "10"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	status, err := jobs.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, status.Status)
	assert.Equal(t, "exam.pdf", status.Filename)
	assert.Nil(t, status.WorkerID)
	assert.Equal(t, 0, status.QuestionsCount)

	_, err = jobs.Submit(ctx, " ", "x", nil)
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = jobs.Submit(ctx, "exam.pdf", "", nil)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestClaimNextHandsOutOldestOnce(t *testing.T) {
	jobs, _, _ := newTestServices(t)
	ctx := context.Background()

	first, err := jobs.Submit(ctx, "a.pdf", "uploads/a.pdf", nil)
	require.NoError(t, err)
	second, err := jobs.Submit(ctx, "b.pdf", "uploads/b.pdf", nil)
	require.NoError(t, err)

	claimed, err := jobs.ClaimNext(ctx, "W1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, "W1", *claimed.WorkerID)

	claimed, err = jobs.ClaimNext(ctx, "W2")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)

	claimed, err = jobs.ClaimNext(ctx, "W3")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	_, err = jobs.ClaimNext(ctx, "")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestReportErrorIsTerminal(t *testing.T) {
	jobs, ingest, _ := newTestServices(t)
	ctx := context.Background()

	job, err := jobs.Submit(ctx, "scan.pdf", "uploads/scan.pdf", nil)
	require.NoError(t, err)
	_, err = jobs.ClaimNext(ctx, "W1")
	require.NoError(t, err)

	failed, err := jobs.ReportError(ctx, job.ID, "OCR failed")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, failed.Status)
	assert.Equal(t, "OCR failed", *failed.ErrorMessage)
	assert.NotNil(t, failed.CompletedAt)

	_, err = jobs.ReportError(ctx, job.ID, "second failure")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = ingest.ReportResults(ctx, job.ID, []domain.RawQuestion{{Question: "Q", Answer: "A"}}, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	status, err := jobs.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "OCR failed", *status.ErrorMessage)

	_, err = jobs.ReportError(ctx, "missing", "OCR failed")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = jobs.ReportError(ctx, job.ID, "  ")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestReportResultsSkipsDuplicates(t *testing.T) {
	jobs, ingest, store := newTestServices(t)
	ctx := context.Background()

	earlier, err := jobs.Submit(ctx, "old.pdf", "uploads/old.pdf", nil)
	require.NoError(t, err)
	_, err = jobs.ClaimNext(ctx, "W1")
	require.NoError(t, err)
	_, err = ingest.ReportResults(ctx, earlier.ID, []domain.RawQuestion{{Question: "What is 2+2?", Answer: "4"}}, "")
	require.NoError(t, err)

	job, err := jobs.Submit(ctx, "exam.pdf", "uploads/exam.pdf", nil)
	require.NoError(t, err)
	_, err = jobs.ClaimNext(ctx, "W1")
	require.NoError(t, err)

	result, err := ingest.ReportResults(ctx, job.ID, []domain.RawQuestion{
		{Question: " what is 2+2? ", Answer: "4"},
		{Question: "Capital of France?", Answer: "Paris"},
		{Question: "capital of france?", Answer: "paris "},
		{Question: "   ", Answer: "ignored"},
	}, "# Exam")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Saved)
	assert.Equal(t, 3, result.Skipped)
	require.NotNil(t, result.Job)
	assert.Equal(t, domain.JobStatusCompleted, result.Job.Status)
	assert.Equal(t, 1, result.Job.QuestionsCount)
	assert.Equal(t, "# Exam", *result.Job.RawText)

	count, err := store.CountQuestions(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Job.QuestionsCount, count)

	stored, err := ingest.ListQuestions(ctx, domain.QuestionFilter{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Capital of France?", stored[0].Question)
}

func TestReportResultsWithNoQuestionsCompletes(t *testing.T) {
	jobs, ingest, _ := newTestServices(t)
	ctx := context.Background()

	job, err := jobs.Submit(ctx, "blank.pdf", "uploads/blank.pdf", nil)
	require.NoError(t, err)
	_, err = jobs.ClaimNext(ctx, "W1")
	require.NoError(t, err)

	result, err := ingest.ReportResults(ctx, job.ID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Saved)
	assert.Equal(t, domain.JobStatusCompleted, result.Job.Status)
	assert.Equal(t, 0, result.Job.QuestionsCount)

	_, err = ingest.ReportResults(ctx, "missing", nil, "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReportResultsRequiresClaim(t *testing.T) {
	jobs, ingest, store := newTestServices(t)
	ctx := context.Background()

	job, err := jobs.Submit(ctx, "exam.pdf", "uploads/exam.pdf", nil)
	require.NoError(t, err)

	_, err = ingest.ReportResults(ctx, job.ID, []domain.RawQuestion{{Question: "Q1", Answer: "A"}}, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	count, err := store.CountQuestions(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "refused results must not store questions")

	queued, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, queued.Status)
	assert.Nil(t, queued.ProcessedAt)
	assert.Nil(t, queued.CompletedAt)

	_, err = jobs.ClaimNext(ctx, "W1")
	require.NoError(t, err)
	result, err := ingest.ReportResults(ctx, job.ID, []domain.RawQuestion{{Question: "Q1", Answer: "A"}}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, result.Job.Status)
	assert.NotNil(t, result.Job.ProcessedAt)
	assert.NotNil(t, result.Job.CompletedAt)
}

// failingMidBatch reports a job error just before the nth insert, the way a
// second reporter racing the ingest would.
type failingMidBatch struct {
	repository.QuestionStore
	jobs   *JobsService
	jobID  string
	failAt int
	calls  int
}

func (f *failingMidBatch) InsertQuestionIfAbsent(ctx context.Context, question *domain.Question) (bool, error) {
	f.calls++
	if f.calls == f.failAt {
		if _, err := f.jobs.ReportError(ctx, f.jobID, "worker restarted"); err != nil {
			return false, err
		}
	}
	return f.QuestionStore.InsertQuestionIfAbsent(ctx, question)
}

func TestReportErrorDuringIngestKeepsSavedRows(t *testing.T) {
	store := repository.NewMemoryStore()
	jobs := NewJobsService(store, nil)
	ctx := context.Background()

	job, err := jobs.Submit(ctx, "exam.pdf", "uploads/exam.pdf", nil)
	require.NoError(t, err)
	_, err = jobs.ClaimNext(ctx, "W1")
	require.NoError(t, err)

	racing := &failingMidBatch{QuestionStore: store, jobs: jobs, jobID: job.ID, failAt: 2}
	ingest := NewIngestService(store, racing, nil)
	batch := []domain.RawQuestion{{Question: "Q1", Answer: "A"}, {Question: "Q2", Answer: "B"}}

	result, err := ingest.ReportResults(ctx, job.ID, batch, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 2, result.Saved)

	failed, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, failed.Status)
	assert.Equal(t, 0, failed.QuestionsCount)

	count, err := store.CountQuestions(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "rows saved before the error stay stored")

	rerun, err := jobs.Submit(ctx, "exam.pdf", "uploads/exam-2.pdf", nil)
	require.NoError(t, err)
	_, err = jobs.ClaimNext(ctx, "W2")
	require.NoError(t, err)
	result, err = NewIngestService(store, store, nil).ReportResults(ctx, rerun.ID, batch, "")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Saved)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 0, result.Job.QuestionsCount)
}

// flakyQuestions fails the nth insert once.
type flakyQuestions struct {
	repository.QuestionStore
	failAt int
	calls  int
}

func (f *flakyQuestions) InsertQuestionIfAbsent(ctx context.Context, question *domain.Question) (bool, error) {
	f.calls++
	if f.calls == f.failAt {
		return false, fmt.Errorf("insert question: %w: %w", domain.ErrPersistence, errors.New("connection reset"))
	}
	return f.QuestionStore.InsertQuestionIfAbsent(ctx, question)
}

func TestReportResultsRetryAfterPartialFailure(t *testing.T) {
	store := repository.NewMemoryStore()
	jobs := NewJobsService(store, nil)
	flaky := &flakyQuestions{QuestionStore: store, failAt: 2}
	ingest := NewIngestService(store, flaky, nil)
	ctx := context.Background()

	job, err := jobs.Submit(ctx, "exam.pdf", "uploads/exam.pdf", nil)
	require.NoError(t, err)
	_, err = jobs.ClaimNext(ctx, "W1")
	require.NoError(t, err)

	batch := []domain.RawQuestion{
		{Question: "Q1", Answer: "A"},
		{Question: "Q2", Answer: "B"},
		{Question: "Q3", Answer: "C"},
	}
	result, err := ingest.ReportResults(ctx, job.ID, batch, "")
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, 1, result.Saved)

	pending, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, pending.Status)

	result, err = ingest.ReportResults(ctx, job.ID, batch, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Saved)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 3, result.Job.QuestionsCount)
}

func TestPresenceHeartbeatUpserts(t *testing.T) {
	store := repository.NewMemoryStore()
	presence := NewPresenceService(store)
	clock := &fixedClock{current: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	presence.now = clock.now
	ctx := context.Background()

	first, err := presence.Heartbeat(ctx, "W1")
	require.NoError(t, err)
	second, err := presence.Heartbeat(ctx, " W1 ")
	require.NoError(t, err)
	assert.True(t, second.LastHeartbeat.After(first.LastHeartbeat))

	items, err := presence.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "W1", items[0].WorkerID)
	assert.Equal(t, domain.PresenceOnline, items[0].Status)
	assert.True(t, items[0].LastHeartbeat.Equal(second.LastHeartbeat))

	_, err = presence.Heartbeat(ctx, "")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestPayloadValidator(t *testing.T) {
	validator, err := NewPayloadValidator()
	require.NoError(t, err)

	valid := []string{
		`{"job_id":"j1","questions":[{"question":"Q","answer":"A","subjectId":"7","chapterId":3,"topicId":""}],"mmd_content":"# x"}`,
		`{"job_id":"j1","questions":null}`,
		`{"job_id":"j1","error_message":"OCR failed"}`,
	}
	for _, body := range valid {
		assert.NoError(t, validator.ValidateResults([]byte(body)), body)
	}

	invalid := []string{
		`{"questions":[]}`,
		`{"job_id":""}`,
		`{"job_id":"j1","questions":{}}`,
		`{"job_id":"j1","questions":[{"subjectId":"seven"}]}`,
		`{"job_id":"j1","questions":[{"multiAnswers":"A"}]}`,
		`not json`,
	}
	for _, body := range invalid {
		err := validator.ValidateResults([]byte(body))
		assert.ErrorIs(t, err, domain.ErrValidation, body)
	}

	require.NoError(t, validator.ValidateFailure([]byte(`{"job_id":"j1","error_message":"OCR failed"}`)))
	require.ErrorIs(t, validator.ValidateFailure([]byte(`{"job_id":"j1","error_message":"   "}`)), domain.ErrValidation)
	require.ErrorIs(t, validator.ValidateFailure([]byte(`{"job_id":"j1"}`)), domain.ErrValidation)
}

func TestExportQuestionsXLSX(t *testing.T) {
	jobs, ingest, store := newTestServices(t)
	ctx := context.Background()

	job, err := jobs.Submit(ctx, "exam.pdf", "uploads/exam.pdf", nil)
	require.NoError(t, err)
	_, err = jobs.ClaimNext(ctx, "W1")
	require.NoError(t, err)
	_, err = ingest.ReportResults(ctx, job.ID, []domain.RawQuestion{
		{
			Question:       "What is 2+2?",
			Answer:         "4",
			MultiAnswers:   []string{"4", "four"},
			Classification: domain.Classification{SubjectID: domain.NewRefID(7), YearLabel: "2019"},
		},
	}, "")
	require.NoError(t, err)

	export := NewExportService(store, 0, nil)
	content, err := export.ExportQuestionsXLSX(ctx, job.ID)
	require.NoError(t, err)

	workbook, err := excelize.OpenReader(bytes.NewReader(content))
	require.NoError(t, err)
	defer workbook.Close()

	rows, err := workbook.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, exportHeaders[:len(rows[0])], rows[0])
	assert.Equal(t, job.ID, rows[1][1])
	assert.Equal(t, "What is 2+2?", rows[1][2])
	assert.Equal(t, "4, four", rows[1][8])
	assert.Equal(t, "7", rows[1][13])
	assert.Equal(t, "2019", rows[1][20])
}
