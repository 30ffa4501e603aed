package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/pdfqueue-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq BIGSERIAL,
	job_id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	filepath TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	error_message TEXT,
	questions_count INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT,
	metadata JSONB,
	raw_text TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at, seq);

CREATE TABLE IF NOT EXISTS questions (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	question TEXT NOT NULL,
	option1 TEXT NOT NULL DEFAULT '',
	option2 TEXT NOT NULL DEFAULT '',
	option3 TEXT NOT NULL DEFAULT '',
	option4 TEXT NOT NULL DEFAULT '',
	answer TEXT NOT NULL DEFAULT '',
	multi_answers TEXT NOT NULL DEFAULT '[]',
	explanation TEXT NOT NULL DEFAULT '',
	solution TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	asked BOOLEAN NOT NULL DEFAULT FALSE,
	exam_id BIGINT,
	standard_id BIGINT,
	subject_id BIGINT,
	chapter_id BIGINT,
	topic_id BIGINT,
	sub_topic_id BIGINT,
	pattern_id BIGINT,
	level_id BIGINT,
	type_id BIGINT,
	year_id BIGINT,
	year_label TEXT NOT NULL DEFAULT '',
	marks BIGINT,
	user_id BIGINT,
	category TEXT NOT NULL DEFAULT '',
	dedupe_key TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_questions_job_id ON questions (job_id);
CREATE INDEX IF NOT EXISTS idx_questions_dedupe_key ON questions (dedupe_key);

CREATE TABLE IF NOT EXISTS worker_presence (
	worker_id TEXT PRIMARY KEY,
	last_heartbeat TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL
);
`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate pg schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	metadata, err := encodeMetadata(job.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		job.ID,
		job.Filename,
		job.Filepath,
		string(job.Status),
		job.CreatedAt,
		job.ProcessedAt,
		job.CompletedAt,
		job.ErrorMessage,
		job.QuestionsCount,
		job.WorkerID,
		metadata,
		job.RawText,
	)
	if err != nil {
		return persistenceError("insert job", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanPostgresJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE job_id = $1
	`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, persistenceError("query job", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		ORDER BY created_at DESC, seq DESC
	`)
	if err != nil {
		return nil, persistenceError("list jobs", err)
	}
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, persistenceError("scan job", err)
		}
		items = append(items, job)
	}
	if rows.Err() != nil {
		return nil, persistenceError("iterate jobs", rows.Err())
	}
	return items, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) (*domain.Job, error) {
	query, args := buildJobUpdate(jobID, update, dollarPlaceholder, func(value time.Time) any { return value })
	if query == "" {
		return s.guardedGet(ctx, jobID, update)
	}

	job, err := scanPostgresJob(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, persistenceError("update job", err)
	}
	return nil, s.missedUpdate(ctx, jobID)
}

func (s *PostgresStore) ClaimNextJob(ctx context.Context, workerID string, at time.Time) (*domain.Job, error) {
	// SKIP LOCKED lets concurrent claimers move on to the next queued row
	// instead of both waiting on and then updating the same one.
	job, err := scanPostgresJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1,
			processed_at = $2,
			worker_id = $3
		WHERE job_id = (
			SELECT job_id
			FROM jobs
			WHERE status = $4
			ORDER BY created_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		string(domain.JobStatusProcessing),
		at,
		workerID,
		string(domain.JobStatusQueued),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, persistenceError("claim job", err)
	}
	return job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, rawText string, at time.Time) (*domain.Job, error) {
	job, err := scanPostgresJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2,
			completed_at = $3,
			raw_text = $4,
			questions_count = (SELECT COUNT(*) FROM questions WHERE questions.job_id = $1)
		WHERE job_id = $1 AND status = $5
		RETURNING `+jobColumns,
		jobID,
		string(domain.JobStatusCompleted),
		at,
		rawText,
		string(domain.JobStatusProcessing),
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, persistenceError("complete job", err)
	}
	return nil, s.missedUpdate(ctx, jobID)
}

func (s *PostgresStore) InsertQuestionIfAbsent(ctx context.Context, question *domain.Question) (bool, error) {
	if question.DedupeKey == "" {
		question.DedupeKey = domain.DedupeKey(question.Question, question.Answer)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, persistenceError("begin question tx", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Serializes writers of the same normalized pair until commit.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, domain.DedupeLockID(question.DedupeKey)); err != nil {
		return false, persistenceError("lock dedupe key", err)
	}

	rows, err := tx.Query(ctx, `SELECT question, answer FROM questions WHERE dedupe_key = $1`, question.DedupeKey)
	if err != nil {
		return false, persistenceError("query duplicates", err)
	}
	duplicate := false
	for rows.Next() {
		var existing domain.Question
		if err := rows.Scan(&existing.Question, &existing.Answer); err != nil {
			rows.Close()
			return false, persistenceError("scan duplicate", err)
		}
		if existing.SameContent(question.Question, question.Answer) {
			duplicate = true
			break
		}
	}
	rows.Close()
	if rows.Err() != nil {
		return false, persistenceError("iterate duplicates", rows.Err())
	}
	if duplicate {
		return false, nil
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO questions (`+questionInsertColumns+`)
		VALUES (`+placeholders(questionInsertArity, dollarPlaceholder)+`)
		RETURNING id
	`, questionInsertArgs(question, question.CreatedAt)...).Scan(&question.ID)
	if err != nil {
		return false, persistenceError("insert question", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, persistenceError("commit question", err)
	}
	return true, nil
}

func (s *PostgresStore) ListQuestions(ctx context.Context, filter domain.QuestionFilter) ([]domain.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions`
	args := make([]any, 0, 2)
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		query += fmt.Sprintf(" WHERE job_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistenceError("list questions", err)
	}
	defer rows.Close()

	items := make([]domain.Question, 0)
	for rows.Next() {
		var row questionRow
		if err := rows.Scan(row.targets(&row.question.CreatedAt)...); err != nil {
			return nil, persistenceError("scan question", err)
		}
		items = append(items, row.finish())
	}
	if rows.Err() != nil {
		return nil, persistenceError("iterate questions", rows.Err())
	}
	return items, nil
}

func (s *PostgresStore) CountQuestions(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM questions WHERE job_id = $1`, jobID).Scan(&count)
	if err != nil {
		return 0, persistenceError("count questions", err)
	}
	return count, nil
}

func (s *PostgresStore) UpsertPresence(ctx context.Context, presence domain.WorkerPresence) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_presence (worker_id, last_heartbeat, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (worker_id) DO UPDATE
		SET last_heartbeat = EXCLUDED.last_heartbeat,
			status = EXCLUDED.status
	`, presence.WorkerID, presence.LastHeartbeat, presence.Status)
	if err != nil {
		return persistenceError("upsert presence", err)
	}
	return nil
}

func (s *PostgresStore) ListPresence(ctx context.Context) ([]domain.WorkerPresence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_id, last_heartbeat, status
		FROM worker_presence
		ORDER BY worker_id
	`)
	if err != nil {
		return nil, persistenceError("list presence", err)
	}
	defer rows.Close()

	items := make([]domain.WorkerPresence, 0)
	for rows.Next() {
		var presence domain.WorkerPresence
		if err := rows.Scan(&presence.WorkerID, &presence.LastHeartbeat, &presence.Status); err != nil {
			return nil, persistenceError("scan presence", err)
		}
		items = append(items, presence)
	}
	if rows.Err() != nil {
		return nil, persistenceError("iterate presence", rows.Err())
	}
	return items, nil
}

// guardedGet handles an update with no fields: it only checks the guard.
func (s *PostgresStore) guardedGet(ctx context.Context, jobID string, update domain.JobUpdate) (*domain.Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !update.Allows(job.Status) {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, domain.ErrInvalidTransition)
	}
	return job, nil
}

// missedUpdate explains why a guarded update touched no row.
func (s *PostgresStore) missedUpdate(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", jobID, job.Status, domain.ErrInvalidTransition)
}

func scanPostgresJob(row pgx.Row) (*domain.Job, error) {
	var (
		job      domain.Job
		status   string
		metadata []byte
	)
	err := row.Scan(
		&job.ID,
		&job.Filename,
		&job.Filepath,
		&status,
		&job.CreatedAt,
		&job.ProcessedAt,
		&job.CompletedAt,
		&job.ErrorMessage,
		&job.QuestionsCount,
		&job.WorkerID,
		&metadata,
		&job.RawText,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.Metadata = decodeMetadata(metadata)
	return &job, nil
}
