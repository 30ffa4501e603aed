package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iago/pdfqueue-back/internal/domain"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL UNIQUE,
	filename TEXT NOT NULL,
	filepath TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	processed_at INTEGER,
	completed_at INTEGER,
	error_message TEXT,
	questions_count INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT,
	metadata TEXT,
	raw_text TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at, seq);

CREATE TABLE IF NOT EXISTS questions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
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
	asked INTEGER NOT NULL DEFAULT 0,
	exam_id INTEGER,
	standard_id INTEGER,
	subject_id INTEGER,
	chapter_id INTEGER,
	topic_id INTEGER,
	sub_topic_id INTEGER,
	pattern_id INTEGER,
	level_id INTEGER,
	type_id INTEGER,
	year_id INTEGER,
	year_label TEXT NOT NULL DEFAULT '',
	marks INTEGER,
	user_id INTEGER,
	category TEXT NOT NULL DEFAULT '',
	dedupe_key TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_questions_job_id ON questions (job_id);
CREATE INDEX IF NOT EXISTS idx_questions_dedupe_key ON questions (dedupe_key);

CREATE TABLE IF NOT EXISTS worker_presence (
	worker_id TEXT PRIMARY KEY,
	last_heartbeat INTEGER NOT NULL,
	status TEXT NOT NULL
);
`

// SQLiteStore implements Store on an embedded SQLite database. Timestamps
// are stored as Unix nanoseconds. The pool holds a single connection, so
// every statement and transaction is serialized.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.Job) error {
	metadata, err := encodeMetadata(job.Metadata)
	if err != nil {
		return err
	}
	var metadataText *string
	if metadata != nil {
		value := string(metadata)
		metadataText = &value
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		job.ID,
		job.Filename,
		job.Filepath,
		string(job.Status),
		job.CreatedAt.UnixNano(),
		unixNanoPtr(job.ProcessedAt),
		unixNanoPtr(job.CompletedAt),
		job.ErrorMessage,
		job.QuestionsCount,
		job.WorkerID,
		metadataText,
		job.RawText,
	)
	if err != nil {
		return persistenceError("insert job", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE job_id = ?
	`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, persistenceError("query job", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, persistenceError("scan job", err)
		}
		items = append(items, job)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate jobs", err)
	}
	return items, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) (*domain.Job, error) {
	query, args := buildJobUpdate(jobID, update, questionPlaceholder, func(value time.Time) any {
		return value.UnixNano()
	})
	if query == "" {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !update.Allows(job.Status) {
			return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, domain.ErrInvalidTransition)
		}
		return job, nil
	}

	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, persistenceError("update job", err)
	}
	return nil, s.missedUpdate(ctx, jobID)
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, workerID string, at time.Time) (*domain.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?,
			processed_at = ?,
			worker_id = ?
		WHERE job_id = (
			SELECT job_id
			FROM jobs
			WHERE status = ?
			ORDER BY created_at ASC, seq ASC
			LIMIT 1
		)
		AND status = ?
		RETURNING `+jobColumns,
		string(domain.JobStatusProcessing),
		at.UnixNano(),
		workerID,
		string(domain.JobStatusQueued),
		string(domain.JobStatusQueued),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, persistenceError("claim job", err)
	}
	return job, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, rawText string, at time.Time) (*domain.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?,
			completed_at = ?,
			raw_text = ?,
			questions_count = (SELECT COUNT(*) FROM questions WHERE questions.job_id = jobs.job_id)
		WHERE job_id = ? AND status = ?
		RETURNING `+jobColumns,
		string(domain.JobStatusCompleted),
		at.UnixNano(),
		rawText,
		jobID,
		string(domain.JobStatusProcessing),
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, persistenceError("complete job", err)
	}
	return nil, s.missedUpdate(ctx, jobID)
}

func (s *SQLiteStore) InsertQuestionIfAbsent(ctx context.Context, question *domain.Question) (bool, error) {
	if question.DedupeKey == "" {
		question.DedupeKey = domain.DedupeKey(question.Question, question.Answer)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, persistenceError("begin question tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `SELECT question, answer FROM questions WHERE dedupe_key = ?`, question.DedupeKey)
	if err != nil {
		return false, persistenceError("query duplicates", err)
	}
	duplicate := false
	for rows.Next() {
		var existing domain.Question
		if err := rows.Scan(&existing.Question, &existing.Answer); err != nil {
			_ = rows.Close()
			return false, persistenceError("scan duplicate", err)
		}
		if existing.SameContent(question.Question, question.Answer) {
			duplicate = true
			break
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return false, persistenceError("iterate duplicates", err)
	}
	if duplicate {
		return false, nil
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO questions (`+questionInsertColumns+`)
		VALUES (`+placeholders(questionInsertArity, questionPlaceholder)+`)
	`, questionInsertArgs(question, question.CreatedAt.UnixNano())...)
	if err != nil {
		return false, persistenceError("insert question", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return false, persistenceError("read question id", err)
	}

	if err := tx.Commit(); err != nil {
		return false, persistenceError("commit question", err)
	}
	question.ID = id
	return true, nil
}

func (s *SQLiteStore) ListQuestions(ctx context.Context, filter domain.QuestionFilter) ([]domain.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions`
	args := make([]any, 0, 2)
	if filter.JobID != "" {
		query += " WHERE job_id = ?"
		args = append(args, filter.JobID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceError("list questions", err)
	}
	defer rows.Close()

	items := make([]domain.Question, 0)
	for rows.Next() {
		var (
			row       questionRow
			createdAt int64
		)
		if err := rows.Scan(row.targets(&createdAt)...); err != nil {
			return nil, persistenceError("scan question", err)
		}
		row.question.CreatedAt = time.Unix(0, createdAt).UTC()
		items = append(items, row.finish())
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate questions", err)
	}
	return items, nil
}

func (s *SQLiteStore) CountQuestions(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE job_id = ?`, jobID).Scan(&count)
	if err != nil {
		return 0, persistenceError("count questions", err)
	}
	return count, nil
}

func (s *SQLiteStore) UpsertPresence(ctx context.Context, presence domain.WorkerPresence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_presence (worker_id, last_heartbeat, status)
		VALUES (?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE
		SET last_heartbeat = excluded.last_heartbeat,
			status = excluded.status
	`, presence.WorkerID, presence.LastHeartbeat.UnixNano(), presence.Status)
	if err != nil {
		return persistenceError("upsert presence", err)
	}
	return nil
}

func (s *SQLiteStore) ListPresence(ctx context.Context) ([]domain.WorkerPresence, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		var (
			presence      domain.WorkerPresence
			lastHeartbeat int64
		)
		if err := rows.Scan(&presence.WorkerID, &lastHeartbeat, &presence.Status); err != nil {
			return nil, persistenceError("scan presence", err)
		}
		presence.LastHeartbeat = time.Unix(0, lastHeartbeat).UTC()
		items = append(items, presence)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate presence", err)
	}
	return items, nil
}

func (s *SQLiteStore) missedUpdate(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", jobID, job.Status, domain.ErrInvalidTransition)
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row sqlScanner) (*domain.Job, error) {
	var (
		job         domain.Job
		status      string
		createdAt   int64
		processedAt sql.NullInt64
		completedAt sql.NullInt64
		metadata    sql.NullString
	)
	err := row.Scan(
		&job.ID,
		&job.Filename,
		&job.Filepath,
		&status,
		&createdAt,
		&processedAt,
		&completedAt,
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
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.ProcessedAt = timeFromNullInt(processedAt)
	job.CompletedAt = timeFromNullInt(completedAt)
	if metadata.Valid {
		job.Metadata = decodeMetadata([]byte(metadata.String))
	}
	return &job, nil
}

func unixNanoPtr(value *time.Time) *int64 {
	if value == nil {
		return nil
	}
	nanos := value.UnixNano()
	return &nanos
}

func timeFromNullInt(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed := time.Unix(0, value.Int64).UTC()
	return &parsed
}
