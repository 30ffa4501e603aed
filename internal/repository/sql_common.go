package repository

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iago/pdfqueue-back/internal/domain"
)

const jobColumns = `job_id, filename, filepath, status, created_at, processed_at, completed_at,
	error_message, questions_count, worker_id, metadata, raw_text`

const questionColumns = `id, job_id, question, option1, option2, option3, option4, answer,
	multi_answers, explanation, solution, status, asked,
	exam_id, standard_id, subject_id, chapter_id, topic_id, sub_topic_id,
	pattern_id, level_id, type_id, year_id, year_label, marks, user_id, category,
	dedupe_key, created_at`

// placeholderFunc renders the n-th (1-based) bind parameter for a dialect.
type placeholderFunc func(n int) string

func dollarPlaceholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func questionPlaceholder(int) string {
	return "?"
}

// buildJobUpdate renders an UPDATE ... RETURNING statement for a partial job
// update. encodeTime converts timestamps into the dialect's column type.
// The returned statement is empty when the update sets no fields.
func buildJobUpdate(
	jobID string,
	update domain.JobUpdate,
	placeholder placeholderFunc,
	encodeTime func(time.Time) any,
) (string, []any) {
	sets := make([]string, 0, 6)
	args := make([]any, 0, 8)

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = %s", column, placeholder(len(args))))
	}

	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.ProcessedAt != nil {
		add("processed_at", encodeTime(*update.ProcessedAt))
	}
	if update.CompletedAt != nil {
		add("completed_at", encodeTime(*update.CompletedAt))
	}
	if update.ErrorMessage != nil {
		add("error_message", *update.ErrorMessage)
	}
	if update.WorkerID != nil {
		add("worker_id", *update.WorkerID)
	}
	if update.RawText != nil {
		add("raw_text", *update.RawText)
	}
	if len(sets) == 0 {
		return "", nil
	}

	query := strings.Builder{}
	query.WriteString("UPDATE jobs SET ")
	query.WriteString(strings.Join(sets, ", "))

	args = append(args, jobID)
	query.WriteString(" WHERE job_id = " + placeholder(len(args)))

	if guard, guardArgs := statusGuard(update.ExpectStatus, placeholder, len(args)); guard != "" {
		query.WriteString(" AND " + guard)
		args = append(args, guardArgs...)
	}

	query.WriteString(" RETURNING " + jobColumns)
	return query.String(), args
}

// statusGuard renders "status IN (...)" with parameters numbered after offset.
func statusGuard(statuses []domain.JobStatus, placeholder placeholderFunc, offset int) (string, []any) {
	if len(statuses) == 0 {
		return "", nil
	}
	marks := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses))
	for i, status := range statuses {
		marks = append(marks, placeholder(offset+i+1))
		args = append(args, string(status))
	}
	return "status IN (" + strings.Join(marks, ", ") + ")", args
}

func encodeMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w: %w", domain.ErrValidation, err)
	}
	return encoded, nil
}

func decodeMetadata(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var metadata map[string]any
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil
	}
	return metadata
}

func encodeMultiAnswers(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

func decodeMultiAnswers(raw string) []string {
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistence, err)
}

const questionInsertColumns = `job_id, question, option1, option2, option3, option4, answer,
	multi_answers, explanation, solution, status, asked,
	exam_id, standard_id, subject_id, chapter_id, topic_id, sub_topic_id,
	pattern_id, level_id, type_id, year_id, year_label, marks, user_id, category,
	dedupe_key, created_at`

const questionInsertArity = 28

func questionInsertArgs(question *domain.Question, createdAt any) []any {
	c := question.Classification
	return []any{
		question.JobID,
		question.Question,
		question.Option1,
		question.Option2,
		question.Option3,
		question.Option4,
		question.Answer,
		encodeMultiAnswers(question.MultiAnswers),
		question.Explanation,
		question.Solution,
		question.Status,
		question.Asked,
		c.ExamID.Ptr(),
		c.StandardID.Ptr(),
		c.SubjectID.Ptr(),
		c.ChapterID.Ptr(),
		c.TopicID.Ptr(),
		c.SubTopicID.Ptr(),
		c.PatternID.Ptr(),
		c.LevelID.Ptr(),
		c.TypeID.Ptr(),
		c.YearID.Ptr(),
		c.YearLabel,
		c.Marks.Ptr(),
		c.UserID.Ptr(),
		c.Category,
		question.DedupeKey,
		createdAt,
	}
}

func placeholders(count int, placeholder placeholderFunc) string {
	marks := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		marks = append(marks, placeholder(i))
	}
	return strings.Join(marks, ", ")
}

// questionRow collects scan targets for one question row; createdAt is the
// dialect-specific timestamp destination.
type questionRow struct {
	question domain.Question
	multi    string
	refs     [12]*int64
}

func (r *questionRow) targets(createdAt any) []any {
	q := &r.question
	return []any{
		&q.ID,
		&q.JobID,
		&q.Question,
		&q.Option1,
		&q.Option2,
		&q.Option3,
		&q.Option4,
		&q.Answer,
		&r.multi,
		&q.Explanation,
		&q.Solution,
		&q.Status,
		&q.Asked,
		&r.refs[0],
		&r.refs[1],
		&r.refs[2],
		&r.refs[3],
		&r.refs[4],
		&r.refs[5],
		&r.refs[6],
		&r.refs[7],
		&r.refs[8],
		&r.refs[9],
		&q.YearLabel,
		&r.refs[10],
		&r.refs[11],
		&q.Category,
		&q.DedupeKey,
		createdAt,
	}
}

func (r *questionRow) finish() domain.Question {
	q := r.question
	q.MultiAnswers = decodeMultiAnswers(r.multi)
	c := &q.Classification
	c.ExamID = domain.RefIDFromPtr(r.refs[0])
	c.StandardID = domain.RefIDFromPtr(r.refs[1])
	c.SubjectID = domain.RefIDFromPtr(r.refs[2])
	c.ChapterID = domain.RefIDFromPtr(r.refs[3])
	c.TopicID = domain.RefIDFromPtr(r.refs[4])
	c.SubTopicID = domain.RefIDFromPtr(r.refs[5])
	c.PatternID = domain.RefIDFromPtr(r.refs[6])
	c.LevelID = domain.RefIDFromPtr(r.refs[7])
	c.TypeID = domain.RefIDFromPtr(r.refs[8])
	c.YearID = domain.RefIDFromPtr(r.refs[9])
	c.Marks = domain.RefIDFromPtr(r.refs[10])
	c.UserID = domain.RefIDFromPtr(r.refs[11])
	return q
}
