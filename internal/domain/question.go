package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// RefID is an optional foreign key into reference data. Workers send these
// either as JSON numbers or numeric strings; empty strings and null mean unset.
type RefID struct {
	Value int64
	Valid bool
}

func NewRefID(value int64) RefID {
	return RefID{Value: value, Valid: true}
}

func (r *RefID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*r = RefID{}
		return nil
	}

	raw := string(trimmed)
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*r = RefID{}
			return nil
		}
	}

	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("reference id %q is not an integer", raw)
	}
	*r = RefID{Value: parsed, Valid: true}
	return nil
}

func (r RefID) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(r.Value, 10)), nil
}

// Ptr returns the value as a nullable pointer for SQL drivers.
func (r RefID) Ptr() *int64 {
	if !r.Valid {
		return nil
	}
	value := r.Value
	return &value
}

func RefIDFromPtr(value *int64) RefID {
	if value == nil {
		return RefID{}
	}
	return NewRefID(*value)
}

// Classification holds the reference-data foreign keys of a question.
type Classification struct {
	ExamID     RefID  `json:"entranceExamId"`
	StandardID RefID  `json:"standardId"`
	SubjectID  RefID  `json:"subjectId"`
	ChapterID  RefID  `json:"chapterId"`
	TopicID    RefID  `json:"topicId"`
	SubTopicID RefID  `json:"subTopicId"`
	PatternID  RefID  `json:"patternId"`
	LevelID    RefID  `json:"questionLevelId"`
	TypeID     RefID  `json:"questionTypeId"`
	YearID     RefID  `json:"yearOfAppearanceId"`
	YearLabel  string `json:"yearOfAppearance"`
	Marks      RefID  `json:"marks"`
	UserID     RefID  `json:"userId"`
	Category   string `json:"questionCategory"`
}

// RawQuestion is one extracted question as reported by a worker.
type RawQuestion struct {
	Question     string   `json:"question"`
	Option1      string   `json:"option1"`
	Option2      string   `json:"option2"`
	Option3      string   `json:"option3"`
	Option4      string   `json:"option4"`
	Answer       string   `json:"answer"`
	MultiAnswers []string `json:"multiAnswers"`
	Explanation  string   `json:"explanation"`
	Solution     string   `json:"solution"`
	Status       string   `json:"status"`
	Asked        bool     `json:"asked"`
	Classification
}

// Question is a persisted question row. Rows are immutable once created.
type Question struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"job_id"`
	Question     string    `json:"question"`
	Option1      string    `json:"option1"`
	Option2      string    `json:"option2"`
	Option3      string    `json:"option3"`
	Option4      string    `json:"option4"`
	Answer       string    `json:"answer"`
	MultiAnswers []string  `json:"multi_answers"`
	Explanation  string    `json:"explanation"`
	Solution     string    `json:"solution"`
	Status       string    `json:"status"`
	Asked        bool      `json:"asked"`
	DedupeKey    string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	Classification
}

// NewQuestion builds a question row for jobID from a worker entry, with
// question and answer text trimmed.
func NewQuestion(jobID string, raw RawQuestion, createdAt time.Time) Question {
	question := strings.TrimSpace(raw.Question)
	answer := strings.TrimSpace(raw.Answer)
	return Question{
		JobID:          jobID,
		Question:       question,
		Option1:        raw.Option1,
		Option2:        raw.Option2,
		Option3:        raw.Option3,
		Option4:        raw.Option4,
		Answer:         answer,
		MultiAnswers:   append([]string(nil), raw.MultiAnswers...),
		Explanation:    raw.Explanation,
		Solution:       raw.Solution,
		Status:         raw.Status,
		Asked:          raw.Asked,
		DedupeKey:      DedupeKey(question, answer),
		CreatedAt:      createdAt,
		Classification: raw.Classification,
	}
}

// NormalizeText is the comparison form used for duplicate suppression.
func NormalizeText(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// SameContent reports whether two rows collide under duplicate suppression.
func (q Question) SameContent(question, answer string) bool {
	return NormalizeText(q.Question) == NormalizeText(question) &&
		NormalizeText(q.Answer) == NormalizeText(answer)
}

// DedupeKey hashes the normalized (question, answer) pair. Stores index on it
// and confirm candidates with SameContent, so collisions never drop a row.
func DedupeKey(question, answer string) string {
	digest := xxhash.New()
	_, _ = digest.WriteString(NormalizeText(question))
	_, _ = digest.WriteString("\x1f")
	_, _ = digest.WriteString(NormalizeText(answer))
	return strconv.FormatUint(digest.Sum64(), 16)
}

// DedupeLockID maps a dedupe key onto a signed 64-bit advisory lock id.
func DedupeLockID(key string) int64 {
	parsed, err := strconv.ParseUint(key, 16, 64)
	if err != nil {
		return int64(xxhash.Sum64String(key))
	}
	return int64(parsed)
}

// QuestionFilter narrows question listings.
type QuestionFilter struct {
	JobID string
	Limit int
}
