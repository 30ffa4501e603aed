package domain

import "time"

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// OpenJobStatuses are the states a worker report may still move a job out of.
var OpenJobStatuses = []JobStatus{JobStatusQueued, JobStatusProcessing}

// Job is one uploaded document and its processing lifecycle.
type Job struct {
	ID             string
	Filename       string
	Filepath       string
	Status         JobStatus
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	CompletedAt    *time.Time
	ErrorMessage   *string
	QuestionsCount int
	WorkerID       *string
	Metadata       map[string]any
	RawText        *string
}

// JobUpdate is a partial update applied atomically by a store. Nil fields
// are left untouched. When ExpectStatus is non-empty the update only applies
// while the job is in one of those states.
type JobUpdate struct {
	Status       *JobStatus
	ProcessedAt  *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	WorkerID     *string
	RawText      *string

	ExpectStatus []JobStatus
}

// Allows reports whether the guard in ExpectStatus admits the current status.
func (u JobUpdate) Allows(current JobStatus) bool {
	if len(u.ExpectStatus) == 0 {
		return true
	}
	for _, status := range u.ExpectStatus {
		if status == current {
			return true
		}
	}
	return false
}

// JobStatusView is the read-only projection returned to external callers.
type JobStatusView struct {
	JobID          string         `json:"job_id"`
	Filename       string         `json:"filename"`
	Filepath       string         `json:"filepath"`
	Status         JobStatus      `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	ProcessedAt    *time.Time     `json:"processed_at"`
	CompletedAt    *time.Time     `json:"completed_at"`
	ErrorMessage   *string        `json:"error_message"`
	QuestionsCount int            `json:"questions_count"`
	WorkerID       *string        `json:"worker_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (j *Job) StatusView() JobStatusView {
	return JobStatusView{
		JobID:          j.ID,
		Filename:       j.Filename,
		Filepath:       j.Filepath,
		Status:         j.Status,
		CreatedAt:      j.CreatedAt,
		ProcessedAt:    j.ProcessedAt,
		CompletedAt:    j.CompletedAt,
		ErrorMessage:   j.ErrorMessage,
		QuestionsCount: j.QuestionsCount,
		WorkerID:       j.WorkerID,
		Metadata:       j.Metadata,
	}
}

// Clone returns a deep copy safe to hand out of a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.ProcessedAt = cloneTime(j.ProcessedAt)
	clone.CompletedAt = cloneTime(j.CompletedAt)
	clone.ErrorMessage = cloneString(j.ErrorMessage)
	clone.WorkerID = cloneString(j.WorkerID)
	clone.RawText = cloneString(j.RawText)
	if j.Metadata != nil {
		clone.Metadata = make(map[string]any, len(j.Metadata))
		for key, value := range j.Metadata {
			clone.Metadata[key] = value
		}
	}
	return &clone
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
