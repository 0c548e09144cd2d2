package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobState is the lifecycle state of an analysis job.
type JobState string

const (
	JobStateWaiting   JobState = "WAITING"
	JobStateActive    JobState = "ACTIVE"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
)

func (s JobState) String() string { return string(s) }

func (s JobState) IsValid() bool {
	switch s {
	case JobStateWaiting, JobStateActive, JobStateCompleted, JobStateFailed:
		return true
	}
	return false
}

// IsOpen reports whether the job still holds the claim on its photo.
func (s JobState) IsOpen() bool {
	return s == JobStateWaiting || s == JobStateActive
}

func ParseJobStateFromString(s string) (JobState, error) {
	st := JobState(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid job state %q", ErrValidation, s)
	}
	return st, nil
}

// JobSource tells whether a job was created for a whole batch or a single photo.
type JobSource string

const (
	JobSourceBatch    JobSource = "batch"
	JobSourceSingle   JobSource = "single"
	JobSourceRecovery JobSource = "recovery"
)

// AnalysisJob is one unit of work in the job queue: analyze one photo.
// At most one WAITING or ACTIVE job exists per photo.
type AnalysisJob struct {
	ID         string
	PhotoID    string
	BatchID    *string
	UserID     string
	RoomType   *string
	Force      bool
	Source     JobSource
	State      JobState
	Deliveries int
	Error      *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (j *AnalysisJob) Validate() error {
	if strings.TrimSpace(j.PhotoID) == "" {
		return fmt.Errorf("%w: photo id is required", ErrValidation)
	}
	if !j.State.IsValid() {
		return fmt.Errorf("%w: invalid job state %q", ErrValidation, j.State)
	}
	return nil
}
