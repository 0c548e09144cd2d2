package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
)

// AnalysisJobMessage is the broker payload for a single photo analysis.
type AnalysisJobMessage struct {
	JobID         string           `json:"jobId"`
	PhotoID       string           `json:"photoId"`
	BatchID       *string          `json:"batchId,omitempty"`
	UserID        string           `json:"userId"`
	RoomType      *string          `json:"roomType,omitempty"`
	Force         bool             `json:"force,omitempty"`
	Source        domain.JobSource `json:"source"`
	CorrelationID string           `json:"correlationId,omitempty"`
}

func NewAnalysisJobMessage(job *domain.AnalysisJob) AnalysisJobMessage {
	return AnalysisJobMessage{
		JobID:    job.ID,
		PhotoID:  job.PhotoID,
		BatchID:  job.BatchID,
		UserID:   job.UserID,
		RoomType: job.RoomType,
		Force:    job.Force,
		Source:   job.Source,
	}
}

func (m AnalysisJobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	if strings.TrimSpace(m.PhotoID) == "" {
		return fmt.Errorf("photoId is required")
	}
	switch m.Source {
	case domain.JobSourceBatch, domain.JobSourceSingle, domain.JobSourceRecovery:
	default:
		return fmt.Errorf("invalid source %q", m.Source)
	}
	return nil
}
