package domain

import (
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the aggregate processing state of a batch.
type BatchStatus string

const (
	BatchStatusQueued     BatchStatus = "QUEUED"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusPartial    BatchStatus = "PARTIAL"
	BatchStatusFailed     BatchStatus = "FAILED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusQueued, BatchStatusProcessing, BatchStatusCompleted, BatchStatusPartial, BatchStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition is expected.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusPartial, BatchStatusFailed:
		return true
	}
	return false
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// Counters holds the per-status photo tallies of a batch.
// Queued+Processing+Completed+Failed always equals the number of photos in the batch.
type Counters struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (c Counters) Total() int {
	return c.Queued + c.Processing + c.Completed + c.Failed
}

// Move applies the delta of a single photo changing status from one bucket to another.
func (c *Counters) Move(from, to PhotoStatus) {
	if from == to {
		return
	}
	c.Add(from, -1)
	c.Add(to, 1)
}

// Add adjusts the bucket that tallies status by delta.
func (c *Counters) Add(status PhotoStatus, delta int) {
	switch status {
	case PhotoStatusPending:
		c.Queued += delta
	case PhotoStatusProcessing:
		c.Processing += delta
	case PhotoStatusDone:
		c.Completed += delta
	case PhotoStatusError:
		c.Failed += delta
	}
}

// CountersFromPhotos tallies photo rows into counters.
func CountersFromPhotos(photos []Photo) Counters {
	var c Counters
	for i := range photos {
		c.Add(photos[i].Status, 1)
	}
	return c
}

// DeriveStatus computes the batch status from its counters. The status has no
// independent truth: it is re-derived after every photo-level update.
func DeriveStatus(c Counters) BatchStatus {
	total := c.Total()
	if total == 0 {
		return BatchStatusQueued
	}

	if c.Completed+c.Failed == total {
		switch {
		case c.Failed == 0:
			return BatchStatusCompleted
		case c.Failed == total:
			return BatchStatusFailed
		default:
			return BatchStatusPartial
		}
	}

	// Nothing picked up yet.
	if c.Processing == 0 && c.Completed == 0 && c.Failed == 0 {
		return BatchStatusQueued
	}

	return BatchStatusProcessing
}

// Batch groups photos submitted together for asynchronous analysis.
type Batch struct {
	ID          string
	ProjectID   string
	OwnerUserID string
	Status      BatchStatus
	Counters    Counters
	// Version increases with every counter change and orders progress snapshots.
	Version   int64
	Photos    []Photo
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (b *Batch) Total() int {
	return b.Counters.Total()
}
