package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// PhotoStatus represents the analysis lifecycle state of a photo.
type PhotoStatus string

const (
	PhotoStatusPending    PhotoStatus = "PENDING"
	PhotoStatusProcessing PhotoStatus = "PROCESSING"
	PhotoStatusDone       PhotoStatus = "DONE"
	PhotoStatusError      PhotoStatus = "ERROR"
)

func (s PhotoStatus) String() string { return string(s) }

func (s PhotoStatus) IsValid() bool {
	switch s {
	case PhotoStatusPending, PhotoStatusProcessing, PhotoStatusDone, PhotoStatusError:
		return true
	}
	return false
}

func (s PhotoStatus) IsTerminal() bool {
	return s == PhotoStatusDone || s == PhotoStatusError
}

func ParsePhotoStatusFromString(s string) (PhotoStatus, error) {
	st := PhotoStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid photo status %q", ErrValidation, s)
	}
	return st, nil
}

// Upload limits.
const (
	MaxFilenameLength    = 255
	MaxStoragePathLength = 2048
	MaxRoomTypeLength    = 64
)

// ValidateRoomHint checks an optional room type hint against the stored column width.
func ValidateRoomHint(hint *string) error {
	if hint == nil {
		return nil
	}
	if utf8.RuneCountInString(strings.TrimSpace(*hint)) > MaxRoomTypeLength {
		return fmt.Errorf("%w: room type exceeds %d characters", ErrValidation, MaxRoomTypeLength)
	}
	return nil
}

// Asset describes an uploaded photo submitted for analysis.
type Asset struct {
	Filename    string
	StoragePath string
	RoomHint    *string
}

func (a Asset) Validate() error {
	if strings.TrimSpace(a.Filename) == "" {
		return fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if strings.TrimSpace(a.StoragePath) == "" {
		return fmt.Errorf("%w: storage path is required", ErrValidation)
	}
	if len(a.Filename) > MaxFilenameLength {
		return fmt.Errorf("%w: filename exceeds %d characters", ErrValidation, MaxFilenameLength)
	}
	if len(a.StoragePath) > MaxStoragePathLength {
		return fmt.Errorf("%w: storage path exceeds %d characters", ErrValidation, MaxStoragePathLength)
	}
	return ValidateRoomHint(a.RoomHint)
}

// DetectedItem is a single inventory object found in a photo.
type DetectedItem struct {
	Name       string  `json:"name"`
	Category   string  `json:"category,omitempty"`
	Quantity   int     `json:"quantity"`
	VolumeCuFt float64 `json:"volumeCuFt"`
	Confidence float64 `json:"confidence,omitempty"`
}

// AnalysisResult is the inference output stored with a photo. The pipeline
// treats it as opaque except for the inventory summary.
type AnalysisResult struct {
	RoomType string         `json:"roomType,omitempty"`
	Items    []DetectedItem `json:"items"`
	Model    string         `json:"model,omitempty"`
	Provider string         `json:"provider,omitempty"`
}

func (r *AnalysisResult) ItemCount() int {
	if r == nil {
		return 0
	}
	total := 0
	for _, item := range r.Items {
		total += max(item.Quantity, 1)
	}
	return total
}

func (r *AnalysisResult) Volume() float64 {
	if r == nil {
		return 0
	}
	total := 0.0
	for _, item := range r.Items {
		total += item.VolumeCuFt * float64(max(item.Quantity, 1))
	}
	return total
}

// Photo is the subset of the photo entity read and written by the pipeline.
type Photo struct {
	ID           string
	ProjectID    string
	BatchID      *string
	Filename     string
	StoragePath  string
	Status       PhotoStatus
	RoomType     *string
	Analysis     *AnalysisResult
	ErrorCode    *string
	ErrorMessage *string
	ProcessedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (p *Photo) Validate() error {
	if !p.Status.IsValid() {
		return fmt.Errorf("%w: invalid photo status %q", ErrValidation, p.Status)
	}
	switch p.Status {
	case PhotoStatusDone:
		if p.Analysis == nil {
			return fmt.Errorf("%w: done photo requires analysis", ErrValidation)
		}
		if p.ErrorCode != nil {
			return fmt.Errorf("%w: done photo must not carry an error code", ErrValidation)
		}
	case PhotoStatusError:
		if p.ErrorCode == nil || strings.TrimSpace(*p.ErrorCode) == "" {
			return fmt.Errorf("%w: errored photo requires an error code", ErrValidation)
		}
	}
	return nil
}

// Ref returns the reference handed to the inference backend.
func (p *Photo) Ref(roomHint *string) PhotoRef {
	ref := PhotoRef{
		PhotoID:     p.ID,
		Filename:    p.Filename,
		StoragePath: p.StoragePath,
	}
	switch {
	case roomHint != nil && strings.TrimSpace(*roomHint) != "":
		ref.RoomHint = strings.TrimSpace(*roomHint)
	case p.RoomType != nil:
		ref.RoomHint = *p.RoomType
	}
	return ref
}

// PhotoRef identifies the image handed to inference.
type PhotoRef struct {
	PhotoID     string
	Filename    string
	StoragePath string
	RoomHint    string
}

// PhotoTransition describes a conditional photo status change. It is applied only
// when the current status is one of From.
type PhotoTransition struct {
	PhotoID      string
	From         []PhotoStatus
	To           PhotoStatus
	RoomType     *string
	Analysis     *AnalysisResult
	ErrorCode    *string
	ErrorMessage *string
}

func (t PhotoTransition) Allows(current PhotoStatus) bool {
	return slices.Contains(t.From, current)
}

// Apply mutates p into the target state of the transition.
func (t PhotoTransition) Apply(p *Photo, now time.Time) {
	p.Status = t.To
	p.UpdatedAt = now

	switch t.To {
	case PhotoStatusPending:
		p.ErrorCode = nil
		p.ErrorMessage = nil
		p.ProcessedAt = nil
	case PhotoStatusProcessing:
		p.ErrorCode = nil
		p.ErrorMessage = nil
	case PhotoStatusDone:
		p.Analysis = t.Analysis
		p.ErrorCode = nil
		p.ErrorMessage = nil
		p.ProcessedAt = &now
		if t.RoomType != nil && strings.TrimSpace(*t.RoomType) != "" {
			roomType := strings.TrimSpace(*t.RoomType)
			p.RoomType = &roomType
		}
	case PhotoStatusError:
		p.ErrorCode = t.ErrorCode
		p.ErrorMessage = t.ErrorMessage
		p.ProcessedAt = &now
	}
}
