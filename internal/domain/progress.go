package domain

import (
	"math"
	"sort"
	"time"
)

// PhotoSummary is the per-photo line of a progress snapshot.
type PhotoSummary struct {
	ID           string      `json:"id"`
	Filename     string      `json:"filename"`
	Status       PhotoStatus `json:"status"`
	RoomType     *string     `json:"roomType,omitempty"`
	ItemCount    int         `json:"itemCount"`
	ErrorCode    *string     `json:"errorCode,omitempty"`
	ErrorMessage *string     `json:"errorMessage,omitempty"`
	ProcessedAt  *time.Time  `json:"processedAt,omitempty"`
}

type RoomInventory struct {
	RoomType   string  `json:"roomType"`
	PhotoCount int     `json:"photoCount"`
	ItemCount  int     `json:"itemCount"`
	VolumeCuFt float64 `json:"volumeCuFt"`
}

// InventorySummary aggregates detected items over the completed photos of a batch.
type InventorySummary struct {
	TotalItems      int             `json:"totalItems"`
	TotalVolumeCuFt float64         `json:"totalVolumeCuFt"`
	Rooms           []RoomInventory `json:"rooms"`
}

// BatchProgress is the computed projection of a batch. It is never persisted.
type BatchProgress struct {
	BatchID          string            `json:"batchId"`
	Status           BatchStatus       `json:"status"`
	Progress         int               `json:"progress"`
	Total            int               `json:"total"`
	Queued           int               `json:"queued"`
	Processing       int               `json:"processing"`
	Completed        int               `json:"completed"`
	Failed           int               `json:"failed"`
	Photos           []PhotoSummary    `json:"photos"`
	InventorySummary *InventorySummary `json:"inventorySummary,omitempty"`
	Version          int64             `json:"version"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func (p *BatchProgress) Counters() Counters {
	return Counters{Queued: p.Queued, Processing: p.Processing, Completed: p.Completed, Failed: p.Failed}
}

// ComputeProgress returns round(100*(completed+failed)/total) clamped to [0,100].
func ComputeProgress(c Counters) int {
	total := c.Total()
	if total <= 0 {
		return 0
	}
	v := int(math.Round(100 * float64(c.Completed+c.Failed) / float64(total)))
	return min(max(v, 0), 100)
}

// NewBatchProgress projects a batch and its photos into a progress snapshot.
// The second return value is false when the stored counters disagreed with the
// photo rows and were replaced by counters derived from the photos.
func NewBatchProgress(b *Batch, photos []Photo) (*BatchProgress, bool) {
	counters := b.Counters
	consistent := true
	if counters.Total() != len(photos) || counters.Queued < 0 || counters.Processing < 0 ||
		counters.Completed < 0 || counters.Failed < 0 {
		counters = CountersFromPhotos(photos)
		consistent = false
	}

	status := b.Status
	if !consistent || !status.IsValid() {
		status = DeriveStatus(counters)
	}
	if counters.Total() == 0 {
		status = BatchStatusQueued
	}

	p := &BatchProgress{
		BatchID:    b.ID,
		Status:     status,
		Progress:   ComputeProgress(counters),
		Total:      counters.Total(),
		Queued:     counters.Queued,
		Processing: counters.Processing,
		Completed:  counters.Completed,
		Failed:     counters.Failed,
		Photos:     make([]PhotoSummary, 0, len(photos)),
		Version:    b.Version,
		UpdatedAt:  b.UpdatedAt,
	}

	for i := range photos {
		ph := &photos[i]
		p.Photos = append(p.Photos, PhotoSummary{
			ID:           ph.ID,
			Filename:     ph.Filename,
			Status:       ph.Status,
			RoomType:     ph.RoomType,
			ItemCount:    ph.Analysis.ItemCount(),
			ErrorCode:    ph.ErrorCode,
			ErrorMessage: ph.ErrorMessage,
			ProcessedAt:  ph.ProcessedAt,
		})
	}

	if status.IsTerminal() {
		p.InventorySummary = summarizeInventory(photos)
	}

	return p, consistent
}

const unknownRoom = "unknown"

func summarizeInventory(photos []Photo) *InventorySummary {
	rooms := make(map[string]*RoomInventory)
	summary := &InventorySummary{Rooms: []RoomInventory{}}

	for i := range photos {
		ph := &photos[i]
		if ph.Status != PhotoStatusDone || ph.Analysis == nil {
			continue
		}

		room := unknownRoom
		switch {
		case ph.RoomType != nil && *ph.RoomType != "":
			room = *ph.RoomType
		case ph.Analysis.RoomType != "":
			room = ph.Analysis.RoomType
		}

		entry, ok := rooms[room]
		if !ok {
			entry = &RoomInventory{RoomType: room}
			rooms[room] = entry
		}

		items := ph.Analysis.ItemCount()
		volume := ph.Analysis.Volume()
		entry.PhotoCount++
		entry.ItemCount += items
		entry.VolumeCuFt += volume
		summary.TotalItems += items
		summary.TotalVolumeCuFt += volume
	}

	for _, entry := range rooms {
		entry.VolumeCuFt = roundVolume(entry.VolumeCuFt)
		summary.Rooms = append(summary.Rooms, *entry)
	}
	sort.Slice(summary.Rooms, func(i, j int) bool {
		return summary.Rooms[i].RoomType < summary.Rooms[j].RoomType
	})
	summary.TotalVolumeCuFt = roundVolume(summary.TotalVolumeCuFt)

	return summary
}

func roundVolume(v float64) float64 {
	return math.Round(v*100) / 100
}
