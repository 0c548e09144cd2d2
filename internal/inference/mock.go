package inference

import (
	"context"
	"hash/fnv"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
)

type mockRoom struct {
	roomType string
	items    []domain.DetectedItem
}

var mockRooms = []mockRoom{
	{roomType: "living_room", items: []domain.DetectedItem{
		{Name: "sofa", Category: "furniture", Quantity: 1, VolumeCuFt: 45, Confidence: 0.93},
		{Name: "coffee table", Category: "furniture", Quantity: 1, VolumeCuFt: 8, Confidence: 0.88},
		{Name: "tv", Category: "electronics", Quantity: 1, VolumeCuFt: 6, Confidence: 0.9},
	}},
	{roomType: "bedroom", items: []domain.DetectedItem{
		{Name: "queen bed", Category: "furniture", Quantity: 1, VolumeCuFt: 60, Confidence: 0.95},
		{Name: "nightstand", Category: "furniture", Quantity: 2, VolumeCuFt: 4, Confidence: 0.86},
		{Name: "dresser", Category: "furniture", Quantity: 1, VolumeCuFt: 25, Confidence: 0.84},
	}},
	{roomType: "kitchen", items: []domain.DetectedItem{
		{Name: "dining table", Category: "furniture", Quantity: 1, VolumeCuFt: 20, Confidence: 0.9},
		{Name: "chair", Category: "furniture", Quantity: 4, VolumeCuFt: 5, Confidence: 0.87},
		{Name: "microwave", Category: "appliance", Quantity: 1, VolumeCuFt: 2, Confidence: 0.8},
	}},
	{roomType: "garage", items: []domain.DetectedItem{
		{Name: "bicycle", Category: "sports", Quantity: 2, VolumeCuFt: 10, Confidence: 0.82},
		{Name: "tool chest", Category: "tools", Quantity: 1, VolumeCuFt: 12, Confidence: 0.78},
	}},
}

// MockAnalyzer returns deterministic results derived from the filename.
// Filenames containing "corrupt" fail permanently and "timeout" fail transiently.
type MockAnalyzer struct {
	Latency time.Duration
}

func NewMockAnalyzer() *MockAnalyzer {
	return &MockAnalyzer{}
}

func (m *MockAnalyzer) Name() string { return ProviderMock }

func (m *MockAnalyzer) Analyze(ctx context.Context, photo domain.PhotoRef) (*domain.AnalysisResult, error) {
	if m.Latency > 0 {
		timer := time.NewTimer(m.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, &AnalysisError{Code: CodeTimeout, Message: "mock inference interrupted", Transient: true, Cause: ctx.Err()}
		case <-timer.C:
		}
	}

	name := strings.ToLower(photo.Filename)
	switch {
	case strings.Contains(name, "corrupt"):
		return nil, &AnalysisError{Code: CodeUnsupportedImage, Message: "image could not be decoded"}
	case strings.Contains(name, "timeout"):
		return nil, &AnalysisError{Code: CodeTimeout, Message: "mock inference timed out", Transient: true}
	}

	room := mockRooms[pick(photo.PhotoID+photo.Filename, len(mockRooms))]
	roomType := room.roomType
	if photo.RoomHint != "" {
		roomType = photo.RoomHint
	}

	items := make([]domain.DetectedItem, len(room.items))
	copy(items, room.items)

	return &domain.AnalysisResult{
		RoomType: roomType,
		Items:    items,
		Model:    "mock-v1",
		Provider: ProviderMock,
	}, nil
}

func pick(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
