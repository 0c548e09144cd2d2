package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"github.com/kursadbilgin/batch-analyzer/internal/service"
	"github.com/valyala/fasthttp"
)

// UserIDHeader identifies the caller. Authentication happens upstream.
const UserIDHeader = "X-User-ID"

const streamBufferSize = 16

type BatchService interface {
	CreateBatch(ctx context.Context, projectID string, userID string, assets []domain.Asset) (*domain.Batch, error)
	EnqueueBatch(ctx context.Context, batchID string) ([]domain.AnalysisJob, error)
	EnqueuePhotoAnalysis(ctx context.Context, photoID string, userID string, roomType *string) (*service.EnqueueResult, error)
}

type ProgressService interface {
	ComputeBatchProgress(ctx context.Context, batchID string, useCache bool) (*domain.BatchProgress, error)
}

type ProgressRelay interface {
	SubscribeToBatch(ctx context.Context, batchID string, onUpdate func(domain.StreamEvent)) (*service.Subscription, error)
}

type BatchHandler struct {
	batches  BatchService
	progress ProgressService
	relay    ProgressRelay
}

func NewBatchHandler(batches BatchService, progress ProgressService, relay ProgressRelay) (*BatchHandler, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	if progress == nil {
		return nil, fmt.Errorf("progress service is required")
	}
	if relay == nil {
		return nil, fmt.Errorf("progress relay is required")
	}
	return &BatchHandler{batches: batches, progress: progress, relay: relay}, nil
}

func RegisterBatchRoutes(router fiber.Router, batches BatchService, progress ProgressService, relay ProgressRelay) error {
	h, err := NewBatchHandler(batches, progress, relay)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/projects/:projectId/batches", h.CreateBatch)
	v1.Post("/batches/:batchId/enqueue", h.EnqueueBatch)
	v1.Get("/batches/:batchId/progress", h.GetProgress)
	v1.Get("/batches/:batchId/stream", h.StreamProgress)
	v1.Post("/photos/:photoId/analyze", h.AnalyzePhoto)

	return nil
}

type assetRequest struct {
	Filename    string  `json:"filename"`
	StoragePath string  `json:"storagePath"`
	RoomHint    *string `json:"roomHint,omitempty"`
}

type createBatchRequest struct {
	Assets []assetRequest `json:"assets"`
}

type analyzePhotoRequest struct {
	RoomType *string `json:"roomType,omitempty"`
}

type photoResponse struct {
	ID       string  `json:"id"`
	Filename string  `json:"filename"`
	Status   string  `json:"status"`
	RoomType *string `json:"roomType,omitempty"`
}

type batchResponse struct {
	BatchID   string          `json:"batchId"`
	ProjectID string          `json:"projectId"`
	Status    string          `json:"status"`
	Total     int             `json:"total"`
	Photos    []photoResponse `json:"photos"`
	JobIDs    []string        `json:"jobIds,omitempty"`
	Warning   string          `json:"warning,omitempty"`
}

type enqueueBatchResponse struct {
	BatchID  string   `json:"batchId"`
	Enqueued int      `json:"enqueued"`
	JobIDs   []string `json:"jobIds"`
	Warning  string   `json:"warning,omitempty"`
}

func (h *BatchHandler) CreateBatch(c *fiber.Ctx) error {
	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	assets := make([]domain.Asset, 0, len(req.Assets))
	for _, a := range req.Assets {
		assets = append(assets, domain.Asset{
			Filename:    a.Filename,
			StoragePath: a.StoragePath,
			RoomHint:    a.RoomHint,
		})
	}

	ctx := c.UserContext()
	batch, err := h.batches.CreateBatch(ctx, c.Params("projectId"), requestUserID(c), assets)
	if err != nil {
		return toHTTPError(err)
	}

	resp := toBatchResponse(batch)
	if c.QueryBool("enqueue", false) {
		jobs, err := h.batches.EnqueueBatch(ctx, batch.ID)
		if err != nil {
			// The batch exists; the caller can retry the enqueue separately.
			resp.Warning = err.Error()
		}
		resp.JobIDs = jobIDs(jobs)
	}

	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *BatchHandler) EnqueueBatch(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	jobs, err := h.batches.EnqueueBatch(c.UserContext(), batchID)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
			return toHTTPError(err)
		}
		if len(jobs) == 0 {
			return err
		}

		return c.Status(fiber.StatusAccepted).JSON(enqueueBatchResponse{
			BatchID:  batchID,
			Enqueued: len(jobs),
			JobIDs:   jobIDs(jobs),
			Warning:  err.Error(),
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(enqueueBatchResponse{
		BatchID:  batchID,
		Enqueued: len(jobs),
		JobIDs:   jobIDs(jobs),
	})
}

func (h *BatchHandler) GetProgress(c *fiber.Ctx) error {
	progress, err := h.progress.ComputeBatchProgress(c.UserContext(), c.Params("batchId"), c.QueryBool("cache", true))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(progress)
}

func (h *BatchHandler) AnalyzePhoto(c *fiber.Ctx) error {
	var req analyzePhotoRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	result, err := h.batches.EnqueuePhotoAnalysis(c.UserContext(), c.Params("photoId"), requestUserID(c), req.RoomType)
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusAccepted
	if result.Status == service.EnqueueStatusAlreadyProcessing {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(result)
}

// StreamProgress serves the live progress of a batch as Server-Sent Events. The
// response ends after a complete or timeout event, or when the client goes away.
func (h *BatchHandler) StreamProgress(c *fiber.Ctx) error {
	ctx, cancel := context.WithCancel(c.UserContext())
	events := make(chan domain.StreamEvent, streamBufferSize)

	sub, err := h.relay.SubscribeToBatch(ctx, c.Params("batchId"), func(ev domain.StreamEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		cancel()
		return toHTTPError(err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer sub.Unsubscribe()

		for {
			select {
			case ev := <-events:
				if err := writeEvent(w, ev); err != nil || endsStream(ev.Type) {
					return
				}
			case <-sub.Done():
				// The relay delivers synchronously, so whatever it emitted is buffered.
				for {
					select {
					case ev := <-events:
						if err := writeEvent(w, ev); err != nil {
							return
						}
					default:
						return
					}
				}
			}
		}
	}))

	return nil
}

func writeEvent(w *bufio.Writer, ev domain.StreamEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return w.Flush()
}

func endsStream(t domain.EventType) bool {
	return t == domain.EventComplete || t == domain.EventTimeout
}

func toBatchResponse(b *domain.Batch) batchResponse {
	photos := make([]photoResponse, 0, len(b.Photos))
	for _, p := range b.Photos {
		photos = append(photos, photoResponse{
			ID:       p.ID,
			Filename: p.Filename,
			Status:   p.Status.String(),
			RoomType: p.RoomType,
		})
	}

	return batchResponse{
		BatchID:   b.ID,
		ProjectID: b.ProjectID,
		Status:    b.Status.String(),
		Total:     b.Total(),
		Photos:    photos,
	}
}

func jobIDs(jobs []domain.AnalysisJob) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func requestUserID(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Get(UserIDHeader))
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
