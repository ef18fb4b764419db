package cases

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"smile-backend/internal/shared/server/middleware"
	"smile-backend/internal/shared/server/respond"
	"smile-backend/internal/usage"
)

// maxImageBytes bounds case photo uploads.
const maxImageBytes = 15 << 20

// Handler wires HTTP handlers to the cases service.
type Handler struct {
	Svc     *Service
	limiter *pollLimiter
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc, limiter: newPollLimiter(0, nil)}
}

// RegisterRoutes attaches case routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/cases", h.createCase)
	rg.GET("/cases", h.listCases)
	rg.GET("/cases/:id", h.getCase)
}

func (h *Handler) createCase(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)

	input := CreateInput{
		UserID:         userID,
		Mode:           c.PostForm("mode"),
		ImageKind:      c.PostForm("imageKind"),
		SourceCaseID:   c.PostForm("sourceCaseId"),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	}
	if input.Mode == "" {
		input.Mode = ModeAnalysis
	}
	if !validMode(input.Mode) {
		respond.Error(c, http.StatusBadRequest, "validation_error", "unknown mode", []map[string]string{
			{"field": "mode", "issue": "unknown"},
		})
		return
	}

	if input.Mode == ModeProtocolOnly {
		if input.SourceCaseID == "" {
			respond.Error(c, http.StatusBadRequest, "validation_error", "sourceCaseId is required for protocol_only", nil)
			return
		}
	} else {
		file, header, err := c.Request.FormFile("image")
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "image file is required", nil)
			return
		}
		defer file.Close()
		if header.Size > maxImageBytes {
			respond.Error(c, http.StatusRequestEntityTooLarge, "validation_error", "image exceeds the size limit", nil)
			return
		}
		data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "failed to read image", nil)
			return
		}
		if len(data) > maxImageBytes {
			respond.Error(c, http.StatusRequestEntityTooLarge, "validation_error", "image exceeds the size limit", nil)
			return
		}
		input.ImageData = data
		input.ImageName = header.Filename
	}

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	created, _, err := h.Svc.Create(ctx, input)
	if err != nil {
		switch {
		case errors.Is(err, usage.ErrLimitReached):
			respond.Error(c, http.StatusTooManyRequests, "limit_reached", "You've reached your case limit. Upgrade your plan to continue.", []map[string]string{
				{"field": "usage", "issue": "limit_reached"},
			})
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "source case not found", nil)
		case errors.Is(err, ErrNoAnalysis):
			respond.Error(c, http.StatusConflict, "no_analysis", "source case has no completed analysis", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to create case", nil)
		}
		return
	}

	c.Set("caseId", created.ID)
	respond.JSON(c, http.StatusAccepted, gin.H{
		"caseId": created.ID,
		"mode":   created.Mode,
		"status": created.Status,
	})
}

func (h *Handler) getCase(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	caseID := c.Param("id")
	if caseID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "case id is required", nil)
		return
	}
	if !h.limiter.Allow(userID, caseID) {
		c.Header("Retry-After", strconv.Itoa(h.limiter.RetryAfterSeconds()))
		respond.Error(c, http.StatusTooManyRequests, "poll_too_fast", "Polling too frequently, slow down", nil)
		return
	}

	found, err := h.Svc.Get(c.Request.Context(), userID, caseID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "case not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch case", nil)
		}
		return
	}

	c.Set("caseId", found.ID)
	resp := gin.H{
		"id":        found.ID,
		"mode":      found.Mode,
		"status":    found.Status,
		"createdAt": found.CreatedAt,
	}
	if found.Status == StatusCompleted {
		if found.Analysis != nil {
			resp["analysis"] = found.Analysis
		}
		if found.Protocol != nil {
			resp["protocol"] = found.Protocol
		}
		if found.SimulationKey != "" {
			resp["simulationKey"] = found.SimulationKey
		}
	}
	if found.Status == StatusFailed {
		resp["errorCode"] = found.ErrorCode
		resp["errorMessage"] = found.ErrorMessage
		resp["retryable"] = found.Retryable
	}

	respond.JSON(c, http.StatusOK, resp)
}

func (h *Handler) listCases(c *gin.Context) {
	if isGuest, ok := c.Get("isGuest"); ok {
		if guest, ok2 := isGuest.(bool); ok2 && guest {
			respond.Error(c, http.StatusUnauthorized, "login_required", "Login required to view history", nil)
			return
		}
	}

	userID := middleware.UserIDFromContext(c)

	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if limit < 0 {
		limit = 0
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	if offset < 0 {
		offset = 0
	}

	found, err := h.Svc.List(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list cases", nil)
		return
	}

	resp := make([]gin.H, 0, len(found))
	for _, item := range found {
		entry := gin.H{
			"caseId":    item.ID,
			"mode":      item.Mode,
			"status":    item.Status,
			"createdAt": item.CreatedAt,
		}
		if item.Status == StatusCompleted && item.Analysis != nil {
			entry["detected"] = item.Analysis.Detected
			entry["confidence"] = item.Analysis.Confidence
			entry["primaryTooth"] = item.Analysis.PrimaryTooth
		}
		resp = append(resp, entry)
	}

	respond.JSON(c, http.StatusOK, resp)
}
