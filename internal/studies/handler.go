package studies

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"imaging-backend/internal/shared/server/middleware"
	"imaging-backend/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the studies service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches study routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/studies", h.submitStudy)
	rg.GET("/studies", h.listStudies)
	rg.GET("/studies/:id", h.getStudy)
	rg.POST("/studies/:id/poll", h.pollStudy)
}

type submitRequest struct {
	PatientID        string `json:"patientId"`
	SourceBucket     string `json:"sourceBucket"`
	SourceKey        string `json:"sourceKey"`
	StudyDescription string `json:"studyDescription"`
}

func (h *Handler) submitStudy(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	study, err := h.Svc.Submit(ctx, req.PatientID, req.SourceBucket, req.SourceKey, req.StudyDescription)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		case errors.Is(err, ErrSourceNotFound):
			respond.Error(c, http.StatusNotFound, "source_not_found", err.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to submit study", nil)
		}
		return
	}

	respond.JSON(c, http.StatusAccepted, gin.H{
		"studyId": study.ID,
		"status":  study.Status,
	})
}

func (h *Handler) getStudy(c *gin.Context) {
	studyID := c.Param("id")
	if studyID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "study id is required", nil)
		return
	}

	study, err := h.Svc.Get(c.Request.Context(), studyID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "study not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch study", nil)
		}
		return
	}

	respond.JSON(c, http.StatusOK, study)
}

func (h *Handler) listStudies(c *gin.Context) {
	patientID := c.Query("patientId")
	if patientID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "patientId is required", nil)
		return
	}

	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	list, err := h.Svc.List(c.Request.Context(), patientID, limit, offset)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list studies", nil)
		return
	}

	respond.JSON(c, http.StatusOK, gin.H{"studies": list})
}

func (h *Handler) pollStudy(c *gin.Context) {
	studyID := c.Param("id")
	if studyID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "study id is required", nil)
		return
	}

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	result, err := h.Svc.Poll(ctx, studyID)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "study not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to poll study", nil)
		}
		return
	}

	respond.JSON(c, http.StatusOK, result)
}
