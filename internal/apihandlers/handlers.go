package apihandlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"vigil/internal/models"
	"vigil/internal/services"
	"vigil/internal/store"
)

// AnalysisAPI is the service surface the handlers call.
type AnalysisAPI interface {
	Submit(ctx context.Context, params services.SubmitParams) (*services.SubmitResult, error)
	Resubmit(ctx context.Context, id string) (string, error)
	Get(ctx context.Context, id string) (*models.Analysis, error)
	GetStatus(ctx context.Context, id string) (*models.StatusView, error)
	List(ctx context.Context, limit, offset int) ([]*models.Analysis, error)
}

// HealthFunc reports whether the process dependencies are reachable.
type HealthFunc func(ctx context.Context) error

type APIHandler struct {
	Analyses AnalysisAPI
	Health   HealthFunc
}

func NewAPIHandler(analyses AnalysisAPI, health HealthFunc) *APIHandler {
	return &APIHandler{Analyses: analyses, Health: health}
}

// SubmitAnalysisRequest is the body of POST /api/v1/analyses.
type SubmitAnalysisRequest struct {
	ProjectID   string `json:"project_id"`
	DocumentKey string `json:"document_key" binding:"required"`
}

// Register mounts all routes on r.
func (h *APIHandler) Register(r gin.IRouter) {
	v1 := r.Group("/api/v1")
	{
		analyses := v1.Group("/analyses")
		{
			analyses.POST("", h.SubmitAnalysisHandler)
			analyses.GET("", h.ListAnalysesHandler)
			analyses.GET("/:id", h.GetAnalysisHandler)
			analyses.POST("/:id/enqueue", h.EnqueueAnalysisHandler)
			analyses.GET("/:id/status", h.AnalysisStatusHandler)
		}
	}
	r.GET("/health", h.HealthHandler)
}

func (h *APIHandler) SubmitAnalysisHandler(c *gin.Context) {
	var req SubmitAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	res, err := h.Analyses.Submit(c.Request.Context(), services.SubmitParams{
		ProjectID:   req.ProjectID,
		DocumentKey: req.DocumentKey,
	})
	if err != nil {
		if store.IsRetryable(err) && res != nil && res.Analysis != nil {
			// The record exists; the client retries the enqueue only.
			QueueUnavailable(c, fmt.Sprintf("analysis %s saved but not queued; retry POST /api/v1/analyses/%s/enqueue",
				res.Analysis.ID, res.Analysis.ID))
			return
		}
		writeError(c, "submit analysis", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{
		"analysis": res.Analysis,
		"job_id":   res.JobID,
	}})
}

func (h *APIHandler) EnqueueAnalysisHandler(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	jobID, err := h.Analyses.Resubmit(c.Request.Context(), id)
	if err != nil {
		writeError(c, "enqueue analysis", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"id": id, "job_id": jobID}})
}

func (h *APIHandler) GetAnalysisHandler(c *gin.Context) {
	a, err := h.Analyses.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "get analysis", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": a})
}

func (h *APIHandler) AnalysisStatusHandler(c *gin.Context) {
	view, err := h.Analyses.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "get status", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (h *APIHandler) ListAnalysesHandler(c *gin.Context) {
	limit, offset, err := parsePagination(c)
	if err != nil {
		BadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}
	items, err := h.Analyses.List(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, "list analyses", err)
		return
	}
	if items == nil {
		items = []*models.Analysis{}
	}
	c.JSON(http.StatusOK, gin.H{
		"data":   items,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *APIHandler) HealthHandler(c *gin.Context) {
	if h.Health != nil {
		if err := h.Health(c.Request.Context()); err != nil {
			log.WithError(err).Warn("Health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parsePagination(c *gin.Context) (int, int, error) {
	limit, offset := 20, 0
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 || parsed > 200 {
			return 0, 0, fmt.Errorf("invalid limit: %s", l)
		}
		limit = parsed
	}
	if o := c.Query("offset"); o != "" {
		parsed, err := strconv.Atoi(o)
		if err != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("invalid offset: %s", o)
		}
		offset = parsed
	}
	return limit, offset, nil
}
