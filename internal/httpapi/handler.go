// Package httpapi exposes the launcher's REST surface.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/human-protocol/job-launcher/internal/domain/errs"
	"github.com/human-protocol/job-launcher/internal/metrics"
	jobsvc "github.com/human-protocol/job-launcher/internal/services/job"
	"github.com/human-protocol/job-launcher/pkg/logger"
)

// userHeader carries the caller identity. Authentication proper happens at
// the gateway in front of this service.
const userHeader = "X-User-ID"

// Handler serves the job API.
type Handler struct {
	svc *jobsvc.Service
	log *logger.Logger
}

// New creates the handler.
func New(svc *jobsvc.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{svc: svc, log: log}
}

// Router builds the gin engine with all routes registered.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), metrics.Middleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api/v1")
	api.Use(h.requireUser)
	{
		api.POST("/jobs/fortune", h.createFortuneJob)
		api.POST("/jobs/cvat", h.createCvatJob)
		api.GET("/jobs", h.listJobs)
		api.GET("/jobs/:id", h.getJob)
		api.GET("/jobs/:id/result", h.getResult)
		api.POST("/jobs/:id/cancel", h.cancelJob)
	}
	return router
}

func (h *Handler) requireUser(c *gin.Context) {
	if c.GetHeader(userHeader) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + userHeader + " header"})
		return
	}
	c.Next()
}

func (h *Handler) createFortuneJob(c *gin.Context) {
	var req jobsvc.FortuneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j, err := h.svc.CreateFortuneJob(c.Request.Context(), c.GetHeader(userHeader), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (h *Handler) createCvatJob(c *gin.Context) {
	var req jobsvc.CvatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j, err := h.svc.CreateCvatJob(c.Request.Context(), c.GetHeader(userHeader), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.svc.ListJobs(c.Request.Context(), c.GetHeader(userHeader))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *Handler) getJob(c *gin.Context) {
	j, err := h.svc.GetJob(c.Request.Context(), c.GetHeader(userHeader), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *Handler) getResult(c *gin.Context) {
	res, err := h.svc.GetResult(c.Request.Context(), c.GetHeader(userHeader), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.Annotation != nil {
		c.JSON(http.StatusOK, res.Annotation)
		return
	}
	c.JSON(http.StatusOK, res.Fortune)
}

func (h *Handler) cancelJob(c *gin.Context) {
	j, err := h.svc.RequestCancel(c.Request.Context(), c.GetHeader(userHeader), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.Classify(err) {
	case errs.ClassValidation:
		status = http.StatusBadRequest
	case errs.ClassNotFound:
		status = http.StatusNotFound
	case errs.ClassConflict:
		status = http.StatusConflict
	case errs.ClassUpstream:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
