// Package api exposes the attendance service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"asistoya/internal/attendance"
	"asistoya/internal/httpmiddleware"
	"asistoya/internal/store"
)

// Facade is the part of attendance.Service the HTTP layer uses.
type Facade interface {
	SaveAttendance(ctx context.Context, student attendance.Fields, det attendance.Detection) (attendance.AttendanceRecord, error)
	RegisterStudent(ctx context.Context, profile attendance.Fields) (attendance.StudentProfile, error)
	QueryAttendance(ctx context.Context, filters store.Filters) ([]attendance.AttendanceRecord, error)
	DailyReport(ctx context.Context, date string) (attendance.DailyReport, error)
	ForceSync(ctx context.Context) (int, error)
	Status(ctx context.Context) attendance.Status
	GetStudent(ctx context.Context, id string) (attendance.StudentProfile, error)
}

// Options configure the router.
type Options struct {
	RateLimitPerMin int
	// Ready reports dependencies beyond the local store, e.g. Redis. Optional.
	Ready func(ctx context.Context) map[string]bool
}

// Handler serves the /v1 routes.
type Handler struct {
	svc    Facade
	logger zerolog.Logger
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(svc Facade, opts Options, logger zerolog.Logger) *gin.Engine {
	h := &Handler{svc: svc, logger: logger.With().Str("component", "http").Logger()}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(h.logger, "/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.NewClientLimiter(opts.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok"}
		if opts.Ready != nil {
			for name, ok := range opts.Ready(c.Request.Context()) {
				body[name] = ok
				if !ok {
					status = http.StatusServiceUnavailable
				}
			}
		}
		c.JSON(status, body)
	})

	v1 := r.Group("/v1")
	v1.POST("/attendance", h.saveAttendance)
	v1.GET("/attendance", h.queryAttendance)
	v1.GET("/reports/daily/:date", h.dailyReport)
	v1.POST("/students", h.registerStudent)
	v1.GET("/students/:id", h.getStudent)
	v1.POST("/sync", h.forceSync)
	v1.GET("/status", h.status)
	return r
}

// fail maps service errors to status codes.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrInvalidInput), errors.Is(err, store.ErrInvalidID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrDuplicateRecord):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrStorageUnavailable):
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("local storage unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "local storage unavailable"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	default:
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
