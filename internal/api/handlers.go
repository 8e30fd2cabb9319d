package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"asistoya/internal/attendance"
)

type saveAttendanceRequest struct {
	Student   attendance.Fields    `json:"student" binding:"required"`
	Detection attendance.Detection `json:"detection"`
}

func (h *Handler) saveAttendance(c *gin.Context) {
	var req saveAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.svc.SaveAttendance(c.Request.Context(), req.Student, req.Detection)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// queryAttendance turns every query parameter into an equality filter.
func (h *Handler) queryAttendance(c *gin.Context) {
	filters, err := attendance.ParseFilters(c.Request.URL.Query())
	if err != nil {
		h.fail(c, err)
		return
	}
	records, err := h.svc.QueryAttendance(c.Request.Context(), filters)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (h *Handler) dailyReport(c *gin.Context) {
	report, err := h.svc.DailyReport(c.Request.Context(), c.Param("date"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) registerStudent(c *gin.Context) {
	var fields attendance.Fields
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	profile, err := h.svc.RegisterStudent(c.Request.Context(), fields)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, profile)
}

func (h *Handler) getStudent(c *gin.Context) {
	profile, err := h.svc.GetStudent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) forceSync(c *gin.Context) {
	n, err := h.svc.ForceSync(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": n})
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status(c.Request.Context()))
}

// requestLogger logs one line per request, skipping noisy paths.
func requestLogger(logger zerolog.Logger, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if _, ok := skipped[c.Request.URL.Path]; ok {
			return
		}
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
