package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/uniform-check/internal/aggregate"
	"github.com/example/uniform-check/internal/auth"
	"github.com/example/uniform-check/internal/classifier"
	"github.com/example/uniform-check/internal/imageprocessor"
	"github.com/example/uniform-check/internal/model"
	"github.com/example/uniform-check/internal/report"
	"github.com/example/uniform-check/internal/repository"
	"github.com/example/uniform-check/internal/usecase"
)

// MaxUploadSize is the default upload limit in bytes.
const MaxUploadSize = 10 << 20

// multipartSlack covers boundaries and part headers on top of the file itself.
const multipartSlack = 64 << 10

const defaultRecentLimit = 20

// Service is the use case surface the handlers call.
type Service interface {
	Detect(ctx context.Context, subjectID string, image []byte, source string) (*usecase.DetectionResult, error)
	Status(ctx context.Context, subjectID string) (aggregate.Status, bool, error)
	Recent(ctx context.Context, subjectID string, limit int) ([]*repository.DetectionEvent, error)
	GetEvent(ctx context.Context, eventID string) (*repository.DetectionEvent, error)
	Report(ctx context.Context, filter repository.SubjectFilter) ([]report.Row, error)
	GetComplianceSummary(ctx context.Context, filter repository.SubjectFilter) (*usecase.ComplianceSummary, error)
}

// StateReporter exposes the model lifecycle state.
type StateReporter interface {
	State() model.State
}

// RequestObserver records served requests. *metrics.Manager satisfies it.
type RequestObserver interface {
	ObserveHTTPRequest(method, route string, code int, d time.Duration)
}

// Options tunes the routes.
type Options struct {
	MaxUploadBytes int64
	ReportRole     string
	RetryAfter     time.Duration
	Metrics        http.Handler
	Observer       RequestObserver
}

type api struct {
	svc    Service
	models StateReporter
	opts   Options
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc Service, models StateReporter, authMiddleware gin.HandlerFunc, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Second
	}
	a := &api{svc: svc, models: models, opts: opts}

	if opts.Observer != nil {
		router.Use(observe(opts.Observer))
	}

	router.GET("/health", a.health)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	group := router.Group("/api", authMiddleware)
	group.POST("/detect", a.detect)
	group.GET("/status/:subject", a.status)
	group.GET("/subjects/:subject/detections", a.recent)
	group.GET("/detections/:id", a.event)

	reports := group.Group("", auth.RequireRole(opts.ReportRole))
	reports.GET("/report", a.reportJSON)
	reports.GET("/report.csv", a.reportCSV)
	reports.GET("/report/summary", a.summary)
}

func observe(o RequestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		o.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

func (a *api) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "model": a.models.State().String()})
}

func (a *api) detect(c *gin.Context) {
	subjectID, ok := auth.GetSubjectID(c.Request.Context())
	if !ok {
		respondError(c, http.StatusUnauthorized, "authentication required")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.opts.MaxUploadBytes+multipartSlack)
	file, err := c.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			respondError(c, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		respondError(c, http.StatusBadRequest, "file is required")
		return
	}
	if file.Size > a.opts.MaxUploadBytes {
		respondError(c, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	if ct := file.Header.Get("Content-Type"); !strings.HasPrefix(strings.ToLower(ct), "image/") {
		respondError(c, http.StatusUnsupportedMediaType, "unsupported content type")
		return
	}

	src, err := file.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "unable to open file")
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to read file")
		return
	}

	result, err := a.svc.Detect(c.Request.Context(), subjectID, data, "upload")
	if err != nil {
		a.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "success",
		"event_id":     result.Event.EventID,
		"class":        result.Event.ClassName,
		"label":        result.Event.Label,
		"is_compliant": result.Event.IsCompliant,
		"confidence":   result.Event.Confidence,
		"timestamp":    result.Event.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (a *api) status(c *gin.Context) {
	subjectID := c.Param("subject")
	if !a.canView(c, subjectID) {
		respondError(c, http.StatusForbidden, "forbidden")
		return
	}

	status, ok, err := a.svc.Status(c.Request.Context(), subjectID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "no data", "subject_id": subjectID})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "success",
		"subject_id":        status.SubjectID,
		"event_id":          status.EventID,
		"last_label":        status.LastLabel,
		"last_is_compliant": status.LastIsCompliant,
		"last_confidence":   status.LastConfidence,
		"last_at":           status.LastAt.Format(time.RFC3339Nano),
	})
}

func (a *api) recent(c *gin.Context) {
	subjectID := c.Param("subject")
	if !a.canView(c, subjectID) {
		respondError(c, http.StatusForbidden, "forbidden")
		return
	}

	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := a.svc.Recent(c.Request.Context(), subjectID, limit)
	if err != nil {
		a.writeError(c, err)
		return
	}

	items := make([]gin.H, 0, len(events))
	for _, e := range events {
		items = append(items, eventJSON(e))
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "subject_id": subjectID, "detections": items})
}

func (a *api) event(c *gin.Context) {
	event, err := a.svc.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	// Other subjects' events are reported as missing.
	if !a.canView(c, event.SubjectID) {
		respondError(c, http.StatusNotFound, "detection not found")
		return
	}
	c.JSON(http.StatusOK, eventJSON(event))
}

func (a *api) reportJSON(c *gin.Context) {
	rows, err := a.svc.Report(c.Request.Context(), filterFrom(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "rows": rows})
}

func (a *api) reportCSV(c *gin.Context) {
	rows, err := a.svc.Report(c.Request.Context(), filterFrom(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="uniform_report.csv"`)
	c.Status(http.StatusOK)
	if err := report.WriteCSV(c.Writer, rows); err != nil {
		_ = c.Error(err)
	}
}

func (a *api) summary(c *gin.Context) {
	summary, err := a.svc.GetComplianceSummary(c.Request.Context(), filterFrom(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (a *api) canView(c *gin.Context, subjectID string) bool {
	caller, ok := auth.FromContext(c.Request.Context())
	if !ok {
		return false
	}
	return caller.Subject == subjectID || caller.HasRole(a.opts.ReportRole)
}

func (a *api) writeError(c *gin.Context, err error) {
	var notReady *model.NotReadyError
	switch {
	case errors.Is(err, imageprocessor.ErrDecode):
		respondError(c, http.StatusBadRequest, "invalid image")
	case errors.Is(err, usecase.ErrInvalidSubject), errors.Is(err, repository.ErrInvalidLimit):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.As(err, &notReady):
		c.Header("Retry-After", strconv.Itoa(int(a.opts.RetryAfter.Seconds())))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"error":  "service not ready",
			"model":  notReady.State.String(),
		})
	case errors.Is(err, repository.ErrNotFound):
		respondError(c, http.StatusNotFound, "detection not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusRequestTimeout, "request canceled")
	case errors.Is(err, classifier.ErrInference):
		respondError(c, http.StatusInternalServerError, "inference failed")
	default:
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}

func respondError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{"status": "error", "error": message})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func filterFrom(c *gin.Context) repository.SubjectFilter {
	return repository.SubjectFilter{
		Department: strings.TrimSpace(c.Query("department")),
		Year:       strings.TrimSpace(c.Query("year")),
		Division:   strings.TrimSpace(c.Query("division")),
	}
}

func eventJSON(e *repository.DetectionEvent) gin.H {
	return gin.H{
		"event_id":     e.EventID,
		"subject_id":   e.SubjectID,
		"class":        e.ClassName,
		"label":        e.Label,
		"is_compliant": e.IsCompliant,
		"confidence":   e.Confidence,
		"source":       e.Source,
		"timestamp":    e.CreatedAt.Format(time.RFC3339Nano),
	}
}
