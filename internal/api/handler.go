package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/defect"
	"mes-execution-backend/internal/event"
	"mes-execution-backend/internal/execution"
	"mes-execution-backend/internal/ingest"
	"mes-execution-backend/internal/loading"
	"mes-execution-backend/internal/metrics"
	"mes-execution-backend/internal/mrb"
	"mes-execution-backend/internal/oqc"
	"mes-execution-backend/internal/permission"
	"mes-execution-backend/internal/readiness"
	"mes-execution-backend/internal/store"
	"mes-execution-backend/internal/timerule"
)

// DefaultOperatorHeader carries the acting operator when none is configured.
const DefaultOperatorHeader = "X-Operator-Id"

// Services are the domain services exposed over HTTP.
type Services struct {
	Lifecycle *store.Service
	Execution *execution.Service
	Defects   *defect.Service
	OQC       *oqc.Service
	Sampling  *oqc.RuleStore
	Gate      *oqc.Trigger
	MRB       *mrb.Service
	Readiness *readiness.Service
	Loading   *loading.Service
	TimeRules *timerule.Service
	Sweeper   *timerule.Sweeper
	Events    *event.Processor
	Ingest    *ingest.Service
	Oracle    permission.Oracle
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	svc            Services
	db             *gorm.DB
	webpush        *webpush.Options
	operatorHeader string
	logger         *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(db *gorm.DB, svc Services, webpushOptions *webpush.Options, operatorHeader string, logger *slog.Logger) *Handler {
	if operatorHeader == "" {
		operatorHeader = DefaultOperatorHeader
	}
	if svc.Oracle == nil {
		svc.Oracle = permission.AllowAll{}
	}
	return &Handler{
		svc:            svc,
		db:             db,
		webpush:        webpushOptions,
		operatorHeader: operatorHeader,
		logger:         logger.With("component", "api"),
	}
}

// actor is the operator acting on the request.
func (h *Handler) actor(c *gin.Context) string {
	return c.GetHeader(h.operatorHeader)
}

// fail writes err as {"error": {"code", "message"}}. Business errors carry
// their own status; anything else is a 500.
func (h *Handler) fail(c *gin.Context, err error) {
	if e, ok := apperr.As(err); ok {
		metrics.BusinessErrors.WithLabelValues(e.Code).Inc()
		c.AbortWithStatusJSON(e.Status, gin.H{"error": gin.H{"code": e.Code, "message": e.Message}})
		return
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "record not found"}})
		return
	}
	h.logger.ErrorContext(c.Request.Context(), "request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL_ERROR", "message": "internal error"}})
}

// bind decodes the JSON body into dst, answering 400 on failure.
func (h *Handler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "INVALID_REQUEST", "message": err.Error()}})
		return false
	}
	return true
}

// bindOptional is bind for endpoints whose body may be omitted.
func (h *Handler) bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return h.bind(c, dst)
}

type page struct {
	Items    any   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
}

func pagination(c *gin.Context) (int, int) {
	p, _ := strconv.Atoi(c.Query("page"))
	size, _ := strconv.Atoi(c.Query("pageSize"))
	return store.PageBounds(p, size)
}

func boolQuery(c *gin.Context, key string) *bool {
	v, ok := c.GetQuery(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// Healthz reports whether the database answers.
func (h *Handler) Healthz(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
