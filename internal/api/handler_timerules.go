package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/ingest"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/timerule"
)

// ListTimeRules handles GET /api/time-rules.
func (h *Handler) ListTimeRules(c *gin.Context) {
	p, size := pagination(c)
	items, total, err := h.svc.TimeRules.ListDefinitions(c.Request.Context(), timerule.DefinitionFilter{
		Code:     c.Query("code"),
		Name:     c.Query("name"),
		RuleType: c.Query("ruleType"),
		IsActive: boolQuery(c, "isActive"),
		Page:     p,
		PageSize: size,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page{Items: items, Total: total, Page: p, PageSize: size})
}

// GetTimeRule handles GET /api/time-rules/:code.
func (h *Handler) GetTimeRule(c *gin.Context) {
	def, err := h.svc.TimeRules.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// CreateTimeRule handles POST /api/time-rules.
func (h *Handler) CreateTimeRule(c *gin.Context) {
	var req timerule.DefinitionInput
	if !h.bind(c, &req) {
		return
	}
	def, err := h.svc.TimeRules.CreateDefinition(c.Request.Context(), req, h.actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

// UpdateTimeRule handles PATCH /api/time-rules/:id.
func (h *Handler) UpdateTimeRule(c *gin.Context) {
	var req timerule.DefinitionPatch
	if !h.bind(c, &req) {
		return
	}
	def, err := h.svc.TimeRules.UpdateDefinition(c.Request.Context(), c.Param("id"), req, h.actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// DeleteTimeRule handles DELETE /api/time-rules/:id.
func (h *Handler) DeleteTimeRule(c *gin.Context) {
	if err := h.svc.TimeRules.DeleteDefinition(c.Request.Context(), c.Param("id"), h.actor(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListActiveInstances handles GET /api/time-rule-instances.
func (h *Handler) ListActiveInstances(c *gin.Context) {
	items, err := h.svc.TimeRules.ListActive(c.Request.Context(), c.Query("runId"), c.Query("ruleType"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ListRunInstances handles GET /api/runs/:runNo/time-rule-instances.
func (h *Handler) ListRunInstances(c *gin.Context) {
	items, err := h.svc.TimeRules.ListByRun(c.Request.Context(), c.Param("runNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// CreateInstance handles POST /api/time-rule-instances.
func (h *Handler) CreateInstance(c *gin.Context) {
	var req timerule.InstanceInput
	if !h.bind(c, &req) {
		return
	}
	inst, err := h.svc.TimeRules.CreateInstance(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// CompleteInstance handles POST /api/time-rule-instances/:id/complete.
func (h *Handler) CompleteInstance(c *gin.Context) {
	inst, err := h.svc.TimeRules.CompleteInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// WaiveInstance handles POST /api/time-rule-instances/:id/waive.
func (h *Handler) WaiveInstance(c *gin.Context) {
	var req timerule.WaiveInput
	if !h.bind(c, &req) {
		return
	}
	req.WaivedBy = h.actor(c)
	inst, err := h.svc.TimeRules.WaiveInstance(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// SweepTimeRules handles POST /api/time-rules/sweep.
func (h *Handler) SweepTimeRules(c *gin.Context) {
	res, err := h.svc.Sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListEvents handles GET /api/events.
func (h *Handler) ListEvents(c *gin.Context) {
	p, size := pagination(c)
	q := h.db.WithContext(c.Request.Context()).Model(&model.MesEvent{})
	if v := c.Query("status"); v != "" {
		q = q.Where("status = ?", v)
	}
	if v := c.Query("eventType"); v != "" {
		q = q.Where("event_type = ?", v)
	}
	if v := c.Query("runId"); v != "" {
		q = q.Where("run_id = ?", v)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		h.fail(c, err)
		return
	}
	var items []model.MesEvent
	if err := q.Order("created_at DESC").Offset((p - 1) * size).Limit(size).Find(&items).Error; err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page{Items: items, Total: total, Page: p, PageSize: size})
}

// ProcessEvents handles POST /api/events/process.
func (h *Handler) ProcessEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	sum, err := h.svc.Events.ProcessBatch(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

type ingestRequest struct {
	DedupeKey  string          `json:"dedupeKey"`
	EventType  string          `json:"eventType"`
	OccurredAt string          `json:"occurredAt"`
	RunNo      string          `json:"runNo"`
	Payload    json.RawMessage `json:"payload" binding:"required"`
}

// Ingest handles POST /api/ingest/:source.
func (h *Handler) Ingest(c *gin.Context) {
	var req ingestRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Ingest.Ingest(c.Request.Context(), ingest.Input{
		Source:     c.Param("source"),
		DedupeKey:  req.DedupeKey,
		Kind:       req.EventType,
		OccurredAt: req.OccurredAt,
		RunNo:      req.RunNo,
		Payload:    req.Payload,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// SaveIngestMapping handles PUT /api/ingest/:source/mappings/:eventType.
func (h *Handler) SaveIngestMapping(c *gin.Context) {
	var req config.IngestMapping
	if !h.bind(c, &req) {
		return
	}
	if req == (config.IngestMapping{}) {
		h.fail(c, apperr.Invalid("INGEST_MAPPING_INVALID", "mapping has no paths"))
		return
	}
	m, err := h.svc.Ingest.SaveMapping(c.Request.Context(), c.Param("source"), c.Param("eventType"), req, h.actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
