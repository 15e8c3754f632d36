package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/loading"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/readiness"
)

type performCheckRequest struct {
	Type string `json:"type"`
}

// PerformCheck handles POST /api/runs/:runNo/readiness/check.
func (h *Handler) PerformCheck(c *gin.Context) {
	var req performCheckRequest
	if !h.bindOptional(c, &req) {
		return
	}
	if req.Type == "" {
		req.Type = model.CheckFormal
	}
	report, err := h.svc.Readiness.PerformCheck(c.Request.Context(), c.Param("runNo"), req.Type, h.actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetLatestCheck handles GET /api/runs/:runNo/readiness/latest.
func (h *Handler) GetLatestCheck(c *gin.Context) {
	report, err := h.svc.Readiness.GetLatest(c.Request.Context(), c.Param("runNo"), c.Query("type"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if report == nil {
		h.fail(c, apperr.NotFound("CHECK_NOT_FOUND", "run %s has no readiness check", c.Param("runNo")))
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetCheckHistory handles GET /api/runs/:runNo/readiness/history.
func (h *Handler) GetCheckHistory(c *gin.Context) {
	checks, err := h.svc.Readiness.GetHistory(c.Request.Context(), c.Param("runNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": checks})
}

// GetAuthorization handles GET /api/runs/:runNo/readiness/authorization.
func (h *Handler) GetAuthorization(c *gin.Context) {
	auth, err := h.svc.Readiness.AuthorizationFor(c.Request.Context(), c.Param("runNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, auth)
}

// WaiveCheckItem handles POST /api/readiness/items/:itemId/waive.
func (h *Handler) WaiveCheckItem(c *gin.Context) {
	var req readiness.WaiveInput
	if !h.bind(c, &req) {
		return
	}
	req.WaivedBy = h.actor(c)
	item, err := h.svc.Readiness.WaiveItem(c.Request.Context(), c.Param("itemId"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// ListReadinessExceptions handles GET /api/readiness/exceptions.
func (h *Handler) ListReadinessExceptions(c *gin.Context) {
	p, size := pagination(c)
	f := readiness.ExceptionFilter{LineID: c.Query("lineId"), Status: c.Query("status"), Page: p, PageSize: size}
	for key, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		v := c.Query(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.fail(c, apperr.Invalid("INVALID_REQUEST", "%s must be RFC 3339", key))
			return
		}
		*dst = &t
	}
	items, total, err := h.svc.Readiness.ListRunsWithExceptions(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page{Items: items, Total: int64(total), Page: p, PageSize: size})
}

// PrecheckLine handles POST /api/lines/:lineId/readiness/precheck.
func (h *Handler) PrecheckLine(c *gin.Context) {
	n, err := h.svc.Readiness.PrecheckAffectedRuns(c.Request.Context(), c.Param("lineId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checked": n})
}

// LoadSlotTable handles POST /api/runs/:runNo/loading/load-table.
func (h *Handler) LoadSlotTable(c *gin.Context) {
	table, err := h.svc.Loading.LoadSlotTable(c.Request.Context(), c.Param("runNo"), h.actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, table)
}

// GetRunExpectations handles GET /api/runs/:runNo/loading/expectations.
func (h *Handler) GetRunExpectations(c *gin.Context) {
	items, err := h.svc.Loading.GetRunExpectations(c.Request.Context(), c.Param("runNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetRunLoadingRecords handles GET /api/runs/:runNo/loading/records.
func (h *Handler) GetRunLoadingRecords(c *gin.Context) {
	items, err := h.svc.Loading.GetRunLoadingRecords(c.Request.Context(), c.Param("runNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// VerifyLoading handles POST /api/loading/verify.
func (h *Handler) VerifyLoading(c *gin.Context) {
	var req loading.VerifyInput
	if !h.bind(c, &req) {
		return
	}
	if req.OperatorID == "" {
		req.OperatorID = h.actor(c)
	}
	rec, err := h.svc.Loading.VerifyLoading(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ReplaceLoading handles POST /api/loading/replace.
func (h *Handler) ReplaceLoading(c *gin.Context) {
	var req loading.ReplaceInput
	if !h.bind(c, &req) {
		return
	}
	if req.OperatorID == "" {
		req.OperatorID = h.actor(c)
	}
	rec, err := h.svc.Loading.ReplaceLoading(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type unlockSlotRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// UnlockSlot handles POST /api/feeder-slots/:slotId/unlock.
func (h *Handler) UnlockSlot(c *gin.Context) {
	var req unlockSlotRequest
	if !h.bind(c, &req) {
		return
	}
	slot, err := h.svc.Loading.UnlockSlot(c.Request.Context(), c.Param("slotId"), h.actor(c), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

// ListSlots handles GET /api/lines/:lineId/feeder-slots.
func (h *Handler) ListSlots(c *gin.Context) {
	slots, err := h.svc.Loading.ListSlots(c.Request.Context(), c.Param("lineId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": slots})
}

// CreateSlot handles POST /api/lines/:lineId/feeder-slots.
func (h *Handler) CreateSlot(c *gin.Context) {
	var req loading.SlotInput
	if !h.bind(c, &req) {
		return
	}
	slot, err := h.svc.Loading.CreateSlot(c.Request.Context(), c.Param("lineId"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, slot)
}

// DeleteSlot handles DELETE /api/feeder-slots/:slotId.
func (h *Handler) DeleteSlot(c *gin.Context) {
	if err := h.svc.Loading.DeleteSlot(c.Request.Context(), c.Param("slotId")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListSlotMappings handles GET /api/slot-mappings.
func (h *Handler) ListSlotMappings(c *gin.Context) {
	items, err := h.svc.Loading.ListSlotMappings(c.Request.Context(), loading.MappingFilter{
		LineID:      c.Query("lineId"),
		SlotID:      c.Query("slotId"),
		ProductCode: c.Query("productCode"),
		RoutingID:   c.Query("routingId"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// CreateSlotMapping handles POST /api/slot-mappings.
func (h *Handler) CreateSlotMapping(c *gin.Context) {
	var req loading.MappingInput
	if !h.bind(c, &req) {
		return
	}
	m, err := h.svc.Loading.CreateSlotMapping(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

type equipmentPrecheckRequest struct {
	EquipmentCodes []string `json:"equipmentCodes" binding:"required,min=1"`
}

// PrecheckEquipment handles POST /api/equipment/readiness/precheck.
func (h *Handler) PrecheckEquipment(c *gin.Context) {
	var req equipmentPrecheckRequest
	if !h.bind(c, &req) {
		return
	}
	n, err := h.svc.Readiness.PrecheckForEquipment(c.Request.Context(), req.EquipmentCodes)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checked": n})
}
