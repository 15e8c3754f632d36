package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mes-execution-backend/internal/execution"
	"mes-execution-backend/internal/store"
)

// CreateWorkOrder handles POST /api/work-orders.
func (h *Handler) CreateWorkOrder(c *gin.Context) {
	var req store.CreateWorkOrderInput
	if !h.bind(c, &req) {
		return
	}
	wo, err := h.svc.Lifecycle.CreateWorkOrder(c.Request.Context(), req, h.actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, wo)
}

// ListWorkOrders handles GET /api/work-orders.
func (h *Handler) ListWorkOrders(c *gin.Context) {
	p, size := pagination(c)
	items, total, err := h.svc.Lifecycle.ListWorkOrders(c.Request.Context(), store.WorkOrderFilter{
		Status: c.Query("status"), Page: p, PageSize: size,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page{Items: items, Total: total, Page: p, PageSize: size})
}

// GetWorkOrder handles GET /api/work-orders/:woNo.
func (h *Handler) GetWorkOrder(c *gin.Context) {
	wo, err := h.svc.Lifecycle.GetWorkOrder(c.Request.Context(), c.Param("woNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wo)
}

// ReleaseWorkOrder handles POST /api/work-orders/:woNo/release.
func (h *Handler) ReleaseWorkOrder(c *gin.Context) {
	wo, err := h.svc.Lifecycle.ReleaseWorkOrder(c.Request.Context(), c.Param("woNo"), h.actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wo)
}

// CreateRun handles POST /api/work-orders/:woNo/runs.
func (h *Handler) CreateRun(c *gin.Context) {
	var req store.CreateRunInput
	if !h.bind(c, &req) {
		return
	}
	run, err := h.svc.Lifecycle.CreateRun(c.Request.Context(), c.Param("woNo"), req, h.actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// ListRuns handles GET /api/work-orders/:woNo/runs.
func (h *Handler) ListRuns(c *gin.Context) {
	runs, err := h.svc.Lifecycle.ListRuns(c.Request.Context(), c.Param("woNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": runs})
}

// GetRun handles GET /api/runs/:runNo.
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.svc.Lifecycle.GetRun(c.Request.Context(), c.Param("runNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

type generateUnitsRequest struct {
	Qty int `json:"qty" binding:"required,min=1"`
}

// GenerateUnits handles POST /api/runs/:runNo/units.
func (h *Handler) GenerateUnits(c *gin.Context) {
	var req generateUnitsRequest
	if !h.bind(c, &req) {
		return
	}
	units, err := h.svc.Lifecycle.GenerateUnits(c.Request.Context(), c.Param("runNo"), req.Qty, h.actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"items": units})
}

// ListRunUnits handles GET /api/runs/:runNo/units.
func (h *Handler) ListRunUnits(c *gin.Context) {
	units, err := h.svc.Lifecycle.ListRunUnits(c.Request.Context(), c.Param("runNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": units})
}

// AuthorizeRun handles POST /api/runs/:runNo/authorize.
func (h *Handler) AuthorizeRun(c *gin.Context) {
	run, err := h.svc.Lifecycle.AuthorizeRun(c.Request.Context(), c.Param("runNo"), h.actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// RevokeRun handles POST /api/runs/:runNo/revoke.
func (h *Handler) RevokeRun(c *gin.Context) {
	run, err := h.svc.Lifecycle.RevokeRun(c.Request.Context(), c.Param("runNo"), h.actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetUnit handles GET /api/units/:sn.
func (h *Handler) GetUnit(c *gin.Context) {
	unit, err := h.svc.Lifecycle.GetUnit(c.Request.Context(), c.Param("sn"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, unit)
}

// GetUnitTracks handles GET /api/units/:sn/tracks.
func (h *Handler) GetUnitTracks(c *gin.Context) {
	tracks, err := h.svc.Execution.UnitTracks(c.Request.Context(), c.Param("sn"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": tracks})
}

// TrackIn handles POST /api/stations/:stationCode/track-in.
func (h *Handler) TrackIn(c *gin.Context) {
	var req execution.TrackInInput
	if !h.bind(c, &req) {
		return
	}
	if req.OperatorID == "" {
		req.OperatorID = h.actor(c)
	}
	res, err := h.svc.Execution.TrackIn(c.Request.Context(), c.Param("stationCode"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// TrackOut handles POST /api/stations/:stationCode/track-out.
func (h *Handler) TrackOut(c *gin.Context) {
	var req execution.TrackOutInput
	if !h.bind(c, &req) {
		return
	}
	if req.OperatorID == "" {
		req.OperatorID = h.actor(c)
	}
	res, err := h.svc.Execution.TrackOut(c.Request.Context(), c.Param("stationCode"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetUnitDataSpecs handles GET /api/stations/:stationCode/units/:sn/data-specs.
func (h *Handler) GetUnitDataSpecs(c *gin.Context) {
	specs, err := h.svc.Execution.UnitDataSpecs(c.Request.Context(), c.Param("stationCode"), c.Param("sn"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": specs})
}
