package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mes-execution-backend/internal/defect"
	"mes-execution-backend/internal/mrb"
	"mes-execution-backend/internal/oqc"
	"mes-execution-backend/internal/permission"
)

// CreateDefect handles POST /api/defects.
func (h *Handler) CreateDefect(c *gin.Context) {
	var req defect.CreateInput
	if !h.bind(c, &req) {
		return
	}
	req.CreatedBy = h.actor(c)
	d, err := h.svc.Defects.CreateDefect(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// ListDefects handles GET /api/defects.
func (h *Handler) ListDefects(c *gin.Context) {
	p, size := pagination(c)
	items, total, err := h.svc.Defects.ListDefects(c.Request.Context(), defect.Filter{
		Status:   c.Query("status"),
		UnitSN:   c.Query("unitSn"),
		RunNo:    c.Query("runNo"),
		Code:     c.Query("code"),
		Page:     p,
		PageSize: size,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page{Items: items, Total: total, Page: p, PageSize: size})
}

// GetDefect handles GET /api/defects/:id.
func (h *Handler) GetDefect(c *gin.Context) {
	d, err := h.svc.Defects.GetDefect(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// AssignDisposition handles POST /api/defects/:id/disposition.
func (h *Handler) AssignDisposition(c *gin.Context) {
	var req defect.DispositionInput
	if !h.bind(c, &req) {
		return
	}
	req.DecidedBy = h.actor(c)
	d, err := h.svc.Defects.AssignDisposition(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ReleaseHold handles POST /api/defects/:id/release.
func (h *Handler) ReleaseHold(c *gin.Context) {
	var req defect.ReleaseInput
	if !h.bindOptional(c, &req) {
		return
	}
	req.ReleasedBy = h.actor(c)
	d, err := h.svc.Defects.ReleaseHold(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ListReworkTasks handles GET /api/rework-tasks.
func (h *Handler) ListReworkTasks(c *gin.Context) {
	tasks, err := h.svc.Defects.ListReworkTasks(c.Request.Context(), defect.TaskFilter{
		Status: c.Query("status"), UnitSN: c.Query("unitSn"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": tasks})
}

// CompleteRework handles POST /api/rework-tasks/:id/complete.
func (h *Handler) CompleteRework(c *gin.Context) {
	var req defect.CompleteReworkInput
	if !h.bindOptional(c, &req) {
		return
	}
	req.DoneBy = h.actor(c)
	task, err := h.svc.Defects.CompleteRework(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// CancelReworkTask handles POST /api/rework-tasks/:id/cancel.
func (h *Handler) CancelReworkTask(c *gin.Context) {
	var req defect.CancelInput
	if !h.bind(c, &req) {
		return
	}
	req.CancelledBy = h.actor(c)
	task, err := h.svc.Defects.CancelReworkTask(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// SaveRepairRecord handles POST /api/rework-tasks/:id/repairs.
func (h *Handler) SaveRepairRecord(c *gin.Context) {
	var req defect.RepairInput
	if !h.bind(c, &req) {
		return
	}
	req.RepairedBy = h.actor(c)
	task, err := h.svc.Defects.SaveRepairRecord(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// CreateInspection handles POST /api/runs/:runNo/oqc.
func (h *Handler) CreateInspection(c *gin.Context) {
	var req oqc.CreateInput
	if !h.bindOptional(c, &req) {
		return
	}
	run, err := h.svc.Lifecycle.GetRun(c.Request.Context(), c.Param("runNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	req.CreatedBy = h.actor(c)
	insp, err := h.svc.OQC.Create(c.Request.Context(), run.ID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, insp)
}

// GetRunInspection handles GET /api/runs/:runNo/oqc.
func (h *Handler) GetRunInspection(c *gin.Context) {
	insp, err := h.svc.OQC.GetByRun(c.Request.Context(), c.Param("runNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, insp)
}

// GetRunGate handles GET /api/runs/:runNo/oqc/gate.
func (h *Handler) GetRunGate(c *gin.Context) {
	run, err := h.svc.Lifecycle.GetRun(c.Request.Context(), c.Param("runNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	gate, err := h.svc.Gate.CheckGate(c.Request.Context(), run.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gate)
}

// ListInspections handles GET /api/oqc.
func (h *Handler) ListInspections(c *gin.Context) {
	p, size := pagination(c)
	items, total, err := h.svc.OQC.List(c.Request.Context(), oqc.Filter{
		Status: c.Query("status"), RunNo: c.Query("runNo"), Page: p, PageSize: size,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page{Items: items, Total: total, Page: p, PageSize: size})
}

// GetInspection handles GET /api/oqc/:id.
func (h *Handler) GetInspection(c *gin.Context) {
	insp, err := h.svc.OQC.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, insp)
}

// StartInspection handles POST /api/oqc/:id/start.
func (h *Handler) StartInspection(c *gin.Context) {
	insp, err := h.svc.OQC.Start(c.Request.Context(), c.Param("id"), h.actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, insp)
}

// RecordInspectionItem handles POST /api/oqc/:id/items.
func (h *Handler) RecordInspectionItem(c *gin.Context) {
	var req oqc.ItemInput
	if !h.bind(c, &req) {
		return
	}
	req.InspectedBy = h.actor(c)
	item, err := h.svc.OQC.RecordItem(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

// CompleteInspection handles POST /api/oqc/:id/complete.
func (h *Handler) CompleteInspection(c *gin.Context) {
	var req oqc.CompleteInput
	if !h.bind(c, &req) {
		return
	}
	req.DecidedBy = h.actor(c)
	insp, err := h.svc.OQC.Complete(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, insp)
}

// ListSamplingRules handles GET /api/oqc-rules.
func (h *Handler) ListSamplingRules(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	rules, err := h.svc.Sampling.ListRules(c.Request.Context(), activeOnly)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rules})
}

// CreateSamplingRule handles POST /api/oqc-rules.
func (h *Handler) CreateSamplingRule(c *gin.Context) {
	var req oqc.RuleInput
	if !h.bind(c, &req) {
		return
	}
	rule, err := h.svc.Sampling.CreateRule(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateSamplingRule handles PUT /api/oqc-rules/:id.
func (h *Handler) UpdateSamplingRule(c *gin.Context) {
	var req oqc.RuleInput
	if !h.bind(c, &req) {
		return
	}
	rule, err := h.svc.Sampling.UpdateRule(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeactivateSamplingRule handles DELETE /api/oqc-rules/:id.
func (h *Handler) DeactivateSamplingRule(c *gin.Context) {
	if err := h.svc.Sampling.DeactivateRule(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RecordMRBDecision handles POST /api/runs/:runNo/mrb-decision.
func (h *Handler) RecordMRBDecision(c *gin.Context) {
	var req mrb.DecisionInput
	if !h.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	req.DecidedBy = h.actor(c)
	canWaive := h.svc.Oracle.Can(ctx, req.DecidedBy, permission.WaiveFAI)
	out, err := h.svc.MRB.RecordDecision(ctx, c.Param("runNo"), req, canWaive)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListReworkRuns handles GET /api/runs/:runNo/rework-runs.
func (h *Handler) ListReworkRuns(c *gin.Context) {
	runs, err := h.svc.MRB.GetReworkRuns(c.Request.Context(), c.Param("runNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": runs})
}
