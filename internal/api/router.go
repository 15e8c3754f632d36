package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg config.ServerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.Observe())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := mw.NewClientRateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, 0)
	responses := mw.NewResponseCache(cfg.CacheTTL)
	cached := responses.Read()

	api := r.Group("/api")
	api.Use(mw.RateLimiter(limiter, h.operatorHeader), responses.Invalidate())
	{
		api.GET("/work-orders", cached, h.ListWorkOrders)
		api.POST("/work-orders", h.CreateWorkOrder)
		api.GET("/work-orders/:woNo", cached, h.GetWorkOrder)
		api.POST("/work-orders/:woNo/release", h.ReleaseWorkOrder)
		api.GET("/work-orders/:woNo/runs", cached, h.ListRuns)
		api.POST("/work-orders/:woNo/runs", h.CreateRun)

		api.GET("/runs/:runNo", h.GetRun)
		api.GET("/runs/:runNo/units", h.ListRunUnits)
		api.POST("/runs/:runNo/units", h.GenerateUnits)
		api.POST("/runs/:runNo/authorize", h.AuthorizeRun)
		api.POST("/runs/:runNo/revoke", h.RevokeRun)
		api.POST("/runs/:runNo/readiness/check", h.PerformCheck)
		api.GET("/runs/:runNo/readiness/latest", h.GetLatestCheck)
		api.GET("/runs/:runNo/readiness/history", cached, h.GetCheckHistory)
		api.GET("/runs/:runNo/readiness/authorization", h.GetAuthorization)
		api.POST("/runs/:runNo/loading/load-table", h.LoadSlotTable)
		api.GET("/runs/:runNo/loading/expectations", h.GetRunExpectations)
		api.GET("/runs/:runNo/loading/records", h.GetRunLoadingRecords)
		api.POST("/runs/:runNo/oqc", h.CreateInspection)
		api.GET("/runs/:runNo/oqc", h.GetRunInspection)
		api.GET("/runs/:runNo/oqc/gate", h.GetRunGate)
		api.POST("/runs/:runNo/mrb-decision", h.RecordMRBDecision)
		api.GET("/runs/:runNo/rework-runs", h.ListReworkRuns)
		api.GET("/runs/:runNo/time-rule-instances", h.ListRunInstances)

		api.GET("/units/:sn", h.GetUnit)
		api.GET("/units/:sn/tracks", h.GetUnitTracks)

		api.POST("/stations/:stationCode/track-in", h.TrackIn)
		api.POST("/stations/:stationCode/track-out", h.TrackOut)
		api.GET("/stations/:stationCode/units/:sn/data-specs", cached, h.GetUnitDataSpecs)

		api.GET("/defects", h.ListDefects)
		api.POST("/defects", h.CreateDefect)
		api.GET("/defects/:id", h.GetDefect)
		api.POST("/defects/:id/disposition", h.AssignDisposition)
		api.POST("/defects/:id/release", h.ReleaseHold)
		api.GET("/rework-tasks", h.ListReworkTasks)
		api.POST("/rework-tasks/:id/complete", h.CompleteRework)
		api.POST("/rework-tasks/:id/cancel", h.CancelReworkTask)
		api.POST("/rework-tasks/:id/repairs", h.SaveRepairRecord)

		api.GET("/oqc", h.ListInspections)
		api.GET("/oqc/:id", h.GetInspection)
		api.POST("/oqc/:id/start", h.StartInspection)
		api.POST("/oqc/:id/items", h.RecordInspectionItem)
		api.POST("/oqc/:id/complete", h.CompleteInspection)
		api.GET("/oqc-rules", cached, h.ListSamplingRules)
		api.POST("/oqc-rules", h.CreateSamplingRule)
		api.PUT("/oqc-rules/:id", h.UpdateSamplingRule)
		api.DELETE("/oqc-rules/:id", h.DeactivateSamplingRule)

		api.GET("/readiness/exceptions", h.ListReadinessExceptions)
		api.POST("/readiness/items/:itemId/waive", h.WaiveCheckItem)
		api.POST("/lines/:lineId/readiness/precheck", h.PrecheckLine)
		api.POST("/equipment/readiness/precheck", h.PrecheckEquipment)

		api.GET("/lines/:lineId/feeder-slots", cached, h.ListSlots)
		api.POST("/lines/:lineId/feeder-slots", h.CreateSlot)
		api.DELETE("/feeder-slots/:slotId", h.DeleteSlot)
		api.POST("/feeder-slots/:slotId/unlock", h.UnlockSlot)
		api.GET("/slot-mappings", cached, h.ListSlotMappings)
		api.POST("/slot-mappings", h.CreateSlotMapping)
		api.POST("/loading/verify", h.VerifyLoading)
		api.POST("/loading/replace", h.ReplaceLoading)

		api.GET("/time-rules", cached, h.ListTimeRules)
		api.POST("/time-rules", h.CreateTimeRule)
		api.POST("/time-rules/sweep", h.SweepTimeRules)
		api.GET("/time-rules/:code", cached, h.GetTimeRule)
		api.PATCH("/time-rules/:id", h.UpdateTimeRule)
		api.DELETE("/time-rules/:id", h.DeleteTimeRule)
		api.GET("/time-rule-instances", h.ListActiveInstances)
		api.POST("/time-rule-instances", h.CreateInstance)
		api.POST("/time-rule-instances/:id/complete", h.CompleteInstance)
		api.POST("/time-rule-instances/:id/waive", h.WaiveInstance)

		api.GET("/events", h.ListEvents)
		api.POST("/events/process", h.ProcessEvents)
		api.POST("/ingest/:source", h.Ingest)
		api.PUT("/ingest/:source/mappings/:eventType", h.SaveIngestMapping)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
