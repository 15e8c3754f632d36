package oqc

import "mes-execution-backend/internal/model"

// CreateInput opens an OQC inspection.
type CreateInput struct {
	SampleQty    *int     `json:"sampleQty"`
	SampledUnits []string `json:"sampledUnits"`
	RuleID       string   `json:"ruleId"`
	DoneCount    int      `json:"-"`
	CreatedBy    string   `json:"-"`
}

// ItemInput is one check on one sampled unit.
type ItemInput struct {
	UnitSN      string `json:"unitSn" binding:"required"`
	ItemName    string `json:"itemName" binding:"required"`
	ItemSpec    string `json:"itemSpec"`
	ActualValue string `json:"actualValue"`
	Result      string `json:"result" binding:"required"`
	DefectCode  string `json:"defectCode"`
	Remark      string `json:"remark"`
	InspectedBy string `json:"-"`
}

// CompleteInput is the verdict of an inspection.
type CompleteInput struct {
	Decision  string `json:"decision" binding:"required"`
	PassedQty *int   `json:"passedQty"`
	FailedQty *int   `json:"failedQty"`
	Remark    string `json:"remark"`
	DecidedBy string `json:"-"`
}

// Filter narrows inspection listings.
type Filter struct {
	Status   string
	RunNo    string
	Page     int
	PageSize int
}

// Trigger outcomes.
const (
	OutcomeSkipped   = "SKIPPED"
	OutcomeCompleted = "RUN_COMPLETED"
	OutcomeCreated   = "INSPECTION_CREATED"
)

// Outcome reports what the trigger did for a run.
type Outcome struct {
	Action     string            `json:"action"`
	Reason     string            `json:"reason,omitempty"`
	Inspection *model.Inspection `json:"inspection,omitempty"`
}

// Gate describes whether OQC stands between a run and completion.
type Gate struct {
	Required   bool              `json:"required"`
	Blocking   bool              `json:"blocking"`
	SampleQty  int               `json:"sampleQty"`
	Reason     string            `json:"reason,omitempty"`
	Inspection *model.Inspection `json:"inspection,omitempty"`
}
