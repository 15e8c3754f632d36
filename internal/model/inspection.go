package model

import (
	"time"

	"gorm.io/datatypes"
)

// Inspection types and statuses.
const (
	InspectionOQC = "OQC"
	InspectionFAI = "FAI"

	InspectionPending    = "PENDING"
	InspectionInspecting = "INSPECTING"
	InspectionPass       = "PASS"
	InspectionFail       = "FAIL"
)

// Inspection is an outgoing (or first-article) inspection of a run.
// ActiveKey is "runId:TYPE" while PENDING or INSPECTING, NULL afterwards.
type Inspection struct {
	Base
	RunID       string         `gorm:"size:36;index;not null" json:"runId"`
	Type        string         `gorm:"size:8;not null" json:"type"`
	Status      string         `gorm:"size:16;not null;index" json:"status"`
	ActiveKey   *string        `gorm:"uniqueIndex;size:64" json:"-"`
	SampleQty   *int           `json:"sampleQty,omitempty"`
	PassedQty   int            `json:"passedQty"`
	FailedQty   int            `json:"failedQty"`
	InspectorID *string        `gorm:"size:64" json:"inspectorId,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	DecidedBy   *string        `gorm:"size:64" json:"decidedBy,omitempty"`
	DecidedAt   *time.Time     `json:"decidedAt,omitempty"`
	Remark      *string        `json:"remark,omitempty"`
	Data        datatypes.JSON `json:"data,omitempty"`

	Items []InspectionItem `gorm:"foreignKey:InspectionID" json:"items,omitempty"`
}

// InspectionItem records one check on one sampled unit.
type InspectionItem struct {
	Base
	InspectionID string    `gorm:"size:36;index;not null" json:"inspectionId"`
	UnitSN       string    `gorm:"size:64;index" json:"unitSn"`
	ItemName     string    `gorm:"size:128;not null" json:"itemName"`
	ItemSpec     *string   `json:"itemSpec,omitempty"`
	ActualValue  *string   `json:"actualValue,omitempty"`
	Result       string    `gorm:"size:8;not null" json:"result"`
	DefectCode   *string   `gorm:"size:64" json:"defectCode,omitempty"`
	Remark       *string   `json:"remark,omitempty"`
	InspectedBy  string    `gorm:"size:64" json:"inspectedBy"`
	InspectedAt  time.Time `json:"inspectedAt"`
}

// Sampling types.
const (
	SamplingPercentage = "PERCENTAGE"
	SamplingFixed      = "FIXED"
)

// OqcSamplingRule decides the OQC sample size. Unset criteria match anything.
type OqcSamplingRule struct {
	Base
	ProductCode  *string `gorm:"size:64;index" json:"productCode,omitempty"`
	LineID       *string `gorm:"size:36;index" json:"lineId,omitempty"`
	RoutingID    *string `gorm:"size:36;index" json:"routingId,omitempty"`
	SamplingType string  `gorm:"size:16;not null" json:"samplingType"`
	SampleValue  float64 `gorm:"not null" json:"sampleValue"`
	Priority     int     `json:"priority"`
	IsActive     bool    `gorm:"not null" json:"isActive"`
}

// Specificity counts the criteria set on the rule.
func (r OqcSamplingRule) Specificity() int {
	n := 0
	for _, v := range []*string{r.ProductCode, r.LineID, r.RoutingID} {
		if v != nil && *v != "" {
			n++
		}
	}
	return n
}

// InspectionResultRecord is a machine inspection verdict (SPI, AOI) reported
// against a track. A FAIL record forces the track-out result to FAIL.
type InspectionResultRecord struct {
	Base
	TrackID   string    `gorm:"size:36;index;not null" json:"trackId"`
	UnitSN    string    `gorm:"size:64;index" json:"unitSn"`
	Source    string    `gorm:"size:32" json:"source"`
	Result    string    `gorm:"size:8;not null" json:"result"`
	EventTime time.Time `json:"eventTime"`
}
