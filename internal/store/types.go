package store

// CreateWorkOrderInput is a manually entered or ERP-ingested order.
type CreateWorkOrderInput struct {
	WoNo        string `json:"woNo" binding:"required"`
	ProductCode string `json:"productCode" binding:"required"`
	PlannedQty  int    `json:"plannedQty" binding:"required"`
	RoutingCode string `json:"routingCode"`
}

// CreateRunInput opens a production batch of a work order on a line.
type CreateRunInput struct {
	RunNo    string `json:"runNo"`
	LineCode string `json:"lineCode" binding:"required"`
	PlanQty  int    `json:"planQty"`
}

// WorkOrderFilter narrows work order listings.
type WorkOrderFilter struct {
	Status   string
	Page     int
	PageSize int
}

// AuthorizationManual marks an authorization performed by a person.
const AuthorizationManual = "MANUAL"
