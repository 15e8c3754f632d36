package defect

// CreateInput records a defect on a unit.
type CreateInput struct {
	UnitSN    string `json:"unitSn" binding:"required"`
	Code      string `json:"code" binding:"required"`
	Location  string `json:"location"`
	Qty       int    `json:"qty"`
	TrackID   string `json:"trackId"`
	Remark    string `json:"remark"`
	CreatedBy string `json:"-"`
}

// DispositionInput is a quality decision on a defect.
type DispositionInput struct {
	Type      string `json:"type" binding:"required,oneof=REWORK SCRAP HOLD"`
	Reason    string `json:"reason"`
	ToStepNo  int    `json:"toStepNo"`
	DecidedBy string `json:"-"`
}

// ReleaseInput releases a held unit.
type ReleaseInput struct {
	Reason     string `json:"reason"`
	ReleasedBy string `json:"-"`
}

// CompleteReworkInput closes a rework task.
type CompleteReworkInput struct {
	Remark string `json:"remark"`
	DoneBy string `json:"-"`
}

// CancelInput abandons a rework task.
type CancelInput struct {
	Reason      string `json:"reason" binding:"required"`
	CancelledBy string `json:"-"`
}

// RepairInput is one repair action performed during rework.
type RepairInput struct {
	Action     string   `json:"action" binding:"required"`
	Materials  []string `json:"materials"`
	Remark     string   `json:"remark"`
	RepairedBy string   `json:"-"`
}

// Filter narrows defect listings.
type Filter struct {
	Status   string
	UnitSN   string
	RunNo    string
	Code     string
	Page     int
	PageSize int
}

// TaskFilter narrows rework task listings.
type TaskFilter struct {
	Status string
	UnitSN string
}
