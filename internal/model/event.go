package model

import (
	"time"

	"gorm.io/datatypes"
)

// MesEvent statuses.
const (
	EventPending    = "PENDING"
	EventProcessing = "PROCESSING"
	EventCompleted  = "COMPLETED"
	EventFailed     = "FAILED"
)

// Domain event types.
const (
	EventTrackIn                = "TRACK_IN"
	EventTrackOut               = "TRACK_OUT"
	EventSolderPasteUsageCreate = "SOLDER_PASTE_USAGE_CREATE"
	EventIngest                 = "INGEST"
)

// MesEvent is an immutable fact consumed by the event processor.
type MesEvent struct {
	Base
	EventType      string         `gorm:"size:64;index;not null" json:"eventType"`
	Status         string         `gorm:"size:16;index;not null" json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"maxAttempts"`
	NextAttemptAt  *time.Time     `gorm:"index" json:"nextAttemptAt,omitempty"`
	ProcessedAt    *time.Time     `json:"processedAt,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	IdempotencyKey string         `gorm:"uniqueIndex;size:255;not null" json:"idempotencyKey"`
	EntityType     *string        `gorm:"size:32" json:"entityType,omitempty"`
	EntityID       *string        `gorm:"size:64" json:"entityId,omitempty"`
	RunID          *string        `gorm:"size:36;index" json:"runId,omitempty"`
	ErrorCode      *string        `gorm:"size:64" json:"errorCode,omitempty"`
	ErrorMessage   *string        `json:"errorMessage,omitempty"`
	Payload        datatypes.JSON `json:"payload,omitempty"`
	RetentionUntil time.Time      `gorm:"index" json:"retentionUntil"`
}

// Time rule types, scopes and instance statuses.
const (
	RuleSolderPasteExposure = "SOLDER_PASTE_EXPOSURE"
	RuleWashTimeLimit       = "WASH_TIME_LIMIT"

	ScopeGlobal  = "GLOBAL"
	ScopeLine    = "LINE"
	ScopeRouting = "ROUTING"
	ScopeProduct = "PRODUCT"

	InstanceActive    = "ACTIVE"
	InstanceCompleted = "COMPLETED"
	InstanceExpired   = "EXPIRED"
	InstanceWaived    = "WAIVED"
)

// TimeRuleDefinition pairs a start and end event with a deadline.
// Condition is an optional expr-lang predicate over the event.
type TimeRuleDefinition struct {
	Base
	Code             string  `gorm:"uniqueIndex;size:64;not null" json:"code"`
	Name             string  `gorm:"size:128;not null" json:"name"`
	Description      *string `json:"description,omitempty"`
	RuleType         string  `gorm:"size:32;not null" json:"ruleType"`
	DurationMinutes  int     `gorm:"not null" json:"durationMinutes"`
	WarningMinutes   *int    `json:"warningMinutes,omitempty"`
	StartEvent       string  `gorm:"size:64;not null;index" json:"startEvent"`
	EndEvent         string  `gorm:"size:64;not null;index" json:"endEvent"`
	Scope            string  `gorm:"size:16;not null" json:"scope"`
	ScopeValue       *string `gorm:"size:64" json:"scopeValue,omitempty"`
	Condition        *string `json:"condition,omitempty"`
	RequiresWashStep bool    `json:"requiresWashStep"`
	IsWaivable       bool    `json:"isWaivable"`
	IsActive         bool    `gorm:"not null" json:"isActive"`
	Priority         int     `json:"priority"`
}

// TimeRuleInstance is an open obligation. ActiveKey is
// "definitionId:entityType:entityId" while ACTIVE.
type TimeRuleInstance struct {
	Base
	DefinitionID    string     `gorm:"size:36;index;not null" json:"definitionId"`
	RunID           *string    `gorm:"size:36;index" json:"runId,omitempty"`
	EntityType      string     `gorm:"size:32;not null" json:"entityType"`
	EntityID        string     `gorm:"size:64;not null" json:"entityId"`
	EntityDisplay   *string    `json:"entityDisplay,omitempty"`
	ActiveKey       *string    `gorm:"uniqueIndex;size:200" json:"-"`
	StartedAt       time.Time  `json:"startedAt"`
	ExpiresAt       time.Time  `gorm:"index" json:"expiresAt"`
	WarningAt       *time.Time `json:"warningAt,omitempty"`
	Status          string     `gorm:"size:16;not null;index" json:"status"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ExpiredAt       *time.Time `json:"expiredAt,omitempty"`
	WaivedAt        *time.Time `json:"waivedAt,omitempty"`
	WaivedBy        *string    `gorm:"size:64" json:"waivedBy,omitempty"`
	WaiveReason     *string    `json:"waiveReason,omitempty"`
	WarningNotified bool       `json:"warningNotified"`
	ExpiryNotified  bool       `json:"expiryNotified"`

	Definition *TimeRuleDefinition `gorm:"foreignKey:DefinitionID" json:"definition,omitempty"`
}
