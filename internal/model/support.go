package model

import (
	"time"

	"gorm.io/datatypes"
)

// Audit outcomes.
const (
	AuditSuccess = "SUCCESS"
	AuditFailure = "FAILURE"
)

// AuditEvent is one recorded mutation attempt.
type AuditEvent struct {
	Base
	EntityType   string         `gorm:"size:32;index;not null" json:"entityType"`
	EntityID     string         `gorm:"size:64;index" json:"entityId"`
	Action       string         `gorm:"size:64;not null" json:"action"`
	ActorID      string         `gorm:"size:64" json:"actorId"`
	Status       string         `gorm:"size:16;not null" json:"status"`
	Before       datatypes.JSON `json:"before,omitempty"`
	After        datatypes.JSON `json:"after,omitempty"`
	Diff         datatypes.JSON `json:"diff,omitempty"`
	ErrorCode    *string        `gorm:"size:64" json:"errorCode,omitempty"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
}

// IngestMapping is a stored mapping for one (source, event type). Paths holds
// the mapping document; DedupePath, when set, locates the dedupe key.
type IngestMapping struct {
	Base
	SourceSystem string         `gorm:"size:64;uniqueIndex:idx_ingest_mapping;not null" json:"sourceSystem"`
	EventType    string         `gorm:"size:64;uniqueIndex:idx_ingest_mapping;not null" json:"eventType"`
	Paths        datatypes.JSON `gorm:"not null" json:"paths"`
	DedupePath   string         `gorm:"size:128" json:"dedupePath"`
	IsActive     bool           `gorm:"not null" json:"isActive"`
}

// IngestEvent is a deduplicated inbound payload.
type IngestEvent struct {
	Base
	SourceSystem string         `gorm:"size:64;uniqueIndex:idx_ingest_dedupe;not null" json:"sourceSystem"`
	DedupeKey    string         `gorm:"size:255;uniqueIndex:idx_ingest_dedupe;not null" json:"dedupeKey"`
	EventType    string         `gorm:"size:64;not null" json:"eventType"`
	OccurredAt   time.Time      `json:"occurredAt"`
	Raw          datatypes.JSON `json:"raw"`
	Normalized   datatypes.JSON `json:"normalized"`
	MesEventID   *string        `gorm:"size:36" json:"mesEventId,omitempty"`
}
