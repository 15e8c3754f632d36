// Package event appends domain events and drives the retrying processor that
// derives time-rule instances from them.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/model"
)

// CreateInput describes a new event.
type CreateInput struct {
	EventType      string
	IdempotencyKey string
	OccurredAt     time.Time
	EntityType     string
	EntityID       string
	RunID          string
	Payload        any
}

// Writer appends events inside the caller's transaction.
type Writer struct {
	maxAttempts int
	retention   time.Duration
	now         func() time.Time
}

// NewWriter creates a writer using the processor's retry and retention settings.
func NewWriter(cfg config.EventProcessorConfig) *Writer {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	days := cfg.RetentionDays
	if days <= 0 {
		days = 30
	}
	return &Writer{maxAttempts: maxAttempts, retention: time.Duration(days) * 24 * time.Hour, now: time.Now}
}

// Key builds the idempotency key of an event derived from source.
func Key(eventType, source string) string {
	return fmt.Sprintf("mes-event:%s:%s", eventType, source)
}

// Append stores the event unless one with the same idempotency key exists,
// in which case the existing event is returned unchanged.
func (w *Writer) Append(tx *gorm.DB, in CreateInput) (*model.MesEvent, error) {
	if in.EventType == "" || in.IdempotencyKey == "" {
		return nil, apperr.Invalid("EVENT_INVALID", "event type and idempotency key are required")
	}
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, apperr.Invalid("EVENT_PAYLOAD_INVALID", "payload is not serializable: %v", err)
	}

	now := w.now()
	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	ev := &model.MesEvent{
		EventType:      in.EventType,
		Status:         model.EventPending,
		MaxAttempts:    w.maxAttempts,
		OccurredAt:     occurredAt,
		IdempotencyKey: in.IdempotencyKey,
		EntityType:     model.StrPtr(in.EntityType),
		EntityID:       model.StrPtr(in.EntityID),
		RunID:          model.StrPtr(in.RunID),
		Payload:        payload,
		RetentionUntil: now.Add(w.retention),
	}

	res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).Create(ev)
	if res.Error != nil {
		return nil, fmt.Errorf("append event %s: %w", in.IdempotencyKey, res.Error)
	}
	if res.RowsAffected > 0 {
		return ev, nil
	}

	var existing model.MesEvent
	if err := tx.Where("idempotency_key = ?", in.IdempotencyKey).First(&existing).Error; err != nil {
		return nil, fmt.Errorf("load event %s: %w", in.IdempotencyKey, err)
	}
	return &existing, nil
}
