// Package audit records externally visible mutations and the structural
// difference they made.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sort"

	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/model"
)

// Entry is one mutation attempt.
type Entry struct {
	EntityType   string
	EntityID     string
	Action       string
	ActorID      string
	Status       string
	Before       any
	After        any
	ErrorCode    string
	ErrorMessage string
}

// Result stamps the outcome of err onto the entry.
func (e Entry) Result(err error) Entry {
	if err == nil {
		e.Status = model.AuditSuccess
		return e
	}
	e.Status = model.AuditFailure
	if be, ok := apperr.As(err); ok {
		e.ErrorCode = be.Code
		e.ErrorMessage = be.Message
	} else {
		e.ErrorCode = "INTERNAL_ERROR"
		e.ErrorMessage = err.Error()
	}
	return e
}

// Sink receives audit entries. Implementations must not fail the caller.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Change is the before and after value of one field.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Diff compares the JSON forms of before and after field by field.
func Diff(before, after any) map[string]Change {
	b := toMap(before)
	a := toMap(after)
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}

	diff := make(map[string]Change)
	for k := range keys {
		if !reflect.DeepEqual(b[k], a[k]) {
			diff[k] = Change{From: b[k], To: a[k]}
		}
	}
	return diff
}

// ChangedFields lists the keys of a diff in order.
func ChangedFields(diff map[string]Change) []string {
	fields := make([]string, 0, len(diff))
	for k := range diff {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func toMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func marshal(v any) []byte {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// GormSink persists entries as AuditEvent rows.
type GormSink struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewGormSink creates a database-backed sink.
func NewGormSink(db *gorm.DB, logger *slog.Logger) *GormSink {
	return &GormSink{db: db, logger: logger.With("component", "audit")}
}

// Record writes e, logging instead of returning failures.
func (s *GormSink) Record(ctx context.Context, e Entry) {
	event := model.AuditEvent{
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		Action:       e.Action,
		ActorID:      e.ActorID,
		Status:       e.Status,
		Before:       marshal(e.Before),
		After:        marshal(e.After),
		ErrorCode:    model.StrPtr(e.ErrorCode),
		ErrorMessage: model.StrPtr(e.ErrorMessage),
	}
	if e.Before != nil || e.After != nil {
		event.Diff = marshal(Diff(e.Before, e.After))
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		s.logger.Error("failed to record audit event", "action", e.Action, "entity_id", e.EntityID, "error", err)
	}
}

// LogSink writes entries to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a logging sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "audit")}
}

// Record logs e.
func (s *LogSink) Record(ctx context.Context, e Entry) {
	attrs := []any{
		"entity_type", e.EntityType,
		"entity_id", e.EntityID,
		"action", e.Action,
		"actor", e.ActorID,
		"status", e.Status,
	}
	if e.Before != nil || e.After != nil {
		attrs = append(attrs, "changed", ChangedFields(Diff(e.Before, e.After)))
	}
	if e.ErrorCode != "" {
		attrs = append(attrs, "error_code", e.ErrorCode)
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
}

// Nop discards entries.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, Entry) {}
