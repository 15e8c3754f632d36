package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/event"
	"mes-execution-backend/internal/metrics"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/route"
	"mes-execution-backend/internal/store"
)

// Input is one inbound payload.
type Input struct {
	Source     string          `json:"sourceSystem"`
	DedupeKey  string          `json:"dedupeKey"`
	Kind       string          `json:"eventType"`
	OccurredAt string          `json:"occurredAt"`
	RunNo      string          `json:"runNo"`
	Payload    json.RawMessage `json:"payload"`
}

// Result identifies the stored ingest event.
type Result struct {
	EventID    string `json:"eventId"`
	MesEventID string `json:"mesEventId,omitempty"`
	Duplicate  bool   `json:"duplicate"`
	Status     string `json:"status"`
}

// Service deduplicates, normalizes and records inbound payloads.
type Service struct {
	db      *gorm.DB
	routes  *route.Reader
	events  *event.Writer
	sources map[string]config.IngestSource
	audit   audit.Sink
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates an ingest service for the configured sources.
func NewService(db *gorm.DB, routes *route.Reader, events *event.Writer, cfg config.IngestConfig, sink audit.Sink, logger *slog.Logger) *Service {
	sources := make(map[string]config.IngestSource, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources[src.Name] = src
	}
	return &Service{
		db:      db,
		routes:  routes,
		events:  events,
		sources: sources,
		audit:   sink,
		logger:  logger.With("component", "ingest"),
		now:     time.Now,
	}
}

// Source returns the configuration of a named source.
func (s *Service) Source(name string) (config.IngestSource, bool) {
	src, ok := s.sources[name]
	return src, ok
}

// Ingest stores a payload once per (source, dedupe key) and appends the
// derived event. Repeating a delivered payload returns the original event.
func (s *Service) Ingest(ctx context.Context, in Input) (*Result, error) {
	res, err := s.ingest(ctx, in)
	outcome := "accepted"
	switch {
	case err != nil:
		outcome = "rejected"
	case res.Duplicate:
		outcome = "duplicate"
	}
	metrics.IngestEvents.WithLabelValues(in.Source, outcome).Inc()

	entityID := in.Source + ":" + in.DedupeKey
	if res != nil {
		entityID = res.EventID
	}
	s.audit.Record(ctx, audit.Entry{EntityType: "Integration", EntityID: entityID, Action: "INGEST_EVENT_CREATE", ActorID: in.Source, After: res}.Result(err))
	if err != nil {
		s.logger.WarnContext(ctx, "ingest rejected", "source", in.Source, "dedupeKey", in.DedupeKey, "error", err)
		return nil, err
	}
	return res, nil
}

func (s *Service) ingest(ctx context.Context, in Input) (*Result, error) {
	src, ok := s.sources[in.Source]
	if !ok || !src.Enabled {
		return nil, apperr.NotFound("INGEST_SOURCE_UNKNOWN", "ingest source %q is not configured", in.Source)
	}
	var payload any
	if len(in.Payload) == 0 || json.Unmarshal(in.Payload, &payload) != nil || payload == nil {
		return nil, apperr.Invalid("INGEST_PAYLOAD_INVALID", "payload must be a JSON value")
	}

	db := s.db.WithContext(ctx)
	if in.DedupeKey != "" {
		if existing, err := findExisting(db, in.Source, in.DedupeKey); err != nil || existing != nil {
			return existing, err
		}
	}

	run, unit, err := s.resolveRun(db, in, payload)
	if err != nil {
		return nil, err
	}
	mapping, err := s.mapping(ctx, run, in.Kind, src)
	if err != nil {
		return nil, err
	}
	norm := Normalize(payload, mapping)
	if in.DedupeKey == "" {
		in.DedupeKey = norm.DedupeKey
	}
	if in.DedupeKey == "" {
		return nil, apperr.Invalid("INGEST_DEDUPE_KEY_REQUIRED", "no dedupe key in request or payload")
	}
	if err := Validate(in.Kind, norm); err != nil {
		return nil, apperr.Invalid("INGEST_PAYLOAD_INVALID", "%v", err)
	}

	occurredAt := s.now()
	if ts := firstNonEmpty(in.OccurredAt, norm.OccurredAt); ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, apperr.Invalid("INGEST_PAYLOAD_INVALID", "occurredAt %q is not RFC 3339", ts)
		}
		occurredAt = parsed
	}
	if run == nil && norm.SN != "" {
		if u, err := store.FindUnitBySN(db, norm.SN); err == nil && u.RunID != nil {
			unit = u
			run, _ = store.FindRun(db, *u.RunID)
		}
	}

	var out *Result
	err = db.Transaction(func(tx *gorm.DB) error {
		raw := in.Payload
		normalized, err := json.Marshal(norm)
		if err != nil {
			return err
		}
		rec := &model.IngestEvent{
			SourceSystem: in.Source,
			DedupeKey:    in.DedupeKey,
			EventType:    firstNonEmpty(in.Kind, mapping.EventType, src.EventType),
			OccurredAt:   occurredAt,
			Raw:          []byte(raw),
			Normalized:   normalized,
		}
		created := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_system"}, {Name: "dedupe_key"}},
			DoNothing: true,
		}).Create(rec)
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 0 {
			out, err = findExisting(tx, in.Source, in.DedupeKey)
			return err
		}

		entityType, entityID := "INGEST_EVENT", rec.ID
		switch {
		case unit != nil:
			entityType, entityID = "UNIT", unit.ID
		case norm.LotID != "":
			entityType, entityID = "SOLDER_PASTE_LOT", norm.LotID
		case norm.CarrierCode != "":
			entityType, entityID = "CARRIER", norm.CarrierCode
		}
		body := map[string]any{
			"ingestEventId": rec.ID,
			"sourceSystem":  in.Source,
			"ingestType":    rec.EventType,
			"normalized":    norm,
			"unitSn":        norm.SN,
			"stationCode":   norm.StationCode,
			"lineCode":      norm.LineCode,
			"result":        norm.Result,
			"lotId":         norm.LotID,
			"issuedAt":      occurredAt.Format(time.RFC3339),
		}
		runID := ""
		if run != nil {
			runID = run.ID
			body["runNo"] = run.RunNo
		}
		ev, err := s.events.Append(tx, event.CreateInput{
			EventType:      src.EventType,
			IdempotencyKey: event.Key(src.EventType, in.Source+":"+in.DedupeKey),
			OccurredAt:     occurredAt,
			EntityType:     entityType,
			EntityID:       entityID,
			RunID:          runID,
			Payload:        body,
		})
		if err != nil {
			return err
		}
		if err := tx.Model(rec).Update("mes_event_id", ev.ID).Error; err != nil {
			return err
		}
		out = &Result{EventID: rec.ID, MesEventID: ev.ID, Status: "RECEIVED"}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func findExisting(db *gorm.DB, source, key string) (*Result, error) {
	var rec model.IngestEvent
	err := db.Where("source_system = ? AND dedupe_key = ?", source, key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Result{EventID: rec.ID, MesEventID: model.Deref(rec.MesEventID), Duplicate: true, Status: "RECEIVED"}, nil
}

// resolveRun finds the run by number, or by the top-level sn of the payload.
func (s *Service) resolveRun(db *gorm.DB, in Input, payload any) (*model.Run, *model.Unit, error) {
	if in.RunNo != "" {
		run, err := store.FindRunByNo(db, in.RunNo)
		return run, nil, err
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, nil, nil
	}
	sn := asString(obj["sn"])
	if sn == "" {
		if list := asStrings(obj["snList"]); len(list) > 0 {
			sn = list[0]
		}
	}
	if sn == "" {
		return nil, nil, nil
	}
	unit, err := store.FindUnitBySN(db, sn)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nil, nil, nil
	}
	if err != nil || unit.RunID == nil {
		return nil, nil, err
	}
	run, err := store.FindRun(db, *unit.RunID)
	if err != nil {
		return nil, nil, err
	}
	return run, unit, nil
}

// mapping prefers the mapping of the run's route step whose station type
// is the ingest kind, then an active stored mapping, then the source's own.
func (s *Service) mapping(ctx context.Context, run *model.Run, kind string, src config.IngestSource) (config.IngestMapping, error) {
	if run != nil && run.RouteVersionID != nil && kind != "" {
		snap, err := s.routes.Load(ctx, *run.RouteVersionID)
		if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
			return config.IngestMapping{}, err
		}
		if snap != nil {
			for _, st := range snap.Steps() {
				if st.IngestMapping == nil || !strings.EqualFold(st.StationType, kind) {
					continue
				}
				if st.IngestMapping.EventType != "" && st.IngestMapping.EventType != kind {
					continue
				}
				return *st.IngestMapping, nil
			}
		}
	}
	if stored, err := s.storedMapping(ctx, src.Name, kind); err != nil || stored != nil {
		if err != nil {
			return config.IngestMapping{}, err
		}
		return *stored, nil
	}
	if src.Mapping == (config.IngestMapping{}) {
		return config.IngestMapping{}, apperr.Invalid("INGEST_MAPPING_MISSING", "no ingest mapping for source %q kind %q", src.Name, kind)
	}
	return src.Mapping, nil
}

func (s *Service) storedMapping(ctx context.Context, source, kind string) (*config.IngestMapping, error) {
	var rec model.IngestMapping
	err := s.db.WithContext(ctx).
		Where("source_system = ? AND event_type = ? AND is_active = ?", source, kind, true).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ingest mapping %s/%s: %w", source, kind, err)
	}
	var m config.IngestMapping
	if err := json.Unmarshal(rec.Paths, &m); err != nil {
		return nil, apperr.Invalid("INGEST_MAPPING_INVALID", "stored mapping %s/%s is not valid: %v", source, kind, err)
	}
	if rec.DedupePath != "" {
		m.DedupeKeyPath = rec.DedupePath
	}
	return &m, nil
}

// SaveMapping stores or replaces the mapping of (source, kind).
func (s *Service) SaveMapping(ctx context.Context, source, kind string, m config.IngestMapping, actor string) (*model.IngestMapping, error) {
	if _, ok := s.sources[source]; !ok {
		return nil, apperr.NotFound("INGEST_SOURCE_UNKNOWN", "ingest source %q is not configured", source)
	}
	if kind == "" {
		return nil, apperr.Invalid("INGEST_MAPPING_INVALID", "event type is required")
	}
	paths, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	rec := &model.IngestMapping{SourceSystem: source, EventType: kind, Paths: paths, DedupePath: m.DedupeKeyPath, IsActive: true}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_system"}, {Name: "event_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"paths", "dedupe_path", "is_active", "updated_at"}),
	}).Create(rec).Error
	if err == nil {
		saved := &model.IngestMapping{}
		err = s.db.WithContext(ctx).Where("source_system = ? AND event_type = ?", source, kind).First(saved).Error
		rec = saved
	}
	s.audit.Record(ctx, audit.Entry{EntityType: "Integration", EntityID: source + ":" + kind, Action: "INGEST_MAPPING_SAVE", ActorID: actor, After: rec}.Result(err))
	if err != nil {
		return nil, fmt.Errorf("save ingest mapping: %w", err)
	}
	return rec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
