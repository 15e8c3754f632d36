package oqc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/model"
)

// RuleKey identifies what a finished run was: product, line and routing.
type RuleKey struct {
	ProductCode string
	LineID      string
	RoutingID   string
}

// SamplingRuleResolver finds the sampling rule that applies to a run.
// It returns nil when no rule matches.
type SamplingRuleResolver interface {
	Resolve(ctx context.Context, key RuleKey) (*model.OqcSamplingRule, error)
}

// RuleStore is the database-backed resolver and rule registry.
type RuleStore struct {
	db *gorm.DB
}

// NewRuleStore creates a rule store.
func NewRuleStore(db *gorm.DB) *RuleStore {
	return &RuleStore{db: db}
}

// Resolve returns the active rule whose set criteria all equal key, ranked
// by specificity, then priority, then recency.
func (r *RuleStore) Resolve(ctx context.Context, key RuleKey) (*model.OqcSamplingRule, error) {
	var rules []model.OqcSamplingRule
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("product_code IS NULL OR product_code = '' OR product_code = ?", key.ProductCode).
		Where("line_id IS NULL OR line_id = '' OR line_id = ?", key.LineID).
		Where("routing_id IS NULL OR routing_id = '' OR routing_id = ?", key.RoutingID).
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("resolve sampling rule: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Specificity() != b.Specificity() {
			return a.Specificity() > b.Specificity()
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return &rules[0], nil
}

// RuleInput creates or replaces a sampling rule.
type RuleInput struct {
	ProductCode  string  `json:"productCode"`
	LineID       string  `json:"lineId"`
	RoutingID    string  `json:"routingId"`
	SamplingType string  `json:"samplingType" binding:"required"`
	SampleValue  float64 `json:"sampleValue"`
	Priority     int     `json:"priority"`
}

func (in RuleInput) validate() error {
	switch in.SamplingType {
	case model.SamplingPercentage:
		if in.SampleValue <= 0 || in.SampleValue > 100 {
			return apperr.Invalid("SAMPLING_RULE_INVALID", "percentage must be in (0, 100], got %v", in.SampleValue)
		}
	case model.SamplingFixed:
		if in.SampleValue <= 0 {
			return apperr.Invalid("SAMPLING_RULE_INVALID", "fixed sample size must be positive, got %v", in.SampleValue)
		}
	default:
		return apperr.Invalid("SAMPLING_RULE_INVALID", "unknown sampling type %q", in.SamplingType)
	}
	return nil
}

// CreateRule registers an active rule.
func (r *RuleStore) CreateRule(ctx context.Context, in RuleInput) (*model.OqcSamplingRule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	rule := &model.OqcSamplingRule{
		ProductCode:  model.StrPtr(in.ProductCode),
		LineID:       model.StrPtr(in.LineID),
		RoutingID:    model.StrPtr(in.RoutingID),
		SamplingType: in.SamplingType,
		SampleValue:  in.SampleValue,
		Priority:     in.Priority,
		IsActive:     true,
	}
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("create sampling rule: %w", err)
	}
	return rule, nil
}

// UpdateRule replaces the criteria and sample settings of a rule.
func (r *RuleStore) UpdateRule(ctx context.Context, id string, in RuleInput) (*model.OqcSamplingRule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	rule, err := r.find(ctx, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{
		"product_code":  model.StrPtr(in.ProductCode),
		"line_id":       model.StrPtr(in.LineID),
		"routing_id":    model.StrPtr(in.RoutingID),
		"sampling_type": in.SamplingType,
		"sample_value":  in.SampleValue,
		"priority":      in.Priority,
	}
	if err := r.db.WithContext(ctx).Model(rule).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update sampling rule %s: %w", id, err)
	}
	return r.find(ctx, id)
}

// DeactivateRule stops a rule from matching.
func (r *RuleStore) DeactivateRule(ctx context.Context, id string) error {
	rule, err := r.find(ctx, id)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(rule).Update("is_active", false).Error
}

// ListRules returns rules, most specific first.
func (r *RuleStore) ListRules(ctx context.Context, activeOnly bool) ([]model.OqcSamplingRule, error) {
	q := r.db.WithContext(ctx)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var rules []model.OqcSamplingRule
	if err := q.Order("priority DESC").Order("created_at DESC").Find(&rules).Error; err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Specificity() > rules[j].Specificity()
	})
	return rules, nil
}

func (r *RuleStore) find(ctx context.Context, id string) (*model.OqcSamplingRule, error) {
	var rule model.OqcSamplingRule
	if err := r.db.WithContext(ctx).First(&rule, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("SAMPLING_RULE_NOT_FOUND", "sampling rule %s not found", id)
		}
		return nil, err
	}
	return &rule, nil
}
