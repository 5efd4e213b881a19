package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

type ruleRow struct {
	ID             string         `db:"id"`
	ConceptSlug    string         `db:"concept_slug"`
	Topic          string         `db:"topic"`
	AppliesWhen    string         `db:"applies_when"`
	Value          string         `db:"value"`
	ValueType      string         `db:"value_type"`
	RiskTier       string         `db:"risk_tier"`
	AuthorityLevel string         `db:"authority_level"`
	ContentType    string         `db:"content_type"`
	EffectiveFrom  string         `db:"effective_from"`
	EffectiveUntil sql.NullString `db:"effective_until"`
	Status         string         `db:"status"`
	ApprovedBy     string         `db:"approved_by"`
	Confidence     float64        `db:"confidence"`
	PointerIDs     string         `db:"pointer_ids"`
	DependsOn      string         `db:"depends_on"`
	Overrides      string         `db:"overrides"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func (r ruleRow) model() *model.Rule {
	return &model.Rule{
		ID:             r.ID,
		ConceptSlug:    r.ConceptSlug,
		Topic:          r.Topic,
		AppliesWhen:    json.RawMessage(r.AppliesWhen),
		Value:          r.Value,
		ValueType:      r.ValueType,
		RiskTier:       model.RiskTier(r.RiskTier),
		AuthorityLevel: model.AuthorityLevel(r.AuthorityLevel),
		ContentType:    r.ContentType,
		EffectiveFrom:  parseTime(r.EffectiveFrom),
		EffectiveUntil: parseNullTime(r.EffectiveUntil),
		Status:         model.RuleStatus(r.Status),
		ApprovedBy:     r.ApprovedBy,
		Confidence:     r.Confidence,
		PointerIDs:     decodeIDs(r.PointerIDs),
		DependsOn:      decodeIDs(r.DependsOn),
		Overrides:      decodeIDs(r.Overrides),
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
	}
}

const ruleColumns = `id, concept_slug, topic, applies_when, value, value_type, risk_tier, authority_level, content_type,
	effective_from, effective_until, status, approved_by, confidence, pointer_ids, depends_on, overrides, created_at, updated_at`

func (c conn) InsertRule(ctx context.Context, r *model.Rule) error {
	_, err := c.exec(ctx, `INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConceptSlug, r.Topic, string(r.AppliesWhen), r.Value, r.ValueType, string(r.RiskTier), string(r.AuthorityLevel), r.ContentType,
		formatTime(r.EffectiveFrom), formatNullTime(r.EffectiveUntil), string(r.Status), r.ApprovedBy, r.Confidence,
		encodeIDs(r.PointerIDs), encodeIDs(r.DependsOn), encodeIDs(r.Overrides), formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// UpdateRule rewrites the mutable fields of a rule.
func (c conn) UpdateRule(ctx context.Context, r *model.Rule) error {
	res, err := c.exec(ctx, `UPDATE rules SET
		topic = ?, applies_when = ?, value = ?, value_type = ?, risk_tier = ?, authority_level = ?, content_type = ?,
		effective_from = ?, effective_until = ?, status = ?, approved_by = ?, confidence = ?,
		pointer_ids = ?, depends_on = ?, overrides = ?, updated_at = ?
		WHERE id = ?`,
		r.Topic, string(r.AppliesWhen), r.Value, r.ValueType, string(r.RiskTier), string(r.AuthorityLevel), r.ContentType,
		formatTime(r.EffectiveFrom), formatNullTime(r.EffectiveUntil), string(r.Status), r.ApprovedBy, r.Confidence,
		encodeIDs(r.PointerIDs), encodeIDs(r.DependsOn), encodeIDs(r.Overrides), formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return expectOne(res, "rule", r.ID)
}

func (c conn) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	var row ruleRow
	if err := c.get(ctx, &row, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("rule %s: %w", id, err)
	}
	return row.model(), nil
}

// RuleFilter narrows ListRules. Zero fields match everything.
type RuleFilter struct {
	Statuses    []model.RuleStatus
	ConceptSlug string
	IDs         []string
}

// ListRules returns matching rules ordered by concept, effective date and id.
func (c conn) ListRules(ctx context.Context, f RuleFilter) ([]*model.Rule, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status IN (?)")
		args = append(args, statuses)
	}
	if f.ConceptSlug != "" {
		where = append(where, "concept_slug = ?")
		args = append(args, f.ConceptSlug)
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN (?)")
		args = append(args, f.IDs)
	}

	query := `SELECT ` + ruleColumns + ` FROM rules`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY concept_slug, effective_from, id`

	var rows []ruleRow
	var err error
	if len(f.Statuses) > 0 || len(f.IDs) > 0 {
		err = c.selectIn(ctx, &rows, query, args...)
	} else {
		err = c.selectAll(ctx, &rows, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := make([]*model.Rule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}
