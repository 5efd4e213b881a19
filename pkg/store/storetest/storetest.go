// Package storetest seeds in-memory stores for package tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/regtruth/pkg/canonicalize"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

// Open returns a migrated in-memory SQLite store closed at test cleanup.
func Open(t testing.TB) *store.Store {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Date is a UTC midnight.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Rule describes a rule to seed. Zero fields default to concept
// "test-concept", value "1", tier T2, authority REGULATION, content type
// REFERENCE, status DRAFT, confidence 0.99, effective from 2025-01-01,
// appliesWhen {"op":"true"} and one pointer per expected shape.
type Rule struct {
	Concept     string
	Topic       string
	Value       string
	Tier        model.RiskTier
	Authority   model.AuthorityLevel
	ContentType string
	Status      model.RuleStatus
	ApprovedBy  string
	Confidence  float64
	From        time.Time
	Until       *time.Time
	Shapes      []string
	AppliesWhen string
	DependsOn   []string
	Overrides   []string
	NoPointers  bool
}

var expected = map[string][]string{
	"LOGIC":        {"threshold", "condition", "outcome"},
	"PROCESS":      {"step", "deadline", "actor"},
	"REFERENCE":    {"reference", "identifier"},
	"DOCUMENT":     {"form", "field", "deadline"},
	"TRANSITIONAL": {"effective_date", "previous_value", "new_value"},
	"MIXED":        {"threshold", "condition", "step", "reference"},
}

// SeedRule inserts one evidence record, a pointer per shape and the rule.
func SeedRule(t testing.TB, db *store.Store, seed Rule) *model.Rule {
	t.Helper()
	ctx := context.Background()

	if seed.Concept == "" {
		seed.Concept = "test-concept"
	}
	if seed.Value == "" {
		seed.Value = "1"
	}
	if seed.Tier == "" {
		seed.Tier = model.TierT2
	}
	if seed.Authority == "" {
		seed.Authority = model.AuthorityRegulation
	}
	if seed.ContentType == "" {
		seed.ContentType = "REFERENCE"
	}
	if seed.Status == "" {
		seed.Status = model.StatusDraft
	}
	if seed.Confidence == 0 {
		seed.Confidence = 0.99
	}
	if seed.From.IsZero() {
		seed.From = Date(2025, 1, 1)
	}
	if seed.Shapes == nil {
		seed.Shapes = expected[seed.ContentType]
	}
	if seed.AppliesWhen == "" {
		seed.AppliesWhen = `{"op":"true"}`
	}

	id := uuid.New().String()
	text := fmt.Sprintf("Rule %s for %s has value %s.", id, seed.Concept, seed.Value)
	ev := &model.Evidence{
		ID:          uuid.New().String(),
		SourceURL:   "https://example.test/" + id,
		ContentType: "text/plain",
		RawContent:  []byte(text),
		ContentHash: canonicalize.HashBytes([]byte(text)),
		FetchedAt:   seed.From,
	}
	_, _, err := db.InsertEvidence(ctx, ev)
	require.NoError(t, err)

	var pointerIDs []string
	if !seed.NoPointers {
		for _, shape := range seed.Shapes {
			p := &model.SourcePointer{
				ID:             uuid.New().String(),
				EvidenceID:     ev.ID,
				Domain:         seed.Concept,
				ValueType:      "text",
				ExtractedValue: seed.Value,
				ExactQuote:     text,
				Confidence:     seed.Confidence,
				Shape:          shape,
				CreatedAt:      seed.From,
			}
			require.NoError(t, db.InsertPointer(ctx, p))
			pointerIDs = append(pointerIDs, p.ID)
		}
	}

	rule := &model.Rule{
		ID:             id,
		ConceptSlug:    seed.Concept,
		Topic:          seed.Topic,
		AppliesWhen:    json.RawMessage(seed.AppliesWhen),
		Value:          seed.Value,
		ValueType:      "text",
		RiskTier:       seed.Tier,
		AuthorityLevel: seed.Authority,
		ContentType:    seed.ContentType,
		EffectiveFrom:  seed.From,
		EffectiveUntil: seed.Until,
		Status:         seed.Status,
		ApprovedBy:     seed.ApprovedBy,
		Confidence:     seed.Confidence,
		PointerIDs:     pointerIDs,
		DependsOn:      seed.DependsOn,
		Overrides:      seed.Overrides,
		CreatedAt:      seed.From,
		UpdatedAt:      seed.From,
	}
	require.NoError(t, db.InsertRule(ctx, rule))
	return rule
}
