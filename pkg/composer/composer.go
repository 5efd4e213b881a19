// Package composer turns extracted source pointers into DRAFT rules.
//
// Composition is fail-closed: a rule whose appliesWhen expression or
// metadata does not validate is never created, and the refusal is returned
// as a *RejectionError, written to the audit log and counted.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/regtruth/pkg/applieswhen"
	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/Mindburn-Labs/regtruth/pkg/coverage"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/observability"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

// Rejection reasons.
const (
	ReasonNoPointers         = "NO_POINTERS"
	ReasonPointerNotFound    = "POINTER_NOT_FOUND"
	ReasonEvidenceMissing    = "EVIDENCE_MISSING"
	ReasonInvalidConcept     = "INVALID_CONCEPT"
	ReasonInvalidRiskTier    = "INVALID_RISK_TIER"
	ReasonInvalidAuthority   = "INVALID_AUTHORITY"
	ReasonInvalidContentType = "INVALID_CONTENT_TYPE"
	ReasonInvalidWindow      = "INVALID_WINDOW"
	ReasonEmptyValue         = "EMPTY_VALUE"
	ReasonInvalidAppliesWhen = "INVALID_APPLIES_WHEN"
)

// RejectionError reports why a draft was refused. Err holds the underlying
// *applieswhen.ValidationError when the expression failed.
type RejectionError struct {
	Reason  string
	Concept string
	Detail  string
	Err     error
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("compose %s rejected: %s", e.Concept, e.Reason)
	}
	return fmt.Sprintf("compose %s rejected: %s: %s", e.Concept, e.Reason, e.Detail)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Draft is the input to Compose.
type Draft struct {
	ConceptSlug    string
	Topic          string
	AppliesWhen    []byte
	Value          string
	ValueType      string
	RiskTier       model.RiskTier
	AuthorityLevel model.AuthorityLevel
	ContentType    string
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
	PointerIDs     []string
	DependsOn      []string
	Overrides      []string
}

// Repository is the persistence the composer needs.
type Repository interface {
	PointersByIDs(ctx context.Context, ids []string) ([]*model.SourcePointer, error)
	GetEvidence(ctx context.Context, id string) (*model.Evidence, error)
	InsertRule(ctx context.Context, r *model.Rule) error
}

// Composer builds DRAFT rules.
type Composer struct {
	repo    Repository
	audit   audit.Logger
	metrics *observability.Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// New creates a Composer.
func New(repo Repository, auditLog audit.Logger) *Composer {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Composer{
		repo:    repo,
		audit:   auditLog,
		metrics: observability.DefaultMetrics(),
		logger:  slog.Default().With("component", "composer"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Composer) WithClock(clock func() time.Time) *Composer {
	c.clock = clock
	return c
}

// WithMetrics replaces the metrics sink.
func (c *Composer) WithMetrics(m *observability.Metrics) *Composer {
	c.metrics = m
	return c
}

// Compose validates d and persists it as a DRAFT rule citing its pointers.
// The rule's confidence is the minimum confidence among those pointers.
func (c *Composer) Compose(ctx context.Context, d Draft) (*model.Rule, error) {
	rule, rej, err := c.build(ctx, d)
	if err != nil {
		return nil, err
	}
	if rej != nil {
		return nil, c.reject(ctx, rej)
	}
	if err := c.repo.InsertRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	c.logger.InfoContext(ctx, "rule drafted",
		"rule_id", rule.ID, "concept", rule.ConceptSlug, "risk_tier", rule.RiskTier, "confidence", rule.Confidence)
	return rule, nil
}

func (c *Composer) build(ctx context.Context, d Draft) (*model.Rule, *RejectionError, error) {
	fail := func(reason, detail string) (*model.Rule, *RejectionError, error) {
		return nil, &RejectionError{Reason: reason, Concept: d.ConceptSlug, Detail: detail}, nil
	}

	if !applieswhen.ValidConcept(d.ConceptSlug) {
		return fail(ReasonInvalidConcept, fmt.Sprintf("%q is not a concept slug", d.ConceptSlug))
	}
	if !d.RiskTier.Valid() {
		return fail(ReasonInvalidRiskTier, string(d.RiskTier))
	}
	if d.AuthorityLevel.Rank() == 0 {
		return fail(ReasonInvalidAuthority, string(d.AuthorityLevel))
	}
	if d.ContentType != "" && !coverage.Known(d.ContentType) {
		return fail(ReasonInvalidContentType, d.ContentType)
	}
	if strings.TrimSpace(d.Value) == "" {
		return fail(ReasonEmptyValue, "")
	}
	if d.EffectiveFrom.IsZero() {
		return fail(ReasonInvalidWindow, "effectiveFrom is required")
	}
	if d.EffectiveUntil != nil && !d.EffectiveUntil.After(d.EffectiveFrom) {
		return fail(ReasonInvalidWindow, "effectiveUntil must be after effectiveFrom")
	}
	for _, slug := range append(append([]string{}, d.DependsOn...), d.Overrides...) {
		if !applieswhen.ValidConcept(slug) {
			return fail(ReasonInvalidConcept, fmt.Sprintf("reference %q is not a concept slug", slug))
		}
	}

	canonical, err := applieswhen.Canonical(d.AppliesWhen)
	if err != nil {
		var ve *applieswhen.ValidationError
		if errors.As(err, &ve) {
			return nil, &RejectionError{Reason: ReasonInvalidAppliesWhen, Concept: d.ConceptSlug, Detail: ve.Error(), Err: ve}, nil
		}
		return nil, nil, err
	}

	ids := dedupe(d.PointerIDs)
	if len(ids) == 0 {
		return fail(ReasonNoPointers, "")
	}
	pointers, err := c.repo.PointersByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load pointers: %w", err)
	}
	found := make(map[string]*model.SourcePointer, len(pointers))
	for _, p := range pointers {
		found[p.ID] = p
	}
	confidence := math.Inf(1)
	for _, id := range ids {
		p, ok := found[id]
		if !ok {
			return fail(ReasonPointerNotFound, id)
		}
		if _, err := c.repo.GetEvidence(ctx, p.EvidenceID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fail(ReasonEvidenceMissing, fmt.Sprintf("pointer %s cites %s", id, p.EvidenceID))
			}
			return nil, nil, err
		}
		confidence = math.Min(confidence, p.Confidence)
	}

	now := c.clock().UTC()
	var until *time.Time
	if d.EffectiveUntil != nil {
		u := d.EffectiveUntil.UTC()
		until = &u
	}
	return &model.Rule{
		ID:             uuid.New().String(),
		ConceptSlug:    d.ConceptSlug,
		Topic:          d.Topic,
		AppliesWhen:    canonical,
		Value:          d.Value,
		ValueType:      d.ValueType,
		RiskTier:       d.RiskTier,
		AuthorityLevel: d.AuthorityLevel,
		ContentType:    d.ContentType,
		EffectiveFrom:  d.EffectiveFrom.UTC(),
		EffectiveUntil: until,
		Status:         model.StatusDraft,
		Confidence:     confidence,
		PointerIDs:     ids,
		DependsOn:      dedupe(d.DependsOn),
		Overrides:      dedupe(d.Overrides),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil, nil
}

func (c *Composer) reject(ctx context.Context, rej *RejectionError) error {
	c.metrics.CompositionRejected(ctx, rej.Reason)
	c.logger.WarnContext(ctx, "composition rejected", "concept", rej.Concept, "reason", rej.Reason, "detail", rej.Detail)

	meta := map[string]interface{}{"reason": rej.Reason, "detail": rej.Detail}
	var ve *applieswhen.ValidationError
	if errors.As(rej.Err, &ve) {
		meta["code"] = ve.Code
		meta["path"] = ve.Path
	}
	if err := c.audit.Record(ctx, audit.EventRejection, "rule.compose_rejected", "concept/"+rej.Concept, meta); err != nil {
		return errors.Join(rej, fmt.Errorf("audit rejection: %w", err))
	}
	return rej
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
