// Package review is the approval gate. Rules move
// DRAFT -> PENDING_REVIEW -> APPROVED -> PUBLISHED, or to REJECTED from any
// state before PUBLISHED. Each transition runs in its own transaction, or in
// the caller's, and is audited once it commits. Transitions into or out of a
// live status are handed to the graph hook for a rebuild.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/Mindburn-Labs/regtruth/pkg/config"
	"github.com/Mindburn-Labs/regtruth/pkg/coverage"
	"github.com/Mindburn-Labs/regtruth/pkg/identity"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

var (
	ErrInvalidTransition     = errors.New("review: invalid status transition")
	ErrHumanApprovalRequired = errors.New("review: risk tier requires a human approver")
	ErrBelowThreshold        = errors.New("review: confidence below auto-approve threshold")
	ErrMissingCitations      = errors.New("review: rule does not cite existing evidence")
	ErrCoverageGate          = errors.New("review: coverage gate not met")
	ErrNoTokenManager        = errors.New("review: approver tokens are not configured")
	ErrGraphNotRebuilt       = errors.New("review: status committed but graph not rebuilt")
)

// GraphHook is told which rules changed status after the change commits.
type GraphHook interface {
	RulesChanged(ctx context.Context, ruleIDs ...string) error
}

var transitions = map[model.RuleStatus][]model.RuleStatus{
	model.StatusDraft:         {model.StatusPendingReview, model.StatusRejected},
	model.StatusPendingReview: {model.StatusApproved, model.StatusRejected},
	model.StatusApproved:      {model.StatusPublished, model.StatusRejected},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to model.RuleStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CoverageError carries the failing coverage report.
type CoverageError struct {
	RuleID string
	Report *coverage.Report
	Reason string
}

func (e *CoverageError) Error() string {
	if e.Report == nil {
		return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
	}
	return fmt.Sprintf("rule %s: coverage %.2f, missing required %v", e.RuleID, e.Report.Score, e.Report.MissingRequired)
}

func (e *CoverageError) Unwrap() error { return ErrCoverageGate }

// Reviewer drives rule status transitions.
type Reviewer struct {
	db     *store.Store
	tokens *identity.TokenManager
	audit  audit.Logger
	cfg    config.ReviewConfig
	graph  GraphHook
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a Reviewer. tokens may be nil, in which case Approve always fails.
func New(db *store.Store, tokens *identity.TokenManager, auditLog audit.Logger, cfg config.ReviewConfig) *Reviewer {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Reviewer{
		db:     db,
		tokens: tokens,
		audit:  auditLog,
		cfg:    cfg,
		logger: slog.Default().With("component", "review"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Reviewer) WithClock(clock func() time.Time) *Reviewer {
	r.clock = clock
	return r
}

// WithGraph attaches the hook that rebuilds graph edges after a transition.
func (r *Reviewer) WithGraph(h GraphHook) *Reviewer {
	r.graph = h
	return r
}

// Submit moves a DRAFT rule into review. The rule must cite existing evidence.
func (r *Reviewer) Submit(ctx context.Context, ruleID string) (*model.Rule, error) {
	return r.transition(ctx, ruleID, model.StatusPendingReview, audit.ActorFrom(ctx), func(tx *store.Tx, rule *model.Rule) error {
		_, err := citations(ctx, tx, rule)
		return err
	})
}

// AutoApprove approves a pending rule by policy. Only T2 and T3 rules whose
// confidence reaches the configured threshold qualify.
func (r *Reviewer) AutoApprove(ctx context.Context, ruleID string) (*model.Rule, error) {
	return r.transition(ctx, ruleID, model.StatusApproved, model.AutoApprover, func(_ *store.Tx, rule *model.Rule) error {
		if rule.RiskTier.RequiresHuman() {
			return fmt.Errorf("%w: %s is %s", ErrHumanApprovalRequired, rule.ID, rule.RiskTier)
		}
		if rule.Confidence < r.cfg.AutoApproveThreshold {
			return fmt.Errorf("%w: %.3f < %.3f", ErrBelowThreshold, rule.Confidence, r.cfg.AutoApproveThreshold)
		}
		return nil
	})
}

// Approve approves a pending rule on behalf of the token's subject. T0 and T1
// rules refuse tokens that do not name a person.
func (r *Reviewer) Approve(ctx context.Context, ruleID, token string) (*model.Rule, error) {
	if r.tokens == nil {
		return nil, ErrNoTokenManager
	}
	claims, err := r.tokens.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return r.transition(ctx, ruleID, model.StatusApproved, claims.Subject, func(_ *store.Tx, rule *model.Rule) error {
		if rule.RiskTier.RequiresHuman() && !claims.Human() {
			return fmt.Errorf("%w: %s is %s, approver %s", ErrHumanApprovalRequired, rule.ID, rule.RiskTier, claims.Subject)
		}
		return nil
	})
}

// Reject moves a rule that is not yet published to REJECTED.
func (r *Reviewer) Reject(ctx context.Context, ruleID, reason string) (*model.Rule, error) {
	return r.transitionWith(ctx, ruleID, model.StatusRejected, audit.ActorFrom(ctx), reason, nil)
}

// Publish moves an APPROVED rule to PUBLISHED once its citations resolve and
// its coverage passes, whoever signed it off.
func (r *Reviewer) Publish(ctx context.Context, ruleID string) (*model.Rule, error) {
	return r.transition(ctx, ruleID, model.StatusPublished, audit.ActorFrom(ctx), func(tx *store.Tx, rule *model.Rule) error {
		return r.publishable(ctx, tx, rule)
	})
}

// PublishTx publishes an APPROVED rule inside the caller's transaction. The
// returned Transition must be passed to Settle once the transaction commits.
func (r *Reviewer) PublishTx(ctx context.Context, tx *store.Tx, ruleID string) (*Transition, error) {
	return r.apply(ctx, tx, ruleID, model.StatusPublished, audit.ActorFrom(ctx), "", func(tx *store.Tx, rule *model.Rule) error {
		return r.publishable(ctx, tx, rule)
	})
}

// CheckPublishable runs the publication gate without changing anything.
func (r *Reviewer) CheckPublishable(ctx context.Context, rule *model.Rule) error {
	if rule.Status != model.StatusApproved {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, rule.ID, rule.Status, model.StatusPublished)
	}
	return r.publishable(ctx, r.db, rule)
}

func (r *Reviewer) publishable(ctx context.Context, src citationSource, rule *model.Rule) error {
	if rule.RiskTier.RequiresHuman() && model.IsAutomated(rule.ApprovedBy) {
		return fmt.Errorf("%w: %s approved by %q", ErrHumanApprovalRequired, rule.ID, rule.ApprovedBy)
	}
	pointers, err := citations(ctx, src, rule)
	if err != nil {
		return err
	}
	if rule.ContentType == "" {
		return &CoverageError{RuleID: rule.ID, Reason: "no content type to evaluate coverage against"}
	}
	report, err := coverage.Evaluate(coverage.ContentType(rule.ContentType), pointers, r.cfg.MinCoverageScore)
	if err != nil {
		return &CoverageError{RuleID: rule.ID, Reason: err.Error()}
	}
	if !report.Pass {
		return &CoverageError{RuleID: rule.ID, Report: report}
	}
	return nil
}

func (r *Reviewer) transition(ctx context.Context, ruleID string, to model.RuleStatus, actor string, check func(*store.Tx, *model.Rule) error) (*model.Rule, error) {
	return r.transitionWith(ctx, ruleID, to, actor, "", check)
}

func (r *Reviewer) transitionWith(ctx context.Context, ruleID string, to model.RuleStatus, actor, reason string, check func(*store.Tx, *model.Rule) error) (*model.Rule, error) {
	var t *Transition
	err := r.db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		t, err = r.apply(ctx, tx, ruleID, to, actor, reason, check)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t.Rule, r.Settle(ctx, t)
}

// Transition is a status change made inside a transaction.
type Transition struct {
	Rule   *model.Rule
	From   model.RuleStatus
	Actor  string
	Reason string
}

// changesGraph reports whether the rule entered or left a live status.
func (t *Transition) changesGraph() bool {
	live := func(s model.RuleStatus) bool { return s == model.StatusApproved || s == model.StatusPublished }
	return live(t.From) || live(t.Rule.Status)
}

func (r *Reviewer) apply(ctx context.Context, tx *store.Tx, ruleID string, to model.RuleStatus, actor, reason string, check func(*store.Tx, *model.Rule) error) (*Transition, error) {
	rule, err := tx.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	from := rule.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, ruleID, from, to)
	}
	if check != nil {
		if err := check(tx, rule); err != nil {
			return nil, err
		}
	}
	rule.Status = to
	if to == model.StatusApproved {
		rule.ApprovedBy = actor
	}
	rule.UpdatedAt = r.clock().UTC()
	if err := tx.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	return &Transition{Rule: rule, From: from, Actor: actor, Reason: reason}, nil
}

// Settle audits committed transitions and rebuilds the graph for those that
// touch a live status. It keeps going past failures and returns them joined.
func (r *Reviewer) Settle(ctx context.Context, ts ...*Transition) error {
	var errs []error
	var changed []string
	for _, t := range ts {
		id, to := t.Rule.ID, t.Rule.Status
		meta := map[string]interface{}{"from": string(t.From), "to": string(to), "actor": t.Actor}
		if t.Reason != "" {
			meta["reason"] = t.Reason
		}
		r.logger.InfoContext(ctx, "rule transitioned", "rule_id", id, "from", t.From, "to", to, "actor", t.Actor)
		if err := r.audit.Record(ctx, audit.EventTransition, "rule.transition", "rule/"+id, meta); err != nil {
			errs = append(errs, fmt.Errorf("transition of %s committed but not audited: %w", id, err))
		}
		if t.changesGraph() {
			changed = append(changed, id)
		}
	}
	if err := r.RulesChanged(ctx, changed...); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RulesChanged forwards committed status changes to the graph hook.
func (r *Reviewer) RulesChanged(ctx context.Context, ruleIDs ...string) error {
	if r.graph == nil || len(ruleIDs) == 0 {
		return nil
	}
	if err := r.graph.RulesChanged(ctx, ruleIDs...); err != nil {
		r.logger.ErrorContext(ctx, "graph rebuild after transition failed", "rules", ruleIDs, "error", err)
		return fmt.Errorf("%w: %w", ErrGraphNotRebuilt, err)
	}
	return nil
}

type citationSource interface {
	PointersByIDs(ctx context.Context, ids []string) ([]*model.SourcePointer, error)
	GetEvidence(ctx context.Context, id string) (*model.Evidence, error)
}

// citations loads the rule's pointers and confirms every cited evidence record exists.
func citations(ctx context.Context, tx citationSource, rule *model.Rule) ([]*model.SourcePointer, error) {
	if len(rule.PointerIDs) == 0 {
		return nil, fmt.Errorf("%w: %s cites no pointers", ErrMissingCitations, rule.ID)
	}
	pointers, err := tx.PointersByIDs(ctx, rule.PointerIDs)
	if err != nil {
		return nil, err
	}
	if len(pointers) != len(rule.PointerIDs) {
		return nil, fmt.Errorf("%w: %s cites %d pointers, %d exist", ErrMissingCitations, rule.ID, len(rule.PointerIDs), len(pointers))
	}
	for _, p := range pointers {
		if _, err := tx.GetEvidence(ctx, p.EvidenceID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: pointer %s cites missing evidence %s", ErrMissingCitations, p.ID, p.EvidenceID)
			}
			return nil, err
		}
	}
	return pointers, nil
}
