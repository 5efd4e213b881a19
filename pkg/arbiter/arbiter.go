// Package arbiter detects and resolves conflicts between candidate facts.
//
// Resolution is a value: Resolved when one candidate clearly outscores the
// rest, Escalated otherwise. An escalated conflict stays escalated until a
// human resolves it with a signed approver token.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/Mindburn-Labs/regtruth/pkg/config"
	"github.com/Mindburn-Labs/regtruth/pkg/identity"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/observability"
	"github.com/Mindburn-Labs/regtruth/pkg/review"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

var (
	ErrNotOpen        = errors.New("arbiter: conflict is not open")
	ErrAlreadySettled = errors.New("arbiter: conflict is already resolved")
	ErrNotAnItem      = errors.New("arbiter: winner is not an item of the conflict")
	ErrHumanRequired  = errors.New("arbiter: manual resolution requires a human token")
	ErrNoTokenManager = errors.New("arbiter: approver tokens are not configured")
)

// Arbiter resolves conflicts.
type Arbiter struct {
	db      *store.Store
	tokens  *identity.TokenManager
	audit   audit.Logger
	scorer  Scorer
	margin  float64
	metrics *observability.Metrics
	graph   review.GraphHook
	logger  *slog.Logger
	clock   func() time.Time
}

// New creates an Arbiter using DefaultScorer.
func New(db *store.Store, tokens *identity.TokenManager, auditLog audit.Logger, cfg config.ArbiterConfig) *Arbiter {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Arbiter{
		db:      db,
		tokens:  tokens,
		audit:   auditLog,
		scorer:  NewDefaultScorer(),
		margin:  cfg.EscalationMargin,
		metrics: observability.DefaultMetrics(),
		logger:  slog.Default().With("component", "arbiter"),
		clock:   time.Now,
	}
}

// WithScorer replaces the scoring strategy.
func (a *Arbiter) WithScorer(s Scorer) *Arbiter {
	a.scorer = s
	return a
}

// WithClock overrides the clock for deterministic testing.
func (a *Arbiter) WithClock(clock func() time.Time) *Arbiter {
	a.clock = clock
	return a
}

// WithGraph attaches the hook that rebuilds graph edges for rules a
// resolution rejects.
func (a *Arbiter) WithGraph(h review.GraphHook) *Arbiter {
	a.graph = h
	return a
}

// WithMetrics replaces the metrics sink.
func (a *Arbiter) WithMetrics(m *observability.Metrics) *Arbiter {
	a.metrics = m
	return a
}

// Resolve scores an OPEN conflict and records the outcome.
func (a *Arbiter) Resolve(ctx context.Context, conflictID string) (Outcome, error) {
	cf, err := a.db.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if cf.Status != model.ConflictOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotOpen, cf.ID, cf.Status)
	}

	candidates, err := a.candidates(ctx, cf.ItemIDs)
	if err != nil {
		return nil, err
	}
	outcome := a.decide(candidates)

	switch o := outcome.(type) {
	case Resolved:
		if err := a.settle(ctx, cf, o, model.ConflictOpen); err != nil {
			return nil, err
		}
	case Escalated:
		if err := a.escalate(ctx, cf, o); err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

// ResolveByHuman settles an OPEN or ESCALATED conflict in favour of winnerID.
// The token must name a person.
func (a *Arbiter) ResolveByHuman(ctx context.Context, conflictID, winnerID, token string) (*model.Conflict, error) {
	if a.tokens == nil {
		return nil, ErrNoTokenManager
	}
	claims, err := a.tokens.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	if !claims.Human() {
		return nil, fmt.Errorf("%w: %s", ErrHumanRequired, claims.Subject)
	}

	cf, err := a.db.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if cf.Status == model.ConflictResolved {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySettled, cf.ID)
	}
	var losers []string
	found := false
	for _, id := range cf.ItemIDs {
		if id == winnerID {
			found = true
			continue
		}
		losers = append(losers, id)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s not in %s", ErrNotAnItem, winnerID, cf.ID)
	}

	o := Resolved{WinnerID: winnerID, LoserIDs: losers, Resolver: claims.Subject}
	if err := a.settle(ctx, cf, o, cf.Status); err != nil {
		return nil, err
	}
	return a.db.GetConflict(ctx, conflictID)
}

// Summary counts ProcessOpen results.
type Summary struct {
	Resolved  int
	Escalated int
	Failed    int
}

// ProcessOpen resolves every OPEN conflict. A failing conflict is logged
// and skipped; the others still run.
func (a *Arbiter) ProcessOpen(ctx context.Context) (Summary, error) {
	var sum Summary
	open, err := a.db.ListConflicts(ctx, model.ConflictOpen)
	if err != nil {
		return sum, err
	}
	for _, cf := range open {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		outcome, err := a.Resolve(ctx, cf.ID)
		if err != nil {
			sum.Failed++
			a.logger.ErrorContext(ctx, "conflict resolution failed", "conflict_id", cf.ID, "error", err)
			continue
		}
		switch outcome.(type) {
		case Resolved:
			sum.Resolved++
		case Escalated:
			sum.Escalated++
		}
	}
	return sum, nil
}

func (a *Arbiter) candidates(ctx context.Context, ids []string) ([]Candidate, error) {
	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		r, err := a.db.GetRule(ctx, id)
		if err == nil {
			out = append(out, Candidate{
				ID: r.ID, Kind: "rule", Status: r.Status, Authority: r.AuthorityLevel,
				Confidence: r.Confidence, AsOf: r.EffectiveFrom,
			})
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		p, err := a.db.GetPointer(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				out = append(out, Candidate{ID: id, Kind: "missing"})
				continue
			}
			return nil, err
		}
		out = append(out, Candidate{ID: p.ID, Kind: "pointer", Confidence: p.Confidence, AsOf: p.CreatedAt})
	}
	return out, nil
}

// decide applies the scorer. Rejected rules take no part; a missing item
// makes the conflict unscorable.
func (a *Arbiter) decide(candidates []Candidate) Outcome {
	now := a.clock().UTC()
	scores := make(map[string]float64, len(candidates))
	var live []Candidate
	for _, c := range candidates {
		if c.Kind == "missing" {
			return Escalated{Reason: ReasonUnscorableItem}
		}
		if c.Kind == "rule" && c.Status == model.StatusRejected {
			continue
		}
		scores[c.ID] = a.scorer.Score(c, now)
		live = append(live, c)
	}
	if len(live) == 0 {
		return Escalated{Reason: ReasonTooFewLive, Scores: scores}
	}

	sort.SliceStable(live, func(i, j int) bool {
		si, sj := scores[live[i].ID], scores[live[j].ID]
		if si != sj {
			return si > sj
		}
		return live[i].ID < live[j].ID
	})
	if len(live) > 1 && scores[live[0].ID]-scores[live[1].ID] < a.margin {
		return Escalated{Reason: ReasonWithinMargin, Scores: scores}
	}

	var losers []string
	for _, c := range candidates {
		if c.ID != live[0].ID {
			losers = append(losers, c.ID)
		}
	}
	return Resolved{WinnerID: live[0].ID, LoserIDs: losers, Resolver: model.ArbiterResolver, Scores: scores}
}

type ruleTransition struct {
	id       string
	from, to model.RuleStatus
}

// settle records a resolution and rejects losing rules that are not yet
// published, all in one transaction.
func (a *Arbiter) settle(ctx context.Context, cf *model.Conflict, o Resolved, expect model.ConflictStatus) error {
	var moved []ruleTransition
	err := a.db.InTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetConflict(ctx, cf.ID)
		if err != nil {
			return err
		}
		if current.Status != expect {
			return fmt.Errorf("%w: %s is %s", ErrNotOpen, cf.ID, current.Status)
		}

		now := a.clock().UTC()
		for _, id := range o.LoserIDs {
			r, err := tx.GetRule(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !review.CanTransition(r.Status, model.StatusRejected) {
				continue
			}
			moved = append(moved, ruleTransition{id: r.ID, from: r.Status, to: model.StatusRejected})
			r.Status = model.StatusRejected
			r.UpdatedAt = now
			if err := tx.UpdateRule(ctx, r); err != nil {
				return err
			}
		}

		current.Status = model.ConflictResolved
		current.ResolvedBy = o.Resolver
		current.Resolution = &model.Resolution{
			WinningItemID: o.WinnerID,
			LosingItemIDs: o.LoserIDs,
			Scores:        o.Scores,
			Rationale:     rationale(o),
		}
		current.UpdatedAt = now
		*cf = *current
		return tx.UpdateConflict(ctx, current)
	})
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "conflict resolved", "conflict_id", cf.ID, "winner", o.WinnerID, "resolver", o.Resolver, "rejected", len(moved))
	var errs []error
	if err := a.audit.Record(ctx, audit.EventResolution, "conflict.resolved", "conflict/"+cf.ID, map[string]interface{}{
		"winner": o.WinnerID, "losers": o.LoserIDs, "resolver": o.Resolver,
	}); err != nil {
		errs = append(errs, fmt.Errorf("resolution of %s committed but not audited: %w", cf.ID, err))
	}
	var unlinked []string
	for _, m := range moved {
		if err := a.audit.Record(ctx, audit.EventTransition, "rule.transition", "rule/"+m.id, map[string]interface{}{
			"from": string(m.from), "to": string(m.to), "actor": o.Resolver, "reason": "lost conflict " + cf.ID,
		}); err != nil {
			errs = append(errs, fmt.Errorf("rejection of %s committed but not audited: %w", m.id, err))
		}
		if m.from == model.StatusApproved {
			unlinked = append(unlinked, m.id)
		}
	}
	if a.graph != nil && len(unlinked) > 0 {
		if err := a.graph.RulesChanged(ctx, unlinked...); err != nil {
			a.logger.ErrorContext(ctx, "graph rebuild after resolution failed", "conflict_id", cf.ID, "error", err)
			errs = append(errs, fmt.Errorf("%w: %w", review.ErrGraphNotRebuilt, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Arbiter) escalate(ctx context.Context, cf *model.Conflict, o Escalated) error {
	err := a.db.InTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetConflict(ctx, cf.ID)
		if err != nil {
			return err
		}
		if current.Status != model.ConflictOpen {
			return fmt.Errorf("%w: %s is %s", ErrNotOpen, cf.ID, current.Status)
		}
		current.Status = model.ConflictEscalated
		current.Resolution = &model.Resolution{EscalatedFor: o.Reason, Scores: o.Scores}
		current.UpdatedAt = a.clock().UTC()
		*cf = *current
		return tx.UpdateConflict(ctx, current)
	})
	if err != nil {
		return err
	}

	a.metrics.Escalated(ctx, o.Reason)
	a.logger.WarnContext(ctx, "conflict escalated", "conflict_id", cf.ID, "reason", o.Reason)
	if err := a.audit.Record(ctx, audit.EventResolution, "conflict.escalated", "conflict/"+cf.ID, map[string]interface{}{
		"reason": o.Reason,
	}); err != nil {
		return fmt.Errorf("escalation of %s committed but not audited: %w", cf.ID, err)
	}
	return nil
}

func rationale(o Resolved) string {
	if o.Resolver != model.ArbiterResolver {
		return "resolved by " + o.Resolver
	}
	return fmt.Sprintf("%s scored %.3f, clear of the runner-up", o.WinnerID, o.Scores[o.WinnerID])
}
