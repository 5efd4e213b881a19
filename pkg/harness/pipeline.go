// Package harness runs the pipeline phases end to end and probes the
// arbiter with a synthetic heartbeat.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/regtruth/pkg/arbiter"
	"github.com/Mindburn-Labs/regtruth/pkg/composer"
	"github.com/Mindburn-Labs/regtruth/pkg/config"
	"github.com/Mindburn-Labs/regtruth/pkg/events"
	"github.com/Mindburn-Labs/regtruth/pkg/extractor"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/release"
	"github.com/Mindburn-Labs/regtruth/pkg/review"
	"github.com/Mindburn-Labs/regtruth/pkg/srg"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
	"github.com/Mindburn-Labs/regtruth/pkg/worker"
)

// Phase names in execution order.
const (
	PhaseExtract   = "extract"
	PhaseCompose   = "compose"
	PhaseReview    = "review"
	PhaseArbitrate = "arbitrate"
	PhaseRelease   = "release"
	PhaseGraph     = "graph"
	PhaseNotify    = "notify"
)

// Components are the stages the pipeline drives. Emitter may be nil.
type Components struct {
	DB        *store.Store
	Extractor *extractor.Extractor
	Composer  *composer.Composer
	Reviewer  *review.Reviewer
	Arbiter   *arbiter.Arbiter
	Releaser  *release.Releaser
	Graph     *srg.Graph
	Emitter   *events.Emitter
	Drafter   Drafter
}

// Batch is the input of one run.
type Batch struct {
	EvidenceIDs []string
	// Drafts are composed in addition to those derived from extraction.
	Drafts      []composer.Draft
	SkipRelease bool
}

// PhaseReport summarises one phase.
type PhaseReport struct {
	Name      string        `json:"name"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// RunReport summarises a pipeline run.
type RunReport struct {
	Phases        []*PhaseReport  `json:"phases"`
	Pointers      int             `json:"pointers"`
	Composed      int             `json:"composed"`
	Rejected      int             `json:"rejected"`
	Approved      int             `json:"approved"`
	AwaitingHuman int             `json:"awaiting_human"`
	Conflicts     arbiter.Summary `json:"conflicts"`
	Release       *model.Release  `json:"release,omitempty"`
	Events        int             `json:"events"`
	Stopped       string          `json:"stopped,omitempty"`
}

// Pipeline runs the phases in sequence. Items within a phase run on a
// bounded worker pool; phases are spaced by a rate limiter.
type Pipeline struct {
	c       Components
	workers int
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewPipeline creates a pipeline. A nil Drafter uses NewGroupingDrafter.
func NewPipeline(c Components, cfg config.PipelineConfig) *Pipeline {
	if c.Drafter == nil {
		c.Drafter = NewGroupingDrafter()
	}
	return &Pipeline{
		c:       c,
		workers: cfg.Workers,
		limiter: phaseLimiter(cfg),
		logger:  slog.Default().With("component", "pipeline"),
	}
}

// phaseLimiter spaces phases by PhaseDelay when set, else by PhasesPerSecond.
// Neither set means no spacing.
func phaseLimiter(cfg config.PipelineConfig) *rate.Limiter {
	switch {
	case cfg.PhaseDelay > 0:
		return rate.NewLimiter(rate.Every(cfg.PhaseDelay), 1)
	case cfg.PhasesPerSecond > 0:
		return rate.NewLimiter(rate.Limit(cfg.PhasesPerSecond), 1)
	}
	return rate.NewLimiter(rate.Inf, 1)
}

type runState struct {
	mu       sync.Mutex
	pointers []*model.SourcePointer
	composed []*model.Rule
	touched  []string
	released []*model.Rule
}

func (s *runState) touch(ids ...string) {
	s.mu.Lock()
	s.touched = append(s.touched, ids...)
	s.mu.Unlock()
}

// Run executes every phase. Cancellation is checked between phases: a
// cancelled run stops before the next phase and returns what it finished.
// Item failures are recorded in the report and never abort a phase.
func (p *Pipeline) Run(ctx context.Context, batch Batch) (*RunReport, error) {
	report := &RunReport{}
	st := &runState{}
	// Drain the initial burst so every phase after the first waits its turn.
	p.limiter.Allow()
	phases := []struct {
		name string
		fn   func(context.Context, Batch, *runState, *RunReport, *PhaseReport) error
	}{
		{PhaseExtract, p.extract},
		{PhaseCompose, p.compose},
		{PhaseReview, p.review},
		{PhaseArbitrate, p.arbitrate},
		{PhaseRelease, p.release},
		{PhaseGraph, p.rebuild},
		{PhaseNotify, p.notify},
	}

	for i, ph := range phases {
		if err := ctx.Err(); err != nil {
			report.Stopped = ph.name
			return report, err
		}
		if i > 0 {
			if err := p.limiter.Wait(ctx); err != nil {
				report.Stopped = ph.name
				return report, err
			}
		}

		pr := &PhaseReport{Name: ph.name}
		start := time.Now()
		err := ph.fn(ctx, batch, st, report, pr)
		pr.Duration = time.Since(start)
		report.Phases = append(report.Phases, pr)
		p.logger.InfoContext(ctx, "phase finished", "phase", ph.name,
			"processed", pr.Processed, "failed", pr.Failed, "duration", pr.Duration)
		if err != nil {
			report.Stopped = ph.name
			return report, fmt.Errorf("phase %s: %w", ph.name, err)
		}
	}
	return report, nil
}

func (pr *PhaseReport) collect(results []*worker.ItemResult) {
	for _, r := range results {
		if r.Err != nil {
			pr.Failed++
			pr.Errors = append(pr.Errors, fmt.Sprintf("%s: %v", r.Key, r.Err))
			continue
		}
		pr.Processed++
	}
}

func (p *Pipeline) extract(ctx context.Context, batch Batch, st *runState, report *RunReport, pr *PhaseReport) error {
	results := worker.Run(ctx, p.workers, batch.EvidenceIDs, func(id string) string { return id },
		func(ctx context.Context, id string) error {
			res, err := p.c.Extractor.Extract(ctx, id)
			if err != nil {
				return err
			}
			st.mu.Lock()
			st.pointers = append(st.pointers, res.Pointers...)
			st.mu.Unlock()
			return nil
		})
	pr.collect(results)
	report.Pointers = len(st.pointers)
	return nil
}

func (p *Pipeline) compose(ctx context.Context, batch Batch, st *runState, report *RunReport, pr *PhaseReport) error {
	derived, err := p.c.Drafter.Drafts(ctx, st.pointers)
	if err != nil {
		return err
	}
	drafts := append(append([]composer.Draft(nil), batch.Drafts...), derived...)

	var rejected atomic.Int64
	results := worker.Run(ctx, p.workers, drafts, func(d composer.Draft) string { return d.ConceptSlug },
		func(ctx context.Context, d composer.Draft) error {
			rule, err := p.c.Composer.Compose(ctx, d)
			if err != nil {
				var rej *composer.RejectionError
				if errors.As(err, &rej) {
					rejected.Add(1)
				}
				return err
			}
			st.mu.Lock()
			st.composed = append(st.composed, rule)
			st.mu.Unlock()
			return nil
		})
	pr.collect(results)
	report.Rejected = int(rejected.Load())
	report.Composed = len(st.composed)
	return nil
}

// review submits every composed rule and applies the auto-approval policy.
// Rules the policy may not approve wait in PENDING_REVIEW for a person.
func (p *Pipeline) review(ctx context.Context, _ Batch, st *runState, report *RunReport, pr *PhaseReport) error {
	var approved, awaiting atomic.Int64
	results := worker.Run(ctx, p.workers, st.composed, func(r *model.Rule) string { return r.ID },
		func(ctx context.Context, r *model.Rule) error {
			if _, err := p.c.Reviewer.Submit(ctx, r.ID); err != nil {
				return err
			}
			_, err := p.c.Reviewer.AutoApprove(ctx, r.ID)
			switch {
			case err == nil:
				approved.Add(1)
				st.touch(r.ID)
				return nil
			case errors.Is(err, review.ErrHumanApprovalRequired), errors.Is(err, review.ErrBelowThreshold):
				awaiting.Add(1)
				return nil
			}
			return err
		})
	pr.collect(results)
	report.Approved = int(approved.Load())
	report.AwaitingHuman = int(awaiting.Load())
	return nil
}

func (p *Pipeline) arbitrate(ctx context.Context, _ Batch, _ *runState, report *RunReport, pr *PhaseReport) error {
	if _, err := p.c.Arbiter.Detect(ctx); err != nil {
		return err
	}
	sum, err := p.c.Arbiter.ProcessOpen(ctx)
	if err != nil {
		return err
	}
	report.Conflicts = sum
	pr.Processed = sum.Resolved + sum.Escalated
	pr.Failed = sum.Failed
	return nil
}

// release seals every APPROVED rule that passes the publication gate. Rules
// failing the gate are held back so the rest can still ship.
func (p *Pipeline) release(ctx context.Context, batch Batch, st *runState, report *RunReport, pr *PhaseReport) error {
	if batch.SkipRelease {
		return nil
	}
	approved, err := p.c.DB.ListRules(ctx, store.RuleFilter{Statuses: []model.RuleStatus{model.StatusApproved}})
	if err != nil {
		return err
	}
	var ids []string
	for _, r := range approved {
		if err := p.c.Reviewer.CheckPublishable(ctx, r); err != nil {
			pr.Failed++
			pr.Errors = append(pr.Errors, fmt.Sprintf("%s: %v", r.ID, err))
			continue
		}
		ids = append(ids, r.ID)
	}

	rel, err := p.c.Releaser.Build(ctx, ids)
	if errors.Is(err, release.ErrEmptyRelease) {
		return nil
	}
	if rel == nil {
		return err
	}
	if err != nil {
		// The release committed; only its follow-up bookkeeping failed.
		pr.Errors = append(pr.Errors, fmt.Sprintf("%s: %v", rel.ID, err))
	}
	released, err := p.c.DB.ListRules(ctx, store.RuleFilter{IDs: rel.RuleIDs})
	if err != nil {
		return err
	}
	st.released = released
	st.touch(rel.RuleIDs...)
	report.Release = rel
	pr.Processed = len(rel.RuleIDs)
	return nil
}

// rebuild recomputes graph edges for every rule this run approved or
// released. Rebuilds run one at a time since they rewrite whole concepts.
func (p *Pipeline) rebuild(ctx context.Context, _ Batch, st *runState, _ *RunReport, pr *PhaseReport) error {
	seen := make(map[string]bool, len(st.touched))
	for _, id := range st.touched {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.c.Graph.Rebuild(ctx, id); err != nil {
			pr.Failed++
			pr.Errors = append(pr.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		pr.Processed++
	}
	return nil
}

// notify emits RULE_RELEASED for each released rule and RULE_SUPERSEDED for
// each rule it directly supersedes.
func (p *Pipeline) notify(ctx context.Context, _ Batch, st *runState, report *RunReport, pr *PhaseReport) error {
	if p.c.Emitter == nil {
		return nil
	}
	for _, r := range st.released {
		superseded, err := p.c.DB.EdgesFrom(ctx, r.ID, model.RelationSupersedes)
		if err != nil {
			return err
		}
		change := model.ChangeCreate
		if len(superseded) > 0 {
			change = model.ChangeUpdate
		}
		value := r.Value
		p.emit(ctx, pr, report, events.Params{
			Type: model.EventRuleReleased, RuleID: r.ID, ConceptID: r.ConceptSlug, ChangeType: change,
			RiskTier: r.RiskTier, EffectiveFrom: r.EffectiveFrom, SourcePointerIDs: r.PointerIDs, NewValue: &value,
		})

		for _, e := range superseded {
			old, err := p.c.DB.GetRule(ctx, e.ToRuleID)
			if err != nil {
				pr.Failed++
				pr.Errors = append(pr.Errors, fmt.Sprintf("%s: %v", e.ToRuleID, err))
				continue
			}
			p.emit(ctx, pr, report, events.Params{
				Type: model.EventRuleSuperseded, RuleID: old.ID, ConceptID: old.ConceptSlug, ChangeType: model.ChangeUpdate,
				RiskTier: old.RiskTier, EffectiveFrom: r.EffectiveFrom, SourcePointerIDs: r.PointerIDs,
			})
		}
	}
	return nil
}

func (p *Pipeline) emit(ctx context.Context, pr *PhaseReport, report *RunReport, params events.Params) {
	res, err := p.c.Emitter.Emit(ctx, params)
	if err != nil {
		pr.Failed++
		pr.Errors = append(pr.Errors, fmt.Sprintf("%s: %v", params.RuleID, err))
		return
	}
	pr.Processed++
	if res.IsNew {
		report.Events++
	}
}
