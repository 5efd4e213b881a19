// Package srg maintains the supersession/dependency graph over rules and
// answers selection queries against it.
//
// Edges are stored as an adjacency list. Every insert is checked for cycles
// inside the transaction that performs it; a rejected edge aborts the whole
// rebuild. Rebuilds of one rule are serialised.
package srg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Mindburn-Labs/regtruth/pkg/applieswhen"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

var liveStatuses = []model.RuleStatus{model.StatusApproved, model.StatusPublished}

// Graph maintains edges and caches selections.
type Graph struct {
	db     *store.Store
	locks  sync.Map // rule id -> *sync.Mutex
	cache  *gocache.Cache
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a Graph. Selections are cached for ttl or until the next rebuild.
func New(db *store.Store, ttl time.Duration) *Graph {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Graph{
		db:     db,
		cache:  gocache.New(ttl, 2*ttl),
		logger: slog.Default().With("component", "srg"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Graph) WithClock(clock func() time.Time) *Graph {
	g.clock = clock
	return g
}

func (g *Graph) lock(ruleID string) func() {
	m, _ := g.locks.LoadOrStore(ruleID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// RebuildReport lists the edges a rebuild produced.
type RebuildReport struct {
	RuleID     string
	Supersedes []string
	DependsOn  []string
	Overrides  []string
	// Relinked are other rules whose references were re-resolved.
	Relinked []string
	// Unresolved are referenced concepts with no live rule.
	Unresolved []string
}

// Rebuild recomputes the edges touching one rule. It re-chains the rule's
// concept, re-resolves its own references and re-resolves every live rule
// that references its concept.
func (g *Graph) Rebuild(ctx context.Context, ruleID string) (*RebuildReport, error) {
	unlock := g.lock(ruleID)
	defer unlock()

	report := &RebuildReport{RuleID: ruleID}
	err := g.db.InTx(ctx, func(tx *store.Tx) error {
		*report = RebuildReport{RuleID: ruleID}
		rule, err := tx.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		live, err := tx.ListRules(ctx, store.RuleFilter{Statuses: liveStatuses})
		if err != nil {
			return err
		}
		byConcept := groupByConcept(live)
		b := &builder{ctx: ctx, tx: tx, now: g.clock().UTC(), byConcept: byConcept}

		if err := b.rechain(rule.ConceptSlug); err != nil {
			return err
		}

		for _, rel := range []model.Relation{model.RelationDependsOn, model.RelationOverrides} {
			if err := tx.DeleteEdgesFrom(ctx, rule.ID, rel); err != nil {
				return err
			}
			if !rule.Live() {
				if err := tx.DeleteEdgesTo(ctx, rule.ID, rel); err != nil {
					return err
				}
			}
		}
		if rule.Live() {
			if err := b.link(rule); err != nil {
				return err
			}
		}

		for _, src := range live {
			if src.ID == rule.ID || !references(src, rule.ConceptSlug) {
				continue
			}
			if err := b.relink(src); err != nil {
				return err
			}
			report.Relinked = append(report.Relinked, src.ID)
		}

		out, err := tx.EdgesFrom(ctx, rule.ID, "")
		if err != nil {
			return err
		}
		for _, e := range out {
			switch e.Relation {
			case model.RelationSupersedes:
				report.Supersedes = append(report.Supersedes, e.ToRuleID)
			case model.RelationDependsOn:
				report.DependsOn = append(report.DependsOn, e.ToRuleID)
			case model.RelationOverrides:
				report.Overrides = append(report.Overrides, e.ToRuleID)
			}
		}
		report.Unresolved = b.unresolved[rule.ID]
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.cache.Flush()
	g.logger.InfoContext(ctx, "graph rebuilt", "rule_id", ruleID,
		"supersedes", len(report.Supersedes), "depends_on", len(report.DependsOn),
		"overrides", len(report.Overrides), "relinked", len(report.Relinked))
	return report, nil
}

// RebuildAll rebuilds every rule. A rule that fails is logged and skipped;
// the failures are returned joined.
func (g *Graph) RebuildAll(ctx context.Context) (int, error) {
	rules, err := g.db.ListRules(ctx, store.RuleFilter{})
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := g.Rebuild(ctx, r.ID); err != nil {
			g.logger.ErrorContext(ctx, "graph rebuild failed", "rule_id", r.ID, "error", err)
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// RulesChanged rebuilds the edges of each rule whose status changed. Every
// rule is attempted; the failures are returned joined.
func (g *Graph) RulesChanged(ctx context.Context, ruleIDs ...string) error {
	var errs []error
	for _, id := range sortedUnique(ruleIDs) {
		if _, err := g.Rebuild(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

type builder struct {
	ctx        context.Context
	tx         *store.Tx
	now        time.Time
	byConcept  map[string][]*model.Rule
	unresolved map[string][]string
}

// rechain rewrites the SUPERSEDES edges of a concept. Each live rule links to
// the live rule(s) with the latest effective date strictly before its own.
func (b *builder) rechain(concept string) error {
	all, err := b.tx.ListRules(b.ctx, store.RuleFilter{ConceptSlug: concept})
	if err != nil {
		return err
	}
	for _, r := range all {
		if err := b.tx.DeleteEdgesFrom(b.ctx, r.ID, model.RelationSupersedes); err != nil {
			return err
		}
		if err := b.tx.DeleteEdgesTo(b.ctx, r.ID, model.RelationSupersedes); err != nil {
			return err
		}
	}

	live := b.byConcept[concept]
	for _, r := range live {
		var prev time.Time
		var targets []*model.Rule
		for _, o := range live {
			if !o.EffectiveFrom.Before(r.EffectiveFrom) {
				continue
			}
			switch {
			case o.EffectiveFrom.After(prev):
				prev = o.EffectiveFrom
				targets = []*model.Rule{o}
			case o.EffectiveFrom.Equal(prev):
				targets = append(targets, o)
			}
		}
		for _, t := range targets {
			if err := b.insert(r.ID, t.ID, model.RelationSupersedes); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) relink(src *model.Rule) error {
	for _, rel := range []model.Relation{model.RelationDependsOn, model.RelationOverrides} {
		if err := b.tx.DeleteEdgesFrom(b.ctx, src.ID, rel); err != nil {
			return err
		}
	}
	return b.link(src)
}

// link inserts DEPENDS_ON edges for the rule's concept references and
// explicit dependencies, and OVERRIDES edges for its exception markers.
func (b *builder) link(src *model.Rule) error {
	deps, err := dependencies(src)
	if err != nil {
		return err
	}
	for _, concept := range deps {
		target := b.inForce(concept, src.EffectiveFrom)
		if target == nil {
			b.markUnresolved(src.ID, concept)
			continue
		}
		if err := b.insert(src.ID, target.ID, model.RelationDependsOn); err != nil {
			return err
		}
	}

	for _, concept := range sortedUnique(src.Overrides) {
		targets := b.allInForce(concept, src.EffectiveFrom)
		if len(targets) == 0 {
			b.markUnresolved(src.ID, concept)
			continue
		}
		for _, t := range targets {
			if t.ID == src.ID {
				continue
			}
			if err := b.insert(src.ID, t.ID, model.RelationOverrides); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) markUnresolved(ruleID, concept string) {
	if b.unresolved == nil {
		b.unresolved = make(map[string][]string)
	}
	b.unresolved[ruleID] = append(b.unresolved[ruleID], concept)
}

// inForce picks the live rule of concept in force at asOf, preferring the
// latest effective date, and falls back to the latest rule of the concept.
func (b *builder) inForce(concept string, asOf time.Time) *model.Rule {
	candidates := b.allInForce(concept, asOf)
	if len(candidates) > 0 {
		return candidates[len(candidates)-1]
	}
	return nil
}

// allInForce returns the live rules of concept in force at asOf, or the
// latest-dated ones when none are, ordered by effective date then id.
func (b *builder) allInForce(concept string, asOf time.Time) []*model.Rule {
	rules := b.byConcept[concept]
	var out []*model.Rule
	for _, r := range rules {
		if r.EffectiveAt(asOf) {
			out = append(out, r)
		}
	}
	if len(out) == 0 && len(rules) > 0 {
		latest := rules[len(rules)-1].EffectiveFrom
		for _, r := range rules {
			if r.EffectiveFrom.Equal(latest) {
				out = append(out, r)
			}
		}
	}
	return out
}

// insert adds an edge after checking it closes no cycle in its namespace.
func (b *builder) insert(from, to string, rel model.Relation) error {
	if path, cyclic, err := b.reaches(to, from, rel); err != nil {
		return err
	} else if cyclic {
		return &CycleError{Namespace: NamespaceOf(rel), From: from, To: to, Path: path}
	}
	return b.tx.InsertEdge(b.ctx, &model.GraphEdge{
		FromRuleID: from,
		ToRuleID:   to,
		Relation:   rel,
		Namespace:  NamespaceOf(rel),
		CreatedAt:  b.now,
	})
}

// reaches runs a DFS over stored edges of rel from start and reports the
// path when target is reachable.
func (b *builder) reaches(start, target string, rel model.Relation) ([]string, bool, error) {
	visited := map[string]bool{}
	var path []string
	var dfs func(node string) (bool, error)
	dfs = func(node string) (bool, error) {
		path = append(path, node)
		if node == target {
			return true, nil
		}
		visited[node] = true
		edges, err := b.tx.EdgesFrom(b.ctx, node, rel)
		if err != nil {
			return false, err
		}
		for _, e := range edges {
			if visited[e.ToRuleID] {
				continue
			}
			found, err := dfs(e.ToRuleID)
			if err != nil || found {
				return found, err
			}
		}
		path = path[:len(path)-1]
		return false, nil
	}
	found, err := dfs(start)
	return path, found, err
}

// dependencies returns the concepts a rule depends on: its appliesWhen
// concept references and its explicit dependsOn list.
func dependencies(r *model.Rule) ([]string, error) {
	refs := append([]string(nil), r.DependsOn...)
	if len(r.AppliesWhen) > 0 {
		n, err := applieswhen.Parse(r.AppliesWhen)
		if err != nil {
			return nil, fmt.Errorf("rule %s appliesWhen: %w", r.ID, err)
		}
		refs = append(refs, applieswhen.ConceptRefs(n)...)
	}
	return sortedUnique(refs), nil
}

func references(r *model.Rule, concept string) bool {
	for _, c := range r.Overrides {
		if c == concept {
			return true
		}
	}
	deps, err := dependencies(r)
	if err != nil {
		return false
	}
	for _, c := range deps {
		if c == concept {
			return true
		}
	}
	return false
}

// groupByConcept groups rules by concept, each group ordered by effective date then id.
func groupByConcept(rules []*model.Rule) map[string][]*model.Rule {
	out := make(map[string][]*model.Rule)
	for _, r := range rules {
		out[r.ConceptSlug] = append(out[r.ConceptSlug], r)
	}
	for _, rs := range out {
		sort.SliceStable(rs, func(i, j int) bool {
			if !rs[i].EffectiveFrom.Equal(rs[j].EffectiveFrom) {
				return rs[i].EffectiveFrom.Before(rs[j].EffectiveFrom)
			}
			return rs[i].ID < rs[j].ID
		})
	}
	return out
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
