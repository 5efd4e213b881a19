package srg

import (
	"context"
	"sort"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

// FindSupersedingRules returns every rule that transitively supersedes ruleID.
func (g *Graph) FindSupersedingRules(ctx context.Context, ruleID string) ([]string, error) {
	return g.walk(ctx, ruleID, func(id string) ([]string, error) {
		edges, err := g.db.EdgesTo(ctx, id, model.RelationSupersedes)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(edges))
		for i, e := range edges {
			out[i] = e.FromRuleID
		}
		return out, nil
	})
}

// FindSupersededRules returns every rule that ruleID transitively supersedes.
func (g *Graph) FindSupersededRules(ctx context.Context, ruleID string) ([]string, error) {
	return g.walk(ctx, ruleID, func(id string) ([]string, error) {
		edges, err := g.db.EdgesFrom(ctx, id, model.RelationSupersedes)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(edges))
		for i, e := range edges {
			out[i] = e.ToRuleID
		}
		return out, nil
	})
}

// walk is a breadth-first traversal with a visited set. The start node is
// not part of the result.
func (g *Graph) walk(ctx context.Context, start string, next func(string) ([]string, error)) ([]string, error) {
	visited := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := queue[0]
		queue = queue[1:]
		neighbours, err := next(id)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbours {
			if visited[n] {
				continue
			}
			visited[n] = true
			out = append(out, n)
			queue = append(queue, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// EdgeTrace explains how a rule resolves to the rule that currently
// replaces it. Edges are listed in traversal order: at each rule on the
// supersession chain, the OVERRIDES edges pointing at it come first, then
// the SUPERSEDES edge that leads to the next rule.
type EdgeTrace struct {
	RuleID         string             `json:"rule_id"`
	Edges          []*model.GraphEdge `json:"edges"`
	SelectedRuleID string             `json:"selected_rule_id,omitempty"`
	SelectedRule   *model.Rule        `json:"selected_rule,omitempty"`
	// TiedHeadIDs is set instead of SelectedRuleID when the chain forks into
	// several rules that nothing supersedes.
	TiedHeadIDs []string `json:"tied_head_ids,omitempty"`
}

// BuildEdgeTrace walks the supersession chain upward from ruleID to its
// head, collecting incoming OVERRIDES edges along the way. The head of the
// chain is the selected rule.
func (g *Graph) BuildEdgeTrace(ctx context.Context, ruleID string) (*EdgeTrace, error) {
	if _, err := g.db.GetRule(ctx, ruleID); err != nil {
		return nil, err
	}

	trace := &EdgeTrace{RuleID: ruleID}
	visited := map[string]bool{ruleID: true}
	queue := []string{ruleID}
	var heads []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := queue[0]
		queue = queue[1:]

		overrides, err := g.db.EdgesTo(ctx, id, model.RelationOverrides)
		if err != nil {
			return nil, err
		}
		trace.Edges = append(trace.Edges, overrides...)

		superseding, err := g.db.EdgesTo(ctx, id, model.RelationSupersedes)
		if err != nil {
			return nil, err
		}
		if len(superseding) == 0 {
			heads = append(heads, id)
			continue
		}
		for _, e := range superseding {
			trace.Edges = append(trace.Edges, e)
			if !visited[e.FromRuleID] {
				visited[e.FromRuleID] = true
				queue = append(queue, e.FromRuleID)
			}
		}
	}

	if len(heads) != 1 {
		sort.Strings(heads)
		trace.TiedHeadIDs = heads
		return trace, nil
	}
	selected, err := g.db.GetRule(ctx, heads[0])
	if err != nil {
		return nil, err
	}
	trace.SelectedRuleID = selected.ID
	trace.SelectedRule = selected
	return trace, nil
}
