package srg

import (
	"context"
	"fmt"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

// SelectionStatus is the outcome of SelectRule.
type SelectionStatus string

const (
	SelectionAuthoritative SelectionStatus = "AUTHORITATIVE"
	SelectionNoCoverage    SelectionStatus = "NO_COVERAGE"
	SelectionConflict      SelectionStatus = "CONFLICT_MULTIPLE_EFFECTIVE"
)

// Selection answers "which rule governs topic on a date".
type Selection struct {
	Status               SelectionStatus `json:"status"`
	Topic                string          `json:"topic"`
	AsOf                 time.Time       `json:"as_of"`
	Rule                 *model.Rule     `json:"rule,omitempty"`
	EarliestCoverageDate *time.Time      `json:"earliest_coverage_date,omitempty"`
	TiedIDs              []string        `json:"tied_ids,omitempty"`
}

// SelectRule picks the PUBLISHED rule of topic effective at asOf. When several
// are effective, the one no other candidate supersedes wins; if that is not
// unique the result is a conflict listing the tied rules. Results are cached
// until the next rebuild. The returned Selection must not be modified.
func (g *Graph) SelectRule(ctx context.Context, topic string, asOf time.Time) (*Selection, error) {
	key := fmt.Sprintf("%s|%s", topic, asOf.UTC().Format(time.RFC3339Nano))
	if v, ok := g.cache.Get(key); ok {
		return v.(*Selection), nil
	}

	sel, err := g.selectRule(ctx, topic, asOf)
	if err != nil {
		return nil, err
	}
	g.cache.Set(key, sel, gocache.DefaultExpiration)
	return sel, nil
}

func (g *Graph) selectRule(ctx context.Context, topic string, asOf time.Time) (*Selection, error) {
	published, err := g.db.ListRules(ctx, store.RuleFilter{Statuses: []model.RuleStatus{model.StatusPublished}})
	if err != nil {
		return nil, err
	}

	sel := &Selection{Topic: topic, AsOf: asOf}
	var covering []*model.Rule
	for _, r := range published {
		if r.TopicKey() != topic {
			continue
		}
		if r.EffectiveAt(asOf) {
			covering = append(covering, r)
		}
	}

	switch len(covering) {
	case 0:
		sel.Status = SelectionNoCoverage
		sel.EarliestCoverageDate = earliestAfter(published, topic, asOf)
		return sel, nil
	case 1:
		sel.Status = SelectionAuthoritative
		sel.Rule = covering[0]
		return sel, nil
	}

	candidate := make(map[string]bool, len(covering))
	for _, r := range covering {
		candidate[r.ID] = true
	}
	var remaining []*model.Rule
	for _, r := range covering {
		superseding, err := g.FindSupersedingRules(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		beaten := false
		for _, id := range superseding {
			if candidate[id] {
				beaten = true
				break
			}
		}
		if !beaten {
			remaining = append(remaining, r)
		}
	}

	if len(remaining) == 1 {
		sel.Status = SelectionAuthoritative
		sel.Rule = remaining[0]
		return sel, nil
	}
	if len(remaining) == 0 {
		remaining = covering
	}
	sel.Status = SelectionConflict
	for _, r := range remaining {
		sel.TiedIDs = append(sel.TiedIDs, r.ID)
	}
	sort.Strings(sel.TiedIDs)
	return sel, nil
}

// earliestAfter returns the first effective date after asOf among the
// topic's rules, or nil when coverage never resumes.
func earliestAfter(rules []*model.Rule, topic string, asOf time.Time) *time.Time {
	var earliest *time.Time
	for _, r := range rules {
		if r.TopicKey() != topic || !r.EffectiveFrom.After(asOf) {
			continue
		}
		if earliest == nil || r.EffectiveFrom.Before(*earliest) {
			from := r.EffectiveFrom
			earliest = &from
		}
	}
	return earliest
}

// InvalidateCache drops every cached selection.
func (g *Graph) InvalidateCache() {
	g.cache.Flush()
}
