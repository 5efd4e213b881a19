package arbiter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

var candidateStatuses = []model.RuleStatus{model.StatusPendingReview, model.StatusApproved, model.StatusPublished}

// Detect records new conflicts and returns them. Rules of one concept that
// share an appliesWhen and an effective date but carry different values are
// a VALUE_MISMATCH. Pointers cited by one unsettled rule that give different
// values for the same shape are a POINTER_DISAGREEMENT. An item set already
// recorded as a conflict, in any status, is not recorded again.
func (a *Arbiter) Detect(ctx context.Context) ([]*model.Conflict, error) {
	existing, err := a.db.ListConflicts(ctx, "")
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		known[conflictKey(c.ConflictType, c.ItemIDs)] = true
	}

	found, err := a.valueMismatches(ctx)
	if err != nil {
		return nil, err
	}
	disagreements, err := a.pointerDisagreements(ctx)
	if err != nil {
		return nil, err
	}
	found = append(found, disagreements...)

	now := a.clock().UTC()
	var created []*model.Conflict
	for _, c := range found {
		key := conflictKey(c.ConflictType, c.ItemIDs)
		if known[key] {
			continue
		}
		known[key] = true
		c.ID = uuid.New().String()
		c.Status = model.ConflictOpen
		c.CreatedAt, c.UpdatedAt = now, now
		if err := a.db.InsertConflict(ctx, c); err != nil {
			return created, err
		}
		a.logger.InfoContext(ctx, "conflict detected", "conflict_id", c.ID, "type", c.ConflictType, "concept", c.ConceptSlug, "items", len(c.ItemIDs))
		created = append(created, c)
	}
	return created, nil
}

func (a *Arbiter) valueMismatches(ctx context.Context) ([]*model.Conflict, error) {
	rules, err := a.db.ListRules(ctx, store.RuleFilter{Statuses: candidateStatuses})
	if err != nil {
		return nil, err
	}

	type period struct{ concept, appliesWhen, from string }
	groups := make(map[period][]*model.Rule)
	var order []period
	for _, r := range rules {
		p := period{r.ConceptSlug, string(r.AppliesWhen), r.EffectiveFrom.Format("2006-01-02")}
		if _, ok := groups[p]; !ok {
			order = append(order, p)
		}
		groups[p] = append(groups[p], r)
	}

	var out []*model.Conflict
	for _, p := range order {
		members := groups[p]
		values := make(map[string]bool)
		for _, r := range members {
			values[r.Value] = true
		}
		if len(values) < 2 {
			continue
		}
		ids := make([]string, len(members))
		for i, r := range members {
			ids[i] = r.ID
		}
		sort.Strings(ids)
		out = append(out, &model.Conflict{
			ConflictType: model.ConflictValueMismatch,
			ConceptSlug:  p.concept,
			ItemIDs:      ids,
			Description:  fmt.Sprintf("%d rules for %s effective %s disagree on value", len(ids), p.concept, p.from),
		})
	}
	return out, nil
}

func (a *Arbiter) pointerDisagreements(ctx context.Context) ([]*model.Conflict, error) {
	rules, err := a.db.ListRules(ctx, store.RuleFilter{Statuses: []model.RuleStatus{model.StatusDraft, model.StatusPendingReview}})
	if err != nil {
		return nil, err
	}

	var out []*model.Conflict
	for _, r := range rules {
		pointers, err := a.db.PointersByIDs(ctx, r.PointerIDs)
		if err != nil {
			return nil, err
		}
		byShape := make(map[string][]*model.SourcePointer)
		for _, p := range pointers {
			if p.Shape != "" {
				byShape[p.Shape] = append(byShape[p.Shape], p)
			}
		}
		shapes := make([]string, 0, len(byShape))
		for s := range byShape {
			shapes = append(shapes, s)
		}
		sort.Strings(shapes)
		for _, shape := range shapes {
			ps := byShape[shape]
			values := make(map[string]bool)
			for _, p := range ps {
				values[p.ExtractedValue] = true
			}
			if len(values) < 2 {
				continue
			}
			ids := make([]string, len(ps))
			for i, p := range ps {
				ids[i] = p.ID
			}
			sort.Strings(ids)
			out = append(out, &model.Conflict{
				ConflictType: model.ConflictPointerDisagreement,
				ConceptSlug:  r.ConceptSlug,
				ItemIDs:      ids,
				Description:  fmt.Sprintf("rule %s cites %d pointers disagreeing on %s", r.ID, len(ids), shape),
			})
		}
	}
	return out, nil
}

func conflictKey(t model.ConflictType, ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return string(t) + "|" + strings.Join(sorted, ",")
}
