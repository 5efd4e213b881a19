package harness

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/Mindburn-Labs/regtruth/pkg/composer"
	"github.com/Mindburn-Labs/regtruth/pkg/coverage"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

// Drafter turns freshly accepted pointers into rule drafts.
type Drafter interface {
	Drafts(ctx context.Context, pointers []*model.SourcePointer) ([]composer.Draft, error)
}

// GroupingDrafter drafts one rule per (domain, extracted value) group. The
// domain becomes the concept slug and the content type is classified from
// the group's shapes. Groups whose shapes cover no content type are drafted
// without one and stay unpublishable until reclassified.
type GroupingDrafter struct {
	RiskTier       model.RiskTier
	AuthorityLevel model.AuthorityLevel
	AppliesWhen    json.RawMessage
}

// NewGroupingDrafter drafts T2 REGULATION rules that always apply.
func NewGroupingDrafter() *GroupingDrafter {
	return &GroupingDrafter{
		RiskTier:       model.TierT2,
		AuthorityLevel: model.AuthorityRegulation,
		AppliesWhen:    json.RawMessage(`{"op":"true"}`),
	}
}

func (d *GroupingDrafter) Drafts(_ context.Context, pointers []*model.SourcePointer) ([]composer.Draft, error) {
	type key struct{ domain, value string }
	groups := make(map[key][]*model.SourcePointer)
	var order []key
	for _, p := range pointers {
		k := key{p.Domain, p.ExtractedValue}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], p)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].domain != order[j].domain {
			return order[i].domain < order[j].domain
		}
		return order[i].value < order[j].value
	})

	drafts := make([]composer.Draft, 0, len(order))
	for _, k := range order {
		group := groups[k]
		ids := make([]string, len(group))
		from := group[0].CreatedAt
		for i, p := range group {
			ids[i] = p.ID
			if p.CreatedAt.Before(from) {
				from = p.CreatedAt
			}
		}
		ct, _ := coverage.Classify(group)
		drafts = append(drafts, composer.Draft{
			ConceptSlug:    k.domain,
			AppliesWhen:    d.AppliesWhen,
			Value:          k.value,
			ValueType:      group[0].ValueType,
			RiskTier:       d.RiskTier,
			AuthorityLevel: d.AuthorityLevel,
			ContentType:    string(ct),
			EffectiveFrom:  from.UTC().Truncate(24 * time.Hour),
			PointerIDs:     ids,
		})
	}
	return drafts, nil
}
