package release

import (
	"encoding/json"
	"sort"

	"github.com/Mindburn-Labs/regtruth/pkg/canonicalize"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

const dateLayout = "2006-01-02"

// Snapshot is the projection of a rule that a release hash covers.
type Snapshot struct {
	ConceptSlug    string          `json:"conceptSlug"`
	AppliesWhen    json.RawMessage `json:"appliesWhen"`
	Value          string          `json:"value"`
	ValueType      string          `json:"valueType"`
	EffectiveFrom  string          `json:"effectiveFrom"`
	EffectiveUntil *string         `json:"effectiveUntil"`
}

// Order sorts rules by concept slug, then id, in place.
func Order(rules []*model.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].ConceptSlug != rules[j].ConceptSlug {
			return rules[i].ConceptSlug < rules[j].ConceptSlug
		}
		return rules[i].ID < rules[j].ID
	})
}

// Snapshots projects rules in release order. The input slice is not modified.
func Snapshots(rules []*model.Rule) []Snapshot {
	ordered := append([]*model.Rule(nil), rules...)
	Order(ordered)

	out := make([]Snapshot, len(ordered))
	for i, r := range ordered {
		s := Snapshot{
			ConceptSlug:   r.ConceptSlug,
			AppliesWhen:   r.AppliesWhen,
			Value:         r.Value,
			ValueType:     r.ValueType,
			EffectiveFrom: r.EffectiveFrom.UTC().Format(dateLayout),
		}
		if len(s.AppliesWhen) == 0 {
			s.AppliesWhen = json.RawMessage("null")
		}
		if r.EffectiveUntil != nil {
			u := r.EffectiveUntil.UTC().Format(dateLayout)
			s.EffectiveUntil = &u
		}
		out[i] = s
	}
	return out
}

// ContentHash is the hash of the canonical JSON of the rules' snapshots.
// It depends only on the set of rules, not on their input order.
func ContentHash(rules []*model.Rule) (string, error) {
	return canonicalize.CanonicalHash(Snapshots(rules))
}
