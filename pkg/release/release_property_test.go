//go:build property
// +build property

package release_test

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/release"
)

// TestContentHashOrderIndependent verifies the hash ignores input order.
// Property: ContentHash(rules) == ContentHash(shuffle(rules))
func TestContentHashOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("release hash is independent of input order", prop.ForAll(
		func(concepts []string, values []string, seed int64) bool {
			var rules []*model.Rule
			for i := 0; i < len(concepts) && i < len(values); i++ {
				rules = append(rules, &model.Rule{
					ID:            fmt.Sprintf("r%03d", i),
					ConceptSlug:   concepts[i],
					AppliesWhen:   json.RawMessage(`{"op":"true"}`),
					Value:         values[i],
					ValueType:     "text",
					EffectiveFrom: time.Date(2025, 1, 1+i%28, 0, 0, 0, 0, time.UTC),
				})
			}

			shuffled := append([]*model.Rule(nil), rules...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			h1, err1 := release.ContentHash(rules)
			h2, err2 := release.ContentHash(shuffled)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.Int64(),
	))

	properties.Property("changing any value changes the hash", prop.ForAll(
		func(value string) bool {
			base := []*model.Rule{{ID: "r1", ConceptSlug: "c", AppliesWhen: json.RawMessage(`{"op":"true"}`), Value: value, EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}}
			changed := []*model.Rule{{ID: "r1", ConceptSlug: "c", AppliesWhen: json.RawMessage(`{"op":"true"}`), Value: value + "x", EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}}
			h1, _ := release.ContentHash(base)
			h2, _ := release.ContentHash(changed)
			return h1 != h2
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
