package invariants_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/Mindburn-Labs/regtruth/pkg/config"
	"github.com/Mindburn-Labs/regtruth/pkg/evidence"
	"github.com/Mindburn-Labs/regtruth/pkg/extractor"
	"github.com/Mindburn-Labs/regtruth/pkg/invariants"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/release"
	"github.com/Mindburn-Labs/regtruth/pkg/review"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
	"github.com/Mindburn-Labs/regtruth/pkg/store/storetest"
)

var now = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db        *store.Store
	extractor *extractor.Extractor
	validator *invariants.Validator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	reviewer := review.New(db, nil, audit.Nop(), config.Default().Review)
	ext := extractor.New(db, nil)
	src := &invariants.Sources{
		DB:        db,
		Evidence:  evidence.NewStore(db, nil, audit.Nop()),
		Releases:  release.New(db, reviewer, audit.Nop(), nil),
		Extractor: ext,
	}
	v := invariants.NewValidator(src).WithClock(func() time.Time { return now })
	return &fixture{db: db, extractor: ext, validator: v}
}

// published seeds a PUBLISHED rule and records one NO_QUOTE_MATCH rejection
// against its evidence so INV-3 has observed the contract.
func (f *fixture) published(t *testing.T, seed storetest.Rule) *model.Rule {
	t.Helper()
	seed.Status = model.StatusPublished
	if seed.ApprovedBy == "" {
		seed.ApprovedBy = "ana.horvat"
	}
	rule := storetest.SeedRule(t, f.db, seed)
	if len(rule.PointerIDs) > 0 {
		pointers, err := f.db.PointersByIDs(context.Background(), rule.PointerIDs)
		require.NoError(t, err)
		res, err := f.extractor.Accept(context.Background(), pointers[0].EvidenceID, []extractor.Candidate{{
			Domain:         rule.ConceptSlug,
			ValueType:      "text",
			ExtractedValue: "999",
			ExactQuote:     "a sentence that is not in the document",
			Confidence:     0.9,
		}})
		require.NoError(t, err)
		require.Len(t, res.Rejections, 1)
	}
	return rule
}

func run(t *testing.T, f *fixture) *invariants.Report {
	t.Helper()
	report, err := f.validator.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 8)
	return report
}

func TestValidator_EmptyStoreIsGo(t *testing.T) {
	report := run(t, setup(t))
	assert.Equal(t, invariants.VerdictGo, report.Verdict)
	for id, status := range report.Statuses() {
		assert.Equal(t, invariants.StatusPass, status, id)
	}
}

func TestValidator_HealthyDataIsGo(t *testing.T) {
	f := setup(t)
	f.published(t, storetest.Rule{Concept: "pdv-stopa", Value: "25"})
	f.published(t, storetest.Rule{Concept: "pausal-prag", Value: "40000", Tier: model.TierT1})

	report := run(t, f)
	assert.Equal(t, invariants.VerdictGo, report.Verdict, "%+v", report.Results)
	assert.Empty(t, report.Failing)
}

func TestINV1_TamperedEvidence(t *testing.T) {
	f := setup(t)
	rule := f.published(t, storetest.Rule{})
	pointers, err := f.db.PointersByIDs(context.Background(), rule.PointerIDs)
	require.NoError(t, err)
	require.NoError(t, f.db.UpdateEvidenceHash(context.Background(), pointers[0].EvidenceID, "deadbeef"))

	report := run(t, f)
	assert.Equal(t, invariants.VerdictNoGo, report.Verdict)
	assert.Equal(t, []string{"INV-1"}, report.Failing)
	assert.Equal(t, []string{invariants.ReasonHashMismatch}, report.Results[0].Reasons)
}

func TestINV2_INV6_UncitedPublishedRule(t *testing.T) {
	f := setup(t)
	f.published(t, storetest.Rule{NoPointers: true})

	report := run(t, f)
	assert.Equal(t, invariants.VerdictNoGo, report.Verdict)
	assert.Equal(t, []string{"INV-2", "INV-6"}, report.Failing)
	assert.Contains(t, report.Results[5].Reasons, invariants.ReasonNoPointers)
}

func TestINV2_DraftsAreIgnored(t *testing.T) {
	f := setup(t)
	storetest.SeedRule(t, f.db, storetest.Rule{NoPointers: true})
	report := run(t, f)
	assert.Equal(t, invariants.StatusPass, report.Statuses()["INV-2"])
}

func TestINV3_NoRejectionsObservedIsPartial(t *testing.T) {
	f := setup(t)
	storetest.SeedRule(t, f.db, storetest.Rule{Status: model.StatusPublished, ApprovedBy: "ana.horvat"})

	report := run(t, f)
	assert.Equal(t, invariants.VerdictConditionalGo, report.Verdict)
	assert.Equal(t, []string{"INV-3"}, report.Partial)
	assert.Equal(t, []string{invariants.ReasonNoRejectionsSeen}, report.Results[2].Reasons)
}

func TestINV4_ResolvedWithoutWinner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.db.InsertConflict(ctx, &model.Conflict{
		ID: "c-1", ConflictType: model.ConflictValueMismatch, Status: model.ConflictResolved,
		ConceptSlug: "pdv", ItemIDs: []string{"a", "b"}, ResolvedBy: model.ArbiterResolver,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, f.db.InsertConflict(ctx, &model.Conflict{
		ID: "c-2", ConflictType: model.ConflictValueMismatch, Status: model.ConflictResolved,
		ConceptSlug: "pdv", ItemIDs: []string{"a", "b"}, ResolvedBy: "ana.horvat",
		Resolution: &model.Resolution{WinningItemID: "a", LosingItemIDs: []string{"b"}},
		CreatedAt: now, UpdatedAt: now,
	}))

	report := run(t, f)
	res := report.Results[3]
	assert.Equal(t, invariants.StatusFail, res.Status)
	assert.Equal(t, []string{invariants.ReasonNoWinner}, res.Reasons)
	assert.Equal(t, 2, res.Counts["resolved"])
}

func TestINV4_HumanResolverWithoutWinnerPasses(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.db.InsertConflict(context.Background(), &model.Conflict{
		ID: "c-1", ConflictType: model.ConflictValueMismatch, Status: model.ConflictResolved,
		ConceptSlug: "pdv", ItemIDs: []string{"a", "b"}, ResolvedBy: "ana.horvat",
		Resolution: &model.Resolution{Rationale: "both superseded by the 2025 amendment"},
		CreatedAt: now, UpdatedAt: now,
	}))

	report := run(t, f)
	res := report.Results[3]
	assert.Equal(t, "INV-4", res.InvariantID)
	assert.Equal(t, invariants.StatusPass, res.Status)
	assert.Empty(t, res.Reasons)
	assert.NotContains(t, report.Failing, "INV-4")
}

func TestINV5_TamperedReleaseHash(t *testing.T) {
	f := setup(t)
	rule := f.published(t, storetest.Rule{})
	require.NoError(t, f.db.InsertRelease(context.Background(), &model.Release{
		ID: "rel-1", Version: "v0.0.1", ContentHash: "0000", RuleIDs: []string{rule.ID}, ReleasedAt: now,
	}))

	report := run(t, f)
	assert.Equal(t, []string{"INV-5"}, report.Failing)
}

func TestINV7_DuplicateCanonicalDiscovery(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for i, u := range []string{"https://example.test/a", "HTTPS://EXAMPLE.test:443/a#x"} {
		_, err := f.db.InsertDiscovery(ctx, &model.DiscoveryRecord{
			ID: []string{"d-1", "d-2"}[i], EndpointID: "nn", URL: u, DiscoveredAt: now,
		})
		require.NoError(t, err)
	}

	report := run(t, f)
	res := report.Results[6]
	assert.Equal(t, invariants.StatusFail, res.Status)
	assert.ElementsMatch(t, []string{invariants.ReasonNonCanonicalURL, invariants.ReasonDuplicateDiscovery}, res.Reasons)
}

func TestINV8_AutomatedApproverOnCriticalTier(t *testing.T) {
	f := setup(t)
	f.published(t, storetest.Rule{Tier: model.TierT0, ApprovedBy: model.AutoApprover})
	f.published(t, storetest.Rule{Tier: model.TierT3, ApprovedBy: model.AutoApprover})

	report := run(t, f)
	assert.Equal(t, invariants.VerdictNoGo, report.Verdict)
	assert.Equal(t, []string{"INV-8"}, report.Failing)
	assert.Equal(t, 1, report.Results[7].Counts["critical"])
}

type panicking struct{}

func (panicking) ID() string   { return "INV-3" }
func (panicking) Name() string { return "broken" }
func (panicking) Run(context.Context, *invariants.Sources) *invariants.Result {
	panic("boom")
}

func TestValidator_PanickingCheckFails(t *testing.T) {
	f := setup(t)
	f.validator.Register(panicking{})

	report := run(t, f)
	assert.Equal(t, invariants.VerdictNoGo, report.Verdict)
	assert.Equal(t, "INV-3", report.Results[2].InvariantID, "replaced in place")
	assert.Equal(t, []string{invariants.ReasonCheckPanic}, report.Results[2].Reasons)
}

func TestValidator_MissingSourcesArePartial(t *testing.T) {
	v := invariants.NewValidator(&invariants.Sources{DB: storetest.Open(t)})
	report, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, invariants.VerdictConditionalGo, report.Verdict)
	assert.Equal(t, []string{"INV-1", "INV-3", "INV-5"}, report.Partial)
}

func TestValidator_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := setup(t).validator.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerdictAndDowngrade(t *testing.T) {
	pass := &invariants.Result{Status: invariants.StatusPass}
	partial := &invariants.Result{Status: invariants.StatusPartial}
	fail := &invariants.Result{Status: invariants.StatusFail}

	assert.Equal(t, invariants.VerdictGo, invariants.VerdictFor([]*invariants.Result{pass, pass}))
	assert.Equal(t, invariants.VerdictConditionalGo, invariants.VerdictFor([]*invariants.Result{pass, partial}))
	assert.Equal(t, invariants.VerdictNoGo, invariants.VerdictFor([]*invariants.Result{partial, fail, pass}))

	r := &invariants.Report{Verdict: invariants.VerdictGo}
	r.Downgrade("heartbeat timed out")
	assert.Equal(t, invariants.VerdictConditionalGo, r.Verdict)

	r = &invariants.Report{Verdict: invariants.VerdictNoGo}
	r.Downgrade("heartbeat timed out")
	assert.Equal(t, invariants.VerdictNoGo, r.Verdict)
	assert.Len(t, r.Notes, 1)
}

func TestWriteReport(t *testing.T) {
	report := run(t, setup(t))
	dir, err := invariants.WriteReport(t.TempDir(), report)
	require.NoError(t, err)

	var index invariants.Index
	data, err := os.ReadFile(filepath.Join(dir, "00_INDEX.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &index))
	require.Len(t, index.Entries, 1)

	var decoded invariants.Report
	score, err := os.ReadFile(filepath.Join(dir, "01_SCORE.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(score, &decoded))
	assert.Equal(t, report.Verdict, decoded.Verdict)
	assert.Equal(t, int64(len(score)), index.Entries[0].SizeBytes)
}
