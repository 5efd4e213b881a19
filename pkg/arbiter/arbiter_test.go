package arbiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/regtruth/pkg/arbiter"
	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/Mindburn-Labs/regtruth/pkg/config"
	"github.com/Mindburn-Labs/regtruth/pkg/identity"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/observability"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
	"github.com/Mindburn-Labs/regtruth/pkg/store/storetest"
)

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db      *store.Store
	arbiter *arbiter.Arbiter
	tokens  *identity.TokenManager
	reader  *sdkmetric.ManualReader
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	ks, err := identity.NewHMACKeySet("arbiter-secret-arbiter-secret-!!")
	require.NoError(t, err)
	tokens := identity.NewTokenManager(ks)

	reader := sdkmetric.NewManualReader()
	metrics, err := observability.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	a := arbiter.New(db, tokens, audit.NewStoreLogger(db), config.Default().Arbiter).
		WithClock(func() time.Time { return now }).
		WithMetrics(metrics)
	return &fixture{db: db, arbiter: a, tokens: tokens, reader: reader}
}

func (f *fixture) conflict(t *testing.T, rules ...*model.Rule) *model.Conflict {
	t.Helper()
	created, err := f.arbiter.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	assert.ElementsMatch(t, ids, created[0].ItemIDs)
	return created[0]
}

func TestDefaultScorer(t *testing.T) {
	s := arbiter.NewDefaultScorer()
	law := s.Score(arbiter.Candidate{Authority: model.AuthorityLaw, Confidence: 0.8, AsOf: now}, now)
	guidance := s.Score(arbiter.Candidate{Authority: model.AuthorityGuidance, Confidence: 0.8, AsOf: now}, now)
	older := s.Score(arbiter.Candidate{Authority: model.AuthorityLaw, Confidence: 0.8, AsOf: now.AddDate(-1, 0, 0)}, now)
	assert.Greater(t, law, guidance)
	assert.Greater(t, law, older)
	assert.InDelta(t, 0.5+0.2+0.24, law, 1e-9)
}

func TestDetect_ValueMismatchOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "pdv-stopa", Value: "25", Status: model.StatusApproved})
	b := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "pdv-stopa", Value: "13", Status: model.StatusPendingReview})
	storetest.SeedRule(t, f.db, storetest.Rule{Concept: "pdv-stopa", Value: "5", Status: model.StatusDraft})
	storetest.SeedRule(t, f.db, storetest.Rule{Concept: "pdv-stopa", Value: "20", Status: model.StatusApproved, From: storetest.Date(2026, 1, 1)})

	cf := f.conflict(t, a, b)
	assert.Equal(t, model.ConflictValueMismatch, cf.ConflictType)
	assert.Equal(t, model.ConflictOpen, cf.Status)

	again, err := f.arbiter.Detect(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDetect_PointerDisagreement(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rule := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "prag", ContentType: "REFERENCE"})
	first, err := f.db.GetPointer(ctx, rule.PointerIDs[0])
	require.NoError(t, err)

	odd := *first
	odd.ID = uuid.New().String()
	odd.ExtractedValue = "2"
	require.NoError(t, f.db.InsertPointer(ctx, &odd))
	rule.PointerIDs = append(rule.PointerIDs, odd.ID)
	require.NoError(t, f.db.UpdateRule(ctx, rule))

	created, err := f.arbiter.Detect(ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, model.ConflictPointerDisagreement, created[0].ConflictType)
	assert.ElementsMatch(t, []string{first.ID, odd.ID}, created[0].ItemIDs)
}

func TestResolve_AuthorityWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	law := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "rok", Value: "30", Authority: model.AuthorityLaw, Status: model.StatusApproved})
	practice := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "rok", Value: "15", Authority: model.AuthorityPractice, Status: model.StatusApproved})
	cf := f.conflict(t, law, practice)

	outcome, err := f.arbiter.Resolve(ctx, cf.ID)
	require.NoError(t, err)
	resolved, ok := outcome.(arbiter.Resolved)
	require.True(t, ok, "got %#v", outcome)
	assert.Equal(t, law.ID, resolved.WinnerID)
	assert.Equal(t, model.ArbiterResolver, resolved.Resolver)

	stored, err := f.db.GetConflict(ctx, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, stored.Status)
	assert.Equal(t, law.ID, stored.Resolution.WinningItemID)
	assert.Equal(t, model.ArbiterResolver, stored.ResolvedBy)

	loser, err := f.db.GetRule(ctx, practice.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, loser.Status)

	n, err := f.db.CountAudit(ctx, audit.EventResolution, "conflict.resolved")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResolve_PublishedLoserStaysPublished(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	law := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "rok", Value: "30", Authority: model.AuthorityLaw, Status: model.StatusApproved})
	old := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "rok", Value: "15", Authority: model.AuthorityPractice, Status: model.StatusPublished})
	cf := f.conflict(t, law, old)

	_, err := f.arbiter.Resolve(ctx, cf.ID)
	require.NoError(t, err)
	stored, err := f.db.GetRule(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPublished, stored.Status)
}

func TestResolve_TieEscalates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "iznos", Value: "100", Status: model.StatusApproved})
	b := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "iznos", Value: "200", Status: model.StatusApproved})
	cf := f.conflict(t, a, b)

	outcome, err := f.arbiter.Resolve(ctx, cf.ID)
	require.NoError(t, err)
	esc, ok := outcome.(arbiter.Escalated)
	require.True(t, ok)
	assert.Equal(t, arbiter.ReasonWithinMargin, esc.Reason)

	stored, err := f.db.GetConflict(ctx, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictEscalated, stored.Status)
	assert.Empty(t, stored.ResolvedBy)

	_, err = f.arbiter.Resolve(ctx, cf.ID)
	assert.ErrorIs(t, err, arbiter.ErrNotOpen)

	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(ctx, &rm))
	var escalations int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "regtruth.arbiter.escalations" {
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					escalations += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), escalations)
}

func TestResolveByHuman(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "iznos", Value: "100", Status: model.StatusApproved})
	b := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "iznos", Value: "200", Status: model.StatusApproved})
	cf := f.conflict(t, a, b)
	_, err := f.arbiter.Resolve(ctx, cf.ID)
	require.NoError(t, err)

	bot, err := f.tokens.GenerateToken(ctx, &identity.Service{Name: "bot"}, time.Hour)
	require.NoError(t, err)
	_, err = f.arbiter.ResolveByHuman(ctx, cf.ID, a.ID, bot)
	assert.ErrorIs(t, err, arbiter.ErrHumanRequired)

	human, err := f.tokens.GenerateToken(ctx, &identity.Reviewer{ReviewerID: "ivana.horvat"}, time.Hour)
	require.NoError(t, err)
	_, err = f.arbiter.ResolveByHuman(ctx, cf.ID, "stranger", human)
	assert.ErrorIs(t, err, arbiter.ErrNotAnItem)

	settled, err := f.arbiter.ResolveByHuman(ctx, cf.ID, b.ID, human)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, settled.Status)
	assert.Equal(t, "ivana.horvat", settled.ResolvedBy)
	assert.Equal(t, b.ID, settled.Resolution.WinningItemID)

	loser, err := f.db.GetRule(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, loser.Status)

	_, err = f.arbiter.ResolveByHuman(ctx, cf.ID, b.ID, human)
	assert.ErrorIs(t, err, arbiter.ErrAlreadySettled)
}

func TestPluggableScorer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	low := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "x", Value: "1", Confidence: 0.4, Authority: model.AuthorityLaw, Status: model.StatusApproved})
	high := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "x", Value: "2", Confidence: 0.9, Authority: model.AuthorityPractice, Status: model.StatusApproved})
	f.conflict(t, low, high)

	f.arbiter.WithScorer(arbiter.ScorerFunc(func(c arbiter.Candidate, _ time.Time) float64 { return c.Confidence }))
	sum, err := f.arbiter.ProcessOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, arbiter.Summary{Resolved: 1}, sum)

	winner, err := f.db.GetRule(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, winner.Status)
}

type recordingGraph struct {
	changed []string
}

func (g *recordingGraph) RulesChanged(_ context.Context, ids ...string) error {
	g.changed = append(g.changed, ids...)
	return nil
}

func TestResolve_RebuildsGraphForRejectedLosers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	graph := &recordingGraph{}
	f.arbiter.WithGraph(graph)

	law := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "rok", Value: "30", Authority: model.AuthorityLaw, Status: model.StatusApproved})
	practice := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "rok", Value: "15", Authority: model.AuthorityPractice, Status: model.StatusApproved})
	cf := f.conflict(t, law, practice)

	_, err := f.arbiter.Resolve(ctx, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{practice.ID}, graph.changed)
}

func TestResolve_SingleLiveCandidateWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "iznos", Value: "100", Status: model.StatusApproved})
	b := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "iznos", Value: "200", Status: model.StatusApproved})
	cf := f.conflict(t, a, b)

	b.Status = model.StatusRejected
	require.NoError(t, f.db.UpdateRule(ctx, b))

	outcome, err := f.arbiter.Resolve(ctx, cf.ID)
	require.NoError(t, err)
	resolved, ok := outcome.(arbiter.Resolved)
	require.True(t, ok, "got %#v", outcome)
	assert.Equal(t, a.ID, resolved.WinnerID)
	assert.Equal(t, []string{b.ID}, resolved.LoserIDs)
}

func TestResolve_NoLiveCandidateEscalates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "iznos", Value: "100", Status: model.StatusApproved})
	b := storetest.SeedRule(t, f.db, storetest.Rule{Concept: "iznos", Value: "200", Status: model.StatusApproved})
	cf := f.conflict(t, a, b)

	for _, r := range []*model.Rule{a, b} {
		r.Status = model.StatusRejected
		require.NoError(t, f.db.UpdateRule(ctx, r))
	}

	outcome, err := f.arbiter.Resolve(ctx, cf.ID)
	require.NoError(t, err)
	esc, ok := outcome.(arbiter.Escalated)
	require.True(t, ok, "got %#v", outcome)
	assert.Equal(t, arbiter.ReasonTooFewLive, esc.Reason)
}
