package harness_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/regtruth/pkg/arbiter"
	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/Mindburn-Labs/regtruth/pkg/composer"
	"github.com/Mindburn-Labs/regtruth/pkg/config"
	"github.com/Mindburn-Labs/regtruth/pkg/events"
	"github.com/Mindburn-Labs/regtruth/pkg/evidence"
	"github.com/Mindburn-Labs/regtruth/pkg/extractor"
	"github.com/Mindburn-Labs/regtruth/pkg/harness"
	"github.com/Mindburn-Labs/regtruth/pkg/invariants"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/release"
	"github.com/Mindburn-Labs/regtruth/pkg/review"
	"github.com/Mindburn-Labs/regtruth/pkg/srg"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
	"github.com/Mindburn-Labs/regtruth/pkg/store/storetest"
)

const pdvText = "Stopa PDV-a iznosi 25 posto. Opća stopa od 25 posto propisana je člankom 38. Zakona o PDV-u."

var pdvCandidates = extractor.StaticProposer{
	{Domain: "pdv-stopa", ValueType: "percentage", ExtractedValue: "25", ExactQuote: "Stopa PDV-a iznosi 25 posto.", Confidence: 0.98, Shape: "reference"},
	{Domain: "pdv-stopa", ValueType: "percentage", ExtractedValue: "25", ExactQuote: "Opća stopa od 25 posto propisana je člankom 38.", Confidence: 0.97, Shape: "identifier"},
	{Domain: "pdv-stopa", ValueType: "percentage", ExtractedValue: "13", ExactQuote: "Snižena stopa iznosi 13 posto.", Confidence: 0.99, Shape: "reference"},
}

type stack struct {
	db        *store.Store
	evidence  *evidence.Store
	extractor *extractor.Extractor
	arbiter   *arbiter.Arbiter
	graph     *srg.Graph
	pipeline  *harness.Pipeline
	cfg       *config.Config
}

func newStack(t *testing.T, proposer extractor.Proposer) *stack {
	t.Helper()
	db := storetest.Open(t)
	cfg := config.Default()
	cfg.Pipeline.PhaseDelay = 0
	cfg.Pipeline.PhasesPerSecond = 0
	cfg.Pipeline.HeartbeatTimeout = 2 * time.Second
	cfg.Pipeline.HeartbeatPollInterval = 10 * time.Millisecond

	auditLog := audit.NewStoreLogger(db)
	ev := evidence.NewStore(db, nil, auditLog)
	ext := extractor.New(db, proposer)
	graph := srg.New(db, time.Minute)
	reviewer := review.New(db, nil, auditLog, cfg.Review).WithGraph(graph)
	arb := arbiter.New(db, nil, auditLog, cfg.Arbiter).WithGraph(graph)
	p := harness.NewPipeline(harness.Components{
		DB:        db,
		Extractor: ext,
		Composer:  composer.New(db, auditLog),
		Reviewer:  reviewer,
		Arbiter:   arb,
		Releaser:  release.New(db, reviewer, auditLog, nil),
		Graph:     graph,
		Emitter:   events.NewEmitter(db, nil),
	}, cfg.Pipeline)
	return &stack{db: db, evidence: ev, extractor: ext, arbiter: arb, graph: graph, pipeline: p, cfg: cfg}
}

func TestPipeline_EndToEnd(t *testing.T) {
	s := newStack(t, pdvCandidates)
	ctx := context.Background()
	doc, err := s.evidence.Put(ctx, "https://narodne-novine.nn.hr/pdv", "text/plain", []byte(pdvText))
	require.NoError(t, err)

	report, err := s.pipeline.Run(ctx, harness.Batch{EvidenceIDs: []string{doc.ID}})
	require.NoError(t, err)
	require.Len(t, report.Phases, 7)
	assert.Empty(t, report.Stopped)

	assert.Equal(t, 2, report.Pointers, "the unquoted 13 is rejected")
	assert.Equal(t, 1, report.Composed)
	assert.Equal(t, 1, report.Approved)
	require.NotNil(t, report.Release)
	assert.Equal(t, "v0.0.1", report.Release.Version)
	assert.Equal(t, 1, report.Events)

	published, err := s.db.ListRules(ctx, store.RuleFilter{Statuses: []model.RuleStatus{model.StatusPublished}})
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, "REFERENCE", published[0].ContentType)

	sel, err := s.graph.SelectRule(ctx, "pdv-stopa", time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, srg.SelectionAuthoritative, sel.Status)
	assert.Equal(t, "25", sel.Rule.Value)

	evs, err := s.db.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, model.ChangeCreate, evs[0].ChangeType)
	assert.Equal(t, model.SeverityMinor, evs[0].Severity)
}

func TestPipeline_IsolatesItemFailures(t *testing.T) {
	s := newStack(t, pdvCandidates)
	ctx := context.Background()
	doc, err := s.evidence.Put(ctx, "https://narodne-novine.nn.hr/pdv", "text/plain", []byte(pdvText))
	require.NoError(t, err)

	report, err := s.pipeline.Run(ctx, harness.Batch{
		EvidenceIDs: []string{doc.ID, "missing-evidence"},
		Drafts:      []composer.Draft{{ConceptSlug: "Not A Slug", Value: "1"}},
	})
	require.NoError(t, err)

	extract := report.Phases[0]
	assert.Equal(t, 1, extract.Processed)
	assert.Equal(t, 1, extract.Failed)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Composed)
	require.NotNil(t, report.Release)
}

func TestPipeline_CriticalTierWaitsForHuman(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()
	seed := storetest.SeedRule(t, s.db, storetest.Rule{Concept: "pausal-prag", Tier: model.TierT0})

	report, err := s.pipeline.Run(ctx, harness.Batch{Drafts: []composer.Draft{{
		ConceptSlug: "pausal-prag", AppliesWhen: []byte(`{"op":"true"}`), Value: "1", ValueType: "text",
		RiskTier: model.TierT0, AuthorityLevel: model.AuthorityLaw, ContentType: "REFERENCE",
		EffectiveFrom: storetest.Date(2025, 1, 1), PointerIDs: seed.PointerIDs,
	}}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Composed)
	assert.Equal(t, 0, report.Approved)
	assert.Equal(t, 1, report.AwaitingHuman)
	assert.Nil(t, report.Release)
}

func TestPipeline_CancelledBeforeStart(t *testing.T) {
	s := newStack(t, pdvCandidates)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := s.pipeline.Run(ctx, harness.Batch{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, harness.PhaseExtract, report.Stopped)
	assert.Empty(t, report.Phases)
}

func TestGroupingDrafter(t *testing.T) {
	day := time.Date(2025, 3, 4, 15, 30, 0, 0, time.UTC)
	pointers := []*model.SourcePointer{
		{ID: "b", Domain: "pdv-stopa", ExtractedValue: "25", ValueType: "percentage", Shape: "identifier", CreatedAt: day},
		{ID: "a", Domain: "pdv-stopa", ExtractedValue: "25", ValueType: "percentage", Shape: "reference", CreatedAt: day.Add(-time.Hour)},
		{ID: "c", Domain: "pdv-stopa", ExtractedValue: "13", ValueType: "percentage", Shape: "step", CreatedAt: day},
	}
	drafts, err := harness.NewGroupingDrafter().Drafts(context.Background(), pointers)
	require.NoError(t, err)
	require.Len(t, drafts, 2)

	assert.Equal(t, "13", drafts[0].Value)
	assert.Empty(t, drafts[0].ContentType, "no content type is covered by a lone step")
	assert.Equal(t, "25", drafts[1].Value)
	assert.Equal(t, "REFERENCE", drafts[1].ContentType)
	assert.Equal(t, []string{"b", "a"}, drafts[1].PointerIDs)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), drafts[1].EffectiveFrom)
}

func TestHeartbeat_Escalates(t *testing.T) {
	s := newStack(t, nil)
	hb := harness.NewHeartbeat(s.db, s.evidence, s.extractor, s.arbiter, s.cfg.Pipeline)

	res, err := hb.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK, res.Reason)
	assert.Equal(t, model.ConflictEscalated, res.Status)
	assert.Contains(t, res.Reason, arbiter.ReasonWithinMargin)

	cf, err := s.db.GetConflict(context.Background(), res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictSynthetic, cf.ConflictType)
	assert.Len(t, cf.ItemIDs, 2)
}

type stalledArbiter struct{}

func (stalledArbiter) Resolve(context.Context, string) (arbiter.Outcome, error) {
	return nil, errors.New("arbiter unavailable")
}

func TestHeartbeat_TimesOut(t *testing.T) {
	s := newStack(t, nil)
	cfg := s.cfg.Pipeline
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	hb := harness.NewHeartbeat(s.db, s.evidence, s.extractor, stalledArbiter{}, cfg)

	res, err := hb.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, model.ConflictOpen, res.Status)
	assert.Greater(t, res.Polls, 1)
}

func TestHarness_HeartbeatFailureDowngradesGo(t *testing.T) {
	s := newStack(t, nil)
	v := invariants.NewValidator(&invariants.Sources{
		DB: s.db, Evidence: s.evidence, Extractor: s.extractor,
		Releases: release.New(s.db, review.New(s.db, nil, audit.Nop(), s.cfg.Review), audit.Nop(), nil),
	})

	healthy := harness.NewHeartbeat(s.db, s.evidence, s.extractor, s.arbiter, s.cfg.Pipeline)
	report, err := harness.New(v, healthy).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, invariants.VerdictGo, report.Verdict)
	require.NotNil(t, report.Heartbeat)
	assert.True(t, report.Heartbeat.OK)

	cfg := s.cfg.Pipeline
	cfg.HeartbeatTimeout = 30 * time.Millisecond
	stalled := harness.NewHeartbeat(s.db, s.evidence, s.extractor, stalledArbiter{}, cfg)
	fresh := newStack(t, nil)
	v2 := invariants.NewValidator(&invariants.Sources{
		DB: fresh.db, Evidence: fresh.evidence, Extractor: fresh.extractor,
		Releases: release.New(fresh.db, review.New(fresh.db, nil, audit.Nop(), fresh.cfg.Review), audit.Nop(), nil),
	})
	report, err = harness.New(v2, stalled).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, invariants.VerdictConditionalGo, report.Verdict)
	require.Len(t, report.Notes, 1)
	assert.Contains(t, report.Notes[0], "heartbeat")
}
