package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEvidence_InsertIsIdempotentOnURLAndHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	ev := &model.Evidence{ID: "ev-1", SourceURL: "https://nn.hr/a", ContentType: "text/plain",
		RawContent: []byte("raw"), ContentHash: "abc", FetchedAt: now}
	got, isNew, err := s.InsertEvidence(ctx, ev)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "ev-1", got.ID)

	dup := *ev
	dup.ID = "ev-2"
	got, isNew, err = s.InsertEvidence(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "ev-1", got.ID)

	require.NoError(t, s.UpdateEvidenceHash(ctx, "ev-1", "def"))
	stored, err := s.GetEvidence(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "def", stored.ContentHash)
	assert.Equal(t, []byte("raw"), stored.RawContent)
	assert.True(t, now.Equal(stored.FetchedAt))

	err = s.UpdateEvidenceHash(ctx, "missing", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRules_RoundTripAndFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	until := from.AddDate(1, 0, 0)

	r1 := &model.Rule{ID: "r1", ConceptSlug: "vat-rate", AppliesWhen: json.RawMessage(`{"op":"true"}`), Value: "25",
		ValueType: "percentage", RiskTier: model.TierT1, AuthorityLevel: model.AuthorityLaw, EffectiveFrom: from,
		EffectiveUntil: &until, Status: model.StatusDraft, Confidence: 0.9, PointerIDs: []string{"p1", "p2"},
		CreatedAt: from, UpdatedAt: from}
	r2 := &model.Rule{ID: "r2", ConceptSlug: "vat-rate", AppliesWhen: json.RawMessage(`{"op":"true"}`), Value: "13",
		ValueType: "percentage", RiskTier: model.TierT2, AuthorityLevel: model.AuthorityGuidance, EffectiveFrom: until,
		Status: model.StatusApproved, Confidence: 0.97, CreatedAt: from, UpdatedAt: from}
	require.NoError(t, s.InsertRule(ctx, r1))
	require.NoError(t, s.InsertRule(ctx, r2))

	got, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, got.PointerIDs)
	require.NotNil(t, got.EffectiveUntil)
	assert.True(t, until.Equal(*got.EffectiveUntil))
	assert.JSONEq(t, `{"op":"true"}`, string(got.AppliesWhen))

	live, err := s.ListRules(ctx, store.RuleFilter{Statuses: []model.RuleStatus{model.StatusApproved, model.StatusPublished}})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "r2", live[0].ID)
	assert.Nil(t, live[0].EffectiveUntil)

	got.Status = model.StatusPendingReview
	require.NoError(t, s.UpdateRule(ctx, got))
	all, err := s.ListRules(ctx, store.RuleFilter{ConceptSlug: "vat-rate"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, model.StatusPendingReview, all[0].Status)
}

func TestEvents_InsertIfAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := &model.ContentSyncEvent{EventID: "e1", Type: model.EventRuleReleased, RuleID: "r1", ConceptID: "vat",
		ChangeType: model.ChangeCreate, Severity: model.SeverityMajor, SourcePointerIDs: []string{"p1"},
		Signature: json.RawMessage(`{"a":1}`), CreatedAt: time.Now()}
	isNew, err := s.InsertEventIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = s.InsertEventIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, isNew)

	events, err := s.ListEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDiscovery_UniquePerEndpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := &model.DiscoveryRecord{ID: "d1", EndpointID: "nn", URL: "https://nn.hr/x", DiscoveredAt: time.Now()}
	isNew, err := s.InsertDiscovery(ctx, d)
	require.NoError(t, err)
	assert.True(t, isNew)

	d2 := *d
	d2.ID = "d2"
	isNew, err = s.InsertDiscovery(ctx, &d2)
	require.NoError(t, err)
	assert.False(t, isNew)

	d3 := d2
	d3.ID, d3.EndpointID = "d3", "porezna"
	isNew, err = s.InsertDiscovery(ctx, &d3)
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestEdges_InsertQueryDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertEdge(ctx, &model.GraphEdge{FromRuleID: "b", ToRuleID: "a", Relation: model.RelationSupersedes, Namespace: "supersession", CreatedAt: time.Now()}); err != nil {
			return err
		}
		return tx.InsertEdge(ctx, &model.GraphEdge{FromRuleID: "b", ToRuleID: "a", Relation: model.RelationSupersedes, Namespace: "supersession", CreatedAt: time.Now()})
	})
	require.NoError(t, err)

	out, err := s.EdgesFrom(ctx, "b", model.RelationSupersedes)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ToRuleID)

	in, err := s.EdgesTo(ctx, "a", model.RelationSupersedes)
	require.NoError(t, err)
	assert.Len(t, in, 1)

	require.NoError(t, s.DeleteEdgesFrom(ctx, "b", model.RelationSupersedes))
	all, err := s.ListEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertEdge(ctx, &model.GraphEdge{FromRuleID: "x", ToRuleID: "y", Relation: model.RelationDependsOn, Namespace: "dependency"}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	all, err := s.ListEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestConflicts_ResolutionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	cf := &model.Conflict{ID: "c1", ConflictType: model.ConflictValueMismatch, Status: model.ConflictOpen,
		ConceptSlug: "vat", ItemIDs: []string{"r1", "r2"}, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.InsertConflict(ctx, cf))

	cf.Status = model.ConflictResolved
	cf.Resolution = &model.Resolution{WinningItemID: "r1", LosingItemIDs: []string{"r2"}, Scores: map[string]float64{"r1": 0.9, "r2": 0.4}}
	cf.ResolvedBy = model.ArbiterResolver
	require.NoError(t, s.UpdateConflict(ctx, cf))

	got, err := s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, "r1", got.Resolution.WinningItemID)
	assert.Equal(t, model.ArbiterResolver, got.ResolvedBy)

	open, err := s.ListConflicts(ctx, model.ConflictOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestAuditSink_ChainVerifies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	logger := audit.NewStoreLogger(s)

	for _, action := range []string{"evidence.hash_repaired", "compose.rejected", "rule.approved"} {
		require.NoError(t, logger.Record(ctx, audit.EventRepair, action, "x", map[string]interface{}{"k": action}))
	}

	entries, err := s.ListAudit(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.NoError(t, audit.VerifyChain(entries))

	n, err := s.CountAudit(ctx, audit.EventRepair, "compose.rejected")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRejections_Count(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.CountRejections(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.InsertRejection(ctx, &model.ExtractionRejection{ID: "x1", EvidenceID: "ev", Reason: model.RejectNoQuoteMatch, CreatedAt: time.Now()}))
	require.NoError(t, s.InsertRejection(ctx, &model.ExtractionRejection{ID: "x2", EvidenceID: "ev", Reason: model.RejectEmptyQuote, CreatedAt: time.Now()}))

	n, err = s.CountRejections(ctx, model.RejectNoQuoteMatch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.ListRejections(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestPostgresRebind_UsesDollarPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := store.New(db, store.DriverPostgres)
	mock.ExpectExec(`UPDATE evidence SET content_hash = \$1 WHERE id = \$2`).
		WithArgs("newhash", "ev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateEvidenceHash(context.Background(), "ev-1", "newhash"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEventIfAbsent_ReportsExistingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := store.New(db, store.DriverPostgres)
	mock.ExpectExec(`INSERT INTO content_sync_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	isNew, err := s.InsertEventIfAbsent(context.Background(), &model.ContentSyncEvent{EventID: "e1", Signature: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, isNew)
	require.NoError(t, mock.ExpectationsWereMet())
}
