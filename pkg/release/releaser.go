// Package release seals approved rules into immutable, hash-verifiable
// releases. The content hash covers the canonical JSON of the rules'
// snapshots in concept order and is byte-identical across re-runs.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/observability"
	"github.com/Mindburn-Labs/regtruth/pkg/review"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

var (
	ErrEmptyRelease = errors.New("release: no rules to release")
	ErrNotApproved  = errors.New("release: rule is not APPROVED")
	ErrUnknownRule  = errors.New("release: rule does not exist")
)

// Mismatch is a release whose stored hash differs from the recomputed one.
type Mismatch struct {
	ReleaseID string `json:"release_id"`
	Version   string `json:"version"`
	Stored    string `json:"stored"`
	Computed  string `json:"computed"`
}

// RepairReport summarises a Repair run.
type RepairReport struct {
	Checked  int
	Repaired []Mismatch
}

// Releaser builds, verifies and repairs releases.
type Releaser struct {
	db       *store.Store
	reviewer *review.Reviewer
	audit    audit.Logger
	signer   *Signer
	metrics  *observability.Metrics
	logger   *slog.Logger
	clock    func() time.Time
}

// New creates a Releaser. signer may be nil for unsigned releases.
func New(db *store.Store, reviewer *review.Reviewer, auditLog audit.Logger, signer *Signer) *Releaser {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Releaser{
		db:       db,
		reviewer: reviewer,
		audit:    auditLog,
		signer:   signer,
		metrics:  observability.DefaultMetrics(),
		logger:   slog.Default().With("component", "release"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Releaser) WithClock(clock func() time.Time) *Releaser {
	r.clock = clock
	return r
}

// WithMetrics replaces the metrics sink.
func (r *Releaser) WithMetrics(m *observability.Metrics) *Releaser {
	r.metrics = m
	return r
}

// Build releases the given APPROVED rules. Every rule must pass the
// publication gate before any of them is published, and the rules are
// published in the same transaction that stores the release.
func (r *Releaser) Build(ctx context.Context, ruleIDs []string) (*model.Release, error) {
	if len(ruleIDs) == 0 {
		return nil, ErrEmptyRelease
	}
	rules, err := r.db.ListRules(ctx, store.RuleFilter{IDs: ruleIDs})
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(rules))
	for _, rule := range rules {
		found[rule.ID] = true
	}
	var errs []error
	for _, id := range ruleIDs {
		if !found[id] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownRule, id))
		}
	}
	for _, rule := range rules {
		if rule.Status != model.StatusApproved {
			errs = append(errs, fmt.Errorf("%w: %s is %s", ErrNotApproved, rule.ID, rule.Status))
			continue
		}
		if err := r.reviewer.CheckPublishable(ctx, rule); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	Order(rules)
	hash, err := ContentHash(rules)
	if err != nil {
		return nil, fmt.Errorf("hash release: %w", err)
	}

	rel := &model.Release{
		ID:          uuid.New().String(),
		ContentHash: hash,
		RuleIDs:     make([]string, len(rules)),
		ReleasedAt:  r.clock().UTC(),
	}
	for i, rule := range rules {
		rel.RuleIDs[i] = rule.ID
	}

	// Publication and the release row commit together or not at all.
	var published []*review.Transition
	err = r.db.InTx(ctx, func(tx *store.Tx) error {
		published = published[:0]
		version, err := r.nextVersion(ctx, tx, rules)
		if err != nil {
			return err
		}
		for _, rule := range rules {
			t, err := r.reviewer.PublishTx(ctx, tx, rule.ID)
			if err != nil {
				return fmt.Errorf("publish %s: %w", rule.ID, err)
			}
			published = append(published, t)
		}
		rel.Version = version
		if r.signer != nil {
			rel.Signature = r.signer.Sign(rel.Version, rel.ContentHash)
		}
		return tx.InsertRelease(ctx, rel)
	})
	if err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "release built", "release_id", rel.ID, "version", rel.Version, "rules", len(rules), "hash", rel.ContentHash)
	var postErrs []error
	if err := r.reviewer.Settle(ctx, published...); err != nil {
		postErrs = append(postErrs, err)
	}
	if err := r.audit.Record(ctx, audit.EventRelease, "release.built", "release/"+rel.ID, map[string]interface{}{
		"version": rel.Version, "content_hash": rel.ContentHash, "rules": rel.RuleIDs,
	}); err != nil {
		postErrs = append(postErrs, fmt.Errorf("release %s stored but not audited: %w", rel.ID, err))
	}
	return rel, errors.Join(postErrs...)
}

// nextVersion bumps the latest release: major for a T0 rule, minor for T1,
// patch otherwise.
func (r *Releaser) nextVersion(ctx context.Context, tx *store.Tx, rules []*model.Rule) (string, error) {
	prev, err := tx.LatestRelease(ctx)
	if err != nil {
		return "", err
	}
	base := semver.MustParse("0.0.0")
	if prev != nil {
		if base, err = semver.NewVersion(prev.Version); err != nil {
			return "", fmt.Errorf("previous release version %q: %w", prev.Version, err)
		}
	}

	bump := model.TierT3
	for _, rule := range rules {
		switch {
		case rule.RiskTier == model.TierT0:
			bump = model.TierT0
		case rule.RiskTier == model.TierT1 && bump != model.TierT0:
			bump = model.TierT1
		}
	}
	var next semver.Version
	switch bump {
	case model.TierT0:
		next = base.IncMajor()
	case model.TierT1:
		next = base.IncMinor()
	default:
		next = base.IncPatch()
	}
	return "v" + next.String(), nil
}

// Verify recomputes one release's hash.
func (r *Releaser) Verify(ctx context.Context, releaseID string) (*Mismatch, error) {
	rel, err := r.db.GetRelease(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	return r.verify(ctx, rel)
}

func (r *Releaser) verify(ctx context.Context, rel *model.Release) (*Mismatch, error) {
	rules, err := r.db.ListRules(ctx, store.RuleFilter{IDs: rel.RuleIDs})
	if err != nil {
		return nil, err
	}
	if len(rules) != len(rel.RuleIDs) {
		return nil, fmt.Errorf("release %s: %d of %d rules exist: %w", rel.ID, len(rules), len(rel.RuleIDs), ErrUnknownRule)
	}
	computed, err := ContentHash(rules)
	if err != nil {
		return nil, err
	}
	if computed == rel.ContentHash {
		return nil, nil
	}
	return &Mismatch{ReleaseID: rel.ID, Version: rel.Version, Stored: rel.ContentHash, Computed: computed}, nil
}

// VerifyAll recomputes every release hash and returns the mismatches.
func (r *Releaser) VerifyAll(ctx context.Context) (int, []Mismatch, error) {
	releases, err := r.db.ListReleases(ctx)
	if err != nil {
		return 0, nil, err
	}
	var out []Mismatch
	for _, rel := range releases {
		m, err := r.verify(ctx, rel)
		if err != nil {
			return len(releases), out, err
		}
		if m != nil {
			out = append(out, *m)
		}
	}
	return len(releases), out, nil
}

// VerifySignature checks a release's signature. It reports false when no
// signer is configured or the release is unsigned.
func (r *Releaser) VerifySignature(rel *model.Release) bool {
	return r.signer != nil && rel.Signature != "" && r.signer.Verify(rel.Version, rel.ContentHash, rel.Signature)
}

// Repair rewrites every mismatching release hash. Each rewrite is audited
// before it is applied; an audit failure stops the run.
func (r *Releaser) Repair(ctx context.Context) (*RepairReport, error) {
	n, mismatches, err := r.VerifyAll(ctx)
	if err != nil {
		return nil, err
	}
	report := &RepairReport{Checked: n}
	for _, m := range mismatches {
		if err := r.audit.Record(ctx, audit.EventRepair, "release.hash_repaired", "release/"+m.ReleaseID, map[string]interface{}{
			"version": m.Version, "old_hash": m.Stored, "new_hash": m.Computed, "reason": "HASH_MISMATCH",
		}); err != nil {
			return report, fmt.Errorf("audit repair of %s: %w", m.ReleaseID, err)
		}
		if err := r.db.UpdateReleaseHash(ctx, m.ReleaseID, m.Computed); err != nil {
			return report, err
		}
		r.metrics.Repaired(ctx, "release")
		r.logger.WarnContext(ctx, "release hash repaired", "release_id", m.ReleaseID, "old", m.Stored, "new", m.Computed)
		report.Repaired = append(report.Repaired, m)
	}
	return report, nil
}
