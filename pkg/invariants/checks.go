package invariants

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/regtruth/pkg/discovery"
	"github.com/Mindburn-Labs/regtruth/pkg/evidence"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

type invariant struct {
	id, name string
	run      func(ctx context.Context, src *Sources, r *Result) error
}

func (i *invariant) ID() string   { return i.id }
func (i *invariant) Name() string { return i.name }

func (i *invariant) Run(ctx context.Context, src *Sources) *Result {
	r := newResult(i)
	if err := i.run(ctx, src, r); err != nil {
		r.fail(ReasonCheckError, err.Error())
	}
	return r
}

// DefaultChecks returns INV-1 through INV-8 in order.
func DefaultChecks() []Check {
	return []Check{
		&invariant{"INV-1", "Evidence immutability", checkEvidence},
		&invariant{"INV-2", "Rule traceability", checkTraceability},
		&invariant{"INV-3", "No-inference extraction", checkNoInference},
		&invariant{"INV-4", "Conflict resolution integrity", checkResolutions},
		&invariant{"INV-5", "Release hash determinism", checkReleases},
		&invariant{"INV-6", "Citation compliance", checkCitations},
		&invariant{"INV-7", "Discovery idempotency", checkDiscovery},
		&invariant{"INV-8", "Critical-tier human gate", checkHumanGate},
	}
}

func checkEvidence(ctx context.Context, src *Sources, r *Result) error {
	if src.Evidence == nil {
		r.partial(ReasonSourceMissing, "evidence verifier not configured")
		return nil
	}
	checked, mismatches, err := src.Evidence.Verify(ctx)
	if err != nil {
		return err
	}
	r.Counts["checked"] = checked
	r.Counts["mismatched"] = len(mismatches)
	for _, m := range mismatches {
		detail := fmt.Sprintf("evidence %s (%s): %s", m.EvidenceID, m.SourceURL, m.Reason)
		if m.Reason == evidence.ReasonBlobDivergence {
			r.partial(ReasonBlobDivergence, detail)
			continue
		}
		r.fail(ReasonHashMismatch, detail)
	}
	return nil
}

// checkTraceability covers rules in review or later; drafts and rejected
// rules carry no claim.
func checkTraceability(ctx context.Context, src *Sources, r *Result) error {
	rules, err := src.DB.ListRules(ctx, store.RuleFilter{Statuses: []model.RuleStatus{
		model.StatusPendingReview, model.StatusApproved, model.StatusPublished,
	}})
	if err != nil {
		return err
	}
	r.Counts["rules"] = len(rules)
	return traceChains(ctx, src.DB, rules, r)
}

func traceChains(ctx context.Context, db *store.Store, rules []*model.Rule, r *Result) error {
	evidenceSeen := map[string]bool{}
	for _, rule := range rules {
		if len(rule.PointerIDs) == 0 {
			r.fail(ReasonNoPointers, fmt.Sprintf("rule %s (%s) has no source pointers", rule.ID, rule.ConceptSlug))
			continue
		}
		pointers, err := db.PointersByIDs(ctx, rule.PointerIDs)
		if err != nil {
			return err
		}
		found := make(map[string]*model.SourcePointer, len(pointers))
		for _, p := range pointers {
			found[p.ID] = p
		}
		for _, id := range rule.PointerIDs {
			p, ok := found[id]
			if !ok {
				r.fail(ReasonDanglingPointer, fmt.Sprintf("rule %s cites missing pointer %s", rule.ID, id))
				continue
			}
			seen, checked := evidenceSeen[p.EvidenceID]
			if !checked {
				_, err := db.GetEvidence(ctx, p.EvidenceID)
				switch {
				case err == nil:
					seen = true
				case errors.Is(err, store.ErrNotFound):
					seen = false
				default:
					return err
				}
				evidenceSeen[p.EvidenceID] = seen
			}
			if !seen {
				r.fail(ReasonDanglingEvidence, fmt.Sprintf("pointer %s of rule %s cites missing evidence %s", id, rule.ID, p.EvidenceID))
			}
		}
	}
	return nil
}

// checkNoInference probes the quote contract and expects extraction, once it
// has produced pointers, to have recorded at least one NO_QUOTE_MATCH rejection.
func checkNoInference(ctx context.Context, src *Sources, r *Result) error {
	if src.Extractor == nil {
		r.partial(ReasonSourceMissing, "extractor probe not configured")
	} else if err := src.Extractor.Probe(ctx); err != nil {
		r.fail(ReasonContractBroken, err.Error())
	}

	rejected, err := src.DB.CountRejections(ctx, model.RejectNoQuoteMatch)
	if err != nil {
		return err
	}
	pointers, err := src.DB.ListPointers(ctx)
	if err != nil {
		return err
	}
	r.Counts["no_quote_match_rejections"] = rejected
	r.Counts["pointers"] = len(pointers)
	if len(pointers) > 0 && rejected == 0 {
		r.partial(ReasonNoRejectionsSeen, "extraction has accepted pointers but never rejected an unquoted value")
	}
	return nil
}

// checkResolutions fails a RESOLVED conflict that has neither a winning item
// nor a human resolver, and an automated resolution without recorded scores.
func checkResolutions(ctx context.Context, src *Sources, r *Result) error {
	resolved, err := src.DB.ListConflicts(ctx, model.ConflictResolved)
	if err != nil {
		return err
	}
	r.Counts["resolved"] = len(resolved)
	for _, c := range resolved {
		if !model.IsAutomated(c.ResolvedBy) {
			continue
		}
		if c.Resolution == nil || c.Resolution.WinningItemID == "" {
			r.fail(ReasonNoWinner, fmt.Sprintf("conflict %s is RESOLVED without a winning item or a human resolver", c.ID))
			continue
		}
		if len(c.Resolution.Scores) == 0 {
			r.fail(ReasonUnexplainedResolve, fmt.Sprintf("conflict %s was resolved by %q without scores", c.ID, c.ResolvedBy))
		}
	}
	return nil
}

func checkReleases(ctx context.Context, src *Sources, r *Result) error {
	if src.Releases == nil {
		r.partial(ReasonSourceMissing, "release verifier not configured")
		return nil
	}
	checked, mismatches, err := src.Releases.VerifyAll(ctx)
	if err != nil {
		return err
	}
	r.Counts["checked"] = checked
	for _, m := range mismatches {
		r.fail(ReasonReleaseHash, fmt.Sprintf("release %s (%s) stored %s computed %s", m.ReleaseID, m.Version, m.Stored, m.Computed))
	}

	releases, err := src.DB.ListReleases(ctx)
	if err != nil {
		return err
	}
	for _, rel := range releases {
		if rel.Signature != "" && !src.Releases.VerifySignature(rel) {
			r.partial(ReasonReleaseSignature, fmt.Sprintf("release %s signature does not verify", rel.Version))
		}
	}
	return nil
}

func checkCitations(ctx context.Context, src *Sources, r *Result) error {
	published, err := src.DB.ListRules(ctx, store.RuleFilter{Statuses: []model.RuleStatus{model.StatusPublished}})
	if err != nil {
		return err
	}
	r.Counts["published"] = len(published)
	return traceChains(ctx, src.DB, published, r)
}

func checkDiscovery(ctx context.Context, src *Sources, r *Result) error {
	records, err := src.DB.ListDiscoveries(ctx, "")
	if err != nil {
		return err
	}
	r.Counts["records"] = len(records)
	seen := make(map[string]string, len(records))
	for _, rec := range records {
		canonical, err := discovery.Canonicalize(rec.URL)
		if err != nil {
			r.partial(ReasonNonCanonicalURL, fmt.Sprintf("record %s: %v", rec.ID, err))
			continue
		}
		if canonical != rec.URL {
			r.partial(ReasonNonCanonicalURL, fmt.Sprintf("record %s stores %s, canonical %s", rec.ID, rec.URL, canonical))
		}
		key := rec.EndpointID + "\x00" + canonical
		if first, dup := seen[key]; dup {
			r.fail(ReasonDuplicateDiscovery, fmt.Sprintf("records %s and %s both hold %s for %s", first, rec.ID, canonical, rec.EndpointID))
			continue
		}
		seen[key] = rec.ID
	}
	return nil
}

func checkHumanGate(ctx context.Context, src *Sources, r *Result) error {
	live, err := src.DB.ListRules(ctx, store.RuleFilter{Statuses: []model.RuleStatus{model.StatusApproved, model.StatusPublished}})
	if err != nil {
		return err
	}
	critical := 0
	for _, rule := range live {
		if !rule.RiskTier.RequiresHuman() {
			continue
		}
		critical++
		if model.IsAutomated(rule.ApprovedBy) {
			r.fail(ReasonAutomatedApprover, fmt.Sprintf("%s rule %s (%s) approved by %q", rule.RiskTier, rule.ID, rule.ConceptSlug, rule.ApprovedBy))
		}
	}
	r.Counts["critical"] = critical
	return nil
}
