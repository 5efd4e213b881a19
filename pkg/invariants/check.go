// Package invariants checks the pipeline's eight data-integrity invariants
// against live state and rolls them up into a GO / NO-GO verdict.
package invariants

import (
	"context"

	"github.com/Mindburn-Labs/regtruth/pkg/evidence"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/release"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

// Status is the outcome of one invariant.
type Status string

const (
	StatusPass    Status = "PASS"
	StatusFail    Status = "FAIL"
	StatusPartial Status = "PARTIAL"
)

// Verdict rolls up every invariant.
type Verdict string

const (
	VerdictGo            Verdict = "GO"
	VerdictNoGo          Verdict = "NO-GO"
	VerdictConditionalGo Verdict = "CONDITIONAL-GO"
)

// Check is one invariant. Run must not panic; failures are expressed in the Result.
type Check interface {
	ID() string
	Name() string
	Run(ctx context.Context, src *Sources) *Result
}

// Result is the output of one check.
type Result struct {
	InvariantID string         `json:"invariant_id"`
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Reasons     []string       `json:"reasons,omitempty"`
	Details     []string       `json:"details,omitempty"`
	Counts      map[string]int `json:"counts,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
}

func newResult(c Check) *Result {
	return &Result{InvariantID: c.ID(), Name: c.Name(), Status: StatusPass, Counts: map[string]int{}}
}

// fail records a violation. A later partial never downgrades a failure.
func (r *Result) fail(reason, detail string) {
	r.Status = StatusFail
	r.add(reason, detail)
}

func (r *Result) partial(reason, detail string) {
	if r.Status != StatusFail {
		r.Status = StatusPartial
	}
	r.add(reason, detail)
}

func (r *Result) add(reason, detail string) {
	found := false
	for _, x := range r.Reasons {
		if x == reason {
			found = true
			break
		}
	}
	if !found {
		r.Reasons = append(r.Reasons, reason)
	}
	if detail != "" {
		r.Details = append(r.Details, detail)
	}
}

// EvidenceVerifier recomputes evidence hashes.
type EvidenceVerifier interface {
	Verify(ctx context.Context) (int, []evidence.Mismatch, error)
}

// ReleaseVerifier recomputes release hashes and checks signatures.
type ReleaseVerifier interface {
	VerifyAll(ctx context.Context) (int, []release.Mismatch, error)
	VerifySignature(rel *model.Release) bool
}

// ContractProbe exercises the extraction quote contract with a fabricated value.
type ContractProbe interface {
	Probe(ctx context.Context) error
}

// Sources is the live state the checks read.
type Sources struct {
	DB        *store.Store
	Evidence  EvidenceVerifier
	Releases  ReleaseVerifier
	Extractor ContractProbe
}
