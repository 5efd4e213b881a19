package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/regtruth/pkg/evidence"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/observability"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

// ErrContractNotEnforced is returned by Probe when a fabricated value was accepted.
var ErrContractNotEnforced = errors.New("extractor: quote contract accepted a fabricated value")

// Repository is the persistence the extractor needs.
type Repository interface {
	GetEvidence(ctx context.Context, id string) (*model.Evidence, error)
	InsertPointer(ctx context.Context, p *model.SourcePointer) error
	InsertRejection(ctx context.Context, r *model.ExtractionRejection) error
}

// Result is the outcome of one Accept call.
type Result struct {
	Pointers   []*model.SourcePointer
	Rejections []*model.ExtractionRejection
}

// Extractor enforces the quote contract.
type Extractor struct {
	repo     Repository
	proposer Proposer
	metrics  *observability.Metrics
	logger   *slog.Logger
	clock    func() time.Time

	accepted atomic.Int64
	rejected atomic.Int64
}

// New creates an Extractor. proposer may be nil when candidates are supplied directly.
func New(repo Repository, proposer Proposer) *Extractor {
	return &Extractor{
		repo:     repo,
		proposer: proposer,
		metrics:  observability.DefaultMetrics(),
		logger:   slog.Default().With("component", "extractor"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Extractor) WithClock(clock func() time.Time) *Extractor {
	e.clock = clock
	return e
}

// WithMetrics replaces the metrics sink.
func (e *Extractor) WithMetrics(m *observability.Metrics) *Extractor {
	e.metrics = m
	return e
}

// Extract asks the proposer for candidates on one evidence record and
// accepts them under the contract.
func (e *Extractor) Extract(ctx context.Context, evidenceID string) (*Result, error) {
	if e.proposer == nil {
		return nil, errors.New("extractor: no proposer configured")
	}
	ev, err := e.repo.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	text, err := evidence.Text(ev.RawContent, ev.ContentType)
	if err != nil {
		return nil, err
	}
	candidates, err := e.proposer.Propose(ctx, ev, text)
	if err != nil {
		return nil, fmt.Errorf("propose candidates for %s: %w", evidenceID, err)
	}
	return e.Accept(ctx, evidenceID, candidates)
}

// Accept validates candidates against the evidence text. Valid candidates
// become SourcePointers; every other candidate is recorded as a rejection.
func (e *Extractor) Accept(ctx context.Context, evidenceID string, candidates []Candidate) (*Result, error) {
	res := &Result{}

	var text string
	ev, err := e.repo.GetEvidence(ctx, evidenceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		for _, c := range candidates {
			if err := e.reject(ctx, res, evidenceID, c, model.RejectEvidenceMissing, "evidence does not exist"); err != nil {
				return res, err
			}
		}
		return res, nil
	case err != nil:
		return nil, err
	}
	if text, err = evidence.Text(ev.RawContent, ev.ContentType); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if reason, detail := Check(text, c); reason != "" {
			if err := e.reject(ctx, res, evidenceID, c, reason, detail); err != nil {
				return res, err
			}
			continue
		}

		p := &model.SourcePointer{
			ID:             uuid.New().String(),
			EvidenceID:     evidenceID,
			Domain:         c.Domain,
			ValueType:      c.ValueType,
			ExtractedValue: c.ExtractedValue,
			DisplayValue:   c.DisplayValue,
			ExactQuote:     c.ExactQuote,
			Confidence:     c.Confidence,
			Shape:          c.Shape,
			CreatedAt:      e.clock().UTC(),
		}
		if err := e.repo.InsertPointer(ctx, p); err != nil {
			return res, err
		}
		res.Pointers = append(res.Pointers, p)
	}

	e.accepted.Add(int64(len(res.Pointers)))
	e.metrics.ExtractionAccepted(ctx, len(res.Pointers))
	return res, nil
}

func (e *Extractor) reject(ctx context.Context, res *Result, evidenceID string, c Candidate, reason model.RejectionReason, detail string) error {
	raw, err := encodeCandidate(c)
	if err != nil {
		return fmt.Errorf("encode rejected candidate: %w", err)
	}
	r := &model.ExtractionRejection{
		ID:         uuid.New().String(),
		EvidenceID: evidenceID,
		Reason:     reason,
		Detail:     detail,
		Candidate:  raw,
		CreatedAt:  e.clock().UTC(),
	}
	if err := e.repo.InsertRejection(ctx, r); err != nil {
		return fmt.Errorf("record rejection: %w", err)
	}
	e.rejected.Add(1)
	e.metrics.ExtractionRejected(ctx, string(reason))
	e.logger.InfoContext(ctx, "candidate rejected", "evidence_id", evidenceID, "reason", reason, "value", c.ExtractedValue)
	res.Rejections = append(res.Rejections, r)
	return nil
}

// RejectionRate is rejected / (accepted + rejected) over this extractor's lifetime.
func (e *Extractor) RejectionRate() float64 {
	a, r := e.accepted.Load(), e.rejected.Load()
	if a+r == 0 {
		return 0
	}
	return float64(r) / float64(a+r)
}

// Probe runs the contract against a fabricated candidate without touching
// storage. It fails when the fabricated value is not rejected as NO_QUOTE_MATCH.
func (e *Extractor) Probe(context.Context) error {
	const text = "The standard rate is 25 percent."
	fabricated := Candidate{
		Domain:         "probe",
		ValueType:      "percentage",
		ExtractedValue: "13",
		ExactQuote:     "The standard rate is 13 percent.",
		Confidence:     0.99,
	}
	if reason, _ := Check(text, fabricated); reason != model.RejectNoQuoteMatch {
		return fmt.Errorf("%w: got %q", ErrContractNotEnforced, reason)
	}
	return nil
}

// encodeCandidate records a rejected candidate as proposed. A confidence
// JSON cannot carry (NaN, ±Inf) is written as null.
func encodeCandidate(c Candidate) (json.RawMessage, error) {
	type record struct {
		Candidate
		Confidence *float64 `json:"confidence"`
	}
	rec := record{Candidate: c}
	if !math.IsNaN(c.Confidence) && !math.IsInf(c.Confidence, 0) {
		rec.Confidence = &c.Confidence
	}
	return json.Marshal(rec)
}
