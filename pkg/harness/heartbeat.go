package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/regtruth/pkg/arbiter"
	"github.com/Mindburn-Labs/regtruth/pkg/config"
	"github.com/Mindburn-Labs/regtruth/pkg/evidence"
	"github.com/Mindburn-Labs/regtruth/pkg/extractor"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

// HeartbeatConcept marks every record the heartbeat creates.
const HeartbeatConcept = "synthetic-heartbeat"

// Resolver settles one open conflict.
type Resolver interface {
	Resolve(ctx context.Context, conflictID string) (arbiter.Outcome, error)
}

// HeartbeatResult is the outcome of one probe.
type HeartbeatResult struct {
	ConflictID string               `json:"conflict_id"`
	Status     model.ConflictStatus `json:"status"`
	OK         bool                 `json:"ok"`
	Reason     string               `json:"reason"`
	Polls      int                  `json:"polls"`
	Elapsed    time.Duration        `json:"elapsed"`
}

// Heartbeat probes arbiter liveness with a conflict between two equally
// weighted synthetic pointers.
type Heartbeat struct {
	db        *store.Store
	evidence  *evidence.Store
	extractor *extractor.Extractor
	resolver  Resolver
	timeout   time.Duration
	interval  time.Duration
	logger    *slog.Logger
	clock     func() time.Time
}

// NewHeartbeat creates a probe. The timeout defaults to five minutes and the
// poll interval to five seconds.
func NewHeartbeat(db *store.Store, ev *evidence.Store, ext *extractor.Extractor, resolver Resolver, cfg config.PipelineConfig) *Heartbeat {
	h := &Heartbeat{
		db:        db,
		evidence:  ev,
		extractor: ext,
		resolver:  resolver,
		timeout:   cfg.HeartbeatTimeout,
		interval:  cfg.HeartbeatPollInterval,
		logger:    slog.Default().With("component", "heartbeat"),
		clock:     time.Now,
	}
	if h.timeout <= 0 {
		h.timeout = 5 * time.Minute
	}
	if h.interval <= 0 {
		h.interval = 5 * time.Second
	}
	return h
}

// WithClock overrides the clock for deterministic testing.
func (h *Heartbeat) WithClock(clock func() time.Time) *Heartbeat {
	h.clock = clock
	return h
}

// Run manufactures the synthetic conflict and polls until the arbiter
// escalates it or resolves it with scores, or the timeout passes. A timeout
// or an unexplained resolution is a failed result, not an error; errors are
// reserved for setup failures and cancellation of ctx.
func (h *Heartbeat) Run(ctx context.Context) (*HeartbeatResult, error) {
	start := h.clock()
	cf, err := h.manufacture(ctx)
	if err != nil {
		return nil, fmt.Errorf("heartbeat setup: %w", err)
	}
	res := &HeartbeatResult{ConflictID: cf.ID, Status: cf.Status}

	pollCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		res.Polls++
		current, err := h.db.GetConflict(pollCtx, cf.ID)
		if err == nil {
			res.Status = current.Status
			if done := evaluate(current, res); done {
				res.Elapsed = h.clock().Sub(start)
				h.logger.InfoContext(ctx, "heartbeat finished", "conflict_id", cf.ID,
					"status", res.Status, "ok", res.OK, "polls", res.Polls)
				return res, nil
			}
			if current.Status == model.ConflictOpen {
				_, err = h.resolver.Resolve(pollCtx, cf.ID)
				if err == nil || errors.Is(err, arbiter.ErrNotOpen) {
					continue
				}
			}
		}
		if err != nil && pollCtx.Err() == nil {
			h.logger.WarnContext(ctx, "heartbeat poll failed", "conflict_id", cf.ID, "error", err)
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.Elapsed = h.clock().Sub(start)
			res.Reason = fmt.Sprintf("arbiter did not settle the conflict within %s", h.timeout)
			h.logger.WarnContext(ctx, "heartbeat timed out", "conflict_id", cf.ID, "status", res.Status)
			return res, nil
		case <-ticker.C:
		}
	}
}

func evaluate(cf *model.Conflict, res *HeartbeatResult) bool {
	switch cf.Status {
	case model.ConflictEscalated:
		res.OK = true
		res.Reason = "escalated"
		if cf.Resolution != nil && cf.Resolution.EscalatedFor != "" {
			res.Reason = "escalated: " + cf.Resolution.EscalatedFor
		}
		return true
	case model.ConflictResolved:
		if cf.Resolution != nil && cf.Resolution.WinningItemID != "" && len(cf.Resolution.Scores) > 0 {
			res.OK = true
			res.Reason = "resolved with scores"
		} else {
			res.Reason = "resolved without evidence"
		}
		return true
	}
	return false
}

// manufacture stores a synthetic document, accepts two equally confident
// pointers from it and opens a conflict between them.
func (h *Heartbeat) manufacture(ctx context.Context) (*model.Conflict, error) {
	id := uuid.New().String()
	text := fmt.Sprintf("SYNTHETIC HEARTBEAT %s. Candidate A states value 1. Candidate B states value 2.", id)
	ev, err := h.evidence.Put(ctx, "heartbeat://"+id, "text/plain", []byte(text))
	if err != nil {
		return nil, err
	}

	res, err := h.extractor.Accept(ctx, ev.ID, []extractor.Candidate{
		{Domain: HeartbeatConcept, ValueType: "number", ExtractedValue: "1", ExactQuote: "Candidate A states value 1.", Confidence: 0.5},
		{Domain: HeartbeatConcept, ValueType: "number", ExtractedValue: "2", ExactQuote: "Candidate B states value 2.", Confidence: 0.5},
	})
	if err != nil {
		return nil, err
	}
	if len(res.Pointers) != 2 {
		return nil, fmt.Errorf("synthetic pointers rejected: %d accepted", len(res.Pointers))
	}

	now := h.clock().UTC()
	cf := &model.Conflict{
		ID:           uuid.New().String(),
		ConflictType: model.ConflictSynthetic,
		Status:       model.ConflictOpen,
		ConceptSlug:  HeartbeatConcept,
		ItemIDs:      []string{res.Pointers[0].ID, res.Pointers[1].ID},
		Description:  "synthetic heartbeat " + id,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.db.InsertConflict(ctx, cf); err != nil {
		return nil, err
	}
	return cf, nil
}
