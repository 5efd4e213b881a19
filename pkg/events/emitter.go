// Package events emits deterministic content-sync notifications.
//
// An event's identity is the hash of its canonical signature, so emitting
// the same change twice yields the same event id and stores one row.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/regtruth/pkg/canonicalize"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/observability"
)

// ErrMissingPointers is returned when an event would not cite any source pointer.
var ErrMissingPointers = errors.New("events: source pointer ids required")

// Params describe one change.
type Params struct {
	Type             model.EventType
	RuleID           string
	ConceptID        string
	ChangeType       model.ChangeType
	RiskTier         model.RiskTier
	EffectiveFrom    time.Time
	SourcePointerIDs []string
	// NewValue is omitted from the signature when nil.
	NewValue *string
}

// Signature is the canonical identity of an event.
type Signature struct {
	RuleID               string          `json:"ruleId"`
	ConceptID            string          `json:"conceptId"`
	Type                 model.EventType `json:"type"`
	EffectiveFrom        string          `json:"effectiveFrom"`
	SourcePointerIDsHash string          `json:"sourcePointerIdsHash"`
	NewValue             *string         `json:"newValue,omitempty"`
}

// Result is the outcome of Emit.
type Result struct {
	EventID string
	IsNew   bool
	Event   *model.ContentSyncEvent
}

// Repository stores events idempotently.
type Repository interface {
	InsertEventIfAbsent(ctx context.Context, ev *model.ContentSyncEvent) (bool, error)
}

// Publisher fans a newly stored event out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev *model.ContentSyncEvent) error
}

// Emitter builds, stores and publishes events.
type Emitter struct {
	repo      Repository
	publisher Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	clock     func() time.Time
}

// NewEmitter creates an Emitter. A nil publisher disables fan-out.
func NewEmitter(repo Repository, publisher Publisher) *Emitter {
	return &Emitter{
		repo:      repo,
		publisher: publisher,
		logger:    slog.Default().With("component", "events"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Emitter) WithClock(clock func() time.Time) *Emitter {
	e.clock = clock
	return e
}

// WithMetrics attaches domain counters.
func (e *Emitter) WithMetrics(m *observability.Metrics) *Emitter {
	e.metrics = m
	return e
}

// Emit stores the event unless an identical one exists. Only a newly stored
// event is published; a publish failure is logged and does not undo the insert.
func (e *Emitter) Emit(ctx context.Context, p Params) (*Result, error) {
	if len(p.SourcePointerIDs) == 0 {
		return nil, ErrMissingPointers
	}
	ids := sortedUnique(p.SourcePointerIDs)
	if len(ids) == 0 {
		return nil, ErrMissingPointers
	}

	sig, err := BuildSignature(p)
	if err != nil {
		return nil, err
	}
	sigJSON, err := canonicalize.JCS(sig)
	if err != nil {
		return nil, fmt.Errorf("events: canonicalize signature: %w", err)
	}
	eventID := canonicalize.HashBytes(sigJSON)

	ev := &model.ContentSyncEvent{
		EventID:          eventID,
		Type:             p.Type,
		RuleID:           p.RuleID,
		ConceptID:        p.ConceptID,
		ChangeType:       p.ChangeType,
		Severity:         DetermineSeverity(p.ChangeType, p.RiskTier),
		SourcePointerIDs: ids,
		Signature:        sigJSON,
		CreatedAt:        e.clock().UTC(),
	}
	isNew, err := e.repo.InsertEventIfAbsent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("events: store %s: %w", eventID, err)
	}
	res := &Result{EventID: eventID, IsNew: isNew, Event: ev}
	if !isNew {
		e.logger.DebugContext(ctx, "event already emitted", "event_id", eventID)
		return res, nil
	}

	e.metrics.EventEmitted(ctx, string(ev.Severity))
	e.logger.InfoContext(ctx, "event emitted", "event_id", eventID, "type", ev.Type,
		"rule_id", ev.RuleID, "severity", ev.Severity)
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "event publish failed", "event_id", eventID, "error", err)
		}
	}
	return res, nil
}

// BuildSignature computes the canonical signature of p.
func BuildSignature(p Params) (*Signature, error) {
	ids := sortedUnique(p.SourcePointerIDs)
	if len(ids) == 0 {
		return nil, ErrMissingPointers
	}
	idsHash, err := canonicalize.CanonicalHash(ids)
	if err != nil {
		return nil, fmt.Errorf("events: hash pointer ids: %w", err)
	}
	return &Signature{
		RuleID:               p.RuleID,
		ConceptID:            p.ConceptID,
		Type:                 p.Type,
		EffectiveFrom:        p.EffectiveFrom.UTC().Format(time.DateOnly),
		SourcePointerIDsHash: idsHash,
		NewValue:             p.NewValue,
	}, nil
}

// DetermineSeverity grades a change. Repeals are always breaking.
func DetermineSeverity(change model.ChangeType, tier model.RiskTier) model.Severity {
	if change == model.ChangeRepeal {
		return model.SeverityBreaking
	}
	switch tier {
	case model.TierT0:
		return model.SeverityBreaking
	case model.TierT1:
		return model.SeverityMajor
	case model.TierT2:
		return model.SeverityMinor
	}
	return model.SeverityInfo
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
