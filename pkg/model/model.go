// Package model defines the entities shared by every stage of the regulatory
// truth pipeline: evidence, source pointers, rules, conflicts, graph edges,
// releases and content-sync events.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Evidence is an immutable snapshot of fetched source material.
type Evidence struct {
	ID          string    `json:"id"`
	SourceURL   string    `json:"source_url"`
	ContentType string    `json:"content_type"`
	RawContent  []byte    `json:"-"`
	ContentHash string    `json:"content_hash"`
	BlobRef     string    `json:"blob_ref,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// SourcePointer is one extracted fact backed by a verbatim quote.
type SourcePointer struct {
	ID             string    `json:"id"`
	EvidenceID     string    `json:"evidence_id"`
	Domain         string    `json:"domain"`
	ValueType      string    `json:"value_type"`
	ExtractedValue string    `json:"extracted_value"`
	DisplayValue   string    `json:"display_value,omitempty"`
	ExactQuote     string    `json:"exact_quote"`
	Confidence     float64   `json:"confidence"`
	Shape          string    `json:"shape,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RiskTier ranks rule criticality. T0 is the most critical.
type RiskTier string

const (
	TierT0 RiskTier = "T0"
	TierT1 RiskTier = "T1"
	TierT2 RiskTier = "T2"
	TierT3 RiskTier = "T3"
)

// Valid reports whether t is one of the four known tiers.
func (t RiskTier) Valid() bool {
	switch t {
	case TierT0, TierT1, TierT2, TierT3:
		return true
	}
	return false
}

// RequiresHuman reports whether rules of this tier need a human approver.
func (t RiskTier) RequiresHuman() bool {
	return t == TierT0 || t == TierT1
}

// AuthorityLevel ranks the legal weight of a rule's source.
type AuthorityLevel string

const (
	AuthorityLaw        AuthorityLevel = "LAW"
	AuthorityRegulation AuthorityLevel = "REGULATION"
	AuthorityGuidance   AuthorityLevel = "GUIDANCE"
	AuthorityPractice   AuthorityLevel = "PRACTICE"
)

// Rank returns a higher number for stronger authority. Unknown levels rank 0.
func (a AuthorityLevel) Rank() int {
	switch a {
	case AuthorityLaw:
		return 4
	case AuthorityRegulation:
		return 3
	case AuthorityGuidance:
		return 2
	case AuthorityPractice:
		return 1
	}
	return 0
}

// RuleStatus is a position in the approval state machine.
type RuleStatus string

const (
	StatusDraft         RuleStatus = "DRAFT"
	StatusPendingReview RuleStatus = "PENDING_REVIEW"
	StatusApproved      RuleStatus = "APPROVED"
	StatusPublished     RuleStatus = "PUBLISHED"
	StatusRejected      RuleStatus = "REJECTED"
)

// Rule is a versioned, risk-tiered regulatory claim.
type Rule struct {
	ID             string          `json:"id"`
	ConceptSlug    string          `json:"concept_slug"`
	Topic          string          `json:"topic,omitempty"`
	AppliesWhen    json.RawMessage `json:"applies_when"`
	Value          string          `json:"value"`
	ValueType      string          `json:"value_type"`
	RiskTier       RiskTier        `json:"risk_tier"`
	AuthorityLevel AuthorityLevel  `json:"authority_level"`
	ContentType    string          `json:"content_type,omitempty"`
	EffectiveFrom  time.Time       `json:"effective_from"`
	EffectiveUntil *time.Time      `json:"effective_until,omitempty"`
	Status         RuleStatus      `json:"status"`
	ApprovedBy     string          `json:"approved_by,omitempty"`
	Confidence     float64         `json:"confidence"`
	PointerIDs     []string        `json:"pointer_ids"`
	DependsOn      []string        `json:"depends_on,omitempty"`
	Overrides      []string        `json:"overrides,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TopicKey returns the topic used for rule selection, defaulting to the concept.
func (r *Rule) TopicKey() string {
	if r.Topic != "" {
		return r.Topic
	}
	return r.ConceptSlug
}

// EffectiveAt reports whether asOf falls inside [EffectiveFrom, EffectiveUntil).
func (r *Rule) EffectiveAt(asOf time.Time) bool {
	if asOf.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveUntil == nil || asOf.Before(*r.EffectiveUntil)
}

// Overlaps reports whether the effective windows of r and o intersect.
func (r *Rule) Overlaps(o *Rule) bool {
	if r.EffectiveUntil != nil && !o.EffectiveFrom.Before(*r.EffectiveUntil) {
		return false
	}
	if o.EffectiveUntil != nil && !r.EffectiveFrom.Before(*o.EffectiveUntil) {
		return false
	}
	return true
}

// Live reports whether the rule participates in supersession and arbitration.
func (r *Rule) Live() bool {
	return r.Status == StatusApproved || r.Status == StatusPublished
}

// ConflictStatus is the lifecycle state of a conflict.
type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "OPEN"
	ConflictResolved  ConflictStatus = "RESOLVED"
	ConflictEscalated ConflictStatus = "ESCALATED"
)

// ConflictType classifies a disagreement.
type ConflictType string

const (
	ConflictValueMismatch       ConflictType = "VALUE_MISMATCH"
	ConflictPointerDisagreement ConflictType = "POINTER_DISAGREEMENT"
	ConflictSynthetic           ConflictType = "SYNTHETIC_HEARTBEAT"
)

// Resolution is the JSON payload recorded on a resolved or escalated conflict.
type Resolution struct {
	WinningItemID string             `json:"winningItemId,omitempty"`
	LosingItemIDs []string           `json:"losingItemIds,omitempty"`
	Scores        map[string]float64 `json:"scores,omitempty"`
	Rationale     string             `json:"rationale,omitempty"`
	EscalatedFor  string             `json:"escalatedFor,omitempty"`
}

// Conflict is a disagreement between candidate facts for one concept.
type Conflict struct {
	ID           string         `json:"id"`
	ConflictType ConflictType   `json:"conflict_type"`
	Status       ConflictStatus `json:"status"`
	ConceptSlug  string         `json:"concept_slug"`
	ItemIDs      []string       `json:"item_ids"`
	Description  string         `json:"description"`
	Resolution   *Resolution    `json:"resolution,omitempty"`
	ResolvedBy   string         `json:"resolved_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Relation is the kind of a graph edge.
type Relation string

const (
	RelationSupersedes Relation = "SUPERSEDES"
	RelationOverrides  Relation = "OVERRIDES"
	RelationDependsOn  Relation = "DEPENDS_ON"
)

// GraphEdge is a directed relation between two rules.
type GraphEdge struct {
	FromRuleID string    `json:"from_rule_id"`
	ToRuleID   string    `json:"to_rule_id"`
	Relation   Relation  `json:"relation"`
	Namespace  string    `json:"namespace"`
	CreatedAt  time.Time `json:"created_at"`
}

// Release is an immutable, hash-sealed bundle of published rules.
type Release struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	ContentHash string    `json:"content_hash"`
	RuleIDs     []string  `json:"rule_ids"`
	Signature   string    `json:"signature,omitempty"`
	ReleasedAt  time.Time `json:"released_at"`
}

// ChangeType describes what happened to a rule.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeRepeal ChangeType = "repeal"
)

// Severity grades the downstream impact of a change.
type Severity string

const (
	SeverityBreaking Severity = "breaking"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// EventType names the kind of content-sync notification.
type EventType string

const (
	EventRuleReleased   EventType = "RULE_RELEASED"
	EventRuleSuperseded EventType = "RULE_SUPERSEDED"
	EventRuleEffective  EventType = "RULE_EFFECTIVE"
	EventSourceChanged  EventType = "SOURCE_CHANGED"
)

// ContentSyncEvent is a deterministic, idempotent change notification.
type ContentSyncEvent struct {
	EventID          string          `json:"event_id"`
	Type             EventType       `json:"type"`
	RuleID           string          `json:"rule_id"`
	ConceptID        string          `json:"concept_id"`
	ChangeType       ChangeType      `json:"change_type"`
	Severity         Severity        `json:"severity"`
	SourcePointerIDs []string        `json:"source_pointer_ids"`
	Signature        json.RawMessage `json:"signature"`
	CreatedAt        time.Time       `json:"created_at"`
}

// DiscoveryRecord is one URL discovered on a monitored endpoint.
type DiscoveryRecord struct {
	ID           string    `json:"id"`
	EndpointID   string    `json:"endpoint_id"`
	URL          string    `json:"url"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// RejectionReason is a stable code for a refused extraction.
type RejectionReason string

const (
	RejectNoQuoteMatch      RejectionReason = "NO_QUOTE_MATCH"
	RejectEmptyQuote        RejectionReason = "EMPTY_QUOTE"
	RejectValueNotInQuote   RejectionReason = "VALUE_NOT_IN_QUOTE"
	RejectInvalidConfidence RejectionReason = "INVALID_CONFIDENCE"
	RejectEvidenceMissing   RejectionReason = "EVIDENCE_MISSING"
)

// ExtractionRejection records a candidate fact the extractor refused.
type ExtractionRejection struct {
	ID         string          `json:"id"`
	EvidenceID string          `json:"evidence_id"`
	Reason     RejectionReason `json:"reason"`
	Detail     string          `json:"detail"`
	Candidate  json.RawMessage `json:"candidate"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AutomatedPrefix marks identities that belong to the pipeline rather than a person.
const AutomatedPrefix = "system:"

// AutoApprover is the identity recorded when the reviewer approves a rule by policy.
const AutoApprover = AutomatedPrefix + "auto-approver"

// ArbiterResolver is the identity recorded when the arbiter resolves a conflict by score.
const ArbiterResolver = AutomatedPrefix + "arbiter"

// IsAutomated reports whether an approver or resolver identity is automated.
// An empty identity counts as automated: nobody signed.
func IsAutomated(identity string) bool {
	return identity == "" || strings.HasPrefix(identity, AutomatedPrefix)
}
