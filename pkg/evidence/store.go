package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/regtruth/pkg/artifacts"
	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/observability"
)

// Repository is the persistence the evidence store needs.
type Repository interface {
	InsertEvidence(ctx context.Context, ev *model.Evidence) (*model.Evidence, bool, error)
	GetEvidence(ctx context.Context, id string) (*model.Evidence, error)
	ListEvidence(ctx context.Context) ([]*model.Evidence, error)
	UpdateEvidenceHash(ctx context.Context, id, contentHash string) error
}

// Mismatch reasons.
const (
	ReasonHashMismatch   = "HASH_MISMATCH"
	ReasonUnnormalizable = "UNNORMALIZABLE"
	ReasonBlobDivergence = "BLOB_DIVERGENCE"
)

// Mismatch is one evidence row whose stored state disagrees with its content.
type Mismatch struct {
	EvidenceID   string `json:"evidence_id"`
	SourceURL    string `json:"source_url"`
	StoredHash   string `json:"stored_hash"`
	ComputedHash string `json:"computed_hash,omitempty"`
	Reason       string `json:"reason"`
	Detail       string `json:"detail,omitempty"`
}

// RepairReport summarises a repair pass.
type RepairReport struct {
	Checked    int        `json:"checked"`
	Repaired   []Mismatch `json:"repaired"`
	Unrepaired []Mismatch `json:"unrepaired,omitempty"`
}

// Store writes and verifies evidence.
type Store struct {
	repo    Repository
	blobs   artifacts.BlobStore
	audit   audit.Logger
	metrics *observability.Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// NewStore creates an evidence store. blobs may be nil to skip mirroring.
func NewStore(repo Repository, blobs artifacts.BlobStore, auditLog audit.Logger) *Store {
	return &Store{
		repo:    repo,
		blobs:   blobs,
		audit:   auditLog,
		metrics: observability.DefaultMetrics(),
		logger:  slog.Default().With("component", "evidence"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithMetrics replaces the metrics sink.
func (s *Store) WithMetrics(m *observability.Metrics) *Store {
	s.metrics = m
	return s
}

// Put stores fetched content. Identical content for the same URL returns the
// existing record.
func (s *Store) Put(ctx context.Context, sourceURL, contentType string, raw []byte) (*model.Evidence, error) {
	if sourceURL == "" {
		return nil, fmt.Errorf("evidence: source url is required")
	}
	hash, err := Hash(raw, contentType)
	if err != nil {
		return nil, err
	}

	ev := &model.Evidence{
		ID:          uuid.New().String(),
		SourceURL:   sourceURL,
		ContentType: contentType,
		RawContent:  raw,
		ContentHash: hash,
		FetchedAt:   s.clock().UTC(),
	}
	if s.blobs != nil {
		ref, err := s.blobs.Put(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("mirror evidence blob: %w", err)
		}
		ev.BlobRef = ref
	}

	stored, isNew, err := s.repo.InsertEvidence(ctx, ev)
	if err != nil {
		return nil, err
	}
	if isNew {
		s.logger.InfoContext(ctx, "evidence stored", "id", stored.ID, "url", sourceURL, "hash", hash)
	}
	return stored, nil
}

// Get returns one evidence record.
func (s *Store) Get(ctx context.Context, id string) (*model.Evidence, error) {
	return s.repo.GetEvidence(ctx, id)
}

// Verify recomputes every hash without changing anything.
func (s *Store) Verify(ctx context.Context) (int, []Mismatch, error) {
	all, err := s.repo.ListEvidence(ctx)
	if err != nil {
		return 0, nil, err
	}
	var mismatches []Mismatch
	for _, ev := range all {
		if m, bad := s.check(ev); bad {
			mismatches = append(mismatches, m)
		}
	}
	return len(all), mismatches, nil
}

func (s *Store) check(ev *model.Evidence) (Mismatch, bool) {
	m := Mismatch{EvidenceID: ev.ID, SourceURL: ev.SourceURL, StoredHash: ev.ContentHash}

	if s.blobs != nil && ev.BlobRef != "" && artifacts.RefFor(ev.RawContent) != ev.BlobRef {
		m.Reason = ReasonBlobDivergence
		m.Detail = "raw content no longer matches mirrored blob " + ev.BlobRef
		return m, true
	}

	computed, err := Hash(ev.RawContent, ev.ContentType)
	if err != nil {
		m.Reason = ReasonUnnormalizable
		m.Detail = err.Error()
		return m, true
	}
	if computed != ev.ContentHash {
		m.ComputedHash = computed
		m.Reason = ReasonHashMismatch
		return m, true
	}
	return m, false
}

// Repair rewrites every stored hash that disagrees with the recomputed one.
// Each rewrite is audited before it is applied; an audit failure aborts the
// repair of that row.
func (s *Store) Repair(ctx context.Context) (*RepairReport, error) {
	checked, mismatches, err := s.Verify(ctx)
	if err != nil {
		return nil, err
	}
	report := &RepairReport{Checked: checked}

	for _, m := range mismatches {
		if m.Reason != ReasonHashMismatch {
			s.logger.WarnContext(ctx, "evidence not repairable", "id", m.EvidenceID, "reason", m.Reason, "detail", m.Detail)
			report.Unrepaired = append(report.Unrepaired, m)
			continue
		}

		if err := s.audit.Record(ctx, audit.EventRepair, "evidence.hash_repaired", "evidence/"+m.EvidenceID, map[string]interface{}{
			"old_hash":   m.StoredHash,
			"new_hash":   m.ComputedHash,
			"reason":     "stored content hash does not match normalized raw content",
			"source_url": m.SourceURL,
		}); err != nil {
			return report, fmt.Errorf("audit repair of %s: %w", m.EvidenceID, err)
		}
		if err := s.repo.UpdateEvidenceHash(ctx, m.EvidenceID, m.ComputedHash); err != nil {
			return report, fmt.Errorf("repair %s: %w", m.EvidenceID, err)
		}

		s.metrics.Repaired(ctx, "evidence")
		s.logger.WarnContext(ctx, "evidence hash repaired", "id", m.EvidenceID, "old", m.StoredHash, "new", m.ComputedHash)
		report.Repaired = append(report.Repaired, m)
	}
	return report, nil
}
