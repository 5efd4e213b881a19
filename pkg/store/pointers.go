package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

type pointerRow struct {
	ID             string  `db:"id"`
	EvidenceID     string  `db:"evidence_id"`
	Domain         string  `db:"domain"`
	ValueType      string  `db:"value_type"`
	ExtractedValue string  `db:"extracted_value"`
	DisplayValue   string  `db:"display_value"`
	ExactQuote     string  `db:"exact_quote"`
	Confidence     float64 `db:"confidence"`
	Shape          string  `db:"shape"`
	CreatedAt      string  `db:"created_at"`
}

func (r pointerRow) model() *model.SourcePointer {
	return &model.SourcePointer{
		ID:             r.ID,
		EvidenceID:     r.EvidenceID,
		Domain:         r.Domain,
		ValueType:      r.ValueType,
		ExtractedValue: r.ExtractedValue,
		DisplayValue:   r.DisplayValue,
		ExactQuote:     r.ExactQuote,
		Confidence:     r.Confidence,
		Shape:          r.Shape,
		CreatedAt:      parseTime(r.CreatedAt),
	}
}

const pointerColumns = `id, evidence_id, domain, value_type, extracted_value, display_value, exact_quote, confidence, shape, created_at`

func (c conn) InsertPointer(ctx context.Context, p *model.SourcePointer) error {
	_, err := c.exec(ctx, `INSERT INTO source_pointers (`+pointerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.EvidenceID, p.Domain, p.ValueType, p.ExtractedValue, p.DisplayValue, p.ExactQuote, p.Confidence, p.Shape, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert pointer: %w", err)
	}
	return nil
}

func (c conn) GetPointer(ctx context.Context, id string) (*model.SourcePointer, error) {
	var row pointerRow
	if err := c.get(ctx, &row, `SELECT `+pointerColumns+` FROM source_pointers WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("pointer %s: %w", id, err)
	}
	return row.model(), nil
}

// PointersByIDs returns the pointers that exist among ids, in id order.
func (c conn) PointersByIDs(ctx context.Context, ids []string) ([]*model.SourcePointer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []pointerRow
	if err := c.selectIn(ctx, &rows, `SELECT `+pointerColumns+` FROM source_pointers WHERE id IN (?) ORDER BY id`, ids); err != nil {
		return nil, fmt.Errorf("pointers by id: %w", err)
	}
	return pointerModels(rows), nil
}

func (c conn) PointersByEvidence(ctx context.Context, evidenceID string) ([]*model.SourcePointer, error) {
	var rows []pointerRow
	if err := c.selectAll(ctx, &rows, `SELECT `+pointerColumns+` FROM source_pointers WHERE evidence_id = ? ORDER BY created_at, id`, evidenceID); err != nil {
		return nil, fmt.Errorf("pointers by evidence: %w", err)
	}
	return pointerModels(rows), nil
}

func (c conn) ListPointers(ctx context.Context) ([]*model.SourcePointer, error) {
	var rows []pointerRow
	if err := c.selectAll(ctx, &rows, `SELECT `+pointerColumns+` FROM source_pointers ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("list pointers: %w", err)
	}
	return pointerModels(rows), nil
}

func pointerModels(rows []pointerRow) []*model.SourcePointer {
	out := make([]*model.SourcePointer, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

type rejectionRow struct {
	ID         string `db:"id"`
	EvidenceID string `db:"evidence_id"`
	Reason     string `db:"reason"`
	Detail     string `db:"detail"`
	Candidate  string `db:"candidate"`
	CreatedAt  string `db:"created_at"`
}

func (c conn) InsertRejection(ctx context.Context, r *model.ExtractionRejection) error {
	candidate := string(r.Candidate)
	if candidate == "" {
		candidate = "{}"
	}
	_, err := c.exec(ctx, `INSERT INTO extraction_rejections (id, evidence_id, reason, detail, candidate, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.EvidenceID, string(r.Reason), r.Detail, candidate, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

// CountRejections counts recorded rejections. An empty reason counts all.
func (c conn) CountRejections(ctx context.Context, reason model.RejectionReason) (int, error) {
	var n int
	var err error
	if reason == "" {
		err = c.get(ctx, &n, `SELECT COUNT(*) FROM extraction_rejections`)
	} else {
		err = c.get(ctx, &n, `SELECT COUNT(*) FROM extraction_rejections WHERE reason = ?`, string(reason))
	}
	if err != nil {
		return 0, fmt.Errorf("count rejections: %w", err)
	}
	return n, nil
}

// ListRejections returns the most recent rejections first.
func (c conn) ListRejections(ctx context.Context, limit int) ([]*model.ExtractionRejection, error) {
	var rows []rejectionRow
	if err := c.selectAll(ctx, &rows, `SELECT id, evidence_id, reason, detail, candidate, created_at
		FROM extraction_rejections ORDER BY created_at DESC, id LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list rejections: %w", err)
	}
	out := make([]*model.ExtractionRejection, 0, len(rows))
	for _, r := range rows {
		out = append(out, &model.ExtractionRejection{
			ID:         r.ID,
			EvidenceID: r.EvidenceID,
			Reason:     model.RejectionReason(r.Reason),
			Detail:     r.Detail,
			Candidate:  json.RawMessage(r.Candidate),
			CreatedAt:  parseTime(r.CreatedAt),
		})
	}
	return out, nil
}
