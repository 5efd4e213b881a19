package store

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

type evidenceRow struct {
	ID          string `db:"id"`
	SourceURL   string `db:"source_url"`
	ContentType string `db:"content_type"`
	RawContent  []byte `db:"raw_content"`
	ContentHash string `db:"content_hash"`
	BlobRef     string `db:"blob_ref"`
	FetchedAt   string `db:"fetched_at"`
}

func (r evidenceRow) model() *model.Evidence {
	return &model.Evidence{
		ID:          r.ID,
		SourceURL:   r.SourceURL,
		ContentType: r.ContentType,
		RawContent:  r.RawContent,
		ContentHash: r.ContentHash,
		BlobRef:     r.BlobRef,
		FetchedAt:   parseTime(r.FetchedAt),
	}
}

const evidenceColumns = `id, source_url, content_type, raw_content, content_hash, blob_ref, fetched_at`

// InsertEvidence stores ev unless a row with the same source URL and content
// hash exists. It returns the stored row and whether it was newly inserted.
func (c conn) InsertEvidence(ctx context.Context, ev *model.Evidence) (*model.Evidence, bool, error) {
	res, err := c.exec(ctx, `INSERT INTO evidence (`+evidenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_url, content_hash) DO NOTHING`,
		ev.ID, ev.SourceURL, ev.ContentType, ev.RawContent, ev.ContentHash, ev.BlobRef, formatTime(ev.FetchedAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert evidence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		return ev, true, nil
	}
	existing, err := c.FindEvidence(ctx, ev.SourceURL, ev.ContentHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindEvidence looks evidence up by its natural key.
func (c conn) FindEvidence(ctx context.Context, sourceURL, contentHash string) (*model.Evidence, error) {
	var row evidenceRow
	if err := c.get(ctx, &row, `SELECT `+evidenceColumns+` FROM evidence WHERE source_url = ? AND content_hash = ?`,
		sourceURL, contentHash); err != nil {
		return nil, err
	}
	return row.model(), nil
}

func (c conn) GetEvidence(ctx context.Context, id string) (*model.Evidence, error) {
	var row evidenceRow
	if err := c.get(ctx, &row, `SELECT `+evidenceColumns+` FROM evidence WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("evidence %s: %w", id, err)
	}
	return row.model(), nil
}

// ListEvidence returns all evidence ordered by fetch time.
func (c conn) ListEvidence(ctx context.Context) ([]*model.Evidence, error) {
	var rows []evidenceRow
	if err := c.selectAll(ctx, &rows, `SELECT `+evidenceColumns+` FROM evidence ORDER BY fetched_at, id`); err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	out := make([]*model.Evidence, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// UpdateEvidenceHash overwrites the stored content hash of one row.
func (c conn) UpdateEvidenceHash(ctx context.Context, id, contentHash string) error {
	res, err := c.exec(ctx, `UPDATE evidence SET content_hash = ? WHERE id = ?`, contentHash, id)
	if err != nil {
		return fmt.Errorf("update evidence hash: %w", err)
	}
	return expectOne(res, "evidence", id)
}
