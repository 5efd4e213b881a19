package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

type releaseRow struct {
	ID          string `db:"id"`
	Version     string `db:"version"`
	ContentHash string `db:"content_hash"`
	RuleIDs     string `db:"rule_ids"`
	Signature   string `db:"signature"`
	ReleasedAt  string `db:"released_at"`
}

func (r releaseRow) model() *model.Release {
	return &model.Release{
		ID:          r.ID,
		Version:     r.Version,
		ContentHash: r.ContentHash,
		RuleIDs:     decodeIDs(r.RuleIDs),
		Signature:   r.Signature,
		ReleasedAt:  parseTime(r.ReleasedAt),
	}
}

const releaseColumns = `id, version, content_hash, rule_ids, signature, released_at`

func (c conn) InsertRelease(ctx context.Context, r *model.Release) error {
	_, err := c.exec(ctx, `INSERT INTO releases (`+releaseColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Version, r.ContentHash, encodeIDs(r.RuleIDs), r.Signature, formatTime(r.ReleasedAt))
	if err != nil {
		return fmt.Errorf("insert release: %w", err)
	}
	return nil
}

func (c conn) GetRelease(ctx context.Context, id string) (*model.Release, error) {
	var row releaseRow
	if err := c.get(ctx, &row, `SELECT `+releaseColumns+` FROM releases WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("release %s: %w", id, err)
	}
	return row.model(), nil
}

// LatestRelease returns the most recent release, or nil when none exist.
func (c conn) LatestRelease(ctx context.Context) (*model.Release, error) {
	var row releaseRow
	err := c.get(ctx, &row, `SELECT `+releaseColumns+` FROM releases ORDER BY released_at DESC, id DESC LIMIT 1`)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest release: %w", err)
	}
	return row.model(), nil
}

func (c conn) ListReleases(ctx context.Context) ([]*model.Release, error) {
	var rows []releaseRow
	if err := c.selectAll(ctx, &rows, `SELECT `+releaseColumns+` FROM releases ORDER BY released_at, id`); err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	out := make([]*model.Release, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// UpdateReleaseHash overwrites the stored content hash of one release.
func (c conn) UpdateReleaseHash(ctx context.Context, id, contentHash string) error {
	res, err := c.exec(ctx, `UPDATE releases SET content_hash = ? WHERE id = ?`, contentHash, id)
	if err != nil {
		return fmt.Errorf("update release hash: %w", err)
	}
	return expectOne(res, "release", id)
}
