package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

type conflictRow struct {
	ID           string         `db:"id"`
	ConflictType string         `db:"conflict_type"`
	Status       string         `db:"status"`
	ConceptSlug  string         `db:"concept_slug"`
	ItemIDs      string         `db:"item_ids"`
	Description  string         `db:"description"`
	Resolution   sql.NullString `db:"resolution"`
	ResolvedBy   string         `db:"resolved_by"`
	CreatedAt    string         `db:"created_at"`
	UpdatedAt    string         `db:"updated_at"`
}

func (r conflictRow) model() (*model.Conflict, error) {
	c := &model.Conflict{
		ID:           r.ID,
		ConflictType: model.ConflictType(r.ConflictType),
		Status:       model.ConflictStatus(r.Status),
		ConceptSlug:  r.ConceptSlug,
		ItemIDs:      decodeIDs(r.ItemIDs),
		Description:  r.Description,
		ResolvedBy:   r.ResolvedBy,
		CreatedAt:    parseTime(r.CreatedAt),
		UpdatedAt:    parseTime(r.UpdatedAt),
	}
	if r.Resolution.Valid && r.Resolution.String != "" {
		var res model.Resolution
		if err := json.Unmarshal([]byte(r.Resolution.String), &res); err != nil {
			return nil, fmt.Errorf("conflict %s resolution: %w", r.ID, err)
		}
		c.Resolution = &res
	}
	return c, nil
}

const conflictColumns = `id, conflict_type, status, concept_slug, item_ids, description, resolution, resolved_by, created_at, updated_at`

func encodeResolution(res *model.Resolution) (sql.NullString, error) {
	if res == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (c conn) InsertConflict(ctx context.Context, cf *model.Conflict) error {
	res, err := encodeResolution(cf.Resolution)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `INSERT INTO conflicts (`+conflictColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cf.ID, string(cf.ConflictType), string(cf.Status), cf.ConceptSlug, encodeIDs(cf.ItemIDs), cf.Description,
		res, cf.ResolvedBy, formatTime(cf.CreatedAt), formatTime(cf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// UpdateConflict persists status, resolution and resolver.
func (c conn) UpdateConflict(ctx context.Context, cf *model.Conflict) error {
	res, err := encodeResolution(cf.Resolution)
	if err != nil {
		return err
	}
	result, err := c.exec(ctx, `UPDATE conflicts SET status = ?, resolution = ?, resolved_by = ?, updated_at = ? WHERE id = ?`,
		string(cf.Status), res, cf.ResolvedBy, formatTime(cf.UpdatedAt), cf.ID)
	if err != nil {
		return fmt.Errorf("update conflict: %w", err)
	}
	return expectOne(result, "conflict", cf.ID)
}

func (c conn) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	var row conflictRow
	if err := c.get(ctx, &row, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("conflict %s: %w", id, err)
	}
	return row.model()
}

// ListConflicts returns conflicts in creation order. An empty status matches all.
func (c conn) ListConflicts(ctx context.Context, status model.ConflictStatus) ([]*model.Conflict, error) {
	var rows []conflictRow
	var err error
	if status == "" {
		err = c.selectAll(ctx, &rows, `SELECT `+conflictColumns+` FROM conflicts ORDER BY created_at, id`)
	} else {
		err = c.selectAll(ctx, &rows, `SELECT `+conflictColumns+` FROM conflicts WHERE status = ? ORDER BY created_at, id`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	out := make([]*model.Conflict, 0, len(rows))
	for _, r := range rows {
		cf, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, cf)
	}
	return out, nil
}
