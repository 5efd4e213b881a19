package store

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

type discoveryRow struct {
	ID           string `db:"id"`
	EndpointID   string `db:"endpoint_id"`
	URL          string `db:"url"`
	DiscoveredAt string `db:"discovered_at"`
}

// InsertDiscovery records a URL for an endpoint, reporting false when the
// (endpoint, url) pair was already known.
func (c conn) InsertDiscovery(ctx context.Context, d *model.DiscoveryRecord) (bool, error) {
	res, err := c.exec(ctx, `INSERT INTO discovery_records (id, endpoint_id, url, discovered_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (endpoint_id, url) DO NOTHING`,
		d.ID, d.EndpointID, d.URL, formatTime(d.DiscoveredAt))
	if err != nil {
		return false, fmt.Errorf("insert discovery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListDiscoveries returns every record. An empty endpointID lists all endpoints.
func (c conn) ListDiscoveries(ctx context.Context, endpointID string) ([]*model.DiscoveryRecord, error) {
	var rows []discoveryRow
	var err error
	if endpointID == "" {
		err = c.selectAll(ctx, &rows, `SELECT id, endpoint_id, url, discovered_at FROM discovery_records ORDER BY endpoint_id, url`)
	} else {
		err = c.selectAll(ctx, &rows, `SELECT id, endpoint_id, url, discovered_at FROM discovery_records WHERE endpoint_id = ? ORDER BY url`, endpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("list discoveries: %w", err)
	}
	out := make([]*model.DiscoveryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, &model.DiscoveryRecord{
			ID:           r.ID,
			EndpointID:   r.EndpointID,
			URL:          r.URL,
			DiscoveredAt: parseTime(r.DiscoveredAt),
		})
	}
	return out, nil
}
