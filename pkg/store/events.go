package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

type eventRow struct {
	EventID          string `db:"event_id"`
	Type             string `db:"type"`
	RuleID           string `db:"rule_id"`
	ConceptID        string `db:"concept_id"`
	ChangeType       string `db:"change_type"`
	Severity         string `db:"severity"`
	SourcePointerIDs string `db:"source_pointer_ids"`
	Signature        string `db:"signature"`
	CreatedAt        string `db:"created_at"`
}

func (r eventRow) model() *model.ContentSyncEvent {
	return &model.ContentSyncEvent{
		EventID:          r.EventID,
		Type:             model.EventType(r.Type),
		RuleID:           r.RuleID,
		ConceptID:        r.ConceptID,
		ChangeType:       model.ChangeType(r.ChangeType),
		Severity:         model.Severity(r.Severity),
		SourcePointerIDs: decodeIDs(r.SourcePointerIDs),
		Signature:        json.RawMessage(r.Signature),
		CreatedAt:        parseTime(r.CreatedAt),
	}
}

const eventColumns = `event_id, type, rule_id, concept_id, change_type, severity, source_pointer_ids, signature, created_at`

// InsertEventIfAbsent stores ev unless its event_id exists, reporting whether
// this call created the row.
func (c conn) InsertEventIfAbsent(ctx context.Context, ev *model.ContentSyncEvent) (bool, error) {
	res, err := c.exec(ctx, `INSERT INTO content_sync_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, string(ev.Type), ev.RuleID, ev.ConceptID, string(ev.ChangeType), string(ev.Severity),
		encodeIDs(ev.SourcePointerIDs), string(ev.Signature), formatTime(ev.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c conn) GetEvent(ctx context.Context, eventID string) (*model.ContentSyncEvent, error) {
	var row eventRow
	if err := c.get(ctx, &row, `SELECT `+eventColumns+` FROM content_sync_events WHERE event_id = ?`, eventID); err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, err)
	}
	return row.model(), nil
}

func (c conn) ListEvents(ctx context.Context) ([]*model.ContentSyncEvent, error) {
	var rows []eventRow
	if err := c.selectAll(ctx, &rows, `SELECT `+eventColumns+` FROM content_sync_events ORDER BY created_at, event_id`); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]*model.ContentSyncEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}
