package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/regtruth/pkg/audit"
)

type auditRow struct {
	Sequence     uint64 `db:"sequence"`
	EntryID      string `db:"entry_id"`
	Timestamp    string `db:"timestamp"`
	Type         string `db:"type"`
	Action       string `db:"action"`
	Resource     string `db:"resource"`
	Payload      string `db:"payload"`
	PayloadHash  string `db:"payload_hash"`
	PreviousHash string `db:"previous_hash"`
	EntryHash    string `db:"entry_hash"`
}

const auditColumns = `sequence, entry_id, timestamp, type, action, resource, payload, payload_hash, previous_hash, entry_hash`

var _ audit.Sink = (*Store)(nil)

// AppendAudit seals entry against the current chain head and inserts it.
func (s *Store) AppendAudit(ctx context.Context, entry *audit.Entry) (*audit.Entry, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	e := *entry
	err := s.InTx(ctx, func(tx *Tx) error {
		var head auditRow
		seq, prev := uint64(1), audit.GenesisHash
		err := tx.get(ctx, &head, `SELECT `+auditColumns+` FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
		switch {
		case err == nil:
			seq, prev = head.Sequence+1, head.EntryHash
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("read audit head: %w", err)
		}

		// Timestamps round-trip through TEXT, so hash what will be stored.
		e.Timestamp = parseTime(formatTime(e.Timestamp))
		if err := e.Seal(seq, prev); err != nil {
			return err
		}
		_, err = tx.exec(ctx, `INSERT INTO audit_entries (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Sequence, e.EntryID, formatTime(e.Timestamp), string(e.Type), e.Action, e.Resource,
			string(e.Payload), e.PayloadHash, e.PreviousHash, e.EntryHash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("append audit: %w", err)
	}
	return &e, nil
}

// ListAudit returns the chain in sequence order.
func (c conn) ListAudit(ctx context.Context) ([]*audit.Entry, error) {
	var rows []auditRow
	if err := c.selectAll(ctx, &rows, `SELECT `+auditColumns+` FROM audit_entries ORDER BY sequence`); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	out := make([]*audit.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, &audit.Entry{
			EntryID:      r.EntryID,
			Sequence:     r.Sequence,
			Timestamp:    parseTime(r.Timestamp),
			Type:         audit.EventType(r.Type),
			Action:       r.Action,
			Resource:     r.Resource,
			Payload:      []byte(r.Payload),
			PayloadHash:  r.PayloadHash,
			PreviousHash: r.PreviousHash,
			EntryHash:    r.EntryHash,
		})
	}
	return out, nil
}

// CountAudit counts entries of one type with the given action.
func (c conn) CountAudit(ctx context.Context, t audit.EventType, action string) (int, error) {
	var n int
	if err := c.get(ctx, &n, `SELECT COUNT(*) FROM audit_entries WHERE type = ? AND action = ?`, string(t), action); err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}
