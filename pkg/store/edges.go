package store

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

type edgeRow struct {
	FromRuleID string `db:"from_rule_id"`
	ToRuleID   string `db:"to_rule_id"`
	Relation   string `db:"relation"`
	Namespace  string `db:"namespace"`
	CreatedAt  string `db:"created_at"`
}

const edgeColumns = `from_rule_id, to_rule_id, relation, namespace, created_at`

// InsertEdge adds an edge. Re-inserting an existing edge is a no-op.
func (c conn) InsertEdge(ctx context.Context, e *model.GraphEdge) error {
	_, err := c.exec(ctx, `INSERT INTO graph_edges (`+edgeColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (from_rule_id, to_rule_id, relation) DO NOTHING`,
		e.FromRuleID, e.ToRuleID, string(e.Relation), e.Namespace, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

// DeleteEdgesFrom removes the outgoing edges of ruleID with the given relation.
func (c conn) DeleteEdgesFrom(ctx context.Context, ruleID string, rel model.Relation) error {
	if _, err := c.exec(ctx, `DELETE FROM graph_edges WHERE from_rule_id = ? AND relation = ?`, ruleID, string(rel)); err != nil {
		return fmt.Errorf("delete edges: %w", err)
	}
	return nil
}

// DeleteEdgesTo removes the incoming edges of ruleID with the given relation.
func (c conn) DeleteEdgesTo(ctx context.Context, ruleID string, rel model.Relation) error {
	if _, err := c.exec(ctx, `DELETE FROM graph_edges WHERE to_rule_id = ? AND relation = ?`, ruleID, string(rel)); err != nil {
		return fmt.Errorf("delete edges: %w", err)
	}
	return nil
}

// EdgesFrom returns the outgoing edges of ruleID. An empty relation matches all.
func (c conn) EdgesFrom(ctx context.Context, ruleID string, rel model.Relation) ([]*model.GraphEdge, error) {
	return c.edges(ctx, "from_rule_id", ruleID, rel, "relation, to_rule_id")
}

// EdgesTo returns the incoming edges of ruleID. An empty relation matches all.
func (c conn) EdgesTo(ctx context.Context, ruleID string, rel model.Relation) ([]*model.GraphEdge, error) {
	return c.edges(ctx, "to_rule_id", ruleID, rel, "relation, from_rule_id")
}

func (c conn) edges(ctx context.Context, column, ruleID string, rel model.Relation, order string) ([]*model.GraphEdge, error) {
	query := `SELECT ` + edgeColumns + ` FROM graph_edges WHERE ` + column + ` = ?`
	args := []interface{}{ruleID}
	if rel != "" {
		query += ` AND relation = ?`
		args = append(args, string(rel))
	}
	var rows []edgeRow
	if err := c.selectAll(ctx, &rows, query+` ORDER BY `+order, args...); err != nil {
		return nil, fmt.Errorf("edges of %s: %w", ruleID, err)
	}
	return edgeModels(rows), nil
}

// EdgesByRelation returns every edge of one relation.
func (c conn) EdgesByRelation(ctx context.Context, rel model.Relation) ([]*model.GraphEdge, error) {
	var rows []edgeRow
	if err := c.selectAll(ctx, &rows, `SELECT `+edgeColumns+` FROM graph_edges WHERE relation = ? ORDER BY from_rule_id, to_rule_id`,
		string(rel)); err != nil {
		return nil, fmt.Errorf("edges by relation: %w", err)
	}
	return edgeModels(rows), nil
}

func (c conn) ListEdges(ctx context.Context) ([]*model.GraphEdge, error) {
	var rows []edgeRow
	if err := c.selectAll(ctx, &rows, `SELECT `+edgeColumns+` FROM graph_edges ORDER BY relation, from_rule_id, to_rule_id`); err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	return edgeModels(rows), nil
}

func edgeModels(rows []edgeRow) []*model.GraphEdge {
	out := make([]*model.GraphEdge, 0, len(rows))
	for _, r := range rows {
		out = append(out, &model.GraphEdge{
			FromRuleID: r.FromRuleID,
			ToRuleID:   r.ToRuleID,
			Relation:   model.Relation(r.Relation),
			Namespace:  r.Namespace,
			CreatedAt:  parseTime(r.CreatedAt),
		})
	}
	return out
}
