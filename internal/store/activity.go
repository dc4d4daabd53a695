package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harun/plugd/pkg/audit"
)

// AppendActivity writes a batch of audit records in one transaction. Rows
// are never updated; a replayed batch is ignored by id.
func (s *Store) AppendActivity(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO plugin_activity
			(id, plugin_id, action, tenant_id, actor_id, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, r.PluginID, r.Action, r.TenantID, r.ActorID,
			r.Success, r.Error, r.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert activity %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activity: %w", err)
	}
	return nil
}

// RecentActivity returns matching records, newest first
func (s *Store) RecentActivity(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	query := `SELECT id, plugin_id, action, tenant_id, actor_id, success, error, created_at
		FROM plugin_activity WHERE 1=1`
	var args []any
	if q.PluginID != "" {
		query += " AND plugin_id = ?"
		args = append(args, q.PluginID)
	}
	if q.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, q.TenantID)
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.Since.UnixNano())
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			r                      audit.Record
			tenantID, actorID, msg sql.NullString
			createdAt              int64
		)
		if err := rows.Scan(&r.ID, &r.PluginID, &r.Action, &tenantID, &actorID, &r.Success, &msg, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		r.TenantID = tenantID.String
		r.ActorID = actorID.String
		r.Error = msg.String
		r.Timestamp = time.Unix(0, createdAt).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneActivity deletes records older than the cutoff
func (s *Store) PruneActivity(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM plugin_activity WHERE created_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune activity: %w", err)
	}
	return res.RowsAffected()
}
