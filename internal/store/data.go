package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harun/plugd/pkg/host"
)

// GetPluginData reads a value from the owner plugin's namespace
func (s *Store) GetPluginData(ctx context.Context, tenantID, owner, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM plugin_data WHERE tenant_id = ? AND plugin_id = ? AND key = ?",
		tenantID, owner, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s/%s: %w", owner, key, err)
	}
	return value, true, nil
}

// PutPluginData writes a value into the owner plugin's namespace
func (s *Store) PutPluginData(ctx context.Context, tenantID, owner, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_data (tenant_id, plugin_id, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, plugin_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		tenantID, owner, key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", owner, key, err)
	}
	return nil
}

var _ host.DataStore = (*Store)(nil)
