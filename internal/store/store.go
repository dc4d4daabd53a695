package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/plugin"
)

// Store persists the catalog, tenant rows, activity and plugin data in
// SQLite. It mirrors the registry, sinks the auditor and backs the host data
// APIs.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Debug().Str("path", path).Msg("Store opened")
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS plugin_catalog (
			plugin_id TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			classification TEXT NOT NULL,
			state TEXT NOT NULL,
			manifest TEXT NOT NULL,
			config TEXT,
			errors TEXT,
			installed_at INTEGER NOT NULL,
			installed_by TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tenant_plugins (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			plugin_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 0,
			has_access INTEGER NOT NULL DEFAULT 0,
			config TEXT,
			enabled_at INTEGER,
			enabled_by TEXT,
			updated_at INTEGER NOT NULL,
			UNIQUE (tenant_id, plugin_id)
		);
		CREATE INDEX IF NOT EXISTS idx_tenant_plugins_plugin ON tenant_plugins(plugin_id);

		CREATE TABLE IF NOT EXISTS plugin_activity (
			id TEXT PRIMARY KEY,
			plugin_id TEXT NOT NULL,
			action TEXT NOT NULL,
			tenant_id TEXT,
			actor_id TEXT,
			success INTEGER NOT NULL,
			error TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_activity_plugin ON plugin_activity(plugin_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_activity_created ON plugin_activity(created_at);

		CREATE TABLE IF NOT EXISTS plugin_data (
			tenant_id TEXT NOT NULL,
			plugin_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, plugin_id, key)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveCatalogEntry upserts a catalog row
func (s *Store) SaveCatalogEntry(ctx context.Context, e plugin.CatalogEntry) error {
	manifest, err := json.Marshal(e.Manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	cfg, err := encodeJSON(e.Config)
	if err != nil {
		return err
	}
	problems, err := encodeJSON(e.Errors)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugin_catalog
			(plugin_id, version, classification, state, manifest, config, errors, installed_at, installed_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plugin_id) DO UPDATE SET
			version = excluded.version,
			classification = excluded.classification,
			state = excluded.state,
			manifest = excluded.manifest,
			config = excluded.config,
			errors = excluded.errors,
			installed_by = excluded.installed_by,
			updated_at = excluded.updated_at`,
		e.Manifest.ID, e.Manifest.Version, string(e.Manifest.Classification), string(e.State),
		string(manifest), cfg, problems, e.InstalledAt.UnixNano(), e.InstalledBy, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save catalog entry %s: %w", e.Manifest.ID, err)
	}
	return nil
}

// DeleteCatalogEntry removes a catalog row together with its tenant rows
// and data.
func (s *Store) DeleteCatalogEntry(ctx context.Context, pluginID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM tenant_plugins WHERE plugin_id = ?",
		"DELETE FROM plugin_data WHERE plugin_id = ?",
		"DELETE FROM plugin_catalog WHERE plugin_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, pluginID); err != nil {
			return fmt.Errorf("failed to delete plugin %s: %w", pluginID, err)
		}
	}
	return tx.Commit()
}

// LoadCatalog returns every catalog row
func (s *Store) LoadCatalog(ctx context.Context) ([]plugin.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT manifest, state, config, errors, installed_at, installed_by
		FROM plugin_catalog ORDER BY plugin_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var out []plugin.CatalogEntry
	for rows.Next() {
		var (
			manifest, state string
			cfg, problems   sql.NullString
			installedAt     int64
			e               plugin.CatalogEntry
		)
		if err := rows.Scan(&manifest, &state, &cfg, &problems, &installedAt, &e.InstalledBy); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		if err := json.Unmarshal([]byte(manifest), &e.Manifest); err != nil {
			return nil, fmt.Errorf("failed to decode manifest: %w", err)
		}
		if err := decodeJSON(cfg, &e.Config); err != nil {
			return nil, err
		}
		if err := decodeJSON(problems, &e.Errors); err != nil {
			return nil, err
		}
		e.State = plugin.State(state)
		e.InstalledAt = time.Unix(0, installedAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveTenantState upserts a tenant row. Phases are not persisted; a row
// records whether the plugin is enabled.
func (s *Store) SaveTenantState(ctx context.Context, ts plugin.TenantState) error {
	cfg, err := encodeJSON(ts.Config)
	if err != nil {
		return err
	}
	var enabledAt sql.NullInt64
	if ts.EnabledAt != nil {
		enabledAt = sql.NullInt64{Int64: ts.EnabledAt.UnixNano(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_plugins
			(tenant_id, plugin_id, enabled, has_access, config, enabled_at, enabled_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, plugin_id) DO UPDATE SET
			enabled = excluded.enabled,
			has_access = excluded.has_access,
			config = excluded.config,
			enabled_at = excluded.enabled_at,
			enabled_by = excluded.enabled_by,
			updated_at = excluded.updated_at`,
		ts.TenantID, ts.PluginID, ts.Enabled, ts.HasAccess, cfg, enabledAt, ts.EnabledBy, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save tenant state %s/%s: %w", ts.TenantID, ts.PluginID, err)
	}
	return nil
}

// LoadTenantStates returns every tenant row, ordered by plugin then tenant
func (s *Store) LoadTenantStates(ctx context.Context) ([]plugin.TenantState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, plugin_id, enabled, has_access, config, enabled_at, enabled_by
		FROM tenant_plugins ORDER BY plugin_id, tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant states: %w", err)
	}
	defer rows.Close()

	var out []plugin.TenantState
	for rows.Next() {
		var (
			ts        plugin.TenantState
			cfg       sql.NullString
			enabledAt sql.NullInt64
			enabledBy sql.NullString
		)
		if err := rows.Scan(&ts.TenantID, &ts.PluginID, &ts.Enabled, &ts.HasAccess, &cfg, &enabledAt, &enabledBy); err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		if err := decodeJSON(cfg, &ts.Config); err != nil {
			return nil, err
		}
		if enabledAt.Valid {
			at := time.Unix(0, enabledAt.Int64).UTC()
			ts.EnabledAt = &at
		}
		ts.EnabledBy = enabledBy.String
		ts.Phase = plugin.PhaseDisabled
		if ts.Enabled {
			ts.Phase = plugin.PhaseRunning
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func encodeJSON(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(col sql.NullString, v any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

var (
	_ plugin.Mirror = (*Store)(nil)
	_ audit.Sink    = (*Store)(nil)
)
