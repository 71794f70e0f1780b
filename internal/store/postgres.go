package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists state in Postgres. The plugin record is stored as
// a JSONB document keyed by id; sources, history, integrations, keys and
// metrics get their own tables. The document-style plugin row keeps the
// record shape identical across both store implementations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database and bootstraps the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store unreachable: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plugins (
			id TEXT PRIMARY KEY,
			forgehook_id TEXT NOT NULL UNIQUE,
			record JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS update_history (
			id TEXT PRIMARY KEY,
			plugin_id TEXT NOT NULL,
			from_version TEXT NOT NULL,
			to_version TEXT NOT NULL,
			action TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS update_history_plugin_idx ON update_history (plugin_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS registry_sources (
			id TEXT PRIMARY KEY,
			record JSONB NOT NULL,
			priority INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			record JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			prefix TEXT NOT NULL UNIQUE,
			record JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS invocation_metrics (
			plugin_id TEXT PRIMARY KEY,
			invocation_count BIGINT NOT NULL DEFAULT 0,
			error_count BIGINT NOT NULL DEFAULT 0,
			total_latency_ms BIGINT NOT NULL DEFAULT 0,
			last_invoked TIMESTAMPTZ
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SavePlugin(ctx context.Context, p *PluginInstance) error {
	record, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugins (id, forgehook_id, record) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET forgehook_id = $2, record = $3
	`, p.ID, p.ForgehookID, record)
	return err
}

func (s *PostgresStore) SavePluginWithHistory(ctx context.Context, p *PluginInstance, entry *UpdateHistoryEntry) error {
	record, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plugins (id, forgehook_id, record) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET forgehook_id = $2, record = $3
	`, p.ID, p.ForgehookID, record); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO update_history (id, plugin_id, from_version, to_version, action, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.PluginID, entry.FromVersion, entry.ToVersion, string(entry.Action), entry.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) scanPlugin(row *sql.Row, id string) (*PluginInstance, error) {
	var record []byte
	if err := row.Scan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Kind: "plugin", ID: id}
		}
		return nil, err
	}
	var p PluginInstance
	if err := json.Unmarshal(record, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPlugin(ctx context.Context, id string) (*PluginInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record FROM plugins WHERE id = $1`, id)
	return s.scanPlugin(row, id)
}

func (s *PostgresStore) GetPluginByForgehookID(ctx context.Context, forgehookID string) (*PluginInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record FROM plugins WHERE forgehook_id = $1`, forgehookID)
	return s.scanPlugin(row, forgehookID)
}

func (s *PostgresStore) ListPlugins(ctx context.Context) ([]*PluginInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM plugins ORDER BY forgehook_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*PluginInstance
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var p PluginInstance
		if err := json.Unmarshal(record, &p); err != nil {
			return nil, err
		}
		list = append(list, &p)
	}
	return list, rows.Err()
}

func (s *PostgresStore) DeletePlugin(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "plugin", ID: id}
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, pluginID string) ([]*UpdateHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plugin_id, from_version, to_version, action, created_at
		FROM update_history WHERE plugin_id = $1 ORDER BY created_at
	`, pluginID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*UpdateHistoryEntry
	for rows.Next() {
		var e UpdateHistoryEntry
		var action string
		if err := rows.Scan(&e.ID, &e.PluginID, &e.FromVersion, &e.ToVersion, &action, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = HistoryAction(action)
		list = append(list, &e)
	}
	return list, rows.Err()
}

func (s *PostgresStore) SaveSource(ctx context.Context, src *RegistrySource) error {
	record, err := json.Marshal(src)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registry_sources (id, record, priority) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET record = $2, priority = $3
	`, src.ID, record, src.Priority)
	return err
}

func (s *PostgresStore) GetSource(ctx context.Context, id string) (*RegistrySource, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM registry_sources WHERE id = $1`, id).Scan(&record)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Kind: "source", ID: id}
		}
		return nil, err
	}
	var src RegistrySource
	if err := json.Unmarshal(record, &src); err != nil {
		return nil, err
	}
	return &src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context) ([]*RegistrySource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM registry_sources ORDER BY priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*RegistrySource
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var src RegistrySource
		if err := json.Unmarshal(record, &src); err != nil {
			return nil, err
		}
		list = append(list, &src)
	}
	return list, rows.Err()
}

func (s *PostgresStore) DeleteSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registry_sources WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "source", ID: id}
	}
	return nil
}

func (s *PostgresStore) SaveIntegration(ctx context.Context, in *Integration) error {
	record, err := json.Marshal(in)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integrations (id, record) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET record = $2
	`, in.ID, record)
	return err
}

func (s *PostgresStore) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM integrations WHERE id = $1`, id).Scan(&record)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Kind: "integration", ID: id}
		}
		return nil, err
	}
	var in Integration
	if err := json.Unmarshal(record, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *PostgresStore) ListIntegrations(ctx context.Context) ([]*Integration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM integrations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*Integration
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var in Integration
		if err := json.Unmarshal(record, &in); err != nil {
			return nil, err
		}
		list = append(list, &in)
	}
	return list, rows.Err()
}

func (s *PostgresStore) DeleteIntegration(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM integrations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "integration", ID: id}
	}
	return nil
}

func (s *PostgresStore) SaveAPIKey(ctx context.Context, k *APIKey) error {
	record, err := json.Marshal(k)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, prefix, record) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET prefix = $2, record = $3
	`, k.ID, k.Prefix, record)
	return err
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM api_keys WHERE prefix = $1`, prefix).Scan(&record)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Kind: "api key", ID: prefix}
		}
		return nil, err
	}
	var k APIKey
	if err := json.Unmarshal(record, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM api_keys ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*APIKey
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var k APIKey
		if err := json.Unmarshal(record, &k); err != nil {
			return nil, err
		}
		list = append(list, &k)
	}
	return list, rows.Err()
}

func (s *PostgresStore) RecordInvocation(ctx context.Context, pluginID string, latencyMS int64, success bool) error {
	errInc := 0
	if !success {
		errInc = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocation_metrics (plugin_id, invocation_count, error_count, total_latency_ms, last_invoked)
		VALUES ($1, 1, $2, $3, NOW())
		ON CONFLICT (plugin_id) DO UPDATE SET
			invocation_count = invocation_metrics.invocation_count + 1,
			error_count = invocation_metrics.error_count + $2,
			total_latency_ms = invocation_metrics.total_latency_ms + $3,
			last_invoked = NOW()
	`, pluginID, errInc, latencyMS)
	return err
}

func (s *PostgresStore) GetInvocationMetric(ctx context.Context, pluginID string) (*InvocationMetric, error) {
	m := &InvocationMetric{PluginID: pluginID}
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT invocation_count, error_count, total_latency_ms, last_invoked
		FROM invocation_metrics WHERE plugin_id = $1
	`, pluginID).Scan(&m.InvocationCount, &m.ErrorCount, &m.TotalLatencyMS, &last)
	if err != nil {
		if err == sql.ErrNoRows {
			return m, nil
		}
		return nil, err
	}
	if last.Valid {
		t := last.Time
		m.LastInvoked = &t
	}
	return m, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
