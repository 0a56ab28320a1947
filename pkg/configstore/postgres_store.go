package configstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

// PostgresStore implements Store over three relational tables
// (connectors, destinations, flows), each keyed by unique name with an
// opaque config JSONB column and server-assigned timestamps.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies reachability, and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, connector.WrapFatal("configstore.postgres", "open", fmt.Errorf("connect: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, connector.WrapFatal("configstore.postgres", "open", fmt.Errorf("ping: %w", err))
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS connectors (
			name TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			config JSONB NOT NULL DEFAULT '{}',
			description TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS destinations (
			name TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			config JSONB NOT NULL DEFAULT '{}',
			description TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS flows (
			name TEXT PRIMARY KEY,
			connector_name TEXT NOT NULL,
			destination_names TEXT[] NOT NULL DEFAULT '{}',
			batch_size INT NOT NULL DEFAULT 100,
			max_linger_ms BIGINT NOT NULL DEFAULT 500,
			auto_start BOOLEAN NOT NULL DEFAULT false,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		// cdc_events is the append-only event sink named in SPEC_FULL.md
		// §6's "Persisted state" and exercised by the postgres
		// destination's append write mode.
		`CREATE TABLE IF NOT EXISTS cdc_events (
			id UUID PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			source TEXT NOT NULL,
			table_name TEXT NOT NULL,
			operation TEXT NOT NULL,
			data JSONB NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS cdc_events_timestamp_idx ON cdc_events (timestamp)`,
		`CREATE INDEX IF NOT EXISTS cdc_events_source_idx ON cdc_events (source)`,
		`CREATE INDEX IF NOT EXISTS cdc_events_table_idx ON cdc_events (table_name)`,
		`CREATE INDEX IF NOT EXISTS cdc_events_operation_idx ON cdc_events (operation)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return connector.WrapFatal("configstore.postgres", "migrate", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) ListConnectors(ctx context.Context) ([]event.ConnectorSpec, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, kind, config, description, tags, created_at, updated_at FROM connectors ORDER BY name`)
	if err != nil {
		return nil, connector.WrapTransient("configstore.postgres", "list_connectors", err)
	}
	defer rows.Close()
	var out []event.ConnectorSpec
	for rows.Next() {
		spec, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, rows.Err()
}

func scanConnector(row pgx.Rows) (event.ConnectorSpec, error) {
	var s event.ConnectorSpec
	if err := row.Scan(&s.Name, &s.Kind, &s.Config, &s.Description, &s.Tags, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return event.ConnectorSpec{}, connector.WrapTransient("configstore.postgres", "scan_connector", err)
	}
	return s, nil
}

func (s *PostgresStore) GetConnector(ctx context.Context, name string) (event.ConnectorSpec, error) {
	row := s.pool.QueryRow(ctx, `SELECT name, kind, config, description, tags, created_at, updated_at FROM connectors WHERE name = $1`, name)
	var spec event.ConnectorSpec
	err := row.Scan(&spec.Name, &spec.Kind, &spec.Config, &spec.Description, &spec.Tags, &spec.CreatedAt, &spec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return event.ConnectorSpec{}, connector.ErrNotFound
	}
	if err != nil {
		return event.ConnectorSpec{}, connector.WrapTransient("configstore.postgres", "get_connector", err)
	}
	return spec, nil
}

func (s *PostgresStore) PutConnector(ctx context.Context, spec event.ConnectorSpec, expected *time.Time) (event.ConnectorSpec, error) {
	now := time.Now().UTC()
	err := withCASTx(ctx, s.pool, "connectors", spec.Name, expected, func(tx pgx.Tx, exists bool, createdAt time.Time) error {
		if !exists {
			createdAt = now
		}
		spec.CreatedAt = createdAt
		spec.UpdatedAt = now
		_, err := tx.Exec(ctx, `
			INSERT INTO connectors (name, kind, config, description, tags, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (name) DO UPDATE SET
				kind = EXCLUDED.kind, config = EXCLUDED.config, description = EXCLUDED.description,
				tags = EXCLUDED.tags, updated_at = EXCLUDED.updated_at`,
			spec.Name, spec.Kind, spec.Config, spec.Description, spec.Tags, spec.CreatedAt, spec.UpdatedAt)
		return err
	})
	if err != nil {
		return event.ConnectorSpec{}, err
	}
	return spec, nil
}

func (s *PostgresStore) DeleteConnector(ctx context.Context, name string) error {
	return deleteWithReferentialCheck(ctx, s.pool, "connectors", name,
		`SELECT 1 FROM flows WHERE connector_name = $1 LIMIT 1`, name)
}

func (s *PostgresStore) ListDestinations(ctx context.Context) ([]event.DestinationSpec, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, kind, config, description, tags, created_at, updated_at FROM destinations ORDER BY name`)
	if err != nil {
		return nil, connector.WrapTransient("configstore.postgres", "list_destinations", err)
	}
	defer rows.Close()
	var out []event.DestinationSpec
	for rows.Next() {
		var spec event.DestinationSpec
		if err := rows.Scan(&spec.Name, &spec.Kind, &spec.Config, &spec.Description, &spec.Tags, &spec.CreatedAt, &spec.UpdatedAt); err != nil {
			return nil, connector.WrapTransient("configstore.postgres", "scan_destination", err)
		}
		out = append(out, spec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDestination(ctx context.Context, name string) (event.DestinationSpec, error) {
	row := s.pool.QueryRow(ctx, `SELECT name, kind, config, description, tags, created_at, updated_at FROM destinations WHERE name = $1`, name)
	var spec event.DestinationSpec
	err := row.Scan(&spec.Name, &spec.Kind, &spec.Config, &spec.Description, &spec.Tags, &spec.CreatedAt, &spec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return event.DestinationSpec{}, connector.ErrNotFound
	}
	if err != nil {
		return event.DestinationSpec{}, connector.WrapTransient("configstore.postgres", "get_destination", err)
	}
	return spec, nil
}

func (s *PostgresStore) PutDestination(ctx context.Context, spec event.DestinationSpec, expected *time.Time) (event.DestinationSpec, error) {
	now := time.Now().UTC()
	err := withCASTx(ctx, s.pool, "destinations", spec.Name, expected, func(tx pgx.Tx, exists bool, createdAt time.Time) error {
		if !exists {
			createdAt = now
		}
		spec.CreatedAt = createdAt
		spec.UpdatedAt = now
		_, err := tx.Exec(ctx, `
			INSERT INTO destinations (name, kind, config, description, tags, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (name) DO UPDATE SET
				kind = EXCLUDED.kind, config = EXCLUDED.config, description = EXCLUDED.description,
				tags = EXCLUDED.tags, updated_at = EXCLUDED.updated_at`,
			spec.Name, spec.Kind, spec.Config, spec.Description, spec.Tags, spec.CreatedAt, spec.UpdatedAt)
		return err
	})
	if err != nil {
		return event.DestinationSpec{}, err
	}
	return spec, nil
}

func (s *PostgresStore) DeleteDestination(ctx context.Context, name string) error {
	return deleteWithReferentialCheck(ctx, s.pool, "destinations", name,
		`SELECT 1 FROM flows WHERE $1 = ANY(destination_names) LIMIT 1`, name)
}

func (s *PostgresStore) ListFlows(ctx context.Context) ([]event.FlowSpec, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, connector_name, destination_names, batch_size, max_linger_ms, auto_start, description, created_at, updated_at FROM flows ORDER BY name`)
	if err != nil {
		return nil, connector.WrapTransient("configstore.postgres", "list_flows", err)
	}
	defer rows.Close()
	var out []event.FlowSpec
	for rows.Next() {
		spec, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, rows.Err()
}

func scanFlow(row pgx.Rows) (event.FlowSpec, error) {
	var spec event.FlowSpec
	var lingerMs int64
	if err := row.Scan(&spec.Name, &spec.ConnectorName, &spec.DestinationNames, &spec.BatchSize, &lingerMs, &spec.AutoStart, &spec.Description, &spec.CreatedAt, &spec.UpdatedAt); err != nil {
		return event.FlowSpec{}, connector.WrapTransient("configstore.postgres", "scan_flow", err)
	}
	spec.MaxLinger = time.Duration(lingerMs) * time.Millisecond
	return spec, nil
}

func (s *PostgresStore) GetFlow(ctx context.Context, name string) (event.FlowSpec, error) {
	row := s.pool.QueryRow(ctx, `SELECT name, connector_name, destination_names, batch_size, max_linger_ms, auto_start, description, created_at, updated_at FROM flows WHERE name = $1`, name)
	var spec event.FlowSpec
	var lingerMs int64
	err := row.Scan(&spec.Name, &spec.ConnectorName, &spec.DestinationNames, &spec.BatchSize, &lingerMs, &spec.AutoStart, &spec.Description, &spec.CreatedAt, &spec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return event.FlowSpec{}, connector.ErrNotFound
	}
	if err != nil {
		return event.FlowSpec{}, connector.WrapTransient("configstore.postgres", "get_flow", err)
	}
	spec.MaxLinger = time.Duration(lingerMs) * time.Millisecond
	return spec, nil
}

func (s *PostgresStore) PutFlow(ctx context.Context, spec event.FlowSpec, expected *time.Time) (event.FlowSpec, error) {
	spec.Normalize()
	now := time.Now().UTC()
	err := withCASTx(ctx, s.pool, "flows", spec.Name, expected, func(tx pgx.Tx, exists bool, createdAt time.Time) error {
		if !exists {
			createdAt = now
		}
		spec.CreatedAt = createdAt
		spec.UpdatedAt = now
		_, err := tx.Exec(ctx, `
			INSERT INTO flows (name, connector_name, destination_names, batch_size, max_linger_ms, auto_start, description, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (name) DO UPDATE SET
				connector_name = EXCLUDED.connector_name, destination_names = EXCLUDED.destination_names,
				batch_size = EXCLUDED.batch_size, max_linger_ms = EXCLUDED.max_linger_ms,
				auto_start = EXCLUDED.auto_start, description = EXCLUDED.description, updated_at = EXCLUDED.updated_at`,
			spec.Name, spec.ConnectorName, spec.DestinationNames, spec.BatchSize, spec.MaxLinger.Milliseconds(),
			spec.AutoStart, spec.Description, spec.CreatedAt, spec.UpdatedAt)
		return err
	})
	if err != nil {
		return event.FlowSpec{}, err
	}
	return spec, nil
}

func (s *PostgresStore) DeleteFlow(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM flows WHERE name = $1`, name)
	if err != nil {
		return connector.WrapTransient("configstore.postgres", "delete_flow", err)
	}
	if tag.RowsAffected() == 0 {
		return connector.ErrNotFound
	}
	return nil
}

// withCASTx runs body inside a transaction after checking the
// optimistic-concurrency precondition against the row's current
// updated_at (locking the row FOR UPDATE to avoid a race between the
// check and the write).
func withCASTx(ctx context.Context, pool *pgxpool.Pool, table, name string, expected *time.Time, body func(tx pgx.Tx, exists bool, createdAt time.Time) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return connector.WrapTransient("configstore.postgres", "begin", err)
	}
	defer tx.Rollback(ctx)

	var currentUpdatedAt, createdAt time.Time
	row := tx.QueryRow(ctx, fmt.Sprintf(`SELECT created_at, updated_at FROM %s WHERE name = $1 FOR UPDATE`, table), name)
	err = row.Scan(&createdAt, &currentUpdatedAt)
	exists := true
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
		err = nil
	}
	if err != nil {
		return connector.WrapTransient("configstore.postgres", "put", err)
	}
	if casErr := checkCAS(exists, currentUpdatedAt, expected); casErr != nil {
		return casErr
	}
	if err := body(tx, exists, createdAt); err != nil {
		return connector.WrapTransient("configstore.postgres", "put", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return connector.WrapTransient("configstore.postgres", "commit", err)
	}
	return nil
}

func deleteWithReferentialCheck(ctx context.Context, pool *pgxpool.Pool, table, name, refQuery string, refArg any) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return connector.WrapTransient("configstore.postgres", "begin", err)
	}
	defer tx.Rollback(ctx)

	var dummy int
	err = tx.QueryRow(ctx, refQuery, refArg).Scan(&dummy)
	if err == nil {
		return connector.ErrReferential
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return connector.WrapTransient("configstore.postgres", "delete", err)
	}

	tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, table), name)
	if err != nil {
		return connector.WrapTransient("configstore.postgres", "delete", err)
	}
	if tag.RowsAffected() == 0 {
		return connector.ErrNotFound
	}
	return tx.Commit(ctx)
}
