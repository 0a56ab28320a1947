// Package postgres implements the "postgres" destination kind: a
// transactional, per-batch relational writer with upsert/replace/ignore
// conflict resolution and an append-only raw-event mode.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

// WriteMode selects whether rows are mapped onto target tables by
// primary key, or appended verbatim to the raw change-event sink.
type WriteMode string

const (
	WriteModeMapped WriteMode = "mapped"
	WriteModeAppend WriteMode = "append"
)

// Config is the free-form document stored in DestinationSpec.Config for
// kind=postgres.
type Config struct {
	DSN            string                   `json:"dsn"`
	WriteMode      WriteMode                `json:"write_mode,omitempty"`
	KeyColumns     []string                 `json:"key_columns,omitempty"`
	ConflictPolicy connector.ConflictPolicy `json:"conflict_policy,omitempty"`
	TablePrefix    string                   `json:"table_prefix,omitempty"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DSN == "" {
		return Config{}, fmt.Errorf("dsn is required")
	}
	switch cfg.WriteMode {
	case "":
		cfg.WriteMode = WriteModeMapped
	case WriteModeMapped, WriteModeAppend:
	default:
		return Config{}, fmt.Errorf("write_mode must be mapped or append, got %q", cfg.WriteMode)
	}
	if cfg.WriteMode == WriteModeMapped && len(cfg.KeyColumns) == 0 {
		return Config{}, fmt.Errorf("key_columns is required for write_mode=mapped")
	}
	switch cfg.ConflictPolicy {
	case "":
		cfg.ConflictPolicy = connector.ConflictUpsert
	case connector.ConflictUpsert, connector.ConflictReplace, connector.ConflictIgnore:
	default:
		return Config{}, fmt.Errorf("conflict_policy must be upsert, replace, or ignore, got %q", cfg.ConflictPolicy)
	}
	return cfg, nil
}

// Factory constructs Destination instances for kind=postgres.
type Factory struct{}

func (Factory) Kind() string { return "postgres" }

func (Factory) Validate(raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func (Factory) Create(raw json.RawMessage) (connector.Destination, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	return &Destination{cfg: cfg}, nil
}

// Destination is the connector.Destination implementation for kind=postgres.
type Destination struct {
	cfg  Config
	pool *pgxpool.Pool
}

func (d *Destination) Open(ctx context.Context, raw json.RawMessage) error {
	cfg, err := parseConfig(raw)
	if err != nil {
		return connector.WrapInvalid("destination.postgres", "open", err)
	}
	d.cfg = cfg
	pool, err := newPool(ctx, cfg.DSN)
	if err != nil {
		return connector.WrapTransient("destination.postgres", "open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return connector.WrapTransient("destination.postgres", "open", err)
	}
	d.pool = pool
	return nil
}

func (d *Destination) WriteBatch(ctx context.Context, batch []event.ChangeEvent) (connector.WriteReport, error) {
	if len(batch) == 0 {
		return connector.WriteReport{}, nil
	}
	if d.cfg.WriteMode == WriteModeAppend {
		return d.writeAppend(ctx, batch)
	}
	return d.writeMapped(ctx, batch)
}

// writeAppend stores the raw event verbatim in the shared cdc_events
// sink, keyed by event id, regardless of source table or operation.
func (d *Destination) writeAppend(ctx context.Context, batch []event.ChangeEvent) (connector.WriteReport, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return connector.WriteReport{Failed: ids(batch)}, connector.WrapTransient("destination.postgres", "begin", err)
	}
	defer tx.Rollback(ctx)

	report := connector.WriteReport{}
	for _, ev := range batch {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			report.Failed = append(report.Failed, ev.ID)
			continue
		}
		metadata, err := json.Marshal(ev.Metadata)
		if err != nil {
			report.Failed = append(report.Failed, ev.ID)
			continue
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO cdc_events (id, "timestamp", source, table_name, operation, data, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.Timestamp, ev.Source, ev.Table, string(ev.Operation), data, metadata)
		if err != nil {
			report.Failed = append(report.Failed, ev.ID)
			continue
		}
		report.Succeeded = append(report.Succeeded, ev.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return connector.WriteReport{Failed: ids(batch)}, connector.WrapTransient("destination.postgres", "commit", err)
	}
	return report, nil
}

// writeMapped applies each event to its own table (named after
// event.Table, with an optional prefix) keyed by cfg.KeyColumns,
// resolving collisions per cfg.ConflictPolicy. A delete removes the row
// by key; insert/update write the full column set.
func (d *Destination) writeMapped(ctx context.Context, batch []event.ChangeEvent) (connector.WriteReport, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return connector.WriteReport{Failed: ids(batch)}, connector.WrapTransient("destination.postgres", "begin", err)
	}
	defer tx.Rollback(ctx)

	report := connector.WriteReport{}
	for _, ev := range batch {
		var werr error
		switch ev.Operation {
		case event.OpDelete:
			werr = d.execDelete(ctx, tx, ev)
		default:
			werr = d.execUpsert(ctx, tx, ev)
		}
		if werr != nil {
			report.Failed = append(report.Failed, ev.ID)
			continue
		}
		report.Succeeded = append(report.Succeeded, ev.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return connector.WriteReport{Failed: ids(batch)}, connector.WrapTransient("destination.postgres", "commit", err)
	}
	return report, nil
}

func (d *Destination) targetTable(ev event.ChangeEvent) string {
	if d.cfg.TablePrefix == "" {
		return quoteIdent(ev.Table)
	}
	return quoteIdent(d.cfg.TablePrefix + ev.Table)
}

func (d *Destination) execDelete(ctx context.Context, tx pgx.Tx, ev event.ChangeEvent) error {
	where, args, err := d.keyClause(ev, 1)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s", d.targetTable(ev), where)
	_, err = tx.Exec(ctx, sql, args...)
	return err
}

func (d *Destination) execUpsert(ctx context.Context, tx pgx.Tx, ev event.ChangeEvent) error {
	sql, args, err := buildUpsertSQL(d.targetTable(ev), d.cfg.KeyColumns, d.cfg.ConflictPolicy, ev)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, sql, args...)
	return err
}

// buildUpsertSQL renders the INSERT statement and its positional args for
// one event, varying the conflict clause by policy:
//   - ignore:  ON CONFLICT (...) DO NOTHING
//   - replace: no ON CONFLICT clause; a collision on the key columns
//     surfaces as a plain unique-violation error for the retry policy
//     to act on, rather than being merged or dropped
//   - upsert:  ON CONFLICT (...) DO UPDATE SET ... (merge non-key columns)
func buildUpsertSQL(table string, keyColumns []string, policy connector.ConflictPolicy, ev event.ChangeEvent) (string, []any, error) {
	cols := sortedKeys(ev.Data)
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("event %s has no columns", ev.ID)
	}
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = ev.Data[c]
	}
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = quoteIdent(c)
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	switch policy {
	case connector.ConflictIgnore:
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", quotedIdentList(keyColumns))
	case connector.ConflictReplace:
	case connector.ConflictUpsert:
		var sets []string
		for _, c := range cols {
			if containsStr(keyColumns, c) {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c)))
		}
		if len(sets) == 0 {
			sql += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", quotedIdentList(keyColumns))
		} else {
			sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", quotedIdentList(keyColumns), strings.Join(sets, ", "))
		}
	}

	return sql, args, nil
}

func (d *Destination) keyClause(ev event.ChangeEvent, startArg int) (string, []any, error) {
	var clauses []string
	var args []any
	for i, k := range d.cfg.KeyColumns {
		v, ok := ev.Data[k]
		if !ok {
			return "", nil, fmt.Errorf("event %s missing key column %q", ev.ID, k)
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", quoteIdent(k), startArg+i))
		args = append(args, v)
	}
	return strings.Join(clauses, " AND "), args, nil
}

func (d *Destination) Close(ctx context.Context) error {
	if d.pool != nil {
		d.pool.Close()
	}
	return nil
}

func (d *Destination) Test(ctx context.Context) error {
	pool, err := newPool(ctx, d.cfg.DSN)
	if err != nil {
		return connector.WrapTransient("destination.postgres", "test", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return connector.WrapTransient("destination.postgres", "test", err)
	}
	return nil
}

func ids(batch []event.ChangeEvent) []uuid.UUID {
	out := make([]uuid.UUID, len(batch))
	for i, ev := range batch {
		out[i] = ev.ID
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quotedIdentList(idents []string) string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = quoteIdent(id)
	}
	return strings.Join(out, ", ")
}
