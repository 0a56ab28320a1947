// Package mysql implements the "mysql" destination kind: a transactional,
// per-batch relational writer using INSERT ... ON DUPLICATE KEY UPDATE /
// INSERT IGNORE for conflict resolution.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

// Config is the free-form document stored in DestinationSpec.Config for
// kind=mysql.
type Config struct {
	DSN            string                   `json:"dsn"`
	KeyColumns     []string                 `json:"key_columns"`
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
	if len(cfg.KeyColumns) == 0 {
		return Config{}, fmt.Errorf("key_columns is required")
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

// Factory constructs Destination instances for kind=mysql.
type Factory struct{}

func (Factory) Kind() string { return "mysql" }

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

// Destination is the connector.Destination implementation for kind=mysql.
type Destination struct {
	cfg Config
	db  *sql.DB
}

func (d *Destination) Open(ctx context.Context, raw json.RawMessage) error {
	cfg, err := parseConfig(raw)
	if err != nil {
		return connector.WrapInvalid("destination.mysql", "open", err)
	}
	d.cfg = cfg
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return connector.WrapTransient("destination.mysql", "open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return connector.WrapTransient("destination.mysql", "open", err)
	}
	d.db = db
	return nil
}

func (d *Destination) WriteBatch(ctx context.Context, batch []event.ChangeEvent) (connector.WriteReport, error) {
	if len(batch) == 0 {
		return connector.WriteReport{}, nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return connector.WriteReport{Failed: ids(batch)}, connector.WrapTransient("destination.mysql", "begin", err)
	}
	defer tx.Rollback()

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
	if err := tx.Commit(); err != nil {
		return connector.WriteReport{Failed: ids(batch)}, connector.WrapTransient("destination.mysql", "commit", err)
	}
	return report, nil
}

func (d *Destination) targetTable(ev event.ChangeEvent) string {
	return quoteIdent(d.cfg.TablePrefix + ev.Table)
}

func (d *Destination) execDelete(ctx context.Context, tx *sql.Tx, ev event.ChangeEvent) error {
	var clauses []string
	var args []any
	for _, k := range d.cfg.KeyColumns {
		v, ok := ev.Data[k]
		if !ok {
			return fmt.Errorf("event %s missing key column %q", ev.ID, k)
		}
		clauses = append(clauses, quoteIdent(k)+" = ?")
		args = append(args, v)
	}
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", d.targetTable(ev), strings.Join(clauses, " AND "))
	_, err := tx.ExecContext(ctx, sqlStr, args...)
	return err
}

func (d *Destination) execUpsert(ctx context.Context, tx *sql.Tx, ev event.ChangeEvent) error {
	cols := sortedKeys(ev.Data)
	if len(cols) == 0 {
		return fmt.Errorf("event %s has no columns", ev.ID)
	}
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = ev.Data[c]
		quotedCols[i] = quoteIdent(c)
	}

	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.targetTable(ev), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	switch d.cfg.ConflictPolicy {
	case connector.ConflictIgnore:
		sqlStr = "INSERT IGNORE" + strings.TrimPrefix(sqlStr, "INSERT")
	case connector.ConflictReplace:
		// Plain INSERT, no ON DUPLICATE KEY UPDATE: a key collision
		// returns a duplicate-entry error for the retry policy to act
		// on instead of being merged or swallowed.
	case connector.ConflictUpsert:
		var sets []string
		for _, c := range cols {
			if containsStr(d.cfg.KeyColumns, c) {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", quoteIdent(c), quoteIdent(c)))
		}
		if len(sets) > 0 {
			sqlStr += " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
		} else {
			sqlStr = "INSERT IGNORE" + strings.TrimPrefix(sqlStr, "INSERT")
		}
	}

	_, err := tx.ExecContext(ctx, sqlStr, args...)
	return err
}

func (d *Destination) Close(ctx context.Context) error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

func (d *Destination) Test(ctx context.Context) error {
	db, err := sql.Open("mysql", d.cfg.DSN)
	if err != nil {
		return connector.WrapTransient("destination.mysql", "test", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return connector.WrapTransient("destination.mysql", "test", err)
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
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}
