package mysql

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

func TestParseConfigRequiresDSNAndKeyColumns(t *testing.T) {
	cases := []string{
		`{}`,
		`{"dsn":"user:pass@/db"}`,
	}
	for _, raw := range cases {
		if _, err := parseConfig([]byte(raw)); err == nil {
			t.Errorf("parseConfig(%s): expected an error", raw)
		}
	}
}

func TestParseConfigDefaultsConflictPolicyToUpsert(t *testing.T) {
	cfg, err := parseConfig([]byte(`{"dsn":"user:pass@/db","key_columns":["id"]}`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.ConflictPolicy != connector.ConflictUpsert {
		t.Fatalf("expected default upsert, got %q", cfg.ConflictPolicy)
	}
}

func newMockDestination(t *testing.T, policy connector.ConflictPolicy) (*Destination, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	d := &Destination{
		cfg: Config{
			KeyColumns:     []string{"id"},
			ConflictPolicy: policy,
			TablePrefix:    "cdc_",
		},
		db: db,
	}
	return d, mock
}

func TestWriteBatchUpsertIssuesOnDuplicateKeyUpdate(t *testing.T) {
	d, mock := newMockDestination(t, connector.ConflictUpsert)
	ev := event.NewChangeEvent("pg", "orders", event.OpInsert, map[string]any{"id": 1, "amount": 42}, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `cdc_orders`.*ON DUPLICATE KEY UPDATE.*").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	report, err := d.WriteBatch(context.Background(), []event.ChangeEvent{ev})
	if err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if len(report.Succeeded) != 1 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWriteBatchIgnorePolicyUsesInsertIgnore(t *testing.T) {
	d, mock := newMockDestination(t, connector.ConflictIgnore)
	ev := event.NewChangeEvent("pg", "orders", event.OpInsert, map[string]any{"id": 1}, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT IGNORE INTO `cdc_orders`.*").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if _, err := d.WriteBatch(context.Background(), []event.ChangeEvent{ev}); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWriteBatchReplacePolicyIssuesBareInsertWithNoConflictClause(t *testing.T) {
	d, mock := newMockDestination(t, connector.ConflictReplace)
	ev := event.NewChangeEvent("pg", "orders", event.OpInsert, map[string]any{"id": 1, "amount": 42}, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `cdc_orders` \\(`amount`, `id`\\) VALUES \\(\\?, \\?\\)$").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	report, err := d.WriteBatch(context.Background(), []event.ChangeEvent{ev})
	if err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if len(report.Succeeded) != 1 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWriteBatchReplacePolicyDuplicateKeySurfacesAsFailure(t *testing.T) {
	d, mock := newMockDestination(t, connector.ConflictReplace)
	ev := event.NewChangeEvent("pg", "orders", event.OpInsert, map[string]any{"id": 1}, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `cdc_orders`.*").
		WithArgs(sqlmock.AnyArg()).
		WillReturnError(fmt.Errorf("Error 1062: Duplicate entry '1' for key 'PRIMARY'"))
	mock.ExpectCommit()

	report, err := d.WriteBatch(context.Background(), []event.ChangeEvent{ev})
	if err != nil {
		t.Fatalf("write batch should still commit, recording the row as failed: %v", err)
	}
	if len(report.Succeeded) != 0 || len(report.Failed) != 1 {
		t.Fatalf("expected the duplicate key to surface as a failed row, got %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWriteBatchDeleteOperation(t *testing.T) {
	d, mock := newMockDestination(t, connector.ConflictUpsert)
	ev := event.NewChangeEvent("pg", "orders", event.OpDelete, map[string]any{"id": 7}, nil)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `cdc_orders` WHERE `id` = \\?").
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report, err := d.WriteBatch(context.Background(), []event.ChangeEvent{ev})
	if err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if len(report.Succeeded) != 1 {
		t.Fatalf("expected delete to succeed, got %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWriteBatchPartialFailureCommitsSucceededRows(t *testing.T) {
	d, mock := newMockDestination(t, connector.ConflictUpsert)
	ok := event.NewChangeEvent("pg", "orders", event.OpInsert, map[string]any{"id": 1, "amount": 10}, nil)
	bad := event.NewChangeEvent("pg", "orders", event.OpInsert, map[string]any{"id": 2, "amount": 20}, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `cdc_orders`.*").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO `cdc_orders`.*").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(sqlmock.ErrCancelled)
	mock.ExpectCommit()

	report, err := d.WriteBatch(context.Background(), []event.ChangeEvent{ok, bad})
	if err != nil {
		t.Fatalf("write batch should still commit the successful rows: %v", err)
	}
	if len(report.Succeeded) != 1 || len(report.Failed) != 1 {
		t.Fatalf("expected 1 succeeded and 1 failed, got %+v", report)
	}
	if report.Failed[0] != bad.ID {
		t.Fatalf("expected the erroring event to be marked failed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWriteBatchEmptyIsNoop(t *testing.T) {
	d, mock := newMockDestination(t, connector.ConflictUpsert)
	report, err := d.WriteBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if len(report.Succeeded) != 0 || len(report.Failed) != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
