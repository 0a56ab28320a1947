package elasticsearch

import (
	"testing"

	"github.com/google/uuid"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

func TestParseConfigDefaultsConflictPolicyToUpsert(t *testing.T) {
	cfg, err := parseConfig([]byte(`{"addresses":["http://localhost:9200"],"id_field":"id"}`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if string(cfg.ConflictPolicy) != "upsert" {
		t.Fatalf("expected default upsert, got %q", cfg.ConflictPolicy)
	}
}

func TestParseConfigRequiresAddressesAndIDField(t *testing.T) {
	cases := []string{
		`{}`,
		`{"addresses":["http://localhost:9200"]}`,
		`{"id_field":"id"}`,
	}
	for _, raw := range cases {
		if _, err := parseConfig([]byte(raw)); err == nil {
			t.Errorf("parseConfig(%s): expected an error", raw)
		}
	}
}

func TestParseConfigRejectsUnknownConflictPolicy(t *testing.T) {
	_, err := parseConfig([]byte(`{"addresses":["http://x"],"id_field":"id","conflict_policy":"merge"}`))
	if err == nil {
		t.Fatal("expected an error for an unrecognized conflict_policy")
	}
}

func TestIndexNameLowercasesPrefixAndTable(t *testing.T) {
	d := &Destination{cfg: Config{IndexPrefix: "CDC_"}}
	ev := event.NewChangeEvent("pg", "Orders", event.OpInsert, map[string]any{"id": 1}, nil)
	if name := d.indexName(ev); name != "cdc_orders" {
		t.Fatalf("expected a lowercased index name, got %q", name)
	}
}

func TestBulkActionMapsOperationAndPolicyToBulkVerb(t *testing.T) {
	cases := []struct {
		name   string
		policy string
		op     event.Operation
		want   string
	}{
		{"delete always deletes", "upsert", event.OpDelete, "delete"},
		{"ignore policy creates (conflicts on duplicate)", "ignore", event.OpInsert, "create"},
		{"replace policy also creates (conflicts on duplicate)", "replace", event.OpUpdate, "create"},
		{"upsert policy updates (merges, never conflicts)", "upsert", event.OpInsert, "update"},
	}
	for _, c := range cases {
		d := &Destination{cfg: Config{ConflictPolicy: connector.ConflictPolicy(c.policy)}}
		ev := event.NewChangeEvent("pg", "orders", c.op, map[string]any{"id": 1}, nil)
		action, meta := d.bulkAction(ev, "1")
		if action != c.want {
			t.Errorf("%s: got action %q, want %q", c.name, action, c.want)
		}
		if meta["_id"] != "1" {
			t.Errorf("%s: expected _id to be set in the bulk meta line", c.name)
		}
	}
}

func TestReportFromBulkResponseTreats404DeleteAsSuccess(t *testing.T) {
	order := []bulkOrderItem{
		{id: uuid.New()},
		{id: uuid.New()},
	}
	resp := bulkResponse{Items: []map[string]bulkItemResult{
		{"delete": {Status: 404}},
		{"update": {Status: 500}},
	}}
	report := reportFromBulkResponse(order, resp)
	if len(report.Succeeded) != 1 || report.Succeeded[0] != order[0].id {
		t.Fatalf("expected the 404 delete to count as succeeded, got %+v", report)
	}
	if len(report.Failed) != 1 || report.Failed[0] != order[1].id {
		t.Fatalf("expected the 500 update to count as failed, got %+v", report)
	}
}

func TestReportFromBulkResponseDropsIgnorePolicyConflictButFailsReplaceConflict(t *testing.T) {
	order := []bulkOrderItem{
		{id: uuid.New(), dropOnConflict: true},  // ignore policy duplicate
		{id: uuid.New(), dropOnConflict: false}, // replace policy duplicate
	}
	resp := bulkResponse{Items: []map[string]bulkItemResult{
		{"create": {Status: 409}},
		{"create": {Status: 409}},
	}}
	report := reportFromBulkResponse(order, resp)
	if len(report.Succeeded) != 1 || report.Succeeded[0] != order[0].id {
		t.Fatalf("expected the ignore-policy conflict to be dropped (succeeded), got %+v", report)
	}
	if len(report.Failed) != 1 || report.Failed[0] != order[1].id {
		t.Fatalf("expected the replace-policy conflict to surface as a failure, got %+v", report)
	}
}
