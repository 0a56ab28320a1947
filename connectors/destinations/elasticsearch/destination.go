// Package elasticsearch implements the "elasticsearch" destination kind:
// a bulk-API writer with conflict policies mapped onto create/update
// bulk actions.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

// Config is the free-form document stored in DestinationSpec.Config for
// kind=elasticsearch.
type Config struct {
	Addresses      []string                 `json:"addresses"`
	Username       string                   `json:"username,omitempty"`
	Password       string                   `json:"password,omitempty"`
	IndexPrefix    string                   `json:"index_prefix,omitempty"`
	IDField        string                   `json:"id_field"`
	ConflictPolicy connector.ConflictPolicy `json:"conflict_policy,omitempty"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Addresses) == 0 {
		return Config{}, fmt.Errorf("addresses is required")
	}
	if cfg.IDField == "" {
		return Config{}, fmt.Errorf("id_field is required")
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

// Factory constructs Destination instances for kind=elasticsearch.
type Factory struct{}

func (Factory) Kind() string { return "elasticsearch" }

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

// Destination is the connector.Destination implementation for
// kind=elasticsearch, writing through the Bulk API.
type Destination struct {
	cfg    Config
	client *elasticsearch.Client
}

func (d *Destination) Open(ctx context.Context, raw json.RawMessage) error {
	cfg, err := parseConfig(raw)
	if err != nil {
		return connector.WrapInvalid("destination.elasticsearch", "open", err)
	}
	d.cfg = cfg
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return connector.WrapTransient("destination.elasticsearch", "open", err)
	}
	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return connector.WrapTransient("destination.elasticsearch", "open", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return connector.WrapTransient("destination.elasticsearch", "open", fmt.Errorf("cluster info: %s", res.Status()))
	}
	d.client = client
	return nil
}

func (d *Destination) indexName(ev event.ChangeEvent) string {
	return strings.ToLower(d.cfg.IndexPrefix + ev.Table)
}

func (d *Destination) WriteBatch(ctx context.Context, batch []event.ChangeEvent) (connector.WriteReport, error) {
	if len(batch) == 0 {
		return connector.WriteReport{}, nil
	}
	var buf bytes.Buffer
	order := make([]bulkOrderItem, 0, len(batch))
	for _, ev := range batch {
		docID, ok := ev.Data[d.cfg.IDField]
		if !ok {
			continue
		}
		action, meta := d.bulkAction(ev, fmt.Sprintf("%v", docID))
		order = append(order, bulkOrderItem{
			id:             ev.ID,
			dropOnConflict: action == "create" && d.cfg.ConflictPolicy == connector.ConflictIgnore,
		})
		metaLine, _ := json.Marshal(meta)
		buf.WriteString(fmt.Sprintf(`{%q:%s}`, action, metaLine))
		buf.WriteByte('\n')
		if ev.Operation == event.OpDelete {
			continue
		}
		var body []byte
		if action == "update" {
			body, _ = json.Marshal(map[string]any{"doc": ev.Data, "doc_as_upsert": true})
		} else {
			body, _ = json.Marshal(ev.Data)
		}
		buf.Write(body)
		buf.WriteByte('\n')
	}

	res, err := d.client.Bulk(bytes.NewReader(buf.Bytes()), d.client.Bulk.WithContext(ctx))
	if err != nil {
		return connector.WriteReport{Failed: ids(batch)}, connector.WrapTransient("destination.elasticsearch", "bulk", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return connector.WriteReport{Failed: ids(batch)}, connector.WrapTransient("destination.elasticsearch", "bulk", fmt.Errorf("bulk request failed: %s", res.Status()))
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return connector.WriteReport{Failed: ids(batch)}, connector.WrapTransient("destination.elasticsearch", "bulk_decode", err)
	}
	return reportFromBulkResponse(order, parsed), nil
}

type bulkResponse struct {
	Items []map[string]bulkItemResult `json:"items"`
}

type bulkItemResult struct {
	Status int `json:"status"`
}

// bulkOrderItem pairs a batch event's id with whether a 409 on its bulk
// action should count as a dropped-not-failed outcome. Only an
// ignore-policy insert (action "create") sets this: the duplicate is
// meant to be silently discarded, not retried.
type bulkOrderItem struct {
	id             uuid.UUID
	dropOnConflict bool
}

func reportFromBulkResponse(order []bulkOrderItem, resp bulkResponse) connector.WriteReport {
	report := connector.WriteReport{}
	for i, item := range resp.Items {
		if i >= len(order) {
			break
		}
		ok := false
		for _, result := range item {
			switch {
			case result.Status >= 200 && result.Status < 300:
				ok = true
			case result.Status == 404:
				ok = true // delete of an already-absent document
			case result.Status == 409 && order[i].dropOnConflict:
				ok = true // ignore policy: duplicate silently dropped
			}
		}
		if ok {
			report.Succeeded = append(report.Succeeded, order[i].id)
		} else {
			report.Failed = append(report.Failed, order[i].id)
		}
	}
	return report
}

// bulkAction picks the bulk verb for an event. "create" conflicts (409)
// on an existing doc id, which is the primitive both ignore (conflict ==
// drop) and replace (conflict == retryable error) need; they differ only
// in how reportFromBulkResponse treats that 409. "update" merges fields
// and never conflicts, which is what upsert wants.
func (d *Destination) bulkAction(ev event.ChangeEvent, docID string) (string, map[string]any) {
	index := d.indexName(ev)
	switch ev.Operation {
	case event.OpDelete:
		return "delete", map[string]any{"_index": index, "_id": docID}
	}
	switch d.cfg.ConflictPolicy {
	case connector.ConflictIgnore, connector.ConflictReplace:
		return "create", map[string]any{"_index": index, "_id": docID}
	default: // upsert
		return "update", map[string]any{"_index": index, "_id": docID}
	}
}

func (d *Destination) Close(ctx context.Context) error {
	return nil
}

func (d *Destination) Test(ctx context.Context) error {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: d.cfg.Addresses,
		Username:  d.cfg.Username,
		Password:  d.cfg.Password,
	})
	if err != nil {
		return connector.WrapTransient("destination.elasticsearch", "test", err)
	}
	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return connector.WrapTransient("destination.elasticsearch", "test", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return connector.WrapTransient("destination.elasticsearch", "test", fmt.Errorf("cluster info: %s", res.Status()))
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
