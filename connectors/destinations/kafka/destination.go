// Package kafka implements the "kafka" destination kind: a producer
// sink that republishes change events onto a topic. When key_field is
// set, records are keyed by that field so that all events for the same
// row land on the same partition; otherwise records carry no key.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

// Config is the free-form document stored in DestinationSpec.Config for
// kind=kafka.
type Config struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	KeyField string  `json:"key_field,omitempty"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Brokers) == 0 {
		return Config{}, fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return Config{}, fmt.Errorf("topic is required")
	}
	return cfg, nil
}

// Factory constructs Destination instances for kind=kafka.
type Factory struct{}

func (Factory) Kind() string { return "kafka" }

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

// Destination is the connector.Destination implementation for kind=kafka.
type Destination struct {
	cfg    Config
	client *kgo.Client
}

func (d *Destination) Open(ctx context.Context, raw json.RawMessage) error {
	cfg, err := parseConfig(raw)
	if err != nil {
		return connector.WrapInvalid("destination.kafka", "open", err)
	}
	d.cfg = cfg
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ClientID("flowgate-kafka-destination"),
	)
	if err != nil {
		return connector.WrapTransient("destination.kafka", "open", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return connector.WrapTransient("destination.kafka", "open", err)
	}
	d.client = client
	return nil
}

func (d *Destination) WriteBatch(ctx context.Context, batch []event.ChangeEvent) (connector.WriteReport, error) {
	if len(batch) == 0 {
		return connector.WriteReport{}, nil
	}

	type outcome struct {
		id  uuid.UUID
		err error
	}
	results := make(chan outcome, len(batch))

	for _, ev := range batch {
		payload, err := json.Marshal(map[string]any{
			"id":        ev.ID,
			"timestamp": ev.Timestamp,
			"source":    ev.Source,
			"table":     ev.Table,
			"operation": ev.Operation,
			"data":      ev.Data,
		})
		if err != nil {
			results <- outcome{id: ev.ID, err: err}
			continue
		}
		rec := &kgo.Record{Topic: d.cfg.Topic, Value: payload}
		if d.cfg.KeyField != "" {
			if v, ok := ev.Data[d.cfg.KeyField]; ok {
				rec.Key = []byte(fmt.Sprintf("%v", v))
			}
		}
		id := ev.ID
		d.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
			results <- outcome{id: id, err: err}
		})
	}

	report := connector.WriteReport{}
	for i := 0; i < len(batch); i++ {
		res := <-results
		if res.err != nil {
			report.Failed = append(report.Failed, res.id)
		} else {
			report.Succeeded = append(report.Succeeded, res.id)
		}
	}
	return report, nil
}

func (d *Destination) Close(ctx context.Context) error {
	if d.client != nil {
		d.client.Close()
	}
	return nil
}

func (d *Destination) Test(ctx context.Context) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(d.cfg.Brokers...))
	if err != nil {
		return connector.WrapTransient("destination.kafka", "test", err)
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		return connector.WrapTransient("destination.kafka", "test", err)
	}
	return nil
}
