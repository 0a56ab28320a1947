// Package kafka implements the "kafka" connector kind: a consumer-group
// member with manual offset commit tied to the ack capability.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

// Config is the free-form document stored in ConnectorSpec.Config for
// kind=kafka.
type Config struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	Group   string   `json:"group"`
	// AutoOffsetReset is honored only when the group has no committed
	// offset yet; once a commit exists the connector always resumes
	// from it. One of "earliest" or "latest" (default "latest").
	AutoOffsetReset string `json:"auto_offset_reset,omitempty"`
	Source          string `json:"source"`
	Table           string `json:"table"`
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
	if cfg.Group == "" {
		return Config{}, fmt.Errorf("group is required")
	}
	switch cfg.AutoOffsetReset {
	case "", "latest":
		cfg.AutoOffsetReset = "latest"
	case "earliest":
	default:
		return Config{}, fmt.Errorf("auto_offset_reset must be earliest or latest, got %q", cfg.AutoOffsetReset)
	}
	if cfg.Source == "" {
		cfg.Source = "kafka:" + cfg.Topic
	}
	return cfg, nil
}

// Factory constructs Source instances for kind=kafka.
type Factory struct{}

func (Factory) Kind() string { return "kafka" }

func (Factory) Validate(raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func (Factory) Create(raw json.RawMessage) (connector.Connector, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	return &Source{cfg: cfg, pending: make(map[uuid.UUID]*kgo.Record)}, nil
}

// Source is the connector.Connector + connector.AckCapable implementation
// for kind=kafka. Offsets are committed per-record on Ack rather than on
// an autocommit timer, so a crash between delivery and ack redelivers
// from the last committed offset.
type Source struct {
	cfg    Config
	client *kgo.Client

	mu      sync.Mutex
	pending map[uuid.UUID]*kgo.Record

	out    chan event.ChangeEvent
	closed atomic.Bool
	errMu  sync.Mutex
	lastErr error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *Source) Start(ctx context.Context) (<-chan event.ChangeEvent, error) {
	resetOffset := kgo.NewOffset().AtEnd()
	if s.cfg.AutoOffsetReset == "earliest" {
		resetOffset = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumerGroup(s.cfg.Group),
		kgo.ConsumeTopics(s.cfg.Topic),
		kgo.ConsumeResetOffset(resetOffset),
		kgo.DisableAutoCommit(),
		kgo.ClientID("flowgate-kafka-source"),
	)
	if err != nil {
		return nil, connector.WrapTransient("connector.kafka", "connect", err)
	}
	s.client = client

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, connector.WrapTransient("connector.kafka", "ping", err)
	}

	s.out = make(chan event.ChangeEvent, 256)
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(runCtx)

	return s.out, nil
}

func (s *Source) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, fmt.Sprintf("%s[%d]: %v", e.Topic, e.Partition, e.Err))
			}
			s.setErr(connector.WrapTransient("connector.kafka", "fetch", fmt.Errorf("%s", strings.Join(msgs, "; "))))
			continue
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			s.handleRecord(ctx, rec)
		})
	}
}

func (s *Source) handleRecord(ctx context.Context, rec *kgo.Record) {
	var data map[string]any
	if err := json.Unmarshal(rec.Value, &data); err != nil {
		data = map[string]any{"raw": string(rec.Value)}
	}
	op := event.OpInsert
	if raw, ok := data["operation"].(string); ok {
		op = event.Operation(raw)
	}
	table := s.cfg.Table
	if t, ok := data["table"].(string); ok && t != "" {
		table = t
	}

	id := uuid.New()
	ev := event.ChangeEvent{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Source:    s.cfg.Source,
		Table:     table,
		Operation: op,
		Data:      data,
		Metadata: map[string]string{
			"kafka_partition": fmt.Sprintf("%d", rec.Partition),
			"kafka_offset":    fmt.Sprintf("%d", rec.Offset),
		},
	}

	s.mu.Lock()
	s.pending[id] = rec
	s.mu.Unlock()

	if s.closed.Load() {
		return
	}
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}

func (s *Source) Ack(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	rec, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return connector.WrapInvalid("connector.kafka", "ack", fmt.Errorf("unknown event id %s", id))
	}
	if err := s.client.CommitRecords(ctx, rec); err != nil {
		return connector.WrapTransient("connector.kafka", "commit", err)
	}
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.client != nil {
		s.client.Close()
	}
	if s.out != nil {
		close(s.out)
	}
	return nil
}

func (s *Source) Test(ctx context.Context) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(s.cfg.Brokers...))
	if err != nil {
		return connector.WrapTransient("connector.kafka", "test", err)
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		return connector.WrapTransient("connector.kafka", "test", err)
	}
	return nil
}

func (s *Source) setErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

func (s *Source) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *Source) Capabilities() connector.Capabilities {
	return connector.Capabilities{SupportsAck: true}
}
