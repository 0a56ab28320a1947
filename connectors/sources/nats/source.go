// Package nats implements the "nats" connector kind: a durable
// JetStream consumer with explicit per-event acknowledgement.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

// Config is the free-form document stored in ConnectorSpec.Config for
// kind=nats.
type Config struct {
	URL           string `json:"url"`
	Stream        string `json:"stream"`
	Consumer      string `json:"consumer"`
	FilterSubject string `json:"filter_subject"`
	StartSeq      uint64 `json:"start_seq,omitempty"`
	Source        string `json:"source"`
	Table         string `json:"table"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.URL == "" {
		return Config{}, fmt.Errorf("url is required")
	}
	if cfg.Stream == "" {
		return Config{}, fmt.Errorf("stream is required")
	}
	if cfg.Consumer == "" {
		return Config{}, fmt.Errorf("consumer (durable name) is required")
	}
	if cfg.FilterSubject == "" {
		return Config{}, fmt.Errorf("filter_subject is required")
	}
	if cfg.Source == "" {
		cfg.Source = "nats:" + cfg.Stream
	}
	return cfg, nil
}

// Factory constructs Source instances for kind=nats.
type Factory struct{}

func (Factory) Kind() string { return "nats" }

func (Factory) Validate(raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func (Factory) Create(raw json.RawMessage) (connector.Connector, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	return &Source{cfg: cfg, pending: make(map[uuid.UUID]jetstream.Msg)}, nil
}

// Source is the connector.Connector + connector.AckCapable implementation
// for kind=nats.
type Source struct {
	cfg Config

	conn       *natsgo.Conn
	consumeCtx jetstream.ConsumeContext

	mu      sync.Mutex
	pending map[uuid.UUID]jetstream.Msg

	out    chan event.ChangeEvent
	closed atomic.Bool

	errMu   sync.Mutex
	lastErr error
}

func (s *Source) Start(ctx context.Context) (<-chan event.ChangeEvent, error) {
	conn, err := natsgo.Connect(s.cfg.URL,
		natsgo.Name("flowgate-nats-source"),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				s.setErr(connector.WrapTransient("connector.nats", "disconnect", err))
			}
		}),
	)
	if err != nil {
		return nil, connector.WrapTransient("connector.nats", "connect", err)
	}
	s.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, connector.WrapTransient("connector.nats", "jetstream", err)
	}

	deliverPolicy := jetstream.DeliverNewPolicy
	var startSeq uint64
	if s.cfg.StartSeq > 0 {
		deliverPolicy = jetstream.DeliverByStartSequencePolicy
		startSeq = s.cfg.StartSeq
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       s.cfg.Consumer,
		FilterSubject: s.cfg.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliverPolicy,
		OptStartSeq:   startSeq,
	})
	if err != nil {
		conn.Close()
		return nil, connector.WrapTransient("connector.nats", "create_consumer", err)
	}

	s.out = make(chan event.ChangeEvent, 64)

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handleMsg(msg)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		s.setErr(connector.WrapTransient("connector.nats", "consume", err))
	}))
	if err != nil {
		conn.Close()
		return nil, connector.WrapTransient("connector.nats", "consume", err)
	}
	s.consumeCtx = consumeCtx

	return s.out, nil
}

func (s *Source) handleMsg(msg jetstream.Msg) {
	if s.closed.Load() {
		return
	}
	var data map[string]any
	if err := json.Unmarshal(msg.Data(), &data); err != nil {
		_ = msg.Nak()
		return
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
		Metadata:  map[string]string{"nats_subject": msg.Subject()},
	}

	s.mu.Lock()
	s.pending[id] = msg
	s.mu.Unlock()

	if s.closed.Load() {
		return
	}
	s.out <- ev
}

func (s *Source) Ack(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	msg, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return connector.WrapInvalid("connector.nats", "ack", fmt.Errorf("unknown event id %s", id))
	}
	return msg.Ack()
}

func (s *Source) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.consumeCtx != nil {
		s.consumeCtx.Stop()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.out != nil {
		close(s.out)
	}
	return nil
}

func (s *Source) Test(ctx context.Context) error {
	conn, err := natsgo.Connect(s.cfg.URL, natsgo.Timeout(10*time.Second))
	if err != nil {
		return connector.WrapTransient("connector.nats", "test", err)
	}
	defer conn.Close()
	if !conn.IsConnected() {
		return connector.WrapTransient("connector.nats", "test", fmt.Errorf("connected but not healthy"))
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
