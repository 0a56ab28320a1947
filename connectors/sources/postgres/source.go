// Package postgres implements the "postgres" connector kind: a logical
// replication stream decoded from the pgoutput plugin, with ack driven
// by the replication slot's confirmed LSN.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

const outputPlugin = "pgoutput"

// Config is the free-form document stored in ConnectorSpec.Config for
// kind=postgres.
type Config struct {
	DSN         string `json:"dsn"`
	Slot        string `json:"slot"`
	Publication string `json:"publication"`
	// StartLSN is honored only the first time the slot is created; once
	// the slot exists the connector always resumes from its confirmed
	// LSN and this field is ignored.
	StartLSN string `json:"start_lsn,omitempty"`
	Source   string `json:"source"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DSN == "" {
		return Config{}, fmt.Errorf("dsn is required")
	}
	if cfg.Slot == "" {
		return Config{}, fmt.Errorf("slot is required")
	}
	if cfg.Publication == "" {
		return Config{}, fmt.Errorf("publication is required")
	}
	if cfg.StartLSN != "" {
		if _, err := pglogrepl.ParseLSN(cfg.StartLSN); err != nil {
			return Config{}, fmt.Errorf("start_lsn: %w", err)
		}
	}
	if cfg.Source == "" {
		cfg.Source = "postgres:" + cfg.Slot
	}
	return cfg, nil
}

// Factory constructs Source instances for kind=postgres.
type Factory struct{}

func (Factory) Kind() string { return "postgres" }

func (Factory) Validate(raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func (Factory) Create(raw json.RawMessage) (connector.Connector, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	return &Source{cfg: cfg, dec: newDecoder(), pending: make(map[uuid.UUID]pglogrepl.LSN)}, nil
}

// Source is the connector.Connector + connector.AckCapable implementation
// for kind=postgres. It speaks the streaming replication protocol
// directly over a dedicated pgconn.PgConn connection (DSN must carry
// replication=database) rather than going through a pooled connection,
// since the wire protocol switches into COPY mode for the duration of
// the stream.
type Source struct {
	cfg Config
	dec *decoder

	repl *pgconn.PgConn

	mu      sync.Mutex
	pending map[uuid.UUID]pglogrepl.LSN

	// ackedLSN is the highest LSN the engine has confirmed. Acks may
	// arrive out of order across concurrent destinations; this connector
	// advances ackedLSN optimistically to the max acked value seen so
	// far rather than requiring strict contiguity, since redelivery of
	// an already-applied row is tolerated (Non-goal: exactly-once).
	ackedLSN atomic.Uint64

	out    chan event.ChangeEvent
	closed atomic.Bool
	errMu  sync.Mutex
	lastErr error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *Source) Start(ctx context.Context) (<-chan event.ChangeEvent, error) {
	repl, err := pgconn.Connect(ctx, s.cfg.DSN)
	if err != nil {
		return nil, connector.WrapTransient("connector.postgres", "connect", err)
	}
	s.repl = repl

	sysident, err := pglogrepl.IdentifySystem(ctx, repl)
	if err != nil {
		repl.Close(ctx)
		return nil, connector.WrapTransient("connector.postgres", "identify_system", err)
	}

	startLSN := sysident.XLogPos
	created, err := s.ensureSlot(ctx)
	if err != nil {
		repl.Close(ctx)
		return nil, err
	}
	if created && s.cfg.StartLSN != "" {
		lsn, _ := pglogrepl.ParseLSN(s.cfg.StartLSN)
		startLSN = lsn
	} else if !created {
		confirmed, err := s.confirmedFlushLSN(ctx)
		if err != nil {
			repl.Close(ctx)
			return nil, err
		}
		startLSN = confirmed
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", s.cfg.Publication),
	}
	if err := pglogrepl.StartReplication(ctx, repl, s.cfg.Slot, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	}); err != nil {
		repl.Close(ctx)
		return nil, connector.WrapTransient("connector.postgres", "start_replication", err)
	}

	s.out = make(chan event.ChangeEvent, 256)
	s.ackedLSN.Store(uint64(startLSN))

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(runCtx, startLSN)

	return s.out, nil
}

func (s *Source) ensureSlot(ctx context.Context) (created bool, err error) {
	_, err = pglogrepl.CreateReplicationSlot(ctx, s.repl, s.cfg.Slot, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: false})
	if err == nil {
		return true, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42710" {
		// already exists: resume from its confirmed LSN, per §9's resolved
		// Open Question on replication restart semantics.
		return false, nil
	}
	return false, connector.WrapTransient("connector.postgres", "create_slot", err)
}

func (s *Source) confirmedFlushLSN(ctx context.Context) (pglogrepl.LSN, error) {
	pool, err := newPool(ctx, s.cfg.DSN)
	if err != nil {
		return 0, connector.WrapTransient("connector.postgres", "catalog_connect", err)
	}
	defer pool.Close()
	var lsnStr string
	err = pool.QueryRow(ctx, `SELECT confirmed_flush_lsn FROM pg_replication_slots WHERE slot_name = $1`, s.cfg.Slot).Scan(&lsnStr)
	if err != nil {
		return 0, connector.WrapTransient("connector.postgres", "confirmed_flush_lsn", err)
	}
	lsn, err := pglogrepl.ParseLSN(lsnStr)
	if err != nil {
		return 0, connector.WrapFatal("connector.postgres", "confirmed_flush_lsn", err)
	}
	return lsn, nil
}

func (s *Source) run(ctx context.Context, startLSN pglogrepl.LSN) {
	defer s.wg.Done()
	clientXLogPos := startLSN
	standbyDeadline := time.Now().Add(5 * time.Second)

	for {
		if ctx.Err() != nil {
			return
		}
		if time.Now().After(standbyDeadline) {
			ackLSN := pglogrepl.LSN(s.ackedLSN.Load())
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, s.repl, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: ackLSN,
				WALFlushPosition: ackLSN,
				WALApplyPosition: ackLSN,
			}); err != nil {
				s.setErr(connector.WrapTransient("connector.postgres", "standby_status_update", err))
				return
			}
			standbyDeadline = time.Now().Add(5 * time.Second)
		}

		recvCtx, cancel := context.WithDeadline(ctx, standbyDeadline)
		msg, err := s.repl.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			s.setErr(connector.WrapTransient("connector.postgres", "receive", err))
			return
		}

		cd, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}
		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				s.setErr(connector.WrapTransient("connector.postgres", "keepalive", err))
				return
			}
			if ka.ReplyRequested {
				standbyDeadline = time.Time{}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				s.setErr(connector.WrapTransient("connector.postgres", "xlogdata", err))
				return
			}
			clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
			if err := s.handleWALData(ctx, xld.WALData, clientXLogPos); err != nil {
				s.setErr(connector.WrapFatal("connector.postgres", "decode", err))
				return
			}
		}
	}
}

func (s *Source) handleWALData(ctx context.Context, data []byte, lsn pglogrepl.LSN) error {
	change, err := s.dec.decode(data)
	if err != nil {
		return err
	}
	if change == nil {
		return nil
	}
	id := uuid.New()
	row := make(map[string]any, len(change.columns))
	for i, col := range change.columns {
		row[col] = change.values[i]
	}
	ev := event.ChangeEvent{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Source:    s.cfg.Source,
		Table:     fmt.Sprintf("%s.%s", change.namespace, change.table),
		Operation: toOperation(change.operation),
		Data:      row,
		Metadata:  map[string]string{"lsn": lsn.String()},
	}

	s.mu.Lock()
	s.pending[id] = lsn
	s.mu.Unlock()

	if s.closed.Load() {
		return nil
	}
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
	return nil
}

func toOperation(op string) event.Operation {
	switch op {
	case "update":
		return event.OpUpdate
	case "delete":
		return event.OpDelete
	default:
		return event.OpInsert
	}
}

func (s *Source) Ack(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	lsn, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return connector.WrapInvalid("connector.postgres", "ack", fmt.Errorf("unknown event id %s", id))
	}
	for {
		cur := s.ackedLSN.Load()
		if uint64(lsn) <= cur {
			return nil
		}
		if s.ackedLSN.CompareAndSwap(cur, uint64(lsn)) {
			return nil
		}
	}
}

func (s *Source) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.repl != nil {
		s.repl.Close(ctx)
	}
	if s.out != nil {
		close(s.out)
	}
	return nil
}

func (s *Source) Test(ctx context.Context) error {
	pool, err := newPool(ctx, s.cfg.DSN)
	if err != nil {
		return connector.WrapTransient("connector.postgres", "test", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return connector.WrapTransient("connector.postgres", "test", err)
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

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
