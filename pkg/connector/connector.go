// Package connector defines the capability-typed interfaces that every
// connector and destination plugin implements, plus the factory contract
// the Plugin Registry uses to validate and construct them.
package connector

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/brackenfield/flowgate/pkg/event"
)

// Capabilities describes what an implementation supports beyond the
// minimum contract, so the orchestrator can make informed decisions
// (e.g. whether to wire up per-event ack).
type Capabilities struct {
	SupportsAck bool
}

// Connector is the capability handle for a change-event source: start,
// consume a lazy event stream, stop. A Connector is single-use — once
// stopped it must be re-created, never restarted.
type Connector interface {
	// Start begins consumption and returns a channel the supervisor drains.
	// The channel is closed when the connector has nothing further to
	// produce (e.g. after Stop or on an unrecoverable error); callers
	// should check Err() after the channel closes to distinguish a clean
	// stop from a failure.
	Start(ctx context.Context) (<-chan event.ChangeEvent, error)

	// Stop is idempotent: it completes any in-flight fetch/ack and
	// releases resources. It does not panic or error on a second call.
	Stop(ctx context.Context) error

	// Test performs a non-destructive connectivity probe.
	Test(ctx context.Context) error

	// Err returns the terminal error, if the event stream closed because
	// of one rather than a clean Stop.
	Err() error

	Capabilities() Capabilities
}

// AckCapable is an optional capability: sources that require an explicit
// downstream acknowledgement (e.g. a JetStream or Kafka consumer with
// manual offset commit) implement it. The supervisor type-asserts for
// this after constructing a Connector.
type AckCapable interface {
	Ack(ctx context.Context, id uuid.UUID) error
}

// ConflictPolicy selects how a keyed destination resolves a write that
// collides with an existing row/document.
type ConflictPolicy string

const (
	ConflictUpsert  ConflictPolicy = "upsert"
	ConflictReplace ConflictPolicy = "replace"
	ConflictIgnore  ConflictPolicy = "ignore"
)

// WriteReport is the per-batch outcome of a Destination.WriteBatch call.
// A destination that can distinguish partial failure should populate
// Failed with exactly the ids it did not durably write; a destination
// that can only fail atomically returns either all-succeeded or a
// non-nil Err with Failed == the full input set.
type WriteReport struct {
	Succeeded []uuid.UUID
	Failed    []uuid.UUID
}

// Destination is the capability handle for a change-event sink: open,
// write_batch (possibly many times), close.
type Destination interface {
	// Open acquires any pool/handle; may block until healthy.
	Open(ctx context.Context, config json.RawMessage) error

	// WriteBatch applies one batch. Implementations must not allow two
	// concurrent WriteBatch calls to overlap; the supervisor guarantees
	// this by construction but a defensive implementation may also guard
	// itself.
	WriteBatch(ctx context.Context, batch []event.ChangeEvent) (WriteReport, error)

	// Close is an idempotent flush and release.
	Close(ctx context.Context) error

	// Test performs a non-destructive connectivity probe.
	Test(ctx context.Context) error
}

// Factory produces a Connector for one registry kind.
type Factory interface {
	Kind() string
	Validate(config json.RawMessage) error
	Create(config json.RawMessage) (Connector, error)
}

// DestinationFactory produces a Destination for one registry kind.
type DestinationFactory interface {
	Kind() string
	Validate(config json.RawMessage) error
	Create(config json.RawMessage) (Destination, error)
}
