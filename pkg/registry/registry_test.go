package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

type stubFactory struct {
	kind    string
	invalid bool
}

func (s stubFactory) Kind() string { return s.kind }
func (s stubFactory) Validate(json.RawMessage) error {
	if s.invalid {
		return errInvalid
	}
	return nil
}
func (s stubFactory) Create(json.RawMessage) (connector.Connector, error) { return stubConn{}, nil }

type stubDestFactory struct{ kind string }

func (s stubDestFactory) Kind() string                    { return s.kind }
func (s stubDestFactory) Validate(json.RawMessage) error  { return nil }
func (s stubDestFactory) Create(json.RawMessage) (connector.Destination, error) {
	return stubDest{}, nil
}

type stubConn struct{}

func (stubConn) Start(ctx context.Context) (<-chan event.ChangeEvent, error) { return nil, nil }
func (stubConn) Stop(ctx context.Context) error                             { return nil }
func (stubConn) Test(ctx context.Context) error                             { return nil }
func (stubConn) Err() error                                                 { return nil }
func (stubConn) Capabilities() connector.Capabilities                      { return connector.Capabilities{} }

type stubDest struct{}

func (stubDest) Open(ctx context.Context, _ json.RawMessage) error { return nil }
func (stubDest) WriteBatch(ctx context.Context, _ []event.ChangeEvent) (connector.WriteReport, error) {
	return connector.WriteReport{}, nil
}
func (stubDest) Close(ctx context.Context) error { return nil }
func (stubDest) Test(ctx context.Context) error  { return nil }

var errInvalid = &stubErr{}

type stubErr struct{}

func (*stubErr) Error() string { return "invalid config" }

func TestBuilderRejectsDuplicateKind(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterConnector(stubFactory{kind: "nats"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.RegisterConnector(stubFactory{kind: "nats"}); err == nil {
		t.Fatal("expected duplicate kind registration to fail")
	}
}

func TestCreateConnectorValidatesFirst(t *testing.T) {
	b := NewBuilder()
	_ = b.RegisterConnector(stubFactory{kind: "bad", invalid: true})
	r := b.Build()

	if _, err := r.CreateConnector("bad", nil); err == nil {
		t.Fatal("expected validation failure to block creation")
	}
}

func TestCreateConnectorUnknownKind(t *testing.T) {
	r := NewBuilder().Build()
	if _, err := r.CreateConnector("missing", nil); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestRegistryIsImmutableAfterBuild(t *testing.T) {
	b := NewBuilder()
	_ = b.RegisterDestination(stubDestFactory{kind: "postgres"})
	r := b.Build()

	// Mutating the builder after Build must not affect the built registry.
	_ = b.RegisterDestination(stubDestFactory{kind: "mysql"})
	if r.HasDestinationKind("mysql") {
		t.Fatal("registry observed a post-Build mutation to the builder")
	}
	if !r.HasDestinationKind("postgres") {
		t.Fatal("registry lost a kind registered before Build")
	}
}

func TestCreateDestinationRoundTrip(t *testing.T) {
	b := NewBuilder()
	_ = b.RegisterDestination(stubDestFactory{kind: "postgres"})
	r := b.Build()

	d, err := r.CreateDestination("postgres", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	report, err := d.WriteBatch(context.Background(), []event.ChangeEvent{{ID: uuid.New()}})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	_ = report
}
