package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/brackenfield/flowgate/pkg/configstore"
	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
	"github.com/brackenfield/flowgate/pkg/registry"
)

type stubConnFactory struct{}

func (stubConnFactory) Kind() string                   { return "stub" }
func (stubConnFactory) Validate(json.RawMessage) error { return nil }
func (stubConnFactory) Create(json.RawMessage) (connector.Connector, error) {
	return stubConn{}, nil
}

type stubConn struct{}

func (stubConn) Start(ctx context.Context) (<-chan event.ChangeEvent, error) {
	ch := make(chan event.ChangeEvent)
	return ch, nil
}
func (stubConn) Stop(ctx context.Context) error       { return nil }
func (stubConn) Test(ctx context.Context) error       { return nil }
func (stubConn) Err() error                            { return nil }
func (stubConn) Capabilities() connector.Capabilities { return connector.Capabilities{} }

type stubDestFactory struct{}

func (stubDestFactory) Kind() string                   { return "stub" }
func (stubDestFactory) Validate(json.RawMessage) error { return nil }
func (stubDestFactory) Create(json.RawMessage) (connector.Destination, error) {
	return stubDest{}, nil
}

type stubDest struct{}

func (stubDest) Open(ctx context.Context, _ json.RawMessage) error { return nil }
func (stubDest) WriteBatch(ctx context.Context, batch []event.ChangeEvent) (connector.WriteReport, error) {
	return connector.WriteReport{}, nil
}
func (stubDest) Close(ctx context.Context) error { return nil }
func (stubDest) Test(ctx context.Context) error  { return nil }

// countingConn is a connector.Connector test double whose Start method
// counts how many times it is actually invoked, so a test can assert a
// single observable Starting -> Running transition under concurrency.
type countingConn struct {
	mu     sync.Mutex
	starts int
}

func (c *countingConn) Start(ctx context.Context) (<-chan event.ChangeEvent, error) {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
	return make(chan event.ChangeEvent), nil
}
func (c *countingConn) Stop(ctx context.Context) error { return nil }
func (c *countingConn) Test(ctx context.Context) error { return nil }
func (c *countingConn) Err() error                      { return nil }
func (c *countingConn) Capabilities() connector.Capabilities {
	return connector.Capabilities{}
}

func (c *countingConn) startCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

type countingConnFactory struct{ conn *countingConn }

func (f countingConnFactory) Kind() string                   { return "counting" }
func (f countingConnFactory) Validate(json.RawMessage) error { return nil }
func (f countingConnFactory) Create(json.RawMessage) (connector.Connector, error) {
	return f.conn, nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, configstore.Store) {
	t.Helper()
	store, err := configstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	b := registry.NewBuilder()
	_ = b.RegisterConnector(stubConnFactory{})
	_ = b.RegisterDestination(stubDestFactory{})
	reg := b.Build()
	return New(reg, store, otel.Tracer("test")), store
}

func seedConnectorAndDestination(t *testing.T, store configstore.Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.PutConnector(ctx, event.ConnectorSpec{Name: "c1", Kind: "stub"}, nil); err != nil {
		t.Fatalf("seed connector: %v", err)
	}
	if _, err := store.PutDestination(ctx, event.DestinationSpec{Name: "d1", Kind: "stub"}, nil); err != nil {
		t.Fatalf("seed destination: %v", err)
	}
}

func TestCreateGetDeleteLifecycle(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	seedConnectorAndDestination(t, store)
	ctx := context.Background()

	spec := event.FlowSpec{Name: "flow1", ConnectorName: "c1", DestinationNames: []string{"d1"}}
	if err := orch.Create(ctx, spec); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := orch.Get("flow1"); err != nil {
		t.Fatalf("get after create: %v", err)
	}

	if err := orch.Delete(ctx, "flow1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := orch.Get("flow1"); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := orch.Start(ctx, "flow1"); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("expected Start on a deleted flow to return ErrNotFound, got %v", err)
	}
}

func TestCreateDuplicateNameConflicts(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	seedConnectorAndDestination(t, store)
	ctx := context.Background()

	spec := event.FlowSpec{Name: "dup", ConnectorName: "c1", DestinationNames: []string{"d1"}}
	if err := orch.Create(ctx, spec); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := orch.Create(ctx, spec); !errors.Is(err, connector.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate create, got %v", err)
	}
}

func TestLifecycleOpsAreIdempotent(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	seedConnectorAndDestination(t, store)
	ctx := context.Background()

	spec := event.FlowSpec{Name: "idem", ConnectorName: "c1", DestinationNames: []string{"d1"}}
	if err := orch.Create(ctx, spec); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := orch.Start(ctx, "idem"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := orch.Start(ctx, "idem"); err != nil {
		t.Fatalf("second start should be a no-op, got: %v", err)
	}

	if err := orch.Stop(ctx, "idem"); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := orch.Stop(ctx, "idem"); err != nil {
		t.Fatalf("second stop should be a no-op, got: %v", err)
	}
}

func TestOpsOnUnknownFlowReturnNotFound(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	if err := orch.Start(ctx, "ghost"); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := orch.Delete(ctx, "ghost"); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRejectsUnknownConnectorReference(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	spec := event.FlowSpec{Name: "badref", ConnectorName: "missing", DestinationNames: nil}
	if err := orch.Create(ctx, spec); err == nil {
		t.Fatal("expected an error for a flow referencing a nonexistent connector")
	}
	// The reserved name must be released so a later retry can succeed.
	if _, err := orch.Get("badref"); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("expected the failed create to release its name reservation, got %v", err)
	}
}

func TestRestartResetsMetrics(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	seedConnectorAndDestination(t, store)
	ctx := context.Background()

	spec := event.FlowSpec{Name: "r1", ConnectorName: "c1", DestinationNames: []string{"d1"}}
	if _, err := store.PutFlow(ctx, spec, nil); err != nil {
		t.Fatalf("seed flow: %v", err)
	}
	if err := orch.Create(ctx, spec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := orch.Start(ctx, "r1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := orch.Restart(ctx, "r1"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	view, err := orch.Get("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Metrics.MessagesReceived != 0 {
		t.Fatalf("expected a fresh supervisor after restart, got MessagesReceived=%d", view.Metrics.MessagesReceived)
	}
}

// TestConcurrentStartProducesExactlyOneTransition fires 50 concurrent
// Start calls at a single Inactive flow. entry.mu must serialize them so
// exactly one of them actually drives the connector's Starting ->
// Running transition, and every caller still observes success.
func TestConcurrentStartProducesExactlyOneTransition(t *testing.T) {
	store, err := configstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	conn := &countingConn{}
	b := registry.NewBuilder()
	_ = b.RegisterConnector(countingConnFactory{conn: conn})
	_ = b.RegisterDestination(stubDestFactory{})
	orch := New(b.Build(), store, otel.Tracer("test"))

	ctx := context.Background()
	if _, err := store.PutConnector(ctx, event.ConnectorSpec{Name: "cc1", Kind: "counting"}, nil); err != nil {
		t.Fatalf("seed connector: %v", err)
	}
	if _, err := store.PutDestination(ctx, event.DestinationSpec{Name: "d1", Kind: "stub"}, nil); err != nil {
		t.Fatalf("seed destination: %v", err)
	}

	spec := event.FlowSpec{Name: "concurrent-start", ConnectorName: "cc1", DestinationNames: []string{"d1"}}
	if err := orch.Create(ctx, spec); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			errs[i] = orch.Start(ctx, "concurrent-start")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("start #%d: expected success, got %v", i, err)
		}
	}
	if got := conn.startCount(); got != 1 {
		t.Fatalf("expected exactly one Starting -> Running transition, connector.Start was called %d times", got)
	}

	view, err := orch.Get("concurrent-start")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status.Status != event.StatusRunning {
		t.Fatalf("expected Running after the concurrent starts settle, got %s", view.Status.Status)
	}
}
