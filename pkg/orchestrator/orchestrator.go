// Package orchestrator implements the Flow Orchestrator: the
// process-wide directory of live Flow Supervisors, serialized per-flow
// so concurrent lifecycle calls on the same flow never race while
// distinct flows proceed independently.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/brackenfield/flowgate/pkg/configstore"
	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
	"github.com/brackenfield/flowgate/pkg/flow"
	"github.com/brackenfield/flowgate/pkg/registry"
)

const maxDeleteDrainTimeout = 10 * time.Second

// entry pairs a supervisor with its own mutex so the table lock never
// has to be held across a supervisor call. deleted is set under mu once
// Delete has committed to removing this entry, closing the window where
// a concurrent lifecycle call that already completed lookup() would
// otherwise act on a supervisor the table no longer tracks.
type entry struct {
	mu      sync.Mutex
	flow    *flow.Supervisor
	deleted bool
}

// Orchestrator owns flow_name -> Supervisor.
type Orchestrator struct {
	reg    *registry.Registry
	store  configstore.Store
	tracer trace.Tracer

	tableMu sync.RWMutex
	flows   map[string]*entry
}

func New(reg *registry.Registry, store configstore.Store, tracer trace.Tracer) *Orchestrator {
	return &Orchestrator{
		reg:    reg,
		store:  store,
		tracer: tracer,
		flows:  make(map[string]*entry),
	}
}

func (o *Orchestrator) lookup(name string) (*entry, bool) {
	o.tableMu.RLock()
	defer o.tableMu.RUnlock()
	e, ok := o.flows[name]
	return e, ok
}

// Create resolves the connector/destination references from the
// config store, constructs fresh instances via the registry, and
// installs a new Supervisor in Inactive. If spec.AutoStart, it is
// started before Create returns.
func (o *Orchestrator) Create(ctx context.Context, spec event.FlowSpec) error {
	o.tableMu.Lock()
	if _, exists := o.flows[spec.Name]; exists {
		o.tableMu.Unlock()
		return connector.ErrConflict
	}
	o.flows[spec.Name] = nil // reserve the name while we build
	o.tableMu.Unlock()

	sup, err := o.buildSupervisor(ctx, spec)
	if err != nil {
		o.tableMu.Lock()
		delete(o.flows, spec.Name)
		o.tableMu.Unlock()
		return err
	}

	e := &entry{flow: sup}
	o.tableMu.Lock()
	o.flows[spec.Name] = e
	o.tableMu.Unlock()

	if spec.AutoStart {
		e.mu.Lock()
		err := e.flow.Start(ctx)
		e.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) buildSupervisor(ctx context.Context, spec event.FlowSpec) (*flow.Supervisor, error) {
	connSpec, err := o.store.GetConnector(ctx, spec.ConnectorName)
	if err != nil {
		return nil, err
	}
	if !o.reg.HasConnectorKind(connSpec.Kind) {
		return nil, connector.WrapInvalid("orchestrator", "create", fmt.Errorf("connector kind %q not registered", connSpec.Kind))
	}
	conn, err := o.reg.CreateConnector(connSpec.Kind, connSpec.Config)
	if err != nil {
		return nil, err
	}

	dests := make(map[string]connector.Destination, len(spec.DestinationNames))
	order := make([]string, 0, len(spec.DestinationNames))
	for _, name := range spec.DestinationNames {
		if _, dup := dests[name]; dup {
			continue
		}
		destSpec, err := o.store.GetDestination(ctx, name)
		if err != nil {
			return nil, err
		}
		if !o.reg.HasDestinationKind(destSpec.Kind) {
			return nil, connector.WrapInvalid("orchestrator", "create", fmt.Errorf("destination kind %q not registered", destSpec.Kind))
		}
		d, err := o.reg.CreateDestination(destSpec.Kind, destSpec.Config)
		if err != nil {
			return nil, err
		}
		dests[name] = d
		order = append(order, name)
	}

	return flow.NewSupervisor(spec.Name, spec, conn, dests, order, o.tracer), nil
}

func (o *Orchestrator) Start(ctx context.Context, name string) error {
	e, ok := o.lookup(name)
	if !ok || e == nil {
		return connector.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return connector.ErrNotFound
	}
	return e.flow.Start(ctx)
}

func (o *Orchestrator) Stop(ctx context.Context, name string) error {
	e, ok := o.lookup(name)
	if !ok || e == nil {
		return connector.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return connector.ErrNotFound
	}
	return e.flow.Stop(ctx)
}

func (o *Orchestrator) Pause(ctx context.Context, name string) error {
	e, ok := o.lookup(name)
	if !ok || e == nil {
		return connector.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return connector.ErrNotFound
	}
	return e.flow.Pause(ctx)
}

func (o *Orchestrator) Resume(ctx context.Context, name string) error {
	e, ok := o.lookup(name)
	if !ok || e == nil {
		return connector.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return connector.ErrNotFound
	}
	return e.flow.Resume(ctx)
}

// Restart stops the current supervisor, re-reads the spec from the
// config store, rebuilds fresh connector/destination instances, and
// starts again. Metrics reset because a new Supervisor is installed.
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	e, ok := o.lookup(name)
	if !ok || e == nil {
		return connector.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return connector.ErrNotFound
	}

	if err := e.flow.Stop(ctx); err != nil {
		return err
	}
	spec, err := o.store.GetFlow(ctx, name)
	if err != nil {
		return err
	}
	sup, err := o.buildSupervisor(ctx, spec)
	if err != nil {
		return err
	}
	e.flow = sup
	return e.flow.Start(ctx)
}

// Delete transitions the supervisor to Stopping, awaits a bounded
// shutdown, then removes it from the table.
func (o *Orchestrator) Delete(ctx context.Context, name string) error {
	e, ok := o.lookup(name)
	if !ok || e == nil {
		return connector.ErrNotFound
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return connector.ErrNotFound
	}
	e.deleted = true
	deleteCtx, cancel := context.WithTimeout(ctx, maxDeleteDrainTimeout)
	err := e.flow.Stop(deleteCtx)
	cancel()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	o.tableMu.Lock()
	delete(o.flows, name)
	o.tableMu.Unlock()
	return nil
}

// List returns a status+metrics snapshot for every known flow, without
// perturbing any supervisor.
func (o *Orchestrator) List() []FlowView {
	o.tableMu.RLock()
	entries := make([]*entry, 0, len(o.flows))
	for _, e := range o.flows {
		if e == nil {
			continue
		}
		entries = append(entries, e)
	}
	o.tableMu.RUnlock()

	out := make([]FlowView, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, FlowView{
			Status:  e.flow.Status(),
			Metrics: e.flow.Metrics(),
		})
		e.mu.Unlock()
	}
	return out
}

// Get returns a single flow's status+metrics snapshot.
func (o *Orchestrator) Get(name string) (FlowView, error) {
	e, ok := o.lookup(name)
	if !ok || e == nil {
		return FlowView{}, connector.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return FlowView{Status: e.flow.Status(), Metrics: e.flow.Metrics()}, nil
}

// FlowView is the read-only projection the control plane serializes.
type FlowView struct {
	Status  event.FlowStatus
	Metrics event.FlowMetrics
}
