// Package registry implements the Plugin Registry: two independent
// kind->factory maps, one for connectors and one for destinations,
// built once at bootstrap and immutable thereafter.
package registry

import (
	"encoding/json"
	"fmt"

	"github.com/brackenfield/flowgate/pkg/connector"
)

// Registry is the process-wide directory of connector and destination
// kinds. It has no exported mutator methods; the only way to build one
// is through a Builder, and once Build() returns, reads never take a
// lock.
type Registry struct {
	connectors   map[string]connector.Factory
	destinations map[string]connector.DestinationFactory
}

// Builder accumulates factories before the registry is frozen.
type Builder struct {
	connectors   map[string]connector.Factory
	destinations map[string]connector.DestinationFactory
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		connectors:   make(map[string]connector.Factory),
		destinations: make(map[string]connector.DestinationFactory),
	}
}

// RegisterConnector adds a connector factory. It is an error to register
// the same kind twice.
func (b *Builder) RegisterConnector(f connector.Factory) error {
	kind := f.Kind()
	if kind == "" {
		return fmt.Errorf("registry: connector factory has empty kind")
	}
	if _, exists := b.connectors[kind]; exists {
		return fmt.Errorf("registry: connector kind %q already registered", kind)
	}
	b.connectors[kind] = f
	return nil
}

// RegisterDestination adds a destination factory. It is an error to
// register the same kind twice.
func (b *Builder) RegisterDestination(f connector.DestinationFactory) error {
	kind := f.Kind()
	if kind == "" {
		return fmt.Errorf("registry: destination factory has empty kind")
	}
	if _, exists := b.destinations[kind]; exists {
		return fmt.Errorf("registry: destination kind %q already registered", kind)
	}
	b.destinations[kind] = f
	return nil
}

// Build freezes the builder into an immutable Registry. The Builder
// must not be used afterward.
func (b *Builder) Build() *Registry {
	r := &Registry{
		connectors:   make(map[string]connector.Factory, len(b.connectors)),
		destinations: make(map[string]connector.DestinationFactory, len(b.destinations)),
	}
	for k, v := range b.connectors {
		r.connectors[k] = v
	}
	for k, v := range b.destinations {
		r.destinations[k] = v
	}
	return r
}

// ConnectorKinds lists the registered connector kind strings.
func (r *Registry) ConnectorKinds() []string {
	kinds := make([]string, 0, len(r.connectors))
	for k := range r.connectors {
		kinds = append(kinds, k)
	}
	return kinds
}

// DestinationKinds lists the registered destination kind strings.
func (r *Registry) DestinationKinds() []string {
	kinds := make([]string, 0, len(r.destinations))
	for k := range r.destinations {
		kinds = append(kinds, k)
	}
	return kinds
}

// ValidateConnector runs a kind's static validation without constructing it.
func (r *Registry) ValidateConnector(kind string, config json.RawMessage) error {
	f, ok := r.connectors[kind]
	if !ok {
		return fmt.Errorf("registry: unknown connector kind %q", kind)
	}
	return f.Validate(config)
}

// ValidateDestination runs a kind's static validation without constructing it.
func (r *Registry) ValidateDestination(kind string, config json.RawMessage) error {
	f, ok := r.destinations[kind]
	if !ok {
		return fmt.Errorf("registry: unknown destination kind %q", kind)
	}
	return f.Validate(config)
}

// CreateConnector validates then constructs a live Connector for kind.
func (r *Registry) CreateConnector(kind string, config json.RawMessage) (connector.Connector, error) {
	f, ok := r.connectors[kind]
	if !ok {
		return nil, connector.WrapInvalid("registry", "create_connector", fmt.Errorf("unknown connector kind %q", kind))
	}
	if err := f.Validate(config); err != nil {
		return nil, connector.WrapInvalid("registry", "create_connector", err)
	}
	c, err := f.Create(config)
	if err != nil {
		return nil, connector.WrapInvalid("registry", "create_connector", err)
	}
	return c, nil
}

// CreateDestination validates then constructs a live Destination for kind.
func (r *Registry) CreateDestination(kind string, config json.RawMessage) (connector.Destination, error) {
	f, ok := r.destinations[kind]
	if !ok {
		return nil, connector.WrapInvalid("registry", "create_destination", fmt.Errorf("unknown destination kind %q", kind))
	}
	if err := f.Validate(config); err != nil {
		return nil, connector.WrapInvalid("registry", "create_destination", err)
	}
	d, err := f.Create(config)
	if err != nil {
		return nil, connector.WrapInvalid("registry", "create_destination", err)
	}
	return d, nil
}

// HasConnectorKind reports whether kind is registered.
func (r *Registry) HasConnectorKind(kind string) bool {
	_, ok := r.connectors[kind]
	return ok
}

// HasDestinationKind reports whether kind is registered.
func (r *Registry) HasDestinationKind(kind string) bool {
	_, ok := r.destinations[kind]
	return ok
}
