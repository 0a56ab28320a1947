// Package configstore implements the Config Store Adapter: a uniform
// CRUD interface over connector/destination/flow specs with optimistic
// concurrency via updated_at tokens, backed by either a YAML file tree
// or a Postgres relational schema.
package configstore

import (
	"context"
	"time"

	"github.com/brackenfield/flowgate/pkg/event"
)

// Store is the uniform interface every backend implements.
type Store interface {
	ListConnectors(ctx context.Context) ([]event.ConnectorSpec, error)
	GetConnector(ctx context.Context, name string) (event.ConnectorSpec, error)
	PutConnector(ctx context.Context, spec event.ConnectorSpec, expectedUpdatedAt *time.Time) (event.ConnectorSpec, error)
	DeleteConnector(ctx context.Context, name string) error

	ListDestinations(ctx context.Context) ([]event.DestinationSpec, error)
	GetDestination(ctx context.Context, name string) (event.DestinationSpec, error)
	PutDestination(ctx context.Context, spec event.DestinationSpec, expectedUpdatedAt *time.Time) (event.DestinationSpec, error)
	DeleteDestination(ctx context.Context, name string) error

	ListFlows(ctx context.Context) ([]event.FlowSpec, error)
	GetFlow(ctx context.Context, name string) (event.FlowSpec, error)
	PutFlow(ctx context.Context, spec event.FlowSpec, expectedUpdatedAt *time.Time) (event.FlowSpec, error)
	DeleteFlow(ctx context.Context, name string) error

	Close() error
}
