package configstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

// FileStore persists connectors/destinations/flows as three YAML
// documents in a directory, each a list of specs. It is the default
// backend (CONFIG_STORAGE=files).
type FileStore struct {
	dir string
	mu  sync.Mutex

	connectors   map[string]event.ConnectorSpec
	destinations map[string]event.DestinationSpec
	flows        map[string]event.FlowSpec
}

// NewFileStore loads (or initializes) the three documents under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, connector.WrapFatal("configstore.file", "open", fmt.Errorf("create config dir: %w", err))
	}
	s := &FileStore{
		dir:          dir,
		connectors:   make(map[string]event.ConnectorSpec),
		destinations: make(map[string]event.DestinationSpec),
		flows:        make(map[string]event.FlowSpec),
	}
	if err := loadYAML(filepath.Join(dir, "connectors.yaml"), &s.connectors); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, "destinations.yaml"), &s.destinations); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, "flows.yaml"), &s.flows); err != nil {
		return nil, err
	}
	return s, nil
}

func loadYAML[T any](path string, into *map[string]T) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return connector.WrapFatal("configstore.file", "load", err)
	}
	var list []T
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return connector.WrapFatal("configstore.file", "load", fmt.Errorf("parse %s: %w", path, err))
	}
	for _, item := range list {
		name := nameOf(item)
		(*into)[name] = item
	}
	return nil
}

func nameOf(v any) string {
	switch t := v.(type) {
	case event.ConnectorSpec:
		return t.Name
	case event.DestinationSpec:
		return t.Name
	case event.FlowSpec:
		return t.Name
	default:
		return ""
	}
}

func (s *FileStore) persistLocked() error {
	if err := writeYAML(filepath.Join(s.dir, "connectors.yaml"), sortedValues(s.connectors)); err != nil {
		return err
	}
	if err := writeYAML(filepath.Join(s.dir, "destinations.yaml"), sortedValues(s.destinations)); err != nil {
		return err
	}
	if err := writeYAML(filepath.Join(s.dir, "flows.yaml"), sortedValues(s.flows)); err != nil {
		return err
	}
	return nil
}

func writeYAML[T any](path string, list []T) error {
	raw, err := yaml.Marshal(list)
	if err != nil {
		return connector.WrapFatal("configstore.file", "persist", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return connector.WrapFatal("configstore.file", "persist", err)
	}
	return os.Rename(tmp, path)
}

func sortedValues[T any](m map[string]T) []T {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]T, 0, len(names))
	for _, n := range names {
		out = append(out, m[n])
	}
	return out
}

func (s *FileStore) ListConnectors(ctx context.Context) ([]event.ConnectorSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.connectors), nil
}

func (s *FileStore) GetConnector(ctx context.Context, name string) (event.ConnectorSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.connectors[name]
	if !ok {
		return event.ConnectorSpec{}, connector.ErrNotFound
	}
	return spec, nil
}

func (s *FileStore) PutConnector(ctx context.Context, spec event.ConnectorSpec, expected *time.Time) (event.ConnectorSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.connectors[spec.Name]
	if err := checkCAS(exists, existing.UpdatedAt, expected); err != nil {
		return event.ConnectorSpec{}, err
	}
	now := time.Now().UTC()
	if exists {
		spec.CreatedAt = existing.CreatedAt
	} else {
		spec.CreatedAt = now
	}
	spec.UpdatedAt = now
	s.connectors[spec.Name] = spec
	if err := s.persistLocked(); err != nil {
		return event.ConnectorSpec{}, err
	}
	return spec, nil
}

func (s *FileStore) DeleteConnector(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connectors[name]; !ok {
		return connector.ErrNotFound
	}
	for _, f := range s.flows {
		if f.ConnectorName == name {
			return connector.ErrReferential
		}
	}
	delete(s.connectors, name)
	return s.persistLocked()
}

func (s *FileStore) ListDestinations(ctx context.Context) ([]event.DestinationSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.destinations), nil
}

func (s *FileStore) GetDestination(ctx context.Context, name string) (event.DestinationSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.destinations[name]
	if !ok {
		return event.DestinationSpec{}, connector.ErrNotFound
	}
	return spec, nil
}

func (s *FileStore) PutDestination(ctx context.Context, spec event.DestinationSpec, expected *time.Time) (event.DestinationSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.destinations[spec.Name]
	if err := checkCAS(exists, existing.UpdatedAt, expected); err != nil {
		return event.DestinationSpec{}, err
	}
	now := time.Now().UTC()
	if exists {
		spec.CreatedAt = existing.CreatedAt
	} else {
		spec.CreatedAt = now
	}
	spec.UpdatedAt = now
	s.destinations[spec.Name] = spec
	if err := s.persistLocked(); err != nil {
		return event.DestinationSpec{}, err
	}
	return spec, nil
}

func (s *FileStore) DeleteDestination(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.destinations[name]; !ok {
		return connector.ErrNotFound
	}
	for _, f := range s.flows {
		for _, d := range f.DestinationNames {
			if d == name {
				return connector.ErrReferential
			}
		}
	}
	delete(s.destinations, name)
	return s.persistLocked()
}

func (s *FileStore) ListFlows(ctx context.Context) ([]event.FlowSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.flows), nil
}

func (s *FileStore) GetFlow(ctx context.Context, name string) (event.FlowSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.flows[name]
	if !ok {
		return event.FlowSpec{}, connector.ErrNotFound
	}
	return spec, nil
}

func (s *FileStore) PutFlow(ctx context.Context, spec event.FlowSpec, expected *time.Time) (event.FlowSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.flows[spec.Name]
	if err := checkCAS(exists, existing.UpdatedAt, expected); err != nil {
		return event.FlowSpec{}, err
	}
	spec.Normalize()
	now := time.Now().UTC()
	if exists {
		spec.CreatedAt = existing.CreatedAt
	} else {
		spec.CreatedAt = now
	}
	spec.UpdatedAt = now
	s.flows[spec.Name] = spec
	if err := s.persistLocked(); err != nil {
		return event.FlowSpec{}, err
	}
	return spec, nil
}

func (s *FileStore) DeleteFlow(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[name]; !ok {
		return connector.ErrNotFound
	}
	delete(s.flows, name)
	return s.persistLocked()
}

func (s *FileStore) Close() error { return nil }

// checkCAS implements the put contract: succeeds iff the current
// updated_at matches expected (or both are absent, for create).
func checkCAS(exists bool, current time.Time, expected *time.Time) error {
	if !exists {
		if expected != nil {
			return connector.ErrConflict
		}
		return nil
	}
	if expected == nil {
		return connector.ErrConflict
	}
	if !current.Equal(*expected) {
		return connector.ErrConflict
	}
	return nil
}
