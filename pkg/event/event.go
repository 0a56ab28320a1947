// Package event defines the shared value types that flow between
// connectors, destinations, the orchestrator, and the control plane.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of row mutation a ChangeEvent describes.
type Operation string

const (
	OpInsert   Operation = "insert"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
	OpSnapshot Operation = "snapshot"
)

// ChangeEvent is the unit of work dispatched through a flow. Once emitted
// by a connector it is immutable; callers must not mutate Data/Metadata
// after construction.
type ChangeEvent struct {
	ID        uuid.UUID
	Timestamp time.Time
	Source    string
	Table     string
	Operation Operation
	Data      map[string]any
	Metadata  map[string]string
}

// Equal implements the deduplication rule: two events are equal iff
// their IDs match.
func (e ChangeEvent) Equal(other ChangeEvent) bool {
	return e.ID == other.ID
}

// NewChangeEvent stamps a fresh ID and UTC timestamp.
func NewChangeEvent(source, table string, op Operation, data map[string]any, metadata map[string]string) ChangeEvent {
	return ChangeEvent{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Table:     table,
		Operation: op,
		Data:      data,
		Metadata:  metadata,
	}
}
